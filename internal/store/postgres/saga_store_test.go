package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/sagaflow/internal/saga"
	"github.com/shaiso/sagaflow/internal/workflow"
)

func newTestSagaStore(t *testing.T) (*SagaHistoryStore[order, string], sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSagaHistoryStore[order, string](db, "saga_contexts"), mock
}

func TestSagaHistoryStore_Save_Upserts(t *testing.T) {
	store, mock := newTestSagaStore(t)
	sc := &saga.Context[order, string]{
		ID: "saga-1", URN: "order-1", Workflow: "checkout",
		Status: saga.StatusRunning, CreatedAt: time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO saga_contexts`)).
		WithArgs("saga-1", "order-1", "checkout", string(saga.StatusRunning),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), sc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaHistoryStore_Get_RoundTripsStepHistory(t *testing.T) {
	store, mock := newTestSagaStore(t)

	marshaled := marshaledContext[order, string]{
		ID: "saga-1", URN: "order-1", Workflow: "checkout",
		Status: saga.StatusCompensating,
		Steps: []marshaledStep[order, string]{
			{Name: "reserve-inventory", Payload: "ok", BeforeState: order{Status: "PENDING"}, AfterState: order{Status: "RESERVED"}, CompletedAt: time.Now()},
		},
	}
	data, err := json.Marshal(marshaled)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM saga_contexts WHERE id = $1`)).
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

	got, err := store.Get(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensating, got.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "reserve-inventory", got.Steps[0].Name)
	assert.Equal(t, order{Status: "PENDING"}, got.Steps[0].BeforeState)
	assert.Equal(t, order{Status: "RESERVED"}, got.Steps[0].AfterState)
	assert.False(t, got.Steps[0].Compensated)
}

func TestSagaHistoryStore_Get_Missing_ReturnsErrSagaNotFound(t *testing.T) {
	store, mock := newTestSagaStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM saga_contexts WHERE id = $1`)).
		WithArgs("absent").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, workflow.ErrSagaNotFound)
}

func TestSagaHistoryStore_Delete(t *testing.T) {
	store, mock := newTestSagaStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM saga_contexts WHERE id = $1`)).
		WithArgs("saga-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Delete(context.Background(), "saga-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaHistoryStore_SweepExpired_ReturnsRowsAffected(t *testing.T) {
	store, mock := newTestSagaStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM saga_contexts`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.SweepExpired(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

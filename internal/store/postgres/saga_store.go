package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shaiso/sagaflow/internal/saga"
	"github.com/shaiso/sagaflow/internal/workflow"
)

// DefaultSagaTTL matches spec.md §6's recommended saga-history retention.
const DefaultSagaTTL = time.Hour

// SagaHistoryStore implements saga.HistoryStore[T,P] against a
// saga_contexts table, generalizing the same JSONB-column approach
// EntityStore uses. internal/sagareaper sweeps rows past their TTL.
type SagaHistoryStore[T any, P any] struct {
	db      *sql.DB
	table   string
	breaker *gobreaker.CircuitBreaker
}

func NewSagaHistoryStore[T any, P any](db *sql.DB, tableName string) *SagaHistoryStore[T, P] {
	if tableName == "" {
		tableName = "saga_contexts"
	}
	return &SagaHistoryStore[T, P]{
		db:    db,
		table: tableName,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "postgres-saga-history",
			Timeout: 30 * time.Second,
		}),
	}
}

// marshaledContext is the JSON-serializable projection of saga.Context:
// CompensationFunc/Compensation closures cannot survive a round trip, so
// only the data fields are persisted. A context loaded through Get has a
// nil Compensation on every step, and neither saga.Coordinator.Resume nor
// registry.Register reattaches them, so Compensate skips such steps.
// Compensated round-trips so a
// resumed rollback honors at-most-once compensation (spec.md §8 property
// 10), and BeforeState/AfterState round-trip so compensation still runs
// against the right entity snapshot after a process restart.
type marshaledStep[T any, P any] struct {
	Name        string    `json:"name"`
	Payload     P         `json:"payload"`
	BeforeState T         `json:"before_state"`
	AfterState  T         `json:"after_state"`
	Compensated bool      `json:"compensated"`
	CompletedAt time.Time `json:"completed_at"`
}

type marshaledContext[T any, P any] struct {
	ID          string              `json:"id"`
	URN         string              `json:"urn"`
	Workflow    string              `json:"workflow"`
	Steps       []marshaledStep[T, P] `json:"steps"`
	Status      saga.Status         `json:"status"`
	FailureErr  string              `json:"failure_err,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt time.Time           `json:"completed_at,omitempty"`
}

func toMarshaled[T any, P any](sc *saga.Context[T, P]) marshaledContext[T, P] {
	steps := make([]marshaledStep[T, P], len(sc.Steps))
	for i, s := range sc.Steps {
		steps[i] = marshaledStep[T, P]{
			Name: s.Name, Payload: s.Payload,
			BeforeState: s.BeforeState, AfterState: s.AfterState, Compensated: s.Compensated,
			CompletedAt: s.CompletedAt,
		}
	}
	return marshaledContext[T, P]{
		ID: sc.ID, URN: sc.URN, Workflow: sc.Workflow, Steps: steps,
		Status: sc.Status, FailureErr: sc.FailureErr, CreatedAt: sc.CreatedAt, CompletedAt: sc.CompletedAt,
	}
}

func fromMarshaled[T any, P any](m marshaledContext[T, P]) *saga.Context[T, P] {
	steps := make([]saga.StepRecord[T, P], len(m.Steps))
	for i, s := range m.Steps {
		steps[i] = saga.StepRecord[T, P]{
			Name: s.Name, Payload: s.Payload,
			BeforeState: s.BeforeState, AfterState: s.AfterState, Compensated: s.Compensated,
			CompletedAt: s.CompletedAt,
		}
	}
	return &saga.Context[T, P]{
		ID: m.ID, URN: m.URN, Workflow: m.Workflow, Steps: steps,
		Status: m.Status, FailureErr: m.FailureErr, CreatedAt: m.CreatedAt, CompletedAt: m.CompletedAt,
	}
}

func (s *SagaHistoryStore[T, P]) Save(ctx context.Context, sc *saga.Context[T, P]) error {
	data, err := json.Marshal(toMarshaled(sc))
	if err != nil {
		return fmt.Errorf("marshal saga context %s: %w", sc.ID, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, urn, workflow, status, data, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, data = EXCLUDED.data, completed_at = EXCLUDED.completed_at
	`, s.table)

	_, err = s.breaker.Execute(func() (any, error) {
		return s.db.ExecContext(ctx, query, sc.ID, sc.URN, sc.Workflow, string(sc.Status), data, sc.CreatedAt, nullTime(sc.CompletedAt))
	})
	if err != nil {
		return fmt.Errorf("save saga context %s: %w", sc.ID, err)
	}
	return nil
}

func (s *SagaHistoryStore[T, P]) Get(ctx context.Context, id string) (*saga.Context[T, P], error) {
	var data []byte
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, s.table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga context %s: %w", id, err)
	}

	var m marshaledContext[T, P]
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal saga context %s: %w", id, err)
	}
	return fromMarshaled[T, P](m), nil
}

func (s *SagaHistoryStore[T, P]) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete saga context %s: %w", id, err)
	}
	return nil
}

// SweepExpired deletes every completed, compensated or failed saga context
// whose completed_at is older than ttl, returning the number of rows removed. Driven by
// internal/sagareaper.
func (s *SagaHistoryStore[T, P]) SweepExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('COMPLETED', 'COMPENSATED', 'FAILED')
		  AND completed_at IS NOT NULL
		  AND completed_at < $1
	`, s.table)
	res, err := s.db.ExecContext(ctx, query, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep expired saga contexts: %w", err)
	}
	return res.RowsAffected()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

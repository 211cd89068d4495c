package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/shaiso/sagaflow/internal/workflow"
)

// EntityStore is a generic, JSONB-column-backed implementation of
// workflow.EntityService[T,S]. A workflow author supplies the three small
// accessor closures that know how T's state field is shaped; EntityStore
// handles everything else (marshaling, the SQL, duplicate-load
// collapsing, circuit breaking) the same way for any T.
//
// Table shape (one table per call to NewEntityStore, named by TableName):
//
//	urn         text primary key
//	workflow    text not null
//	state       text not null
//	data        jsonb not null
//	updated_at  timestamptz not null
type EntityStore[T any, S comparable] struct {
	db        *sql.DB
	table     string
	workflow  string
	statusOf  func(T) S
	urnOf     func(T) string
	withState func(T, S) T
	stateStr  func(S) string

	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
}

// EntityStoreConfig wires NewEntityStore.
type EntityStoreConfig[T any, S comparable] struct {
	DB          *sql.DB
	TableName   string
	Workflow    string
	StatusOf    func(T) S
	URNOf       func(T) string
	WithState   func(T, S) T
	StateString func(S) string // renders S for the `state` column; defaults to fmt.Sprint
}

func NewEntityStore[T any, S comparable](cfg EntityStoreConfig[T, S]) *EntityStore[T, S] {
	stateStr := cfg.StateString
	if stateStr == nil {
		stateStr = func(s S) string { return fmt.Sprint(s) }
	}

	return &EntityStore[T, S]{
		db:        cfg.DB,
		table:     cfg.TableName,
		workflow:  cfg.Workflow,
		statusOf:  cfg.StatusOf,
		urnOf:     cfg.URNOf,
		withState: cfg.WithState,
		stateStr:  stateStr,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "postgres-entity-" + cfg.Workflow,
			MaxRequests: 5,
			Timeout:     30 * time.Second,
		}),
	}
}

// Load fetches the entity for urn, collapsing concurrent requests for the
// same urn into a single query via singleflight — a pure latency
// optimization, never a substitute for broker-level per-key ordering.
func (s *EntityStore[T, S]) Load(ctx context.Context, urn string) (T, error) {
	v, err, _ := s.group.Do(urn, func() (any, error) {
		return s.breaker.Execute(func() (any, error) {
			return s.loadOnce(ctx, urn)
		})
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (s *EntityStore[T, S]) loadOnce(ctx context.Context, urn string) (T, error) {
	var zero T
	var data []byte

	query := fmt.Sprintf(`SELECT data FROM %s WHERE urn = $1`, s.table)
	err := s.db.QueryRowContext(ctx, query, urn).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, workflow.ErrEntityNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("load entity %s: %w", urn, err)
	}

	var entity T
	if err := json.Unmarshal(data, &entity); err != nil {
		return zero, fmt.Errorf("unmarshal entity %s: %w", urn, err)
	}
	return entity, nil
}

// Update upserts the entity under the given urn, deriving the `state`
// column from the StatusOf/StateString closures so the SQL stays generic
// across workflows.
func (s *EntityStore[T, S]) Update(ctx context.Context, urn string, entity T) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity %s: %w", urn, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (urn, workflow, state, data, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (urn) DO UPDATE
		SET state = EXCLUDED.state, data = EXCLUDED.data, updated_at = now()
	`, s.table)

	_, err = s.breaker.Execute(func() (any, error) {
		return s.db.ExecContext(ctx, query, urn, s.workflow, s.stateStr(s.statusOf(entity)), data)
	})
	if err != nil {
		return fmt.Errorf("update entity %s: %w", urn, err)
	}
	return nil
}

func (s *EntityStore[T, S]) Status(entity T) S           { return s.statusOf(entity) }
func (s *EntityStore[T, S]) URN(entity T) string         { return s.urnOf(entity) }
func (s *EntityStore[T, S]) WithStatus(entity T, st S) T { return s.withState(entity, st) }

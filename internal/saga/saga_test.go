package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/sagaflow/internal/workflow"
)

type memStore[T any, P any] struct {
	mu    sync.Mutex
	items map[string]*Context[T, P]
}

func newMemStore[T any, P any]() *memStore[T, P] {
	return &memStore[T, P]{items: make(map[string]*Context[T, P])}
}

func (m *memStore[T, P]) Save(_ context.Context, sc *Context[T, P]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sc
	m.items[sc.ID] = &cp
	return nil
}

func (m *memStore[T, P]) Get(_ context.Context, id string) (*Context[T, P], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.items[id]
	if !ok {
		return nil, workflow.ErrSagaNotFound
	}
	return sc, nil
}

func (m *memStore[T, P]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

type order struct {
	Reserved bool
	Charged  bool
}

func TestCoordinator_RecordStep_CreatesContextLazily(t *testing.T) {
	store := newMemStore[order, string]()
	c := New(store, "checkout", workflow.SagaConfig{Rollback: workflow.RollbackReverseOrder})

	before := order{Reserved: false}
	after := order{Reserved: true}
	err := c.RecordStep(context.Background(), "order-1", "reserve-inventory", before, after, "ok",
		func(ctx context.Context, e order, p string) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.mu.Lock()
	sc := c.current["order-1"]
	c.mu.Unlock()
	if sc == nil {
		t.Fatal("expected saga context to be created")
	}
	if len(sc.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(sc.Steps))
	}
	if sc.Steps[0].BeforeState != before || sc.Steps[0].AfterState != after {
		t.Errorf("expected step to record the before/after entity snapshots, got %+v", sc.Steps[0])
	}
}

func TestCoordinator_Compensate_ReverseOrder(t *testing.T) {
	store := newMemStore[order, string]()
	c := New(store, "checkout", workflow.SagaConfig{Rollback: workflow.RollbackReverseOrder})

	var calls []string
	var mu sync.Mutex

	ctx := context.Background()
	_ = c.RecordStep(ctx, "order-2", "reserve", order{}, order{Reserved: true}, "a", compTrack(&calls, &mu, "reserve"))
	_ = c.RecordStep(ctx, "order-2", "charge", order{Reserved: true}, order{Reserved: true, Charged: true}, "b", compTrack(&calls, &mu, "charge"))

	sc, err := c.MarkFailed(ctx, "order-2", errors.New("boom"))
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := c.Compensate(ctx, sc, time.Second); err != nil {
		t.Fatalf("Compensate: %v", err)
	}

	if len(calls) != 2 || calls[0] != "charge" || calls[1] != "reserve" {
		t.Errorf("expected reverse order [charge reserve], got %v", calls)
	}
	for _, step := range sc.Steps {
		if !step.Compensated {
			t.Errorf("expected step %q to be marked compensated", step.Name)
		}
	}
	if sc.Status != StatusCompensated {
		t.Errorf("expected status COMPENSATED, got %s", sc.Status)
	}
}

func compTrack(log *[]string, mu *sync.Mutex, name string) workflow.CompensationFunc[order, string] {
	return func(ctx context.Context, e order, p string) error {
		mu.Lock()
		*log = append(*log, name)
		mu.Unlock()
		return nil
	}
}

func TestCoordinator_Compensate_FailFastAggregatesSingleError(t *testing.T) {
	store := newMemStore[order, string]()
	c := New(store, "checkout", workflow.SagaConfig{Rollback: workflow.RollbackReverseOrder, FailFast: true})

	ctx := context.Background()
	failing := func(ctx context.Context, e order, p string) error { return errors.New("compensation boom") }
	_ = c.RecordStep(ctx, "order-3", "reserve", order{}, order{}, "a", failing)
	_ = c.RecordStep(ctx, "order-3", "charge", order{}, order{}, "b", failing)

	sc, _ := c.MarkFailed(ctx, "order-3", errors.New("forward failure"))
	err := c.Compensate(ctx, sc, time.Second)
	if err == nil {
		t.Fatal("expected compensation error")
	}
	var cfe *workflow.CompensationFailureError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected CompensationFailureError, got %T", err)
	}
	if len(cfe.Errs) != 1 {
		t.Errorf("fail-fast should stop after first error, got %d errors", len(cfe.Errs))
	}
}

func TestCoordinator_Compensate_Parallel_RunsAllDespiteFailFast(t *testing.T) {
	store := newMemStore[order, string]()
	c := New(store, "checkout", workflow.SagaConfig{Rollback: workflow.RollbackParallel, FailFast: true})

	var ran int32
	var mu sync.Mutex
	track := func(ctx context.Context, e order, p string) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return errors.New("fail")
	}

	ctx := context.Background()
	_ = c.RecordStep(ctx, "order-4", "step-a", order{}, order{}, "a", track)
	_ = c.RecordStep(ctx, "order-4", "step-b", order{}, order{}, "b", track)
	_ = c.RecordStep(ctx, "order-4", "step-c", order{}, order{}, "c", track)

	sc, _ := c.MarkFailed(ctx, "order-4", errors.New("forward failure"))
	_ = c.Compensate(ctx, sc, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if ran != 3 {
		t.Errorf("expected all 3 parallel compensations to run despite FailFast, got %d", ran)
	}
}

func TestCoordinator_Compensate_SkipsAlreadyCompensatedStep(t *testing.T) {
	// spec.md §8 property 10: at-most-once compensation. Simulates a
	// resumed rollback where one step already succeeded before a crash.
	store := newMemStore[order, string]()
	c := New(store, "checkout", workflow.SagaConfig{Rollback: workflow.RollbackReverseOrder})

	var calls []string
	var mu sync.Mutex
	ctx := context.Background()
	_ = c.RecordStep(ctx, "order-5", "reserve", order{}, order{Reserved: true}, "a", compTrack(&calls, &mu, "reserve"))
	_ = c.RecordStep(ctx, "order-5", "charge", order{Reserved: true}, order{Reserved: true, Charged: true}, "b", compTrack(&calls, &mu, "charge"))

	sc, _ := c.MarkFailed(ctx, "order-5", errors.New("boom"))
	sc.Steps[1].Compensated = true // "charge" already rolled back in a prior attempt

	if err := c.Compensate(ctx, sc, time.Second); err != nil {
		t.Fatalf("Compensate: %v", err)
	}

	if len(calls) != 1 || calls[0] != "reserve" {
		t.Errorf("expected only the not-yet-compensated step to run, got %v", calls)
	}
}

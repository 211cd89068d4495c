// Package saga implements SAGA-pattern compensation bookkeeping: an
// append-only record of completed forward steps, and the logic to run
// compensations over that record in reverse order, original order, or in
// parallel, after a step fails.
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/sagaflow/internal/telemetry"
	"github.com/shaiso/sagaflow/internal/workflow"
)

// StepRecord is one completed forward step, kept so it can be undone.
// BeforeState and AfterState are the entity snapshots immediately around
// the transition (spec.md §8 property 8); compensation runs against
// BeforeState, matching spec.md §4.7's "invoke with (beforeState,
// stepPayload)". Compensated is set once this step's compensation has run
// successfully, and is checked before compensating again so a resumed or
// re-triggered rollback never double-compensates a step (spec.md §8
// property 10).
type StepRecord[T any, P any] struct {
	Name         string
	Payload      P
	Compensation workflow.CompensationFunc[T, P]
	CompletedAt  time.Time
	BeforeState  T
	AfterState   T
	Compensated  bool
}

// Status reports where a saga context currently stands.
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// Context is the persisted state of one saga run: the urn it concerns,
// every forward step recorded so far, and its current status. It is the
// unit of work HistoryStore saves and loads.
type Context[T any, P any] struct {
	ID          string
	URN         string
	Workflow    string
	Steps       []StepRecord[T, P]
	Status      Status
	FailureErr  string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// HistoryStore persists saga contexts. Implementations (store/memory,
// store/postgres) are responsible for their own TTL/cleanup policy;
// internal/sagareaper drives the postgres implementation's sweep.
type HistoryStore[T any, P any] interface {
	Save(ctx context.Context, sc *Context[T, P]) error
	Get(ctx context.Context, id string) (*Context[T, P], error)
	Delete(ctx context.Context, id string) error
}

// Coordinator drives one workflow's SAGA lifecycle: lazily creating a
// Context on first success, recording each subsequent forward step, and
// running Compensate when a step fails.
type Coordinator[T any, P any] struct {
	store    HistoryStore[T, P]
	workflow string
	cfg      workflow.SagaConfig

	mu      sync.Mutex
	current map[string]*Context[T, P] // urn -> in-flight context
}

func New[T any, P any](store HistoryStore[T, P], workflowName string, cfg workflow.SagaConfig) *Coordinator[T, P] {
	return &Coordinator[T, P]{
		store:    store,
		workflow: workflowName,
		cfg:      cfg,
		current:  make(map[string]*Context[T, P]),
	}
}

// RecordStep appends a completed forward step to the saga context for urn,
// creating the context lazily on the first call (spec.md's "SAGA context
// created on first successful transition, not at registration time").
// before and after are the entity snapshots immediately either side of the
// transition that just committed.
func (c *Coordinator[T, P]) RecordStep(ctx context.Context, urn, stepName string, before, after T, payload P, compensation workflow.CompensationFunc[T, P]) error {
	c.mu.Lock()
	sc, ok := c.current[urn]
	if !ok {
		sc = &Context[T, P]{
			ID:        uuid.NewString(),
			URN:       urn,
			Workflow:  c.workflow,
			Status:    StatusRunning,
			CreatedAt: time.Now(),
		}
		c.current[urn] = sc
	}
	sc.Steps = append(sc.Steps, StepRecord[T, P]{
		Name:         stepName,
		Payload:      payload,
		Compensation: compensation,
		CompletedAt:  time.Now(),
		BeforeState:  before,
		AfterState:   after,
	})
	c.mu.Unlock()

	return c.store.Save(ctx, sc)
}

// MarkFailed records that the forward path failed and the saga needs
// compensation, returning the context so the caller can pass it to
// Compensate.
func (c *Coordinator[T, P]) MarkFailed(ctx context.Context, urn string, failure error) (*Context[T, P], error) {
	c.mu.Lock()
	sc, ok := c.current[urn]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("saga: no in-flight context for urn %s", urn)
	}

	sc.Status = StatusCompensating
	if failure != nil {
		sc.FailureErr = failure.Error()
	}
	logger := telemetry.WithSagaID(telemetry.FromContext(ctx), sc.ID)
	logger.Warn("saga marked failed, awaiting compensation", "urn", urn, "error", failure)
	if err := c.store.Save(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// Resume loads a previously-persisted saga context by id, validating it is
// still compensable (not already COMPENSATED or terminally FAILED), for
// callers that need to drive compensation across a process restart.
func (c *Coordinator[T, P]) Resume(ctx context.Context, sagaID string) (*Context[T, P], error) {
	sc, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if sc.Status == StatusCompensated {
		return nil, fmt.Errorf("saga %s: already compensated, nothing to resume", sagaID)
	}
	if sc.Status == StatusFailed {
		return nil, fmt.Errorf("saga %s: already terminally failed, nothing to resume", sagaID)
	}
	c.mu.Lock()
	c.current[sc.URN] = sc
	c.mu.Unlock()
	return sc, nil
}

// Compensate runs every recorded step's compensation per the workflow's
// configured RollbackStrategy, each against the step's own recorded
// BeforeState (spec.md §4.7). The forward-path ctx is never passed
// directly to compensation funcs: it is wrapped in context.WithoutCancel
// so a cancelled forward request cannot abort rollback, then given a
// fresh compensationTimeout bound. Every already-Compensated step is
// skipped, and sc is persisted after each newly-compensated step (not
// just once at the end) so a crash mid-rollback can Resume without
// re-running compensations that already succeeded.
func (c *Coordinator[T, P]) Compensate(
	ctx context.Context,
	sc *Context[T, P],
	compensationTimeout time.Duration,
) error {
	logger := telemetry.WithSagaID(telemetry.FromContext(ctx), sc.ID)
	logger.Info("compensation starting", "steps", len(sc.Steps), "strategy", c.cfg.Rollback)

	base := context.WithoutCancel(ctx)
	order := compensationOrder(len(sc.Steps), c.cfg.Rollback)

	var err error
	if c.cfg.Rollback == workflow.RollbackParallel {
		err = c.compensateParallel(base, sc, order, compensationTimeout)
	} else {
		err = c.compensateSequential(base, sc, order, compensationTimeout)
	}

	if err != nil {
		sc.Status = StatusFailed
		logger.Error("compensation finished with errors", "error", err)
	} else {
		sc.Status = StatusCompensated
		logger.Info("compensation completed")
	}
	sc.CompletedAt = time.Now()

	if saveErr := c.store.Save(ctx, sc); saveErr != nil && err == nil {
		err = saveErr
	}

	c.mu.Lock()
	delete(c.current, sc.URN)
	c.mu.Unlock()

	return err
}

// compensationOrder returns the indices into sc.Steps in the order
// RollbackStrategy wants them visited. PARALLEL's order is irrelevant
// (every index is launched at once) so it reuses the forward order.
func compensationOrder(n int, strategy workflow.RollbackStrategy) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if strategy == workflow.RollbackInOrder || strategy == workflow.RollbackParallel {
		return order
	}
	// RollbackReverseOrder, and the zero value, default to reverse.
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func (c *Coordinator[T, P]) compensateSequential(ctx context.Context, sc *Context[T, P], order []int, timeout time.Duration) error {
	logger := telemetry.FromContext(ctx)
	var errs []error
	for _, i := range order {
		step := &sc.Steps[i]
		if step.Compensated || step.Compensation == nil {
			continue
		}
		if err := runCompensation(ctx, *step, timeout); err != nil {
			wrapped := fmt.Errorf("compensate step %q: %w", step.Name, err)
			logger.Error("compensation step failed", "step", step.Name, "error", err)
			if c.cfg.FailFast {
				return &workflow.CompensationFailureError{SagaID: sc.ID, Errs: []error{wrapped}}
			}
			errs = append(errs, wrapped)
			continue
		}
		step.Compensated = true
		logger.Info("compensation step completed", "step", step.Name)
		if saveErr := c.store.Save(ctx, sc); saveErr != nil {
			errs = append(errs, fmt.Errorf("persist compensated step %q: %w", step.Name, saveErr))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &workflow.CompensationFailureError{SagaID: sc.ID, Errs: errs}
}

// compensateParallel always launches every compensation step, regardless
// of FailFast: FailFast only changes how errors are aggregated once all
// goroutines have finished, never whether a later step gets to run. This
// mirrors the forward-path guarantee that a cancelled context never
// silently skips cleanup (Open Question #3 in the grounding ledger).
func (c *Coordinator[T, P]) compensateParallel(ctx context.Context, sc *Context[T, P], order []int, timeout time.Duration) error {
	logger := telemetry.FromContext(ctx)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, i := range order {
		step := &sc.Steps[i]
		if step.Compensated || step.Compensation == nil {
			continue
		}
		wg.Add(1)
		go func(step *StepRecord[T, P]) {
			defer wg.Done()
			if err := runCompensation(ctx, *step, timeout); err != nil {
				logger.Error("compensation step failed", "step", step.Name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
				mu.Unlock()
				return
			}
			logger.Info("compensation step completed", "step", step.Name)
			mu.Lock()
			step.Compensated = true
			saveErr := c.store.Save(ctx, sc)
			mu.Unlock()
			if saveErr != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("persist compensated step %q: %w", step.Name, saveErr))
				mu.Unlock()
			}
		}(step)
	}

	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	if c.cfg.FailFast {
		return &workflow.CompensationFailureError{SagaID: sc.ID, Errs: errs[:1]}
	}
	return &workflow.CompensationFailureError{SagaID: sc.ID, Errs: errs}
}

func runCompensation[T any, P any](ctx context.Context, step StepRecord[T, P], timeout time.Duration) error {
	cctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return step.Compensation(cctx, step.BeforeState, step.Payload)
}

// Package orchestrator implements the state-machine router (spec.md's
// C6): given an inbound workflow.Event, it loads the entity, finds the
// matching transition, runs the bound step function, and either persists
// the new state or hands the event back to the broker for retry.
//
// Transit is the pure entry point every dispatch path (a direct call from
// registry.Route.Dispatch, an AWS Lambda batch handler, a RabbitMQ
// consumer) eventually calls. Orchestrator additionally offers an optional
// RunDaemon/Stop daemon mode for operators who run sagaflow as a long-lived
// RabbitMQ consumer instead of a serverless batch handler.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/sagaflow/internal/match"
	"github.com/shaiso/sagaflow/internal/saga"
	"github.com/shaiso/sagaflow/internal/telemetry"
	"github.com/shaiso/sagaflow/internal/workflow"
)

// DefaultCompensationTimeout bounds how long any single compensation step
// may run once a saga starts rolling back.
const DefaultCompensationTimeout = 30 * time.Second

// Config wires an Orchestrator to its collaborators.
type Config[T any, S comparable, P any] struct {
	Definition *workflow.Definition[T, S, P]
	Entities   workflow.EntityService[T, S]
	Broker     workflow.BrokerPublisher[P]
	Saga       *saga.Coordinator[T, P]

	CompensationTimeout time.Duration
	Logger              *slog.Logger
	Metrics             *Metrics
}

// Orchestrator routes inbound events for one workflow.Definition.
type Orchestrator[T any, S comparable, P any] struct {
	def      *workflow.Definition[T, S, P]
	entities workflow.EntityService[T, S]
	broker   workflow.BrokerPublisher[P]
	sagaC    *saga.Coordinator[T, P]

	compensationTimeout time.Duration
	logger              *slog.Logger
	metrics             *Metrics

	stepFuncs     map[string]workflow.StepFunc[T, P]
	compensations map[string]workflow.CompensationFunc[T, P]
	retryOverride map[string]workflow.RetryConfig

	// Daemon mode lifecycle, grounded in the teacher's orchestrator.
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// New constructs an Orchestrator. Handlers are bound separately via
// BindHandlers so that registry.Register can build the Orchestrator before
// it has finished assembling the handler list.
func New[T any, S comparable, P any](cfg Config[T, S, P]) *Orchestrator[T, S, P] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.CompensationTimeout
	if timeout <= 0 {
		timeout = DefaultCompensationTimeout
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.DefaultRegisterer)
	}

	return &Orchestrator[T, S, P]{
		def:                 cfg.Definition,
		entities:            cfg.Entities,
		broker:              cfg.Broker,
		sagaC:               cfg.Saga,
		compensationTimeout: timeout,
		logger:              logger,
		metrics:             metrics,
	}
}

// BindHandlers attaches the step and compensation functions discovered by
// the registry. Keyed by event name for steps, and by the
// Handler.Compensates name for compensations. retryOverride carries any
// per-handler RetryConfig (spec.md §4.1's "per-handler retry override")
// that should be consulted instead of Definition.Retry for that event; it
// may be nil or partial.
func (o *Orchestrator[T, S, P]) BindHandlers(stepFuncs map[string]workflow.StepFunc[T, P], compensations map[string]workflow.CompensationFunc[T, P], retryOverride map[string]workflow.RetryConfig) {
	o.stepFuncs = stepFuncs
	o.compensations = compensations
	o.retryOverride = retryOverride
}

// retryConfigFor returns the RetryConfig that should govern eventName:
// its handler's override if one was bound, otherwise the workflow-wide
// default.
func (o *Orchestrator[T, S, P]) retryConfigFor(eventName string) workflow.RetryConfig {
	if cfg, ok := o.retryOverride[eventName]; ok {
		return cfg
	}
	return o.def.Retry
}

// Transit routes one inbound event through the workflow's transition
// table. It never blocks waiting for a retry delay: a retryable failure
// is handed back to the broker (emit-and-return boundary, spec.md §4.6)
// and Transit returns nil so the caller acks the inbound delivery.
func (o *Orchestrator[T, S, P]) Transit(ctx context.Context, evt workflow.Event[P]) error {
	logger := telemetry.WithURN(telemetry.WithWorkflow(o.logger, o.def.Name), evt.URN).
		With("event", evt.Topic, "attempt", evt.Attempt)
	ctx = telemetry.WithLogger(ctx, logger)

	skipEventCheck := false
	eventName := evt.Topic
	payload := evt.Payload
	// Bounded by transition count: a well-formed definition cannot chain
	// through more distinct states than it declares, so this loop always
	// terminates even though each pass reloads the entity fresh.
	maxHops := len(o.def.Transitions) + 1

	for hop := 0; hop < maxHops; hop++ {
		entity, err := o.entities.Load(ctx, evt.URN)
		if err != nil {
			if errors.Is(err, workflow.ErrEntityNotFound) {
				return &workflow.BadRequestError{URN: evt.URN, Event: evt.Topic, Message: "entity not found", Err: err}
			}
			return err // InfrastructureFailure, propagated unmodified
		}

		current := o.entities.Status(entity)

		if o.def.States.IsFinal(current) {
			logger.Info("event received for entity already in a final state, dropping", "state", current)
			o.metrics.observeFinalStateDrop(o.def.Name)
			return nil
		}

		transition, err := match.Find(o.def, entity, current, eventName, payload, skipEventCheck)
		if err != nil {
			// Ambiguous transition table or an unconditioned idle exit:
			// both are DefinitionErrors, non-retryable regardless of hop,
			// and never drive compensation (nothing executed yet).
			o.failEntity(ctx, logger, evt.URN, entity)
			return err
		}

		if transition == nil {
			if skipEventCheck {
				// No further automatic transition is eligible; this is the
				// normal end of a chain, not a failure.
				return nil
			}
			if o.def.States.IsIdle(current) {
				// spec.md §8 S2: a structurally-eligible idle transition
				// whose conditions didn't hold is not an error — the
				// entity just keeps waiting for a qualifying event.
				logger.Info("transition conditions not satisfied, entity remains idle", "state", current)
				return nil
			}
			if o.def.DefaultHandler != nil {
				if _, err := o.def.DefaultHandler(ctx, entity, payload); err != nil {
					logger.Error("default handler failed", "error", err)
					return err
				}
				return nil
			}
			o.failEntity(ctx, logger, evt.URN, entity)
			return &workflow.BadRequestError{URN: evt.URN, Event: eventName, Message: "no transition from current state matches this event"}
		}

		result, stepErr := o.runStep(ctx, transition.Event, entity, payload)
		if stepErr != nil {
			retryEvt := workflow.Event[P]{Topic: transition.Event, URN: evt.URN, Attempt: evt.Attempt, Payload: payload}
			return o.handleStepFailure(ctx, logger, retryEvt, entity, stepErr)
		}

		if err := o.recordAndAdvance(ctx, evt, entity, transition, result); err != nil {
			return err
		}

		if o.def.States.IsFinal(transition.To) {
			return nil
		}

		// Automatic chaining: try the next eligible transition from the
		// new state without waiting for a new inbound event, regardless
		// of whether that state is idle (spec.md §4.6 — chaining stops
		// only on a final state or when no further transition applies).
		logger.Info("chaining automatic transition", "to", transition.To)
		skipEventCheck = true
		payload = result
	}

	return nil
}

func (o *Orchestrator[T, S, P]) runStep(ctx context.Context, eventName string, entity T, payload P) (P, error) {
	fn, ok := o.stepFuncs[eventName]
	if !ok || fn == nil {
		return payload, nil // no handler registered: pure state move
	}
	return fn(ctx, entity, payload)
}

func (o *Orchestrator[T, S, P]) handleStepFailure(ctx context.Context, logger *slog.Logger, evt workflow.Event[P], entity T, stepErr error) error {
	retryCfg := o.retryConfigFor(evt.Topic)

	if workflow.IsUnretriable(stepErr) {
		logger.Error("step failed with an unretriable error", "error", stepErr)
		o.metrics.observeFailure(o.def.Name, "unretriable")
		return o.failSaga(ctx, evt.URN, entity, stepErr)
	}

	if retryCfg.MaxAttempts > 0 && evt.Attempt >= retryCfg.MaxAttempts {
		logger.Error("retry attempts exhausted", "error", stepErr)
		o.metrics.observeFailure(o.def.Name, "exhausted")
		return o.failSaga(ctx, evt.URN, entity, stepErr)
	}

	if retryErr := o.broker.Retry(ctx, evt, retryCfg.MaxAttempts); retryErr != nil {
		logger.Error("step failed and retry scheduling also failed", "step_error", stepErr, "retry_error", retryErr)
		o.metrics.observeFailure(o.def.Name, "retry_scheduling_failed")
		return retryErr
	}

	logger.Warn("step failed, redelivery scheduled", "error", stepErr)
	o.metrics.observeRetry(o.def.Name)
	return nil
}

// failEntity persists the workflow's configured failed state onto entity,
// if one is configured. This is best-effort cleanup after a non-retryable
// failure has already been decided: a store error here is logged, not
// propagated, so it never masks the original cause.
func (o *Orchestrator[T, S, P]) failEntity(ctx context.Context, logger *slog.Logger, urn string, entity T) {
	if !o.def.States.HasFailedState {
		return
	}
	failed := o.entities.WithStatus(entity, o.def.States.Failed)
	if err := o.entities.Update(ctx, urn, failed); err != nil {
		logger.Error("failed to persist entity into the failed state", "error", err)
	}
}

func (o *Orchestrator[T, S, P]) failSaga(ctx context.Context, urn string, entity T, cause error) error {
	logger := telemetry.FromContext(ctx)
	o.failEntity(ctx, logger, urn, entity)

	if o.sagaC == nil {
		return cause
	}
	sc, err := o.sagaC.MarkFailed(ctx, urn, cause)
	if err != nil {
		return errors.Join(cause, err)
	}

	// Enrich ctx with the saga ID (assigned by RecordStep when the context
	// was created) now that MarkFailed has returned the context, so
	// Compensate and every compensation function it calls can log it
	// without having it threaded through as an explicit parameter.
	ctx = telemetry.WithLogger(ctx, telemetry.WithSagaID(logger, sc.ID))

	if compErr := o.sagaC.Compensate(ctx, sc, o.compensationTimeout); compErr != nil {
		o.metrics.observeCompensationFailure(o.def.Name)
		return errors.Join(cause, compErr)
	}
	o.metrics.observeCompensation(o.def.Name)
	return cause
}

func (o *Orchestrator[T, S, P]) recordAndAdvance(ctx context.Context, evt workflow.Event[P], entity T, transition *workflow.Transition[T, S, P], result P) error {
	updated := o.entities.WithStatus(entity, transition.To)
	if err := o.entities.Update(ctx, evt.URN, updated); err != nil {
		return err
	}

	if o.sagaC != nil {
		compFn := o.compensations[transition.Event]
		if err := o.sagaC.RecordStep(ctx, evt.URN, transition.Event, entity, updated, result, compFn); err != nil {
			return err
		}
	}

	o.metrics.observeTransition(o.def.Name, transition.To)
	return nil
}


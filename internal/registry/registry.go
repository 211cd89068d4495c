// Package registry replaces the decorator/DI-token discovery mechanism of
// the original NestJS-based implementation (@Workflow, @OnEvent,
// @OnCompensation, @WithRetry, @Entity, @Payload) with explicit, typed Go
// registration: a workflow author builds a Definition and a set of
// Handlers, and Register binds them into the process-wide event-name to
// Route map that the orchestrator dispatch loop consults.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/saga"
	"github.com/shaiso/sagaflow/internal/workflow"
)

// Handler binds one transition's event name to the step function (and,
// for SAGA workflows, its compensation) that should run when it fires.
type Handler[T any, S comparable, P any] struct {
	Event          string
	Fn             workflow.StepFunc[T, P]
	Retry          *workflow.RetryConfig // overrides Definition.Retry for this step, if set
	Compensates    string                // event name of the step CompensationFn undoes; matched against the transition's Event when the step is recorded
	CompensationFn workflow.CompensationFunc[T, P]
}

// Route is the type-erased unit the registry dispatches against: it knows
// how to decode a raw JSON payload and hand the resulting workflow.Event to
// a bound orchestrator, without the caller needing to know the concrete
// T/S/P type parameters.
type Route struct {
	Workflow string
	Dispatch func(ctx context.Context, urn string, attempt int, rawPayload json.RawMessage) error
}

// Builder accumulates Routes under construction. It is not safe for
// concurrent registration; build the full set of workflows during process
// startup on a single goroutine, then call Build to freeze it.
type Builder struct {
	routes map[string]Route
}

func NewBuilder() *Builder {
	return &Builder{routes: make(map[string]Route)}
}

// Register binds def to entitySvc and broker, constructs the orchestrator
// and (if def.Saga is set) saga.Coordinator that will run it, and inserts
// one Route per handler's Event into the builder's map. Duplicate event
// names — whether within this call or across separate Register calls on
// the same Builder — return a DefinitionError immediately rather than
// deferring the conflict to Build.
func Register[T any, S comparable, P any](
	b *Builder,
	def *workflow.Definition[T, S, P],
	entitySvc workflow.EntityService[T, S],
	broker workflow.BrokerPublisher[P],
	history saga.HistoryStore[T, P],
	handlers ...Handler[T, S, P],
) (*orchestrator.Orchestrator[T, S, P], error) {
	seen := make(map[string]bool, len(handlers))
	for _, h := range handlers {
		if h.Event == "" {
			return nil, &workflow.DefinitionError{Workflow: def.Name, Field: "handlers", Message: "handler has an empty event name"}
		}
		if seen[h.Event] {
			return nil, &workflow.DefinitionError{Workflow: def.Name, Field: "handlers", Message: fmt.Sprintf("duplicate handler for event %q within this definition", h.Event)}
		}
		seen[h.Event] = true
		if _, exists := b.routes[h.Event]; exists {
			return nil, &workflow.DefinitionError{Workflow: def.Name, Field: "handlers", Message: fmt.Sprintf("event %q is already registered by another workflow", h.Event)}
		}
	}

	var coordinator *saga.Coordinator[T, P]
	if def.Saga != nil {
		if history == nil {
			return nil, &workflow.DefinitionError{Workflow: def.Name, Field: "saga", Message: "SagaConfig is set but no HistoryStore was provided"}
		}
		coordinator = saga.New(history, def.Name, *def.Saga)
	}

	orch := orchestrator.New(orchestrator.Config[T, S, P]{
		Definition: def,
		Entities:   entitySvc,
		Broker:     broker,
		Saga:       coordinator,
	})

	stepFuncs := make(map[string]workflow.StepFunc[T, P], len(handlers))
	compensations := make(map[string]workflow.CompensationFunc[T, P], len(handlers))
	retryOverride := make(map[string]workflow.RetryConfig)
	for _, h := range handlers {
		stepFuncs[h.Event] = h.Fn
		if h.CompensationFn != nil {
			compensations[h.Compensates] = h.CompensationFn
		}
		if h.Retry != nil {
			retryOverride[h.Event] = *h.Retry
		}
	}
	orch.BindHandlers(stepFuncs, compensations, retryOverride)

	for _, h := range handlers {
		event := h.Event
		b.routes[event] = Route{
			Workflow: def.Name,
			Dispatch: func(ctx context.Context, urn string, attempt int, rawPayload json.RawMessage) error {
				var payload P
				if len(rawPayload) > 0 {
					if err := json.Unmarshal(rawPayload, &payload); err != nil {
						return &workflow.BadRequestError{URN: urn, Event: event, Message: "payload does not match expected shape", Err: err}
					}
				}
				return orch.Transit(ctx, workflow.Event[P]{Topic: event, URN: urn, Attempt: attempt, Payload: payload})
			},
		}
	}

	return orch, nil
}

// Build freezes the accumulated routes into a read-only Registry. After
// Build, concurrent Lookup calls need no further locking.
func (b *Builder) Build() *Registry {
	frozen := make(map[string]Route, len(b.routes))
	for k, v := range b.routes {
		frozen[k] = v
	}
	return &Registry{routes: frozen}
}

// Registry is the process-wide, read-only event-name to Route map produced
// by Builder.Build.
type Registry struct {
	routes map[string]Route
}

// Lookup returns the Route registered for eventName, or ErrUnknownEvent.
func (r *Registry) Lookup(eventName string) (Route, error) {
	route, ok := r.routes[eventName]
	if !ok {
		return Route{}, workflow.ErrUnknownEvent
	}
	return route, nil
}

// Dispatch decodes rawPayload and runs the handler registered for
// eventName, returning workflow.ErrUnknownEvent if nothing is registered.
func (r *Registry) Dispatch(ctx context.Context, eventName, urn string, attempt int, rawPayload json.RawMessage) error {
	route, err := r.Lookup(eventName)
	if err != nil {
		return err
	}
	return route.Dispatch(ctx, urn, attempt, rawPayload)
}

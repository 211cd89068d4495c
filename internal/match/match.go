// Package match implements transition lookup: given a workflow
// definition, an entity's current state, and an inbound event, find the
// single transition that should fire.
package match

import (
	"github.com/shaiso/sagaflow/internal/workflow"
)

// Find locates the transition in def that should fire for entity
// receiving eventName with payload. skipEventCheck is set by the
// orchestrator when chaining an automatic transition (one whose
// destination state immediately has another eligible transition) so the
// lookup matches on current state alone rather than requiring the
// synthetic follow-up to carry a real event name.
//
// Find is a pure function of its arguments (spec.md §8 property 2) and
// never itself decides what a "no transition fires" result means — that
// is a policy question (stay idle vs. BadRequestError vs. defaultHandler)
// that only the orchestrator (C6), which knows whether the current state
// is an idle wait-point, can answer. Find returns (nil, nil) for that
// case; the orchestrator interprets it.
//
// Matching follows spec.md §4.5:
//  1. Collect every transition whose From set contains the entity's
//     current state and whose Event matches (unless skipEventCheck).
//  2. If none match structurally, return (nil, nil).
//  3. If the current state is idle, every structural candidate MUST carry
//     at least one Condition — an unconditioned transition leaving an
//     idle state would fire unconditionally and defeat the "wait for an
//     external event" contract, so this is rejected as a DefinitionError
//     before conditions are even evaluated (spec.md §8 property 4).
//  4. Evaluate each candidate's Conditions (all must hold within one
//     transition). If none pass, return (nil, nil) — the orchestrator
//     decides whether that's a no-op (idle) or a BadRequestError
//     (non-idle).
//  5. Collect the distinct `To` destinations among passing candidates. If
//     more than one, that's an ambiguous definition (spec.md §8 property
//     3): DefinitionError. Otherwise return the (first, in definition
//     order) passing transition.
func Find[T any, S comparable, P any](
	def *workflow.Definition[T, S, P],
	entity T,
	currentState S,
	eventName string,
	payload P,
	skipEventCheck bool,
) (*workflow.Transition[T, S, P], error) {
	var candidates []*workflow.Transition[T, S, P]

	for i := range def.Transitions {
		t := &def.Transitions[i]
		if !containsState(t.From, currentState) {
			continue
		}
		if !skipEventCheck && t.Event != eventName {
			continue
		}
		candidates = append(candidates, t)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	if def.States.IsIdle(currentState) {
		for _, t := range candidates {
			if len(t.Conditions) == 0 {
				return nil, &workflow.DefinitionError{
					Workflow: def.Name,
					Field:    "transitions",
					Message:  "idle state has an unconditioned outgoing transition; it would never wait for an external event",
				}
			}
		}
	}

	var passing []*workflow.Transition[T, S, P]
	seen := make(map[S]bool, len(candidates))
	var distinctTo []S
	for _, t := range candidates {
		if !conditionsHold(t.Conditions, entity, payload) {
			continue
		}
		passing = append(passing, t)
		if !seen[t.To] {
			seen[t.To] = true
			distinctTo = append(distinctTo, t.To)
		}
	}

	if len(passing) == 0 {
		return nil, nil
	}

	if len(distinctTo) > 1 {
		return nil, &workflow.DefinitionError{
			Workflow: def.Name,
			Field:    "transitions",
			Message:  "multiple transitions with different destinations are simultaneously eligible; transition table is ambiguous",
		}
	}

	return passing[0], nil
}

func containsState[S comparable](states []S, s S) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func conditionsHold[T any, P any](conds []workflow.Condition[T, P], entity T, payload P) bool {
	for _, cond := range conds {
		if !cond(entity, payload) {
			return false
		}
	}
	return true
}

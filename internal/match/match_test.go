package match

import (
	"testing"

	"github.com/shaiso/sagaflow/internal/workflow"
)

type order struct {
	Total int
}

const (
	stateNew       = "NEW"
	statePending   = "PENDING"
	stateApproved  = "APPROVED"
	stateRejected  = "REJECTED"
	stateCompleted = "COMPLETED"
)

func reviewDefinition() *workflow.Definition[order, string, struct{}] {
	return &workflow.Definition[order, string, struct{}]{
		Name: "order-review",
		States: workflow.States[string]{
			Idle:  []string{statePending},
			Final: map[string]bool{stateApproved: true, stateRejected: true},
		},
		Transitions: []workflow.Transition[order, string, struct{}]{
			{From: []string{stateNew}, To: statePending, Event: "submit"},
			{
				From: []string{statePending}, To: stateApproved, Event: "review",
				Conditions: []workflow.Condition[order, struct{}]{
					func(e order, _ struct{}) bool { return e.Total < 1000 },
				},
			},
			{
				From: []string{statePending}, To: stateRejected, Event: "review",
				Conditions: []workflow.Condition[order, struct{}]{
					func(e order, _ struct{}) bool { return e.Total >= 1000 },
				},
			},
		},
	}
}

func TestFind_SingleUnconditionedMatch(t *testing.T) {
	def := reviewDefinition()
	tr, err := Find(def, order{Total: 50}, stateNew, "submit", struct{}{}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.To != statePending {
		t.Errorf("got To=%s, want %s", tr.To, statePending)
	}
}

func TestFind_IdleStateBranchesOnCondition(t *testing.T) {
	def := reviewDefinition()

	tr, err := Find(def, order{Total: 50}, statePending, "review", struct{}{}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.To != stateApproved {
		t.Errorf("small order: got To=%s, want %s", tr.To, stateApproved)
	}

	tr, err = Find(def, order{Total: 5000}, statePending, "review", struct{}{}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.To != stateRejected {
		t.Errorf("large order: got To=%s, want %s", tr.To, stateRejected)
	}
}

func TestFind_NoMatchingEvent_ReturnsNilTransition(t *testing.T) {
	// Find itself never raises BadRequestError: whether "no transition
	// fires" is a no-op (idle) or an error (non-idle) is the
	// orchestrator's call, not the matcher's.
	def := reviewDefinition()
	tr, err := Find(def, order{}, stateNew, "review", struct{}{}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr != nil {
		t.Errorf("expected nil transition for an unmatched event, got %+v", tr)
	}
}

func TestFind_IdleConditionFails_ReturnsNilNotError(t *testing.T) {
	// S2 in spec.md §8: an idle-state transition whose condition doesn't
	// hold is not an error — the entity simply stays idle.
	def := &workflow.Definition[order, string, struct{}]{
		Name: "gated-approval",
		States: workflow.States[string]{
			Idle: []string{statePending},
		},
		Transitions: []workflow.Transition[order, string, struct{}]{
			{
				From: []string{statePending}, To: stateApproved, Event: "order.created",
				Conditions: []workflow.Condition[order, struct{}]{
					func(e order, _ struct{}) bool { return e.Total > 0 },
				},
			},
		},
	}

	tr, err := Find(def, order{Total: 0}, statePending, "order.created", struct{}{}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr != nil {
		t.Errorf("expected nil transition, got %+v", tr)
	}
}

func TestFind_IdleStateSingleUnconditionedTransition_IsDefinitionError(t *testing.T) {
	// spec.md §8 property 4: rejected "at the first step" even when there
	// is only one structurally-matching candidate, not just when several
	// compete.
	def := &workflow.Definition[order, string, struct{}]{
		Name: "broken-idle-single",
		States: workflow.States[string]{
			Idle: []string{statePending},
		},
		Transitions: []workflow.Transition[order, string, struct{}]{
			{From: []string{statePending}, To: stateApproved, Event: "review"},
		},
	}

	_, err := Find(def, order{}, statePending, "review", struct{}{}, false)
	var defErr *workflow.DefinitionError
	if !asDefinitionError(err, &defErr) {
		t.Errorf("expected DefinitionError, got %T: %v", err, err)
	}
}

func TestFind_AmbiguousNonIdleState_IsDefinitionError(t *testing.T) {
	def := &workflow.Definition[order, string, struct{}]{
		Name: "broken",
		States: workflow.States[string]{
			// stateNew is NOT declared idle, yet two transitions compete.
		},
		Transitions: []workflow.Transition[order, string, struct{}]{
			{From: []string{stateNew}, To: statePending, Event: "go"},
			{From: []string{stateNew}, To: stateCompleted, Event: "go"},
		},
	}

	_, err := Find(def, order{}, stateNew, "go", struct{}{}, false)
	if err == nil {
		t.Fatal("expected definition error")
	}
	var defErr *workflow.DefinitionError
	if !asDefinitionError(err, &defErr) {
		t.Errorf("expected DefinitionError, got %T: %v", err, err)
	}
}

func TestFind_IdleStateUnconditionedCompetitor_IsDefinitionError(t *testing.T) {
	def := &workflow.Definition[order, string, struct{}]{
		Name: "broken-idle",
		States: workflow.States[string]{
			Idle: []string{statePending},
		},
		Transitions: []workflow.Transition[order, string, struct{}]{
			{
				From: []string{statePending}, To: stateApproved, Event: "review",
				Conditions: []workflow.Condition[order, struct{}]{
					func(e order, _ struct{}) bool { return true },
				},
			},
			{From: []string{statePending}, To: stateRejected, Event: "review"}, // no conditions
		},
	}

	_, err := Find(def, order{}, statePending, "review", struct{}{}, false)
	var defErr *workflow.DefinitionError
	if !asDefinitionError(err, &defErr) {
		t.Errorf("expected DefinitionError, got %T: %v", err, err)
	}
}

func asDefinitionError(err error, target **workflow.DefinitionError) bool {
	if e, ok := err.(*workflow.DefinitionError); ok {
		*target = e
		return true
	}
	return false
}

package orchestrator

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-transition Prometheus instrumentation, grounded on
// the teacher's use of client_golang in cmd/automata-orchestrator. Every
// observe method is safe on a nil *Metrics, but neither New nor NewMetrics
// produces one: NewMetrics always returns a usable value, even when
// registration is skipped due to a duplicate-collector error.
type Metrics struct {
	transitions   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	compensations *prometheus.CounterVec
	finalDrops    *prometheus.CounterVec
}

// NewMetrics builds and registers the orchestrator's metric vectors
// against reg. Passing nil skips registration (useful in unit tests that
// don't care about Prometheus at all).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_transitions_total",
			Help: "Number of successful state transitions, by workflow and destination state.",
		}, []string{"workflow", "to_state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_retries_total",
			Help: "Number of step retries scheduled, by workflow.",
		}, []string{"workflow"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_failures_total",
			Help: "Number of terminal step failures, by workflow and reason.",
		}, []string{"workflow", "reason"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_compensations_total",
			Help: "Number of SAGA compensation runs, by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		finalDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_final_state_drops_total",
			Help: "Number of events dropped because the entity was already in a final state.",
		}, []string{"workflow"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.transitions, m.retries, m.failures, m.compensations, m.finalDrops} {
			_ = reg.Register(c) // duplicate registration (e.g. in tests) is non-fatal
		}
	}

	return m
}

func (m *Metrics) observeTransition(workflowName string, toState any) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(workflowName, toLabel(toState)).Inc()
}

func (m *Metrics) observeRetry(workflowName string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(workflowName).Inc()
}

func (m *Metrics) observeFailure(workflowName, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(workflowName, reason).Inc()
}

func (m *Metrics) observeCompensation(workflowName string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(workflowName, "compensated").Inc()
}

func (m *Metrics) observeCompensationFailure(workflowName string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(workflowName, "failed").Inc()
}

func (m *Metrics) observeFinalStateDrop(workflowName string) {
	if m == nil {
		return
	}
	m.finalDrops.WithLabelValues(workflowName).Inc()
}

func toLabel(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

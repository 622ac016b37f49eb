package observability

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gemfi/native/lending"
)

// LendingMetrics wraps the collectors tracking the loan lifecycle engine. It
// satisfies lending.Metrics.
type LendingMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	loansByState  *prometheus.GaugeVec
	collaborators *prometheus.CounterVec
}

var _ lending.Metrics = (*LendingMetrics)(nil)

// NewLendingMetrics registers the lending collectors with reg.
func NewLendingMetrics(reg prometheus.Registerer) *LendingMetrics {
	m := &LendingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gemfi",
			Subsystem: "lending",
			Name:      "operations_total",
			Help:      "Count of lending operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gemfi",
			Subsystem: "lending",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for lending operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gemfi",
			Subsystem: "lending",
			Name:      "transitions_total",
			Help:      "Committed loan state transitions.",
		}, []string{"from", "to"}),
		loansByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gemfi",
			Subsystem: "lending",
			Name:      "loans",
			Help:      "Loans observed in each state since process start.",
		}, []string{"state"}),
		collaborators: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gemfi",
			Subsystem: "lending",
			Name:      "collaborator_failures_total",
			Help:      "Failures returned by external collaborators.",
		}, []string{"collaborator"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.transitions, m.loansByState, m.collaborators)
	}
	return m
}

// ObserveTransition records a committed state change. Loans leaving the
// requested state are new and were never counted in the gauge.
func (m *LendingMetrics) ObserveTransition(from, to lending.State) {
	if m == nil {
		return
	}
	if from == "" {
		from = lending.StateRequested
	}
	if from != lending.StateRequested {
		m.loansByState.WithLabelValues(string(from)).Dec()
	}
	m.loansByState.WithLabelValues(string(to)).Inc()
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveOperation records the execution metrics for an engine operation.
func (m *LendingMetrics) ObserveOperation(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op, outcome(err)).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveCollaboratorFailure counts a failed call to an external dependency.
func (m *LendingMetrics) ObserveCollaboratorFailure(name string) {
	if m == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "unknown"
	}
	m.collaborators.WithLabelValues(name).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, lending.ErrPaused):
		return "paused"
	case lending.IsRetryable(err):
		return "retryable"
	case lending.IsBusinessRule(err):
		return "rejected"
	default:
		return "error"
	}
}

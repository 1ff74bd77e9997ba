package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loancast/fundingpolicy/policy"
)

const namespace = "loancast"

var (
	// Decisions counts funding decisions by outcome (ok, rejected, killed)
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Number of funding policy decisions",
		},
		[]string{"outcome"},
	)

	// RejectionReasons counts individual rejection reasons
	RejectionReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "rejection_reasons_total",
			Help:      "Number of times each rejection reason was reported",
		},
		[]string{"reason"},
	)

	// EvaluateLatency tracks the time spent in a full loan evaluation
	EvaluateLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "funding",
			Name:      "evaluate_latency_seconds",
			Help:      "Time spent loading records and evaluating a loan for a lender",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// LifecycleTransitions counts loan status changes made by the sweeper
	LifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Number of loan status transitions applied by the sweeper",
		},
		[]string{"from", "to"},
	)

	// RateLimited counts fund requests rejected by the rate limiter
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funding",
			Name:      "ratelimited_total",
			Help:      "Number of fund requests rejected by the rate limiter",
		},
	)
)

var registerOnce sync.Once

// MustRegister registers all metrics with the default Prometheus registry.
// Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Decisions,
			RejectionReasons,
			EvaluateLatency,
			LifecycleTransitions,
			RateLimited,
		)
	})
}

// Outcome labels a decision for the decisions counter
func Outcome(d policy.Decision) string {
	switch {
	case d.OK:
		return "ok"
	case d.Killed():
		return "killed"
	}
	return "rejected"
}

// ReasonLabel keeps label cardinality bounded: every holdback reason
// collapses into one label
func ReasonLabel(reason string) string {
	if policy.IsHoldback(reason) {
		return "holdback_window_active"
	}
	return reason
}

// ObserveDecision records a decision and its rejection reasons
func ObserveDecision(d policy.Decision, elapsed time.Duration) {
	Decisions.WithLabelValues(Outcome(d)).Inc()
	EvaluateLatency.Observe(elapsed.Seconds())
	if d.OK {
		return
	}
	for _, r := range d.Reasons {
		RejectionReasons.WithLabelValues(ReasonLabel(r)).Inc()
	}
}

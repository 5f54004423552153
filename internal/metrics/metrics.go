package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "linode_provider"

var (
	// Operations counts lifecycle operations by resource kind, operation and
	// result ("ok" or "error").
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Lifecycle operations executed.",
	}, []string{"kind", "operation", "result"})

	// OperationSeconds observes how long each lifecycle operation took,
	// polling included.
	OperationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of lifecycle operations.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 240, 480},
	}, []string{"kind", "operation"})

	// PollEvaluations counts condition evaluations per named wait point.
	PollEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_evaluations_total",
		Help:      "Condition evaluations performed while waiting for the control plane.",
	}, []string{"wait"})

	// PollTimeouts counts waits that ran out of budget.
	PollTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_timeouts_total",
		Help:      "Waits that exhausted their time budget.",
	}, []string{"wait"})

	// DetachReissues counts detach requests re-sent while waiting.
	DetachReissues = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detach_reissues_total",
		Help:      "Detach requests re-issued to mask silently dropped requests.",
	})
)

// ObserveOperation records one finished operation.
func ObserveOperation(kind, op string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Operations.WithLabelValues(kind, op, result).Inc()
	OperationSeconds.WithLabelValues(kind, op).Observe(seconds)
}

// RegisterMetrics registers Prometheus handler in provided mux
func RegisterMetrics(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}

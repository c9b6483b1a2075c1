package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal counts dispatched frames by executor, dispatch type and write result
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_dispatch_total",
			Help: "Total number of dispatch writes",
		},
		[]string{"executor", "dispatch_type", "result"},
	)

	// InvokeDuration tracks the time from dispatch to terminal completion in seconds
	InvokeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsejob_invoke_duration_seconds",
			Help:    "Duration from dispatch to response, failure or timeout in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60},
		},
		[]string{"executor", "status"},
	)

	// PendingInvocations tracks invocations waiting for a response
	PendingInvocations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsejob_pending_invocations",
			Help: "Number of invocations waiting for a response",
		},
	)

	// InvokeTimeoutsTotal counts invocations completed by their timeout timer
	InvokeTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_invoke_timeouts_total",
			Help: "Total number of invocations that timed out",
		},
		[]string{"executor"},
	)

	// FailoverRetriesTotal counts fail-over re-dispatches
	FailoverRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_failover_retries_total",
			Help: "Total number of fail-over retries",
		},
		[]string{"executor"},
	)

	// FailsafeSuppressedTotal counts failures swallowed by the fail-safe invoker
	FailsafeSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_failsafe_suppressed_total",
			Help: "Total number of failures suppressed by fail-safe invocation",
		},
		[]string{"executor"},
	)

	// ConnectionsActive tracks live connections by side (acceptor or connector)
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulsejob_connections_active",
			Help: "Number of live transport connections",
		},
		[]string{"side"},
	)

	// ReconnectAttemptsTotal counts reconnects scheduled by the watchdog per remote address
	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		},
		[]string{"address"},
	)

	// NodeGroupsEvictedTotal counts node groups removed after their deadline passed
	NodeGroupsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_node_groups_evicted_total",
			Help: "Total number of node groups evicted from an endpoint",
		},
		[]string{"executor"},
	)

	// ProtocolErrorsTotal counts connections closed on a framing violation
	ProtocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_protocol_errors_total",
			Help: "Total number of protocol violations",
		},
		[]string{"reason"},
	)

	// ExecutorInstances tracks registered instances per executor
	ExecutorInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulsejob_executor_instances",
			Help: "Number of registered instances per executor",
		},
		[]string{"executor"},
	)

	// WorkerRejectedTotal counts tasks rejected by a saturated worker pool
	WorkerRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_worker_rejected_total",
			Help: "Total number of tasks rejected by a full worker pool",
		},
		[]string{"pool"},
	)

	// FilterRejectedTotal counts invocations short-circuited by a filter
	FilterRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsejob_filter_rejected_total",
			Help: "Total number of invocations rejected by a filter",
		},
		[]string{"filter"},
	)
)

// RecordDispatch counts one write attempt; ok selects the "success" or "failure" result label
func RecordDispatch(executor, dispatchType string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	DispatchTotal.WithLabelValues(executor, dispatchType, result).Inc()
}

// RecordInvokeDuration records how long an invocation took to reach a terminal state
func RecordInvokeDuration(executor, status string, durationSeconds float64) {
	InvokeDuration.WithLabelValues(executor, status).Observe(durationSeconds)
}

// IncPending increments the pending invocation gauge
func IncPending() {
	PendingInvocations.Inc()
}

// DecPending decrements the pending invocation gauge
func DecPending() {
	PendingInvocations.Dec()
}

// RecordInvokeTimeout counts a timed out invocation
func RecordInvokeTimeout(executor string) {
	InvokeTimeoutsTotal.WithLabelValues(executor).Inc()
}

// RecordFailoverRetry counts a fail-over retry
func RecordFailoverRetry(executor string) {
	FailoverRetriesTotal.WithLabelValues(executor).Inc()
}

// RecordFailsafeSuppressed counts a failure swallowed by fail-safe invocation
func RecordFailsafeSuppressed(executor string) {
	FailsafeSuppressedTotal.WithLabelValues(executor).Inc()
}

// RecordConnectionOpened increments the live connection gauge for side
func RecordConnectionOpened(side string) {
	ConnectionsActive.WithLabelValues(side).Inc()
}

// RecordConnectionClosed decrements the live connection gauge for side
func RecordConnectionClosed(side string) {
	ConnectionsActive.WithLabelValues(side).Dec()
}

// RecordReconnectAttempt counts a scheduled reconnect to address
func RecordReconnectAttempt(address string) {
	ReconnectAttemptsTotal.WithLabelValues(address).Inc()
}

// RecordNodeGroupEvicted counts an evicted node group
func RecordNodeGroupEvicted(executor string) {
	NodeGroupsEvictedTotal.WithLabelValues(executor).Inc()
}

// RecordProtocolError counts a protocol violation
func RecordProtocolError(reason string) {
	ProtocolErrorsTotal.WithLabelValues(reason).Inc()
}

// SetExecutorInstances sets the number of registered instances of executor
func SetExecutorInstances(executor string, count int) {
	ExecutorInstances.WithLabelValues(executor).Set(float64(count))
}

// RecordWorkerRejected counts a task rejected by pool
func RecordWorkerRejected(pool string) {
	WorkerRejectedTotal.WithLabelValues(pool).Inc()
}

// RecordFilterRejected counts an invocation short-circuited by filter
func RecordFilterRejected(filter string) {
	FilterRejectedTotal.WithLabelValues(filter).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(adminOperationTotal, enqueueLockTotal) }

var (
	adminOperationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_operation_total",
			Help: "Administrative job operations by outcome.",
		},
		[]string{"operation", "status"}, // status: 'ok', 'rejected', 'error'
	)

	enqueueLockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enqueue_lock_total",
			Help: "Per-thread enqueue lock attempts.",
		},
		[]string{"result"}, // acquired, contended, error
	)
)

func IncAdminOperation(operation, status string) {
	adminOperationTotal.WithLabelValues(norm(operation), norm(status)).Inc()
}

func IncEnqueueLock(result string) {
	enqueueLockTotal.WithLabelValues(norm(result)).Inc()
}

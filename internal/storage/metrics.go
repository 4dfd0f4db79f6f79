package storage

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for project store operations.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ProjectsCreated   prometheus.Counter
	ProjectsDeleted   prometheus.Counter
}

// NewMetrics registers the store metrics once per process and returns them.
//
// Metrics:
//   - projectvs_store_operations_total{op,result} - store calls by outcome kind
//   - projectvs_store_operation_duration_seconds{op} - store call latency
//   - projectvs_projects_created_total - projects created or cloned
//   - projectvs_projects_deleted_total - projects deleted
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			OperationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "projectvs_store_operations_total",
					Help: "Total number of project store operations",
				},
				[]string{"op", "result"},
			),
			OperationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "projectvs_store_operation_duration_seconds",
					Help:    "Duration of project store operations in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
				},
				[]string{"op"},
			),
			ProjectsCreated: promauto.NewCounter(prometheus.CounterOpts{
				Name: "projectvs_projects_created_total",
				Help: "Total number of projects created or cloned",
			}),
			ProjectsDeleted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "projectvs_projects_deleted_total",
				Help: "Total number of projects deleted",
			}),
		}
	})
	return globalMetrics
}

// observe records the outcome of one operation started at start. It is
// meant to be deferred with a pointer to the operation's named error.
func (m *Metrics) observe(op string, start time.Time, errp *error) {
	if m == nil {
		return
	}
	result := "ok"
	if errp != nil && *errp != nil {
		result = string(KindOf(*errp))
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

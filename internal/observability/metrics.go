package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frontend",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total EXECUTE messages dispatched, by opcode and resulting status.",
		},
		[]string{"opcode", "status"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "frontend",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent executing one dispatched opcode.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"opcode"},
	)
	handlesInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "frontend",
			Subsystem: "handles",
			Name:      "in_use",
			Help:      "Number of file/directory handle slots currently allocated.",
		},
	)
)

// RegisterMetrics registers the package's collectors with the default
// Prometheus registry exactly once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(dispatchTotal, dispatchDuration, handlesInUse)
	})
}

// RecordDispatch records one completed EXECUTE dispatch.
func RecordDispatch(opcode, status string, duration time.Duration) {
	RegisterMetrics()
	dispatchTotal.WithLabelValues(opcode, status).Inc()
	dispatchDuration.WithLabelValues(opcode).Observe(duration.Seconds())
}

// SetHandlesInUse reports the current handle table occupancy.
func SetHandlesInUse(n int) {
	RegisterMetrics()
	handlesInUse.Set(float64(n))
}

package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *metrics
	metricsOnce   sync.Once
)

type metrics struct {
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics() *metrics {
	metricsOnce.Do(func() {
		globalMetrics = &metrics{
			outcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "testvis_orchestrator_subsystem_outcomes_total",
					Help: "Subsystem configuration outcomes",
				},
				[]string{"subsystem", "outcome"},
			),
			duration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "testvis_orchestrator_configure_duration_seconds",
					Help:    "Time spent waiting for subsystems to configure",
					Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
				},
			),
		}
	})
	return globalMetrics
}

package writer

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
	written   *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	failures  *prometheus.CounterVec
	interval  *prometheus.GaugeVec
}

// newMetrics registers the writer collectors once per process; writers are
// told apart by the "writer" label.
func newMetrics() *metrics {
	metricsOnce.Do(func() {
		globalMetrics = &metrics{
			written: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "testvis_writer_events_written_total",
					Help: "Total number of events accepted into the buffer",
				},
				[]string{"writer"},
			),
			dropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "testvis_writer_events_dropped_total",
					Help: "Total number of buffered events discarded before delivery",
				},
				[]string{"writer", "reason"}, // "overflow", "forced_stop" or "fork"
			),
			delivered: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "testvis_writer_events_delivered_total",
					Help: "Total number of events handed to the deliverer",
				},
				[]string{"writer"},
			),
			failures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "testvis_writer_delivery_failures_total",
					Help: "Total number of failed delivery chunks",
				},
				[]string{"writer", "kind"}, // "server" or "client"
			),
			interval: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "testvis_writer_flush_interval_seconds",
					Help: "Current flush interval including backoff",
				},
				[]string{"writer"},
			),
		}
	})
	return globalMetrics
}

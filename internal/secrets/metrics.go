package secrets

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once
	redactions  *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		redactions = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "testvis_secrets_redactions_total",
			Help: "Secrets redacted from span tags, by detection rule.",
		}, []string{"rule"})
	})
}

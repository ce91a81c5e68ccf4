package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type ObligationMetrics struct {
	processed  *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	terminated *prometheus.CounterVec
	queueSize  *prometheus.GaugeVec
	queueLag   *prometheus.GaugeVec
	vaultValue prometheus.Gauge
}

var (
	obligationsOnce     sync.Once
	obligationsRegistry *ObligationMetrics
)

func Obligations() *ObligationMetrics {
	obligationsOnce.Do(func() {
		obligationsRegistry = &ObligationMetrics{
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recurring_obligations_processed_total",
				Help: "Count of successfully processed obligations by kind.",
			}, []string{"kind"}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recurring_obligations_skipped_total",
				Help: "Count of non-fatal processing skips by kind and reason.",
			}, []string{"kind", "reason"}),
			terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recurring_obligations_terminated_total",
				Help: "Count of obligations moved to a terminal state by kind and cause.",
			}, []string{"kind", "cause"}),
			queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "recurring_queue_size",
				Help: "Live obligations pending in each manager queue.",
			}, []string{"queue"}),
			queueLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "recurring_queue_cursor_lag_seconds",
				Help: "Distance between now and each queue cursor's bucket.",
			}, []string{"queue"}),
			vaultValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "recurring_vault_total_value",
				Help: "Total base-asset value held by the vault.",
			}),
		}
		prometheus.MustRegister(
			obligationsRegistry.processed,
			obligationsRegistry.skipped,
			obligationsRegistry.terminated,
			obligationsRegistry.queueSize,
			obligationsRegistry.queueLag,
			obligationsRegistry.vaultValue,
		)
	})
	return obligationsRegistry
}

func (m *ObligationMetrics) ObserveProcessed(kind string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(kind).Inc()
}

func (m *ObligationMetrics) ObserveSkip(kind, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(kind, reason).Inc()
}

func (m *ObligationMetrics) ObserveTerminated(kind, cause string) {
	if m == nil {
		return
	}
	m.terminated.WithLabelValues(kind, cause).Inc()
}

func (m *ObligationMetrics) SetQueueSize(queue string, size float64) {
	if m == nil {
		return
	}
	m.queueSize.WithLabelValues(queue).Set(size)
}

func (m *ObligationMetrics) SetQueueLag(queue string, seconds float64) {
	if m == nil {
		return
	}
	m.queueLag.WithLabelValues(queue).Set(seconds)
}

func (m *ObligationMetrics) SetVaultValue(value float64) {
	if m == nil {
		return
	}
	m.vaultValue.Set(value)
}

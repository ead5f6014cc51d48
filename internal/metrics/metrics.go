// Package metrics holds the prometheus collectors of the settlement services.
// A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry            *prometheus.Registry
	ledgerOpsTotal      *prometheus.CounterVec
	confirmationLatency *prometheus.HistogramVec
	mirrorWritesTotal   *prometheus.CounterVec
	retryQueueDepth     prometheus.Gauge
	reconciledTotal     *prometheus.CounterVec
	indexedEventsTotal  *prometheus.CounterVec
}

func New() *Registry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ledger_operations_total",
		Help: "Ledger operations by kind and outcome",
	}, []string{"kind", "outcome"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_confirmation_seconds",
		Help:    "Time from submission to ledger confirmation",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 300},
	}, []string{"kind"})

	mirror := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_mirror_writes_total",
		Help: "Mirror store writes by result (inserted/duplicate/failed/retried)",
	}, []string{"result"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_retry_queue_depth",
		Help: "Mirror writes waiting in the retry queue",
	})

	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reconciled_operations_total",
		Help: "Pending operations resolved by the reconciler",
	}, []string{"status"})

	indexed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_indexed_events_total",
		Help: "Ledger events consumed by the indexer",
	}, []string{"kind"})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, latency, mirror, depth, reconciled, indexed)

	return &Registry{
		registry:            r,
		ledgerOpsTotal:      ops,
		confirmationLatency: latency,
		mirrorWritesTotal:   mirror,
		retryQueueDepth:     depth,
		reconciledTotal:     reconciled,
		indexedEventsTotal:  indexed,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) ObserveOperation(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ledgerOpsTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == "confirmed" {
		m.confirmationLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func (m *Registry) IncMirrorWrite(result string) {
	if m == nil {
		return
	}
	m.mirrorWritesTotal.WithLabelValues(result).Inc()
}

func (m *Registry) SetRetryQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.retryQueueDepth.Set(float64(depth))
}

func (m *Registry) IncReconciled(status string) {
	if m == nil {
		return
	}
	m.reconciledTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncIndexed(kind string) {
	if m == nil {
		return
	}
	m.indexedEventsTotal.WithLabelValues(kind).Inc()
}

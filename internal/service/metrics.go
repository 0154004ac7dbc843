package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for countersign.
// Pass to components that need to record metrics.
type Metrics struct {
	ProposalsTotal   *prometheus.CounterVec
	ConsumesTotal    *prometheus.CounterVec
	PendingEnvelopes prometheus.Gauge
	ExpiredTotal     prometheus.Counter
	ClassifierCache  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ProposalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "proposals_total",
				Help:      "Tool call proposals by classification outcome",
			},
			[]string{"outcome"}, // outcome=auto/deferred
		),
		ConsumesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "consumes_total",
				Help:      "Decision set submissions by result",
			},
			[]string{"result"}, // consumed or the rejection reason
		),
		PendingEnvelopes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "countersign",
				Name:      "pending_envelopes",
				Help:      "Envelopes currently awaiting a decision",
			},
		),
		ExpiredTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "expired_envelopes_total",
				Help:      "Envelopes expired by TTL or key rotation",
			},
		),
		ClassifierCache: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "classifier_cache_total",
				Help:      "Command classifier cache lookups",
			},
			[]string{"result"}, // result=hit/miss
		),
	}
}

// Package metrics exposes matcher counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bytestrike/matcher/pkg/app/core"
)

type Metrics struct {
	ordersProcessed    *prometheus.CounterVec
	trades             prometheus.Counter
	evictions          *prometheus.CounterVec
	settlementOutcomes *prometheus.CounterVec
	settlementRetries  prometheus.Counter
	settlementLatency  prometheus.Histogram
	droppedEvents      *prometheus.CounterVec
	tradeLogFailures   prometheus.Counter
}

// New registers the matcher collectors with reg. A nil reg builds unregistered
// collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matcher",
			Name:      "orders_processed_total",
			Help:      "Orders processed by the matching engine, by path.",
		}, []string{"path"}),
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matcher",
			Name:      "trades_total",
			Help:      "Fills settled on the ledger.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matcher",
			Name:      "maker_evictions_total",
			Help:      "Resting orders removed without a trade, by reason.",
		}, []string{"reason"}),
		settlementOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matcher",
			Name:      "settlement_outcomes_total",
			Help:      "Settlement attempts by final outcome.",
		}, []string{"outcome"}),
		settlementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matcher",
			Name:      "settlement_retries_total",
			Help:      "Ledger submissions retried after a transient failure.",
		}),
		settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "matcher",
			Name:      "settlement_latency_seconds",
			Help:      "Latency of single ledger submissions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matcher",
			Name:      "dropped_events_total",
			Help:      "Book events dropped because a sink buffer was full.",
		}, []string{"sink"}),
		tradeLogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matcher",
			Name:      "trade_log_failures_total",
			Help:      "Trades that could not be persisted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ordersProcessed,
			m.trades,
			m.evictions,
			m.settlementOutcomes,
			m.settlementRetries,
			m.settlementLatency,
			m.droppedEvents,
			m.tradeLogFailures,
		)
	}
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics { return New(nil) }

func (m *Metrics) OrderProcessed(path string) { m.ordersProcessed.WithLabelValues(path).Inc() }
func (m *Metrics) Trade()                     { m.trades.Inc() }
func (m *Metrics) Eviction(reason string)     { m.evictions.WithLabelValues(reason).Inc() }
func (m *Metrics) SettlementRetry()           { m.settlementRetries.Inc() }
func (m *Metrics) DroppedEvent(sink string)   { m.droppedEvents.WithLabelValues(sink).Inc() }
func (m *Metrics) TradeLogFailure()           { m.tradeLogFailures.Inc() }

func (m *Metrics) SettlementOutcome(s core.SettlementStatus) {
	m.settlementOutcomes.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) ObserveSettlement(d time.Duration) {
	m.settlementLatency.Observe(d.Seconds())
}

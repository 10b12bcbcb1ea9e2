package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Namespace prefixes every metric exported by this module
const Namespace = "flashsettle"

// NewRegistry returns a fresh registry; callers pass it to the constructors
// below so tests and multiple engines never collide on registration.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// SettlementMetrics tracks the settlement state machine
type SettlementMetrics struct {
	Attempts    prometheus.Counter
	Settled     prometheus.Counter
	Aborted     *prometheus.CounterVec
	Volume      *prometheus.CounterVec
	Fees        *prometheus.CounterVec
	SuccessRate prometheus.Gauge
	Active      prometheus.Gauge
	Latency     prometheus.Histogram
}

func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	f := promauto.With(reg)
	return &SettlementMetrics{
		Attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "attempts_total",
			Help:      "Total number of flash loan settlement attempts",
		}),
		Settled: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "settled_total",
			Help:      "Number of attempts that reached the repaid state",
		}),
		Aborted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "aborted_total",
			Help:      "Number of aborted attempts by reason code",
		}, []string{"reason"}),
		Volume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "principal_base_units_total",
			Help:      "Principal lent by settled attempts in base units",
		}, []string{"symbol"}),
		Fees: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "fees_base_units_total",
			Help:      "Fees collected by the pool in base units",
		}, []string{"symbol"}),
		SuccessRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "success_rate",
			Help:      "Settled attempts divided by total attempts",
		}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "active",
			Help:      "Attempts currently inside a unit of execution",
		}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "latency_seconds",
			Help:      "Duration of one settlement attempt",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}

// UpdateSuccessRate recomputes the success-rate gauge from the counters
func (m *SettlementMetrics) UpdateSuccessRate() {
	total := CounterValue(m.Attempts)
	if total > 0 {
		m.SuccessRate.Set(CounterValue(m.Settled) / total)
	}
}

// ClientMetrics tracks the execution client
type ClientMetrics struct {
	Requests       prometheus.Counter
	Outcomes       *prometheus.CounterVec
	FinalityWait   prometheus.Histogram
	Throttled      prometheus.Counter
	EventsObserved prometheus.Counter
}

func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	f := promauto.With(reg)
	return &ClientMetrics{
		Requests: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Flash loan requests received",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "outcomes_total",
			Help:      "Reported outcomes by status and code",
		}, []string{"status", "code"}),
		FinalityWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "finality_wait_seconds",
			Help:      "Time between submission and observed finality",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		Throttled: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "throttled_total",
			Help:      "Submissions delayed by the rate limiter",
		}),
		EventsObserved: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "events_observed_total",
			Help:      "Balance update events observed while waiting",
		}),
	}
}

// LedgerMetrics tracks the in-process execution environment
type LedgerMetrics struct {
	Units     *prometheus.CounterVec
	GasUsed   prometheus.Histogram
	Height    prometheus.Gauge
	Conflicts prometheus.Counter
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	f := promauto.With(reg)
	return &LedgerMetrics{
		Units: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ledger",
			Name:      "units_total",
			Help:      "Units of execution by final status",
		}, []string{"status"}),
		GasUsed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "ledger",
			Name:      "gas_used",
			Help:      "Budget consumed per unit of execution",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 10),
		}),
		Height: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "ledger",
			Name:      "block_height",
			Help:      "Current block height",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ledger",
			Name:      "write_conflicts_total",
			Help:      "Units reverted by commit-time validation",
		}),
	}
}

// NotifyMetrics tracks the notification channel
type NotifyMetrics struct {
	Emitted     prometheus.Counter
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter
	Subscribers prometheus.Gauge
}

func NewNotifyMetrics(reg prometheus.Registerer) *NotifyMetrics {
	f := promauto.With(reg)
	return &NotifyMetrics{
		Emitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "emitted_total",
			Help:      "Balance update events emitted",
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "delivered_total",
			Help:      "Events delivered to subscribers",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Active subscribers",
		}),
	}
}

// CounterValue reads the current value of a counter
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

// GaugeValue reads the current value of a gauge
func GaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil || m.Gauge == nil {
		return 0
	}
	return m.Gauge.GetValue()
}

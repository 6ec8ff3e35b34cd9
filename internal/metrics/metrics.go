package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the round engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RoundsTotal        prometheus.Counter
	RoundCrashValue    prometheus.Histogram
	ForcedRounds       prometheus.Counter
	TicksTotal         prometheus.Counter
	WagersPlaced       *prometheus.CounterVec
	WagersRejected     *prometheus.CounterVec
	Cashouts           *prometheus.CounterVec
	PayoutsTotal       prometheus.Counter
	SettlementFailures prometheus.Counter
	DeadLetters        prometheus.Counter
	ConnectedSessions  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoundsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_rounds_total",
			Help: "Rounds that reached the terminal phase.",
		}),
		RoundCrashValue: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crash_round_crash_value",
			Help:    "Final crash value per round.",
			Buckets: []float64{1.1, 1.5, 2, 3, 5, 10, 25, 100, 1000},
		}),
		ForcedRounds: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_rounds_forced_total",
			Help: "Rounds whose crash value came from a schedule override.",
		}),
		TicksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_ticks_total",
			Help: "Value ticks broadcast.",
		}),
		WagersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_wagers_placed_total",
			Help: "Accepted wagers by kind.",
		}, []string{"kind"}),
		WagersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_wagers_rejected_total",
			Help: "Rejected wager operations by reason code.",
		}, []string{"reason"}),
		Cashouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_cashouts_total",
			Help: "Accepted cashouts by path.",
		}, []string{"path"}),
		PayoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_payouts_amount_total",
			Help: "Sum of credited payouts.",
		}),
		SettlementFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_settlement_failures_total",
			Help: "Settlement writes that failed and were queued for retry.",
		}),
		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_dead_letters_total",
			Help: "Settlement writes that exhausted their retries.",
		}),
		ConnectedSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_connected_sessions",
			Help: "Open websocket sessions.",
		}),
	}
}

func (m *Metrics) RoundFinished(crash float64, forced bool) {
	if m == nil {
		return
	}
	m.RoundsTotal.Inc()
	m.RoundCrashValue.Observe(crash)
	if forced {
		m.ForcedRounds.Inc()
	}
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
}

func (m *Metrics) WagerPlaced(kind string) {
	if m == nil {
		return
	}
	m.WagersPlaced.WithLabelValues(kind).Inc()
}

func (m *Metrics) WagerRejected(reason string) {
	if m == nil {
		return
	}
	m.WagersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Cashout(path string, payout float64) {
	if m == nil {
		return
	}
	m.Cashouts.WithLabelValues(path).Inc()
	m.PayoutsTotal.Add(payout)
}

func (m *Metrics) SettlementFailure() {
	if m == nil {
		return
	}
	m.SettlementFailures.Inc()
}

func (m *Metrics) DeadLetter() {
	if m == nil {
		return
	}
	m.DeadLetters.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ConnectedSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ConnectedSessions.Dec()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Admissions         *prometheus.CounterVec
	TicketsSold        *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	PayoutAmount       *prometheus.CounterVec
	StuckPools         *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "potline_admissions_total",
			Help: "Purchase attempts by tier and outcome",
		}, []string{"tier", "outcome"}),

		TicketsSold: f.NewCounterVec(prometheus.CounterOpts{
			Name: "potline_tickets_sold_total",
			Help: "Tickets committed by tier",
		}, []string{"tier"}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "potline_settlements_total",
			Help: "Settlement runs by tier and outcome",
		}, []string{"tier", "outcome"}),

		SettlementDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "potline_settlement_duration_seconds",
			Help:    "Time from lock to commit of a settlement, payout included",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tier"}),

		PayoutAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "potline_payout_amount_total",
			Help: "Amount paid out by tier and kind (prize, house, dev, referral, unallocated)",
		}, []string{"tier", "kind"}),

		StuckPools: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "potline_stuck_pools",
			Help: "Open pools at capacity seen by the last reconciliation sweep",
		}, []string{"tier"}),
	}
}

func (m *Metrics) Admission(tier, outcome string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) Sold(tier string, n int) {
	if m == nil {
		return
	}
	m.TicketsSold.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) Settlement(tier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(tier, outcome).Inc()
	m.SettlementDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func (m *Metrics) Payout(tier, kind string, amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.PayoutAmount.WithLabelValues(tier, kind).Add(amount.InexactFloat64())
}

func (m *Metrics) Stuck(tier string, n int) {
	if m == nil {
		return
	}
	m.StuckPools.WithLabelValues(tier).Set(float64(n))
}

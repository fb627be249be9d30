// Package metrics exposes Prometheus metrics:
//
//	hodl_cycles_total{plan,result}   cycles by outcome (ok|partial|failed|skipped|interrupted)
//	hodl_orders_total{side,result}   orders by outcome (filled|failed|skipped|reconcile)
//	hodl_order_attempts_total        exchange submissions, retries included
//	hodl_exchange_call_seconds{op}   exchange call latency
//	hodl_portfolio_value             portfolio value in the base currency
//	hodl_portfolio_invested          remaining cost basis
//	hodl_last_cycle_timestamp{plan}  unix time of the last finished cycle
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder struct {
	cycles    *prometheus.CounterVec
	orders    *prometheus.CounterVec
	attempts  prometheus.Counter
	latency   *prometheus.HistogramVec
	value     prometheus.Gauge
	invested  prometheus.Gauge
	lastCycle *prometheus.GaugeVec
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hodl_cycles_total",
			Help: "Savings plan cycles by result",
		}, []string{"plan", "result"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hodl_orders_total",
			Help: "Orders by side and result",
		}, []string{"side", "result"}),
		attempts: f.NewCounter(prometheus.CounterOpts{
			Name: "hodl_order_attempts_total",
			Help: "Order submissions sent to the exchange, retries included",
		}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hodl_exchange_call_seconds",
			Help:    "Exchange call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		value: f.NewGauge(prometheus.GaugeOpts{
			Name: "hodl_portfolio_value",
			Help: "Portfolio value in the base currency",
		}),
		invested: f.NewGauge(prometheus.GaugeOpts{
			Name: "hodl_portfolio_invested",
			Help: "Remaining cost basis in the base currency",
		}),
		lastCycle: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hodl_last_cycle_timestamp",
			Help: "Unix time of the last finished cycle",
		}, []string{"plan"}),
	}
}

func (r *Recorder) CycleDone(plan, result string, at time.Time) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(plan, result).Inc()
	r.lastCycle.WithLabelValues(plan).Set(float64(at.Unix()))
}

func (r *Recorder) OrderDone(side, result string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(side, result).Inc()
}

func (r *Recorder) OrderAttempt() {
	if r == nil {
		return
	}
	r.attempts.Inc()
}

func (r *Recorder) ObserveCall(op string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (r *Recorder) SetPortfolio(value, invested float64) {
	if r == nil {
		return
	}
	r.value.Set(value)
	r.invested.Set(invested)
}

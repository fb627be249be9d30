package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.CycleDone("weekly", "ok", time.Unix(1700000000, 0))
	r.OrderDone("buy", "filled")
	r.OrderDone("buy", "filled")
	r.OrderAttempt()
	r.SetPortfolio(120.5, 100)

	if got := testutil.ToFloat64(r.orders.WithLabelValues("buy", "filled")); got != 2 {
		t.Errorf("Expected 2 filled buys, got %f", got)
	}
	if got := testutil.ToFloat64(r.lastCycle.WithLabelValues("weekly")); got != 1700000000 {
		t.Errorf("Expected last cycle timestamp, got %f", got)
	}
	if got := testutil.ToFloat64(r.value); got != 120.5 {
		t.Errorf("Expected value 120.5, got %f", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.CycleDone("p", "ok", time.Now())
	r.OrderDone("buy", "filled")
	r.OrderAttempt()
	r.ObserveCall("place_order", time.Second)
	r.SetPortfolio(1, 1)
}

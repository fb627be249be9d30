package alpaca

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"hodl_index/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"rate limited", &alpaca.APIError{StatusCode: http.StatusTooManyRequests, Message: "too many requests"}, models.ErrTransient},
		{"server error", &alpaca.APIError{StatusCode: http.StatusBadGateway}, models.ErrTransient},
		{"unauthorized", &alpaca.APIError{StatusCode: http.StatusUnauthorized}, models.ErrFatal},
		{"insufficient balance", &alpaca.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "insufficient balance for USD"}, models.ErrFatal},
		{"deadline", context.DeadlineExceeded, models.ErrTransient},
		{"reset", errors.New("read tcp: connection reset by peer"), models.ErrTransient},
		{"unknown", errors.New("something odd"), models.ErrFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("place order", "btc", tc.err)
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, tc.err) && tc.name != "unknown" {
				t.Error("Expected the cause to stay reachable")
			}
		})
	}
}

func TestCall_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := call(ctx, func() (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestMapOrder(t *testing.T) {
	p := &Provider{quote: "usd"}
	avg := decimal.RequireFromString("61000")
	filledAt := time.Date(2024, 6, 1, 12, 0, 1, 0, time.UTC)
	o := p.mapOrder(&alpaca.Order{
		ID:             "ord-1",
		ClientOrderID:  "intent-1",
		Symbol:         "BTC/USD",
		Side:           alpaca.Buy,
		Status:         "filled",
		FilledQty:      decimal.RequireFromString("0.0005"),
		FilledAvgPrice: &avg,
		FilledAt:       &filledAt,
	})
	if o.Symbol != "btc" || o.Side != models.Buy || !o.Filled() {
		t.Errorf("Unexpected mapping %+v", o)
	}
	if p.baseSymbol("ETHUSD") != "eth" {
		t.Errorf("Expected eth from position symbol, got %s", p.baseSymbol("ETHUSD"))
	}
}

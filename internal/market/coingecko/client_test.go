package coingecko

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hodl_index/internal/models"
)

const marketsJSON = `[
 {"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":60000,"market_cap":1200000000000,"market_cap_rank":1},
 {"id":"ethereum","symbol":"eth","name":"Ethereum","current_price":3000,"market_cap":360000000000,"market_cap_rank":2},
 {"id":"iota","symbol":"miota","name":"IOTA","current_price":0.2,"market_cap":600000000,"market_cap_rank":90}
]`

func newServer(t *testing.T, status int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		switch r.URL.Path {
		case "/coins/markets":
			if r.URL.Query().Get("vs_currency") != "usd" {
				t.Errorf("Expected vs_currency=usd, got %s", r.URL.RawQuery)
			}
			w.Write([]byte(marketsJSON))
		case "/simple/price":
			w.Write([]byte(`{"ethereum":{"usd":3012.5}}`))
		case "/coins/bitcoin/market_chart":
			if q := r.URL.Query(); q.Get("days") != "3" || q.Get("interval") != "daily" {
				t.Errorf("Unexpected market_chart query %s", r.URL.RawQuery)
			}
			w.Write([]byte(`{"prices":[[1709251200000,61000.5],[1709337600000,0],[1709424000000,62500]]}`))
		case "/coins/ethereum/market_chart":
			w.Write([]byte(`{"prices":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestMarkets(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)
	c := New(Options{BaseURL: srv.URL, RatePerMinute: 600})

	markets, err := c.Markets(context.Background(), "usd", 10)
	if err != nil {
		t.Fatalf("Markets failed: %v", err)
	}
	if len(markets) != 3 {
		t.Fatalf("Expected 3 markets, got %d", len(markets))
	}
	if markets[0].Symbol != "btc" || markets[0].Rank != 1 || markets[0].MarketCap.IntPart() != 1200000000000 {
		t.Errorf("Unexpected first market %+v", markets[0])
	}
	if markets[2].Symbol != "iota" {
		t.Errorf("Expected miota renamed to iota, got %s", markets[2].Symbol)
	}
}

func TestGetPrice_ResolvesID(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK)
	c := New(Options{BaseURL: srv.URL, RatePerMinute: 600})

	p, err := c.GetPrice(context.Background(), "eth", "usd")
	if err != nil {
		t.Fatalf("GetPrice failed: %v", err)
	}
	if p.String() != "3012.5" {
		t.Errorf("Expected 3012.5, got %s", p)
	}
	if *calls != 2 {
		t.Errorf("Expected markets + price calls, got %d", *calls)
	}

	if _, err := c.GetPrice(context.Background(), "nope", "usd"); !errors.Is(err, models.ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable for unknown symbol, got %v", err)
	}
}

func TestDailyCloses(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)
	c := New(Options{BaseURL: srv.URL, RatePerMinute: 600})

	points, err := c.DailyCloses(context.Background(), "btc", "usd", 3)
	if err != nil {
		t.Fatalf("DailyCloses failed: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("Expected the zero price to be dropped, got %+v", points)
	}
	if !points[0].Time.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) || points[0].Price.String() != "61000.5" {
		t.Errorf("Unexpected first point %+v", points[0])
	}

	if _, err := c.DailyCloses(context.Background(), "eth", "usd", 3); !errors.Is(err, models.ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable for an empty series, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	srv, _ := newServer(t, http.StatusTooManyRequests)
	c := New(Options{BaseURL: srv.URL, RatePerMinute: 600})
	if _, err := c.Markets(context.Background(), "usd", 5); !errors.Is(err, models.ErrTransient) {
		t.Errorf("Expected transient on 429, got %v", err)
	}

	srv2, _ := newServer(t, http.StatusUnauthorized)
	c2 := New(Options{BaseURL: srv2.URL, RatePerMinute: 600})
	if _, err := c2.Markets(context.Background(), "usd", 5); !errors.Is(err, models.ErrFatal) {
		t.Errorf("Expected fatal on 401, got %v", err)
	}
}

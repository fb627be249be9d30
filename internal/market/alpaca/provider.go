// Package alpaca adapts the Alpaca crypto trading API to market.Exchange.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"hodl_index/internal/market"
	"hodl_index/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// PaperURL is Alpaca's paper trading endpoint, used in test mode.
const PaperURL = "https://paper-api.alpaca.markets"

// Options configures the provider.
type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Quote     string // lower-case quote symbol, e.g. "usd"
	Timeout   time.Duration
}

// Provider implements market.Exchange for Alpaca crypto.
type Provider struct {
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
	quote       string
}

// Ensure Provider implements the interface
var _ market.Exchange = (*Provider)(nil)

// NewProvider returns a new Alpaca provider. The SDK calls take no context,
// so the HTTP client timeout bounds every request.
func NewProvider(opts Options) *Provider {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: opts.Timeout}
	return &Provider{
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     opts.APIKey,
			APISecret:  opts.APISecret,
			HTTPClient: httpClient,
		}),
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     opts.APIKey,
			APISecret:  opts.APISecret,
			BaseURL:    opts.BaseURL,
			HTTPClient: httpClient,
			RetryLimit: 0, // the executor owns retries
		}),
		quote: strings.ToLower(opts.Quote),
	}
}

func (p *Provider) Name() string { return "alpaca" }

// --- Market Data ---

func (p *Provider) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair := models.Pair(symbol, p.quote)
	trade, err := call(ctx, func() (*marketdata.CryptoTrade, error) {
		return p.mdClient.GetLatestCryptoTrade(pair, marketdata.GetLatestCryptoTradeRequest{})
	})
	if err != nil {
		return decimal.Zero, classify("get price", symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return decimal.Zero, &models.DataUnavailableError{What: "price", Symbols: []string{symbol}}
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// GetBalances merges crypto positions with the account's cash.
func (p *Provider) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	acct, err := call(ctx, p.tradeClient.GetAccount)
	if err != nil {
		return nil, classify("get account", "", err)
	}
	positions, err := call(ctx, p.tradeClient.GetPositions)
	if err != nil {
		return nil, classify("get positions", "", err)
	}

	out := map[string]decimal.Decimal{p.quote: acct.Cash}
	for _, pos := range positions {
		if pos.AssetClass != alpaca.Crypto {
			continue
		}
		out[p.baseSymbol(pos.Symbol)] = pos.Qty
	}
	return out, nil
}

// --- Execution ---

// PlaceOrder submits a market order. Quote-denominated amounts go out as
// notional orders, base amounts as quantity orders.
func (p *Provider) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	amount := req.Amount
	ar := alpaca.PlaceOrderRequest{
		Symbol:        models.Pair(req.Symbol, p.quote),
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Unit == models.UnitQuote {
		ar.Notional = &amount
	} else {
		ar.Qty = &amount
	}

	o, err := call(ctx, func() (*alpaca.Order, error) { return p.tradeClient.PlaceOrder(ar) })
	if err != nil {
		return models.Order{}, classify("place order", req.Symbol, err)
	}
	return p.mapOrder(o), nil
}

func (p *Provider) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	o, err := call(ctx, func() (*alpaca.Order, error) { return p.tradeClient.GetOrder(orderID) })
	if err != nil {
		return models.Order{}, classify("get order", "", err)
	}
	return p.mapOrder(o), nil
}

func (p *Provider) GetOrderByClientID(ctx context.Context, clientOrderID string) (models.Order, error) {
	o, err := call(ctx, func() (*alpaca.Order, error) { return p.tradeClient.GetOrderByClientOrderID(clientOrderID) })
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return models.Order{}, models.ErrOrderNotFound
		}
		return models.Order{}, classify("get order by client id", "", err)
	}
	return p.mapOrder(o), nil
}

// Helpers

// call runs an SDK call and gives up when ctx ends first. The abandoned
// request is still bounded by the HTTP client timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// classify sorts SDK errors into transient and fatal.
func classify(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return models.Transient(op, symbol, err)
		default:
			// 401/403 auth, 404 unknown asset, 422 insufficient balance or
			// invalid qty.
			return models.Fatal(op, symbol, err)
		}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return models.Transient(op, symbol, err)
	}
	if errors.Is(err, context.Canceled) {
		return models.Transient(op, symbol, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "eof") || strings.Contains(msg, "status code 5") || strings.Contains(msg, "429") {
		return models.Transient(op, symbol, err)
	}
	return models.Fatal(op, symbol, fmt.Errorf("unclassified: %w", err))
}

// baseSymbol turns "BTC/USD" or "BTCUSD" into "btc".
func (p *Provider) baseSymbol(pair string) string {
	s := strings.ToLower(pair)
	if i := strings.Index(s, "/"); i >= 0 {
		return s[:i]
	}
	return strings.TrimSuffix(s, p.quote)
}

func (p *Provider) mapOrder(o *alpaca.Order) models.Order {
	if o == nil {
		return models.Order{}
	}

	var filledAvgPrice decimal.Decimal
	if o.FilledAvgPrice != nil {
		filledAvgPrice = *o.FilledAvgPrice
	}

	res := models.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         p.baseSymbol(o.Symbol),
		Side:           models.Side(o.Side),
		Status:         strings.ToLower(o.Status),
		FilledQty:      o.FilledQty,
		FilledAvgPrice: filledAvgPrice,
		CreatedAt:      o.CreatedAt,
	}
	if o.FilledAt != nil {
		res.FilledAt = o.FilledAt
	}
	return res
}

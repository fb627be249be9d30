package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hodl_index/internal/cache"
	"hodl_index/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// marketsDepth is how many assets are pulled from the market-cap source when
// looking up individual symbols.
const marketsDepth = 250

// GatewayOptions tunes the gateway.
type GatewayOptions struct {
	Quote    string        // base symbol, e.g. "usd"
	CacheTTL time.Duration // market-cap cache lifetime
	Timeout  time.Duration // bound for every outbound call
}

// Gateway is the read side of the market: prices from the exchange, market
// caps from the market-cap source, cached.
type Gateway struct {
	ex      Exchange
	caps    MarketCapSource
	history HistorySource
	cache   cache.Service
	opts    GatewayOptions
}

func NewGateway(ex Exchange, caps MarketCapSource, c cache.Service, opts GatewayOptions) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Gateway{ex: ex, caps: caps, cache: c, opts: opts}
}

// WithHistory sets the source of historical closes.
func (g *Gateway) WithHistory(h HistorySource) *Gateway {
	g.history = h
	return g
}

// Exchange exposes the underlying exchange.
func (g *Gateway) Exchange() Exchange { return g.ex }

// GetPrice returns the latest price of symbol in the quote currency.
func (g *Gateway) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	p, err := g.ex.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !p.IsPositive() {
		return decimal.Zero, &models.DataUnavailableError{What: "price", Symbols: []string{symbol}}
	}
	return p, nil
}

// GetPrices fetches prices in parallel. Symbols that fail are reported in the
// error map and left out of the price map; one bad symbol never fails the rest.
func (g *Gateway) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, map[string]error) {
	var (
		mu     sync.Mutex
		prices = make(map[string]decimal.Decimal, len(symbols))
		errs   = make(map[string]error)
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, s := range symbols {
		s := s
		eg.Go(func() error {
			p, err := g.GetPrice(ctx, s)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[s] = err
				return nil
			}
			prices[s] = p
			return nil
		})
	}
	_ = eg.Wait()
	return prices, errs
}

// GetBalances returns the exchange balances.
func (g *Gateway) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	return g.ex.GetBalances(ctx)
}

// GetMarketCap returns the market cap of one symbol.
func (g *Gateway) GetMarketCap(ctx context.Context, symbol string) (decimal.Decimal, error) {
	caps, err := g.GetMarketCaps(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, err
	}
	return caps[symbol], nil
}

// GetMarketCaps returns market caps for symbols. Symbols the provider does
// not know are missing from the map; the caller decides what that means.
func (g *Gateway) GetMarketCaps(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	markets, err := g.markets(ctx, marketsDepth)
	if err != nil {
		return nil, err
	}
	bySymbol := make(map[string]models.MarketInfo, len(markets))
	for _, m := range markets {
		// Tickers are not unique across coins; keep the larger one.
		if _, seen := bySymbol[m.Symbol]; !seen {
			bySymbol[m.Symbol] = m
		}
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if m, ok := bySymbol[s]; ok && m.MarketCap.IsPositive() {
			out[s] = m.MarketCap
		}
	}
	return out, nil
}

// TopSymbols returns the n largest assets by market cap, skipping stable
// coins, the quote currency and exclude.
func (g *Gateway) TopSymbols(ctx context.Context, n int, exclude []string) ([]string, error) {
	skip := make(map[string]bool, len(exclude)+1)
	for _, s := range exclude {
		skip[models.NormalizeSymbol(s)] = true
	}
	skip[g.opts.Quote] = true

	// Ask for extra rows so exclusions do not shrink the index.
	markets, err := g.markets(ctx, n+len(skip)+len(models.StableCoins))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(markets, func(i, j int) bool { return markets[i].MarketCap.GreaterThan(markets[j].MarketCap) })

	out := make([]string, 0, n)
	seen := map[string]bool{}
	for _, m := range markets {
		if len(out) == n {
			break
		}
		if skip[m.Symbol] || models.StableCoins[m.Symbol] || seen[m.Symbol] {
			continue
		}
		seen[m.Symbol] = true
		out = append(out, m.Symbol)
	}
	if len(out) == 0 {
		return nil, &models.DataUnavailableError{What: "index constituents"}
	}
	return out, nil
}

// markets returns the provider's market list, cached for CacheTTL.
func (g *Gateway) markets(ctx context.Context, n int) ([]models.MarketInfo, error) {
	if g.caps == nil {
		return nil, fmt.Errorf("%w: no market-cap source configured", models.ErrDataUnavailable)
	}
	key := fmt.Sprintf("markets:%s:%d", g.opts.Quote, n)
	var cached []models.MarketInfo
	if g.cache != nil {
		err := g.cache.Get(ctx, key, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("key", key).Msg("market cache read failed")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	markets, err := g.caps.Markets(ctx, g.opts.Quote, n)
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	for i := range markets {
		markets[i].Symbol = models.NormalizeSymbol(markets[i].Symbol)
	}

	if g.cache != nil && g.opts.CacheTTL > 0 {
		if err := g.cache.Set(ctx, key, markets, g.opts.CacheTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("market cache write failed")
		}
	}
	return markets, nil
}

// DailyCloses returns daily closes for the last days days per symbol, cached
// for CacheTTL. Failures are reported per symbol, like GetPrices.
func (g *Gateway) DailyCloses(ctx context.Context, symbols []string, days int) (map[string][]models.PricePoint, map[string]error) {
	var (
		mu     sync.Mutex
		closes = make(map[string][]models.PricePoint, len(symbols))
		errs   = make(map[string]error)
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, s := range symbols {
		eg.Go(func() error {
			pts, err := g.dailyCloses(ctx, s, days)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[s] = err
				return nil
			}
			closes[s] = pts
			return nil
		})
	}
	_ = eg.Wait()
	return closes, errs
}

func (g *Gateway) dailyCloses(ctx context.Context, symbol string, days int) ([]models.PricePoint, error) {
	if g.history == nil {
		return nil, fmt.Errorf("%w: no price history source configured", models.ErrDataUnavailable)
	}
	key := fmt.Sprintf("closes:%s:%s:%d:%s", g.opts.Quote, symbol, days, time.Now().UTC().Format(time.DateOnly))
	var cached []models.PricePoint
	if g.cache != nil {
		err := g.cache.Get(ctx, key, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("key", key).Msg("history cache read failed")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	pts, err := g.history.DailyCloses(ctx, symbol, g.opts.Quote, days)
	if err != nil {
		return nil, fmt.Errorf("price history %s: %w", symbol, err)
	}
	if g.cache != nil && g.opts.CacheTTL > 0 {
		if err := g.cache.Set(ctx, key, pts, g.opts.CacheTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("history cache write failed")
		}
	}
	return pts, nil
}

// Package coingecko reads market caps and reference prices from the
// CoinGecko public API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"hodl_index/internal/market"
	"hodl_index/internal/models"
	"hodl_index/internal/ratelimit"

	"github.com/shopspring/decimal"
)

// DefaultURL is the public API root.
const DefaultURL = "https://api.coingecko.com/api/v3"

const maxPerPage = 250

// Options configures the client.
type Options struct {
	BaseURL       string
	APIKey        string // optional demo key
	Timeout       time.Duration
	RatePerMinute float64
}

// Client is a rate-limited CoinGecko client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	rate    float64

	mu  sync.RWMutex
	ids map[string]string // symbol -> coingecko id, largest cap wins
}

var (
	_ market.MarketCapSource = (*Client)(nil)
	_ market.HistorySource   = (*Client)(nil)
)

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 10
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: ratelimit.New(),
		rate:    opts.RatePerMinute,
		ids:     map[string]string{},
	}
}

type coin struct {
	ID            string   `json:"id"`
	Symbol        string   `json:"symbol"`
	Name          string   `json:"name"`
	CurrentPrice  *float64 `json:"current_price"`
	MarketCap     *float64 `json:"market_cap"`
	MarketCapRank *int     `json:"market_cap_rank"`
}

// Markets returns up to n coins ordered by market cap.
func (c *Client) Markets(ctx context.Context, quote string, n int) ([]models.MarketInfo, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []models.MarketInfo
	ids := map[string]string{}
	for page := 1; len(out) < n; page++ {
		perPage := n - len(out)
		if perPage > maxPerPage {
			perPage = maxPerPage
		}
		q := url.Values{}
		q.Set("vs_currency", strings.ToLower(quote))
		q.Set("order", "market_cap_desc")
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))

		var coins []coin
		if err := c.get(ctx, "/coins/markets", q, &coins); err != nil {
			return nil, err
		}
		for _, cn := range coins {
			sym := models.NormalizeSymbol(cn.Symbol)
			info := models.MarketInfo{Symbol: sym, Name: cn.Name}
			if cn.CurrentPrice != nil {
				info.Price = decimal.NewFromFloat(*cn.CurrentPrice)
			}
			if cn.MarketCap != nil {
				info.MarketCap = decimal.NewFromFloat(*cn.MarketCap)
			}
			if cn.MarketCapRank != nil {
				info.Rank = *cn.MarketCapRank
			}
			if _, ok := ids[sym]; !ok {
				ids[sym] = cn.ID
			}
			out = append(out, info)
		}
		if len(coins) < perPage {
			break
		}
	}

	c.mu.Lock()
	for s, id := range ids {
		if _, ok := c.ids[s]; !ok {
			c.ids[s] = id
		}
	}
	c.mu.Unlock()
	return out, nil
}

// GetPrice returns the reference price of symbol in quote. It resolves the
// CoinGecko id through the market list on first use.
func (c *Client) GetPrice(ctx context.Context, symbol, quote string) (decimal.Decimal, error) {
	id, err := c.id(ctx, symbol, quote)
	if err != nil {
		return decimal.Zero, err
	}
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", strings.ToLower(quote))

	var resp map[string]map[string]float64
	if err := c.get(ctx, "/simple/price", q, &resp); err != nil {
		return decimal.Zero, err
	}
	p, ok := resp[id][strings.ToLower(quote)]
	if !ok || p <= 0 {
		return decimal.Zero, &models.DataUnavailableError{What: "price", Symbols: []string{symbol}}
	}
	return decimal.NewFromFloat(p), nil
}

// DailyCloses returns one price per day for the last days days, oldest
// first. The free API serves at most 365 days of daily data.
func (c *Client) DailyCloses(ctx context.Context, symbol, quote string, days int) ([]models.PricePoint, error) {
	id, err := c.id(ctx, symbol, quote)
	if err != nil {
		return nil, err
	}
	if days < 1 {
		days = 1
	}
	q := url.Values{}
	q.Set("vs_currency", strings.ToLower(quote))
	q.Set("days", strconv.Itoa(days))
	q.Set("interval", "daily")

	var resp struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := c.get(ctx, "/coins/"+url.PathEscape(id)+"/market_chart", q, &resp); err != nil {
		return nil, err
	}
	out := make([]models.PricePoint, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		if p[1] <= 0 {
			continue
		}
		out = append(out, models.PricePoint{
			Time:  time.UnixMilli(int64(p[0])).UTC(),
			Price: decimal.NewFromFloat(p[1]),
		})
	}
	if len(out) == 0 {
		return nil, &models.DataUnavailableError{What: "price history", Symbols: []string{symbol}}
	}
	return out, nil
}

func (c *Client) id(ctx context.Context, symbol, quote string) (string, error) {
	c.mu.RLock()
	id, ok := c.ids[symbol]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	if _, err := c.Markets(ctx, quote, maxPerPage); err != nil {
		return "", err
	}
	c.mu.RLock()
	id, ok = c.ids[symbol]
	c.mu.RUnlock()
	if !ok {
		return "", &models.DataUnavailableError{What: "coingecko id", Symbols: []string{symbol}}
	}
	return id, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, dest interface{}) error {
	if err := c.limiter.Wait(ctx, "coingecko", c.rate, c.rate/60); err != nil {
		return models.Transient("coingecko "+path, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Transient("coingecko "+path, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return models.Transient("coingecko "+path, "", err)
		}
		return models.Fatal("coingecko "+path, "", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

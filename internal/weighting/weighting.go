// Package weighting turns a symbol set into target portfolio fractions.
package weighting

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"hodl_index/internal/models"
)

// MarketCaps maps symbol to market capitalization in the quote currency.
type MarketCaps map[string]float64

// Scheme computes weights for a deduplicated, non-empty symbol set.
type Scheme interface {
	Kind() models.WeightingKind
	NeedsMarketCap() bool
	Weights(symbols []string, caps MarketCaps) (map[string]float64, error)
}

// New resolves a configured weighting kind into its strategy. custom is only
// read for models.WeightCustom.
func New(kind models.WeightingKind, custom map[string]float64) (Scheme, error) {
	switch kind {
	case models.WeightEqual:
		return Equal{}, nil
	case models.WeightMarketCap:
		return MarketCap{kind: kind, f: func(x float64) float64 { return x }}, nil
	case models.WeightSqrtMarketCap:
		return MarketCap{kind: kind, f: math.Sqrt}, nil
	case models.WeightCbrtMarketCap:
		return MarketCap{kind: kind, f: math.Cbrt}, nil
	case models.WeightSqrtSqrtMarketCap:
		return MarketCap{kind: kind, f: func(x float64) float64 { return math.Sqrt(math.Sqrt(x)) }}, nil
	case models.WeightCustom:
		if len(custom) == 0 {
			return nil, fmt.Errorf("%w: custom weighting without weights", models.ErrConfig)
		}
		w := make(map[string]float64, len(custom))
		for s, v := range custom {
			w[models.NormalizeSymbol(s)] = v
		}
		return Custom{weights: w}, nil
	}
	return nil, fmt.Errorf("%w: unknown weighting %q", models.ErrConfig, kind)
}

// Compute deduplicates symbols and applies scheme.
func Compute(symbols []string, scheme Scheme, caps MarketCaps) (map[string]float64, error) {
	set := dedupe(symbols)
	if len(set) == 0 {
		return nil, &models.DataUnavailableError{What: "symbols"}
	}
	return scheme.Weights(set, caps)
}

// Policy decides what happens when market-cap data is missing.
type Policy string

const (
	PolicyExclude Policy = "exclude"
	PolicyAbort   Policy = "abort"
)

// ComputeWithPolicy runs Compute and, under PolicyExclude, drops symbols
// lacking market data and recomputes over the rest. The dropped symbols are
// returned so callers can warn about them.
func ComputeWithPolicy(symbols []string, scheme Scheme, caps MarketCaps, policy Policy) (map[string]float64, []string, error) {
	weights, err := Compute(symbols, scheme, caps)
	if err == nil || policy != PolicyExclude {
		return weights, nil, err
	}
	var due *models.DataUnavailableError
	if !errors.As(err, &due) || len(due.Symbols) == 0 {
		return nil, nil, err
	}

	drop := make(map[string]bool, len(due.Symbols))
	for _, s := range due.Symbols {
		drop[s] = true
	}
	var rest []string
	for _, s := range dedupe(symbols) {
		if !drop[s] {
			rest = append(rest, s)
		}
	}
	weights, err = Compute(rest, scheme, caps)
	if err != nil {
		return nil, due.Symbols, err
	}
	return weights, due.Symbols, nil
}

// Equal gives every symbol the same fraction.
type Equal struct{}

func (Equal) Kind() models.WeightingKind { return models.WeightEqual }
func (Equal) NeedsMarketCap() bool       { return false }

func (Equal) Weights(symbols []string, _ MarketCaps) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	w := 1 / float64(len(symbols))
	for _, s := range symbols {
		out[s] = w
	}
	return out, nil
}

// MarketCap weights by f(cap). Successive roots flatten the distribution
// toward equal weighting.
type MarketCap struct {
	kind models.WeightingKind
	f    func(float64) float64
}

func (m MarketCap) Kind() models.WeightingKind { return m.kind }
func (MarketCap) NeedsMarketCap() bool         { return true }

func (m MarketCap) Weights(symbols []string, caps MarketCaps) (map[string]float64, error) {
	var missing []string
	scores := make(map[string]float64, len(symbols))
	total := 0.0
	for _, s := range symbols {
		c, ok := caps[s]
		if !ok || c <= 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			missing = append(missing, s)
			continue
		}
		v := m.f(c)
		scores[s] = v
		total += v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &models.DataUnavailableError{What: "market cap", Symbols: missing}
	}
	return normalize(scores, total), nil
}

// Custom uses fixed configured weights.
type Custom struct {
	weights map[string]float64
}

func (Custom) Kind() models.WeightingKind { return models.WeightCustom }
func (Custom) NeedsMarketCap() bool       { return false }

// Weights fails when a configured symbol is not among symbols. Requested
// symbols without a configured weight get zero.
func (c Custom) Weights(symbols []string, _ MarketCaps) (map[string]float64, error) {
	requested := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		requested[s] = true
	}
	var absent []string
	total := 0.0
	for s, w := range c.weights {
		if !requested[s] {
			absent = append(absent, s)
			continue
		}
		total += w
	}
	if len(absent) > 0 {
		sort.Strings(absent)
		return nil, fmt.Errorf("%w: custom weights for symbols not in the portfolio: %v", models.ErrConfig, absent)
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: custom weights sum to zero", models.ErrConfig)
	}

	scores := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		scores[s] = c.weights[s]
	}
	return normalize(scores, total), nil
}

func normalize(scores map[string]float64, total float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for s, v := range scores {
		out[s] = v / total
	}
	return out
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = models.NormalizeSymbol(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

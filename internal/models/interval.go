package models

import (
	"fmt"
	"strings"
	"time"
)

// IntervalKind selects how a savings plan recurs.
type IntervalKind int

const (
	Daily IntervalKind = iota
	Weekly
	Biweekly
	DaysOfMonth
	EveryNDays
)

var intervalNames = map[IntervalKind]string{
	Daily:       "daily",
	Weekly:      "weekly",
	Biweekly:    "biweekly",
	DaysOfMonth: "days",
	EveryNDays:  "every_n_days",
}

func (k IntervalKind) String() string {
	if n, ok := intervalNames[k]; ok {
		return n
	}
	return fmt.Sprintf("interval(%d)", int(k))
}

// ParseIntervalKind accepts the config spelling of an interval, including a
// few aliases users tend to type.
func ParseIntervalKind(s string) (IntervalKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "biweekly", "bi-weekly":
		return Biweekly, nil
	case "days", "day_list", "days_of_month":
		return DaysOfMonth, nil
	case "every_n_days", "x_daily":
		return EveryNDays, nil
	}
	return 0, fmt.Errorf("%w: unknown interval %q", ErrConfig, s)
}

// Interval is the tagged recurrence of a savings plan. Only the fields that
// belong to Kind are meaningful.
type Interval struct {
	Kind    IntervalKind
	Weekday time.Weekday // Weekly, Biweekly
	Days    []int        // DaysOfMonth, each in [1,31]
	N       int          // EveryNDays, in [2,30]
}

func (iv Interval) String() string {
	switch iv.Kind {
	case Weekly, Biweekly:
		return fmt.Sprintf("%s on %s", iv.Kind, iv.Weekday)
	case DaysOfMonth:
		return fmt.Sprintf("days %v", iv.Days)
	case EveryNDays:
		return fmt.Sprintf("every %d days", iv.N)
	}
	return iv.Kind.String()
}

// Validate checks the payload bounds of the interval.
func (iv Interval) Validate() error {
	switch iv.Kind {
	case DaysOfMonth:
		if len(iv.Days) == 0 {
			return fmt.Errorf("%w: interval days requires at least one day", ErrConfig)
		}
		for _, d := range iv.Days {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: day %d outside [1,31]", ErrConfig, d)
			}
		}
	case EveryNDays:
		if iv.N < 2 || iv.N > 30 {
			return fmt.Errorf("%w: every_n_days %d outside [2,30]", ErrConfig, iv.N)
		}
	}
	return nil
}

// WeightingKind selects a weighting scheme.
type WeightingKind string

const (
	WeightEqual             WeightingKind = "equal"
	WeightMarketCap         WeightingKind = "market_cap"
	WeightSqrtMarketCap     WeightingKind = "sqrt_market_cap"
	WeightCbrtMarketCap     WeightingKind = "cbrt_market_cap"
	WeightSqrtSqrtMarketCap WeightingKind = "sqrt_sqrt_market_cap"
	WeightCustom            WeightingKind = "custom"
)

// ParseWeightingKind accepts the config spelling of a weighting scheme.
func ParseWeightingKind(s string) (WeightingKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equal":
		return WeightEqual, nil
	case "market_cap", "marketcap":
		return WeightMarketCap, nil
	case "sqrt_market_cap":
		return WeightSqrtMarketCap, nil
	case "cbrt_market_cap":
		return WeightCbrtMarketCap, nil
	case "sqrt_sqrt_market_cap":
		return WeightSqrtSqrtMarketCap, nil
	case "custom":
		return WeightCustom, nil
	}
	return "", fmt.Errorf("%w: unknown weighting %q", ErrConfig, s)
}

// UsesMarketCap reports whether the scheme needs market-cap data.
func (k WeightingKind) UsesMarketCap() bool {
	switch k {
	case WeightMarketCap, WeightSqrtMarketCap, WeightCbrtMarketCap, WeightSqrtSqrtMarketCap:
		return true
	}
	return false
}

// PortfolioMode selects where the symbol set comes from.
type PortfolioMode string

const (
	ModeCherryPick PortfolioMode = "cherry_pick"
	ModeIndex      PortfolioMode = "index"
)

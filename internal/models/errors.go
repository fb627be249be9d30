package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks exchange failures worth retrying: timeouts, rate limits, 5xx.
	ErrTransient = errors.New("transient exchange error")
	// ErrFatal marks exchange failures that need a human: auth, funds, unknown market.
	ErrFatal = errors.New("fatal exchange error")
	// ErrDataUnavailable marks missing price or market-cap data.
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrConfig marks invalid configuration.
	ErrConfig = errors.New("invalid configuration")
	// ErrReconciliationRequired marks an order whose exchange-side state is ambiguous.
	ErrReconciliationRequired = errors.New("reconciliation required")
	// ErrInsufficientFunding marks a buy the cycle could not fund.
	ErrInsufficientFunding = errors.New("insufficient funding")
	// ErrShutdown marks work skipped because the process is stopping.
	ErrShutdown = errors.New("shutting down")
	// ErrOrderNotFound is returned by exchanges when an order lookup finds nothing.
	ErrOrderNotFound = errors.New("order not found")
)

// ExchangeError wraps an exchange failure with its classification.
type ExchangeError struct {
	Kind   error // ErrTransient or ErrFatal
	Op     string
	Symbol string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Transient builds a retryable ExchangeError.
func Transient(op, symbol string, err error) error {
	return &ExchangeError{Kind: ErrTransient, Op: op, Symbol: symbol, Err: err}
}

// Fatal builds a non-retryable ExchangeError.
func Fatal(op, symbol string, err error) error {
	return &ExchangeError{Kind: ErrFatal, Op: op, Symbol: symbol, Err: err}
}

// DataUnavailableError lists the symbols that lacked data.
type DataUnavailableError struct {
	What    string // "price" or "market cap"
	Symbols []string
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable for %s", e.What, strings.Join(e.Symbols, ", "))
}

func (e *DataUnavailableError) Unwrap() error { return ErrDataUnavailable }

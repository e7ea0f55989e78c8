package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTradeExists is returned when a trigger arrives for a pair that
	// already has an OPEN trade.
	ErrTradeExists = errors.New("open trade already exists for pair")

	// ErrUnsupportedPair is returned for pairs outside the configured set.
	ErrUnsupportedPair = errors.New("unsupported trading pair")

	// ErrTradeNotFound is returned when a trade lookup misses.
	ErrTradeNotFound = errors.New("trade not found")

	// ErrOrderNotFound is returned when an order lookup misses.
	ErrOrderNotFound = errors.New("order not found")
)

// ExchangeError wraps a failed exchange call so callers can map it to a
// distinct response class. Exchange errors are never retried by the engine.
type ExchangeError struct {
	Op   string
	Pair Pair
	Err  error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange %s failed for %s: %v", e.Op, e.Pair, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

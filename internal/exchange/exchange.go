// Package exchange defines the per-venue client capability the engine consumes
// and the adapters implementing it.
package exchange

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/internal/domain"
)

// Client is the venue capability: quote streaming plus order management.
// Implementations own transport, authentication and venue-specific rate limits.
type Client interface {
	// Venue returns the venue name, unique across the configured set.
	Venue() string
	// StreamQuotes pushes best bid/ask updates into out until ctx is cancelled
	// or the stream breaks. A non-nil error means the stream should be restarted.
	StreamQuotes(ctx context.Context, pair domain.Pair, out chan<- domain.Quote) error
	// PlaceOrder submits a market order. Price is the quoted reference price,
	// size is in base currency.
	PlaceOrder(ctx context.Context, side domain.Side, pair domain.Pair, price, size decimal.Decimal, clientOrderID string) (domain.OrderHandle, error)
	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, handle domain.OrderHandle) (domain.CancelResult, error)
	// OrderStatus returns the current fill progress of an order.
	OrderStatus(ctx context.Context, handle domain.OrderHandle) (domain.OrderStatus, error)
	// Balance returns the free balance of a currency.
	Balance(ctx context.Context, currency string) (decimal.Decimal, error)
}

// ErrorKind classifies venue failures for the execution path.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindRateLimited
	KindInsufficientFunds
	KindRejectedByVenue
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindRejectedByVenue:
		return "rejected_by_venue"
	default:
		return "unknown"
	}
}

// Error wraps a venue failure with its classification.
type Error struct {
	Kind  ErrorKind
	Venue string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Kind.String(), e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified venue error.
func NewError(kind ErrorKind, venue string, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Err: err}
}

// KindOf extracts the classification of err, defaulting to KindNetwork for
// unclassified failures (transport errors dominate in practice).
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetwork
}

// Retryable reports whether the failure is worth retrying on the same venue.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	}
	return false
}

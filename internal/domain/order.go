package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

// String returns the string representation of the side.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderHandle identifies a submitted order on a venue.
type OrderHandle struct {
	Venue         string
	Pair          Pair
	ClientOrderID string
	VenueOrderID  string
}

// OrderState of an order on a venue.
type OrderState int

const (
	OrderOpen OrderState = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
)

// String returns the string representation of the order state.
func (s OrderState) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// OrderStatus is a point-in-time view of an order's fill progress.
type OrderStatus struct {
	State     OrderState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// CancelResult outcome of a cancel request.
type CancelResult int

const (
	CancelOK CancelResult = iota
	CancelAlreadyFilled
	CancelNotFound
)

// Order is the record of one executed leg kept on an Execution.
type Order struct {
	Handle OrderHandle
	Side   Side
	// Price quoted price the leg was decided on.
	Price decimal.Decimal
	// Size requested base amount.
	Size decimal.Decimal
	// FilledQty actually filled base amount.
	FilledQty decimal.Decimal
	// AvgFillPrice average realized fill price.
	AvgFillPrice decimal.Decimal
	PlacedAt     time.Time
}

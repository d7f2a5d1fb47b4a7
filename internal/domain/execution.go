package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionState of the two-leg trade state machine.
type ExecutionState int

const (
	ExecutionPending ExecutionState = iota
	ExecutionBuyPlaced
	ExecutionBuyFilled
	ExecutionSellPlaced
	ExecutionCompleted
	ExecutionBuyFailed
	ExecutionAborted
	ExecutionSellFailed
	ExecutionUnwinding
	ExecutionUnwound
	ExecutionUnwindFailed
)

// execution state string constants to avoid magic strings
const (
	executionStringPending      = "pending"
	executionStringBuyPlaced    = "buy_placed"
	executionStringBuyFilled    = "buy_filled"
	executionStringSellPlaced   = "sell_placed"
	executionStringCompleted    = "completed"
	executionStringBuyFailed    = "buy_failed"
	executionStringAborted      = "aborted"
	executionStringSellFailed   = "sell_failed"
	executionStringUnwinding    = "unwinding"
	executionStringUnwound      = "unwound"
	executionStringUnwindFailed = "unwind_failed"
)

// String returns the string representation of the state.
func (s ExecutionState) String() string {
	switch s {
	case ExecutionPending:
		return executionStringPending
	case ExecutionBuyPlaced:
		return executionStringBuyPlaced
	case ExecutionBuyFilled:
		return executionStringBuyFilled
	case ExecutionSellPlaced:
		return executionStringSellPlaced
	case ExecutionCompleted:
		return executionStringCompleted
	case ExecutionBuyFailed:
		return executionStringBuyFailed
	case ExecutionAborted:
		return executionStringAborted
	case ExecutionSellFailed:
		return executionStringSellFailed
	case ExecutionUnwinding:
		return executionStringUnwinding
	case ExecutionUnwound:
		return executionStringUnwound
	case ExecutionUnwindFailed:
		return executionStringUnwindFailed
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the execution lifecycle.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionAborted, ExecutionUnwound, ExecutionUnwindFailed:
		return true
	}
	return false
}

// Result classifies a finished execution.
type Result int

const (
	// ResultAborted no capital was put at risk.
	ResultAborted Result = iota
	// ResultProfit both legs filled with positive realized P&L.
	ResultProfit
	// ResultLoss realized P&L is non-positive, including every unwound position.
	ResultLoss
)

// String returns the string representation of the result.
func (r Result) String() string {
	switch r {
	case ResultAborted:
		return "aborted"
	case ResultProfit:
		return "profit"
	case ResultLoss:
		return "loss"
	default:
		return "unknown"
	}
}

// Outcome is the final accounting of an execution, computed from actual fill
// prices rather than pre-trade estimates.
type Outcome struct {
	Result Result
	// RealizedPnL in quote currency, fees included. Zero for aborts.
	RealizedPnL decimal.Decimal
	// FilledSize base amount acquired on the buy leg.
	FilledSize decimal.Decimal
	Reason     string
}

// Execution is one attempt to capture an Opportunity with a coordinated pair
// of trades. Owned exclusively by the execution coordinator for its lifetime.
type Execution struct {
	ID          string
	Opportunity Opportunity
	State       ExecutionState
	BuyOrder    *Order
	SellOrder   *Order
	// UnwindOrder flattening trade placed when the sell leg failed.
	UnwindOrder *Order
	StartedAt   time.Time
	EndedAt     time.Time
	Outcome     Outcome
}

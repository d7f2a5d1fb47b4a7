// Package domain defines core data structures used throughout the arbitrage engine.
package domain

import "fmt"

// Pair cryptocurrency trading pair.
type Pair struct {
	// Base base currency symbol.
	Base string
	// Quote quote (pricing) currency symbol.
	Quote string
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Base, p.Quote)
}

// Symbol returns the concatenated symbol representation.
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.Base, p.Quote)
}

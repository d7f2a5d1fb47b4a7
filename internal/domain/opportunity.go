package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a candidate cross-venue trade: buy at BuyVenue's ask, sell at
// SellVenue's bid. Derived from a single MarketSnapshot and recomputed every
// cycle, never persisted across cycles.
type Opportunity struct {
	Pair      Pair
	BuyVenue  string
	SellVenue string
	// BuyPrice best ask on the buy venue.
	BuyPrice decimal.Decimal
	// SellPrice best bid on the sell venue.
	SellPrice decimal.Decimal
	// MaxSize the base amount executable against the displayed top-of-book depth.
	MaxSize decimal.Decimal
	// GrossSpreadPct (SellPrice-BuyPrice)/BuyPrice in percent.
	GrossSpreadPct decimal.Decimal
	// EstFeesPct sum of taker fee rates for both legs, percent.
	EstFeesPct decimal.Decimal
	// EstSlippagePct estimated execution slippage for MaxSize, percent.
	EstSlippagePct decimal.Decimal
	// NetProfitPct GrossSpreadPct - EstFeesPct - EstSlippagePct.
	NetProfitPct decimal.Decimal
	DetectedAt   time.Time
}

// String returns a human-readable representation.
func (o Opportunity) String() string {
	return fmt.Sprintf("%s: buy %s@%s sell %s@%s size %s net %s%%",
		o.Pair.String(), o.BuyVenue, o.BuyPrice.String(), o.SellVenue, o.SellPrice.String(),
		o.MaxSize.String(), o.NetProfitPct.String())
}

// Package detector scores cross-venue price discrepancies and applies the
// profit threshold gate.
package detector

import (
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/internal/domain"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// SlippageFunc estimates execution slippage in percent for a trade of the
// given base size against the given displayed depth. Must be monotonically
// non-decreasing in size. The exact model is a policy choice, so it is
// injected rather than hard-coded.
type SlippageFunc func(size, depth decimal.Decimal) decimal.Decimal

// LinearSlippage returns coeffPct * size/depth: slippage grows linearly with
// the share of displayed depth the trade consumes.
func LinearSlippage(coeffPct decimal.Decimal) SlippageFunc {
	return func(size, depth decimal.Decimal) decimal.Decimal {
		if !depth.IsPositive() {
			return coeffPct
		}
		return coeffPct.Mul(size).Div(depth)
	}
}

// NoSlippage ignores size entirely.
func NoSlippage() SlippageFunc {
	return func(_, _ decimal.Decimal) decimal.Decimal {
		return decimal.Zero
	}
}

// Detector computes net expected profit for every ordered venue pair in a
// snapshot and emits at most one Opportunity per cycle, so capital is never
// committed to several legs against the same book at once.
type Detector struct {
	thresholdPct decimal.Decimal
	takerFeesPct map[string]decimal.Decimal
	slippage     SlippageFunc
	logger       *zap.Logger
}

// New creates a detector. takerFeesPct maps venue name to its taker fee rate
// in percent; venues missing from the map are assumed fee-free.
func New(thresholdPct decimal.Decimal, takerFeesPct map[string]decimal.Decimal, slippage SlippageFunc, logger *zap.Logger) *Detector {
	if slippage == nil {
		slippage = NoSlippage()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fees := make(map[string]decimal.Decimal, len(takerFeesPct))
	for venue, fee := range takerFeesPct {
		fees[venue] = fee
	}
	return &Detector{
		thresholdPct: thresholdPct,
		takerFeesPct: fees,
		slippage:     slippage,
		logger:       logger,
	}
}

// Detect evaluates all ordered venue pairs of the snapshot. It returns the
// surviving candidate with the highest net profit, breaking ties by larger
// executable size. ok is false when nothing clears the threshold.
func (d *Detector) Detect(snapshot domain.MarketSnapshot) (domain.Opportunity, bool) {
	var best domain.Opportunity
	found := false

	for _, buy := range snapshot.Quotes {
		for _, sell := range snapshot.Quotes {
			if buy.Venue == sell.Venue {
				continue
			}
			candidate, ok := d.evaluate(snapshot, buy, sell)
			if !ok {
				continue
			}
			if !found || better(candidate, best) {
				best = candidate
				found = true
			}
		}
	}

	if found {
		d.logger.Debug("opportunity detected",
			zap.String("buy_venue", best.BuyVenue),
			zap.String("sell_venue", best.SellVenue),
			zap.String("net_profit_pct", best.NetProfitPct.String()),
			zap.String("max_size", best.MaxSize.String()))
	}

	return best, found
}

func (d *Detector) evaluate(snapshot domain.MarketSnapshot, buy, sell domain.Quote) (domain.Opportunity, bool) {
	buyPrice := buy.BestAsk
	sellPrice := sell.BestBid
	if !buyPrice.IsPositive() || buyPrice.GreaterThanOrEqual(sellPrice) {
		return domain.Opportunity{}, false
	}

	maxSize := decimal.Min(buy.BestAskSize, sell.BestBidSize)
	if !maxSize.IsPositive() {
		return domain.Opportunity{}, false
	}

	grossPct := sellPrice.Sub(buyPrice).Div(buyPrice).Mul(hundred)
	feesPct := d.takerFeesPct[buy.Venue].Add(d.takerFeesPct[sell.Venue])
	slippagePct := d.slippage(maxSize, buy.BestAskSize.Add(sell.BestBidSize))
	netPct := grossPct.Sub(feesPct).Sub(slippagePct)

	if netPct.LessThan(d.thresholdPct) || netPct.IsNegative() {
		return domain.Opportunity{}, false
	}

	return domain.Opportunity{
		Pair:           snapshot.Pair,
		BuyVenue:       buy.Venue,
		SellVenue:      sell.Venue,
		BuyPrice:       buyPrice,
		SellPrice:      sellPrice,
		MaxSize:        maxSize,
		GrossSpreadPct: grossPct,
		EstFeesPct:     feesPct,
		EstSlippagePct: slippagePct,
		NetProfitPct:   netPct,
		DetectedAt:     snapshot.TakenAt,
	}, true
}

func better(a, b domain.Opportunity) bool {
	if !a.NetProfitPct.Equal(b.NetProfitPct) {
		return a.NetProfitPct.GreaterThan(b.NetProfitPct)
	}
	return a.MaxSize.GreaterThan(b.MaxSize)
}

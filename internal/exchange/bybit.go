package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/internal/domain"
)

const VenueBybit = "bybit"

const defaultBybitPollInterval = 500 * time.Millisecond

// Bybit adapts the Bybit V5 spot API to the Client capability. The public API
// has no lightweight book-ticker stream in the SDK, so quotes are polled from
// the tickers endpoint at a fixed interval.
type Bybit struct {
	client       *bybit.Client
	pollInterval time.Duration
}

// NewBybit creates a Bybit venue client polling quotes every pollInterval.
func NewBybit(apiKey, apiSecret string, pollInterval time.Duration) *Bybit {
	if pollInterval <= 0 {
		pollInterval = defaultBybitPollInterval
	}
	return &Bybit{
		client:       bybit.NewClient().WithAuth(apiKey, apiSecret),
		pollInterval: pollInterval,
	}
}

// Venue returns the venue name.
func (b *Bybit) Venue() string {
	return VenueBybit
}

// StreamQuotes polls the spot ticker and pushes a quote per poll until ctx is
// cancelled. Poll failures end the stream so the caller can restart with backoff.
func (b *Bybit) StreamQuotes(ctx context.Context, pair domain.Pair, out chan<- domain.Quote) error {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			quote, err := b.fetchQuote(pair)
			if err != nil {
				return err
			}
			select {
			case out <- quote:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (b *Bybit) fetchQuote(pair domain.Pair) (domain.Quote, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	result, err := b.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return domain.Quote{}, NewError(KindNetwork, VenueBybit, err)
	}
	if len(result.Result.Spot.List) == 0 {
		return domain.Quote{}, NewError(KindRejectedByVenue, VenueBybit,
			errors.Errorf("empty ticker response for %s", pair.String()))
	}

	item := result.Result.Spot.List[0]
	bid, err := decimal.NewFromString(item.Bid1Price)
	if err != nil {
		return domain.Quote{}, errors.Wrap(err, "parse bid price")
	}
	bidSize, err := decimal.NewFromString(item.Bid1Size)
	if err != nil {
		return domain.Quote{}, errors.Wrap(err, "parse bid size")
	}
	ask, err := decimal.NewFromString(item.Ask1Price)
	if err != nil {
		return domain.Quote{}, errors.Wrap(err, "parse ask price")
	}
	askSize, err := decimal.NewFromString(item.Ask1Size)
	if err != nil {
		return domain.Quote{}, errors.Wrap(err, "parse ask size")
	}

	return domain.Quote{
		Venue:       VenueBybit,
		Pair:        pair,
		BestBid:     bid,
		BestBidSize: bidSize,
		BestAsk:     ask,
		BestAskSize: askSize,
		ObservedAt:  time.Now(),
	}, nil
}

// PlaceOrder submits a spot market order. Qty is in base currency for both sides.
func (b *Bybit) PlaceOrder(ctx context.Context, side domain.Side, pair domain.Pair, price, size decimal.Decimal, clientOrderID string) (domain.OrderHandle, error) {
	bybitSide := bybit.SideBuy
	if side == domain.SideSell {
		bybitSide = bybit.SideSell
	}

	result, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(pair.Symbol()),
		Side:        bybitSide,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         size.String(),
		OrderLinkID: &clientOrderID,
	})
	if err != nil {
		return domain.OrderHandle{}, classifyBybitErr(err)
	}

	return domain.OrderHandle{
		Venue:         VenueBybit,
		Pair:          pair,
		ClientOrderID: clientOrderID,
		VenueOrderID:  result.Result.OrderID,
	}, nil
}

// CancelOrder cancels a resting order by client order ID.
func (b *Bybit) CancelOrder(ctx context.Context, handle domain.OrderHandle) (domain.CancelResult, error) {
	_, err := b.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(handle.Pair.Symbol()),
		OrderLinkID: &handle.ClientOrderID,
	})
	if err != nil {
		// the order may have filled before the cancel reached the venue
		status, statusErr := b.OrderStatus(ctx, handle)
		if statusErr == nil && status.State == domain.OrderFilled {
			return domain.CancelAlreadyFilled, nil
		}
		if statusErr == nil && status.State == domain.OrderCancelled {
			return domain.CancelOK, nil
		}
		return domain.CancelNotFound, classifyBybitErr(err)
	}
	return domain.CancelOK, nil
}

// OrderStatus fetches the current fill progress, checking open orders first
// and falling back to order history for already-closed orders.
func (b *Bybit) OrderStatus(ctx context.Context, handle domain.OrderHandle) (domain.OrderStatus, error) {
	symbol := bybit.SymbolV5(handle.Pair.Symbol())

	open, err := b.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &handle.ClientOrderID,
	})
	if err != nil {
		return domain.OrderStatus{}, classifyBybitErr(err)
	}
	if len(open.Result.List) > 0 {
		return bybitOrderToStatus(string(open.Result.List[0].OrderStatus), open.Result.List[0].CumExecQty, open.Result.List[0].AvgPrice)
	}

	history, err := b.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &handle.ClientOrderID,
	})
	if err != nil {
		return domain.OrderStatus{}, classifyBybitErr(err)
	}
	if len(history.Result.List) == 0 {
		return domain.OrderStatus{}, NewError(KindRejectedByVenue, VenueBybit,
			errors.Errorf("unknown order %s", handle.ClientOrderID))
	}
	item := history.Result.List[0]
	return bybitOrderToStatus(string(item.OrderStatus), item.CumExecQty, item.AvgPrice)
}

func bybitOrderToStatus(state, cumExecQty, avgPrice string) (domain.OrderStatus, error) {
	filled := decimal.Zero
	if cumExecQty != "" {
		parsed, err := decimal.NewFromString(cumExecQty)
		if err != nil {
			return domain.OrderStatus{}, errors.Wrap(err, "parse cumulative executed quantity")
		}
		filled = parsed
	}
	avg := decimal.Zero
	if avgPrice != "" && filled.IsPositive() {
		parsed, err := decimal.NewFromString(avgPrice)
		if err != nil {
			return domain.OrderStatus{}, errors.Wrap(err, "parse average price")
		}
		avg = parsed
	}

	status := domain.OrderStatus{FilledQty: filled, AvgPrice: avg}
	switch state {
	case "Filled":
		status.State = domain.OrderFilled
	case "PartiallyFilled":
		status.State = domain.OrderPartiallyFilled
	case "Cancelled", "Rejected", "PartiallyFilledCanceled", "Deactivated":
		status.State = domain.OrderCancelled
	default:
		status.State = domain.OrderOpen
	}
	return status, nil
}

// Balance returns the unified account balance of a currency.
func (b *Bybit) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	res, err := b.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	if err != nil {
		return decimal.Decimal{}, classifyBybitErr(err)
	}
	for _, account := range res.Result.List {
		for _, coin := range account.Coin {
			if string(coin.Coin) == currency {
				return decimal.NewFromString(coin.WalletBalance)
			}
		}
	}
	return decimal.Zero, nil
}

func classifyBybitErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many"):
		return NewError(KindRateLimited, VenueBybit, err)
	case strings.Contains(msg, "insufficient"):
		return NewError(KindInsufficientFunds, VenueBybit, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection"):
		return NewError(KindNetwork, VenueBybit, err)
	default:
		return NewError(KindRejectedByVenue, VenueBybit, err)
	}
}

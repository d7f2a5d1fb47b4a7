package exchange

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/internal/domain"
)

const VenueBinance = "binance"

// Binance adapts the Binance spot API to the Client capability.
// Quotes come from the book-ticker websocket stream, orders are market orders.
type Binance struct {
	client *binance.Client
}

// NewBinance creates a Binance venue client.
func NewBinance(apiKey, apiSecret string) *Binance {
	return &Binance{client: binance.NewClient(apiKey, apiSecret)}
}

// Venue returns the venue name.
func (b *Binance) Venue() string {
	return VenueBinance
}

// StreamQuotes subscribes to the book-ticker stream and pushes quotes until
// ctx is cancelled or the stream breaks.
func (b *Binance) StreamQuotes(ctx context.Context, pair domain.Pair, out chan<- domain.Quote) error {
	handler := func(event *binance.WsBookTickerEvent) {
		quote, err := bookTickerToQuote(pair, event)
		if err != nil {
			return
		}
		select {
		case out <- quote:
		case <-ctx.Done():
		}
	}

	streamErr := make(chan error, 1)
	errHandler := func(err error) {
		select {
		case streamErr <- err:
		default:
		}
	}

	doneC, stopC, err := binance.WsBookTickerServe(pair.Symbol(), handler, errHandler)
	if err != nil {
		return NewError(KindNetwork, VenueBinance, err)
	}

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case err := <-streamErr:
		close(stopC)
		return NewError(KindNetwork, VenueBinance, err)
	case <-doneC:
		return NewError(KindNetwork, VenueBinance, errors.New("book ticker stream closed"))
	}
}

func bookTickerToQuote(pair domain.Pair, event *binance.WsBookTickerEvent) (domain.Quote, error) {
	bid, err := decimal.NewFromString(event.BestBidPrice)
	if err != nil {
		return domain.Quote{}, err
	}
	bidSize, err := decimal.NewFromString(event.BestBidQty)
	if err != nil {
		return domain.Quote{}, err
	}
	ask, err := decimal.NewFromString(event.BestAskPrice)
	if err != nil {
		return domain.Quote{}, err
	}
	askSize, err := decimal.NewFromString(event.BestAskQty)
	if err != nil {
		return domain.Quote{}, err
	}

	return domain.Quote{
		Venue:       VenueBinance,
		Pair:        pair,
		BestBid:     bid,
		BestBidSize: bidSize,
		BestAsk:     ask,
		BestAskSize: askSize,
		ObservedAt:  time.Now(),
	}, nil
}

// PlaceOrder submits a spot market order.
func (b *Binance) PlaceOrder(ctx context.Context, side domain.Side, pair domain.Pair, price, size decimal.Decimal, clientOrderID string) (domain.OrderHandle, error) {
	binanceSide := binance.SideTypeBuy
	if side == domain.SideSell {
		binanceSide = binance.SideTypeSell
	}

	_, err := b.client.NewCreateOrderService().Symbol(pair.Symbol()).
		Side(binanceSide).Type(binance.OrderTypeMarket).
		Quantity(size.String()).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return domain.OrderHandle{}, classifyBinanceErr(err)
	}

	return domain.OrderHandle{
		Venue:         VenueBinance,
		Pair:          pair,
		ClientOrderID: clientOrderID,
	}, nil
}

// CancelOrder cancels a resting order by client order ID.
func (b *Binance) CancelOrder(ctx context.Context, handle domain.OrderHandle) (domain.CancelResult, error) {
	_, err := b.client.NewCancelOrderService().Symbol(handle.Pair.Symbol()).
		OrigClientOrderID(handle.ClientOrderID).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			// CANCEL_REJECTED: the order is no longer open, either filled or unknown
			status, statusErr := b.OrderStatus(ctx, handle)
			if statusErr == nil && status.State == domain.OrderFilled {
				return domain.CancelAlreadyFilled, nil
			}
			return domain.CancelNotFound, nil
		}
		return domain.CancelNotFound, classifyBinanceErr(err)
	}
	return domain.CancelOK, nil
}

// OrderStatus fetches the current fill progress.
func (b *Binance) OrderStatus(ctx context.Context, handle domain.OrderHandle) (domain.OrderStatus, error) {
	order, err := b.client.NewGetOrderService().Symbol(handle.Pair.Symbol()).
		OrigClientOrderID(handle.ClientOrderID).
		Do(ctx)
	if err != nil {
		return domain.OrderStatus{}, classifyBinanceErr(err)
	}

	filled, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return domain.OrderStatus{}, errors.Wrap(err, "parse executed quantity")
	}

	avgPrice := decimal.Zero
	if filled.IsPositive() {
		cumQuote, err := decimal.NewFromString(order.CummulativeQuoteQuantity)
		if err != nil {
			return domain.OrderStatus{}, errors.Wrap(err, "parse cumulative quote quantity")
		}
		avgPrice = cumQuote.Div(filled)
	}

	status := domain.OrderStatus{FilledQty: filled, AvgPrice: avgPrice}
	switch order.Status {
	case binance.OrderStatusTypeFilled:
		status.State = domain.OrderFilled
	case binance.OrderStatusTypePartiallyFilled:
		status.State = domain.OrderPartiallyFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired, binance.OrderStatusTypeRejected:
		status.State = domain.OrderCancelled
	default:
		status.State = domain.OrderOpen
	}
	return status, nil
}

// Balance returns the free spot balance of a currency.
func (b *Binance) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Decimal{}, classifyBinanceErr(err)
	}
	for _, balance := range account.Balances {
		if balance.Asset == currency {
			return decimal.NewFromString(balance.Free)
		}
	}
	return decimal.Zero, nil
}

func classifyBinanceErr(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return NewError(KindNetwork, VenueBinance, err)
	}
	switch apiErr.Code {
	case -1003, -1015: // TOO_MANY_REQUESTS, TOO_MANY_ORDERS
		return NewError(KindRateLimited, VenueBinance, err)
	case -2010: // NEW_ORDER_REJECTED, includes insufficient balance
		if apiErr.Message == "Account has insufficient balance for requested action." {
			return NewError(KindInsufficientFunds, VenueBinance, err)
		}
		return NewError(KindRejectedByVenue, VenueBinance, err)
	default:
		return NewError(KindRejectedByVenue, VenueBinance, err)
	}
}

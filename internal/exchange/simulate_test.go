package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/arbit/internal/domain"
	"go.uber.org/zap"
)

var testPair = domain.Pair{Base: "BTC", Quote: "USDT"}

// stubClient provides the venue identity and quote stream behind a Simulated.
type stubClient struct {
	venue  string
	quotes []domain.Quote
}

func (s *stubClient) Venue() string { return s.venue }

func (s *stubClient) StreamQuotes(ctx context.Context, _ domain.Pair, out chan<- domain.Quote) error {
	for _, quote := range s.quotes {
		select {
		case out <- quote:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *stubClient) PlaceOrder(context.Context, domain.Side, domain.Pair, decimal.Decimal, decimal.Decimal, string) (domain.OrderHandle, error) {
	panic("simulated venue must not place real orders")
}

func (s *stubClient) CancelOrder(context.Context, domain.OrderHandle) (domain.CancelResult, error) {
	panic("simulated venue must not cancel real orders")
}

func (s *stubClient) OrderStatus(context.Context, domain.OrderHandle) (domain.OrderStatus, error) {
	panic("simulated venue must not query real orders")
}

func (s *stubClient) Balance(context.Context, string) (decimal.Decimal, error) {
	panic("simulated venue must not query real balances")
}

func newSimulatedVenue(baseFunds, quoteFunds string, quotes ...domain.Quote) *Simulated {
	inner := &stubClient{venue: "sim", quotes: quotes}
	return NewSimulated(inner, testPair,
		decimal.RequireFromString(baseFunds),
		decimal.RequireFromString(quoteFunds),
		zap.NewNop())
}

func TestSimulatedBuyMovesWallet(t *testing.T) {
	sim := newSimulatedVenue("0", "10000")
	ctx := context.Background()

	handle, err := sim.PlaceOrder(ctx, domain.SideBuy, testPair, decimal.NewFromInt(100), decimal.NewFromInt(2), "buy-1")
	require.NoError(t, err)
	require.Equal(t, "sim", handle.Venue)
	require.NotEmpty(t, handle.VenueOrderID)

	status, err := sim.OrderStatus(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, domain.OrderFilled, status.State)
	require.True(t, status.FilledQty.Equal(decimal.NewFromInt(2)))
	require.True(t, status.AvgPrice.Equal(decimal.NewFromInt(100)))

	base, err := sim.Balance(ctx, testPair.Base)
	require.NoError(t, err)
	require.True(t, base.Equal(decimal.NewFromInt(2)))
	quote, err := sim.Balance(ctx, testPair.Quote)
	require.NoError(t, err)
	require.True(t, quote.Equal(decimal.NewFromInt(9800)))
}

func TestSimulatedSellRoundTrip(t *testing.T) {
	sim := newSimulatedVenue("1", "0")
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, domain.SideSell, testPair, decimal.NewFromFloat(100.5), decimal.NewFromInt(1), "sell-1")
	require.NoError(t, err)

	base, err := sim.Balance(ctx, testPair.Base)
	require.NoError(t, err)
	require.True(t, base.IsZero())
	quote, err := sim.Balance(ctx, testPair.Quote)
	require.NoError(t, err)
	require.True(t, quote.Equal(decimal.NewFromFloat(100.5)))
}

func TestSimulatedInsufficientFunds(t *testing.T) {
	sim := newSimulatedVenue("0", "50")
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, domain.SideBuy, testPair, decimal.NewFromInt(100), decimal.NewFromInt(1), "buy-1")
	require.Error(t, err)
	require.Equal(t, KindInsufficientFunds, KindOf(err))
	require.False(t, Retryable(err))

	// a rejected order leaves the wallet untouched
	quote, err := sim.Balance(ctx, testPair.Quote)
	require.NoError(t, err)
	require.True(t, quote.Equal(decimal.NewFromInt(50)))

	_, err = sim.PlaceOrder(ctx, domain.SideSell, testPair, decimal.NewFromInt(100), decimal.NewFromInt(1), "sell-1")
	require.Error(t, err)
	require.Equal(t, KindInsufficientFunds, KindOf(err))
}

func TestSimulatedRejectsInvalidOrders(t *testing.T) {
	sim := newSimulatedVenue("1", "1000")

	_, err := sim.PlaceOrder(context.Background(), domain.SideBuy, testPair, decimal.Zero, decimal.NewFromInt(1), "buy-1")
	require.Error(t, err)
	require.Equal(t, KindRejectedByVenue, KindOf(err))

	_, err = sim.PlaceOrder(context.Background(), domain.SideBuy, testPair, decimal.NewFromInt(100), decimal.Zero, "buy-2")
	require.Error(t, err)
	require.Equal(t, KindRejectedByVenue, KindOf(err))
}

func TestSimulatedCancelReportsFilled(t *testing.T) {
	sim := newSimulatedVenue("0", "1000")
	ctx := context.Background()

	handle, err := sim.PlaceOrder(ctx, domain.SideBuy, testPair, decimal.NewFromInt(100), decimal.NewFromInt(1), "buy-1")
	require.NoError(t, err)

	result, err := sim.CancelOrder(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, domain.CancelAlreadyFilled, result)

	result, err = sim.CancelOrder(ctx, domain.OrderHandle{ClientOrderID: "missing"})
	require.NoError(t, err)
	require.Equal(t, domain.CancelNotFound, result)
}

func TestSimulatedQuotesPassThrough(t *testing.T) {
	quote := domain.Quote{
		Venue:      "sim",
		Pair:       testPair,
		BestBid:    decimal.NewFromInt(100),
		BestAsk:    decimal.NewFromInt(101),
		ObservedAt: time.Now(),
	}
	sim := newSimulatedVenue("0", "0", quote)

	out := make(chan domain.Quote, 1)
	require.NoError(t, sim.StreamQuotes(context.Background(), testPair, out))
	got := <-out
	require.Equal(t, "sim", got.Venue)
	require.True(t, got.BestBid.Equal(quote.BestBid))
}

package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/internal/domain"
	"go.uber.org/zap"
)

// Simulated wraps a real venue client: quotes pass through untouched, orders
// are simulated against an in-memory wallet. Used in dry-run mode so the engine
// can be exercised against live market data with zero capital at risk.
type Simulated struct {
	inner  Client
	logger *zap.Logger

	mu     sync.RWMutex
	wallet map[string]decimal.Decimal
	orders map[string]domain.OrderStatus
	seq    int
}

// NewSimulated creates a simulated venue funded with the given base and quote amounts.
func NewSimulated(inner Client, pair domain.Pair, baseFunds, quoteFunds decimal.Decimal, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Simulated{
		inner:  inner,
		logger: logger,
		wallet: map[string]decimal.Decimal{
			pair.Base:  baseFunds,
			pair.Quote: quoteFunds,
		},
		orders: make(map[string]domain.OrderStatus),
	}
	logger.Info("simulated venue init",
		zap.String("venue", inner.Venue()),
		zap.String("base", baseFunds.String()),
		zap.String("quote", quoteFunds.String()))
	return s
}

// Venue returns the wrapped venue name.
func (s *Simulated) Venue() string {
	return s.inner.Venue()
}

// StreamQuotes delegates to the wrapped client.
func (s *Simulated) StreamQuotes(ctx context.Context, pair domain.Pair, out chan<- domain.Quote) error {
	return s.inner.StreamQuotes(ctx, pair, out)
}

// PlaceOrder fills the order immediately at the submitted reference price.
func (s *Simulated) PlaceOrder(ctx context.Context, side domain.Side, pair domain.Pair, price, size decimal.Decimal, clientOrderID string) (domain.OrderHandle, error) {
	if !size.IsPositive() || !price.IsPositive() {
		return domain.OrderHandle{}, NewError(KindRejectedByVenue, s.Venue(),
			errors.Errorf("invalid order: price=%s size=%s", price.String(), size.String()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cost := price.Mul(size)
	switch side {
	case domain.SideBuy:
		if s.wallet[pair.Quote].LessThan(cost) {
			return domain.OrderHandle{}, NewError(KindInsufficientFunds, s.Venue(),
				errors.Errorf("need %s %s, have %s", cost.String(), pair.Quote, s.wallet[pair.Quote].String()))
		}
		s.wallet[pair.Quote] = s.wallet[pair.Quote].Sub(cost)
		s.wallet[pair.Base] = s.wallet[pair.Base].Add(size)
	case domain.SideSell:
		if s.wallet[pair.Base].LessThan(size) {
			return domain.OrderHandle{}, NewError(KindInsufficientFunds, s.Venue(),
				errors.Errorf("need %s %s, have %s", size.String(), pair.Base, s.wallet[pair.Base].String()))
		}
		s.wallet[pair.Base] = s.wallet[pair.Base].Sub(size)
		s.wallet[pair.Quote] = s.wallet[pair.Quote].Add(cost)
	default:
		return domain.OrderHandle{}, NewError(KindRejectedByVenue, s.Venue(), errors.Errorf("unknown side: %s", side))
	}

	s.seq++
	handle := domain.OrderHandle{
		Venue:         s.Venue(),
		Pair:          pair,
		ClientOrderID: clientOrderID,
		VenueOrderID:  fmt.Sprintf("sim-%d", s.seq),
	}
	s.orders[clientOrderID] = domain.OrderStatus{
		State:     domain.OrderFilled,
		FilledQty: size,
		AvgPrice:  price,
	}

	s.logger.Info("simulated fill",
		zap.String("venue", s.Venue()),
		zap.String("side", side.String()),
		zap.String("price", price.String()),
		zap.String("size", size.String()),
		zap.String("client_order_id", clientOrderID))

	return handle, nil
}

// CancelOrder never succeeds because simulated orders fill instantly.
func (s *Simulated) CancelOrder(ctx context.Context, handle domain.OrderHandle) (domain.CancelResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.orders[handle.ClientOrderID]; !ok {
		return domain.CancelNotFound, nil
	}
	return domain.CancelAlreadyFilled, nil
}

// OrderStatus returns the recorded simulated fill.
func (s *Simulated) OrderStatus(ctx context.Context, handle domain.OrderHandle) (domain.OrderStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.orders[handle.ClientOrderID]
	if !ok {
		return domain.OrderStatus{}, NewError(KindRejectedByVenue, s.Venue(),
			errors.Errorf("unknown order %s", handle.ClientOrderID))
	}
	return status, nil
}

// Balance returns the simulated wallet balance.
func (s *Simulated) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallet[currency], nil
}

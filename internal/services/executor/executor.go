// Package executor drives the two-leg arbitrage trade state machine.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/internal/domain"
	"github.com/vadiminshakov/arbit/internal/events"
	"github.com/vadiminshakov/arbit/internal/exchange"
	"github.com/vadiminshakov/arbit/pkg/retrier"
	"go.uber.org/zap"
)

var (
	// ErrExecutionInFlight another execution holds the symbol.
	ErrExecutionInFlight = errors.New("execution already in flight for symbol")
	// ErrRiskTripped the risk guard refuses new executions.
	ErrRiskTripped = errors.New("risk guard is tripped")
	// ErrHalted a failed unwind halted the symbol until operator intervention.
	ErrHalted = errors.New("executions halted after unwind failure")
	// ErrFillTimeout the order did not fill within the configured window.
	ErrFillTimeout = errors.New("order fill timed out")
)

const (
	defaultStatusPollInterval = 200 * time.Millisecond
	unwindAttempts            = 3
)

var hundred = decimal.NewFromInt(100)

type guard interface {
	ReportOutcome(domain.Execution)
	IsTripped() bool
}

type archive interface {
	Save(domain.Execution) error
}

// Config bounds a coordinator's trading.
type Config struct {
	Pair domain.Pair
	// MaxNotional per-trade cap in quote currency; zero disables the cap.
	MaxNotional decimal.Decimal
	// FillTimeout how long a placed order may stay unfilled. Opportunity
	// windows are seconds, not minutes.
	FillTimeout time.Duration
	// StatusPollInterval between order status checks.
	StatusPollInterval time.Duration
	// TakerFeesPct venue name to taker fee rate in percent, used for realized P&L.
	TakerFeesPct map[string]decimal.Decimal
}

// Coordinator executes opportunities, one at a time per symbol. Every state
// transition is published as a reporting event and every terminal execution is
// archived and reported to the risk guard.
type Coordinator struct {
	cfg     Config
	clients map[string]exchange.Client
	guard   guard
	archive archive
	bus     *events.Broadcaster
	logger  *zap.Logger
	unwind  *retrier.Retrier
	now     func() time.Time

	mu       sync.Mutex
	inFlight bool
	halted   bool
}

// New creates a coordinator over the given venue clients.
func New(cfg Config, clients map[string]exchange.Client, g guard, a archive, bus *events.Broadcaster, logger *zap.Logger) *Coordinator {
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = defaultStatusPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		clients: clients,
		guard:   g,
		archive: a,
		bus:     bus,
		logger:  logger,
		unwind: retrier.New(
			retrier.WithAttempts(unwindAttempts),
			retrier.WithInitialDelay(time.Second),
		),
		now: time.Now,
	}
}

// Halted reports whether a failed unwind stopped new executions for the symbol.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Execute runs the state machine for one opportunity. Business failures
// (aborts, losses, unwinds) are captured in the returned execution's outcome;
// an error is returned only when no execution was started at all.
func (c *Coordinator) Execute(ctx context.Context, opp domain.Opportunity) (domain.Execution, error) {
	if err := c.acquire(); err != nil {
		return domain.Execution{}, err
	}
	defer c.release()

	buyClient, ok := c.clients[opp.BuyVenue]
	if !ok {
		return domain.Execution{}, errors.Errorf("no client for venue %s", opp.BuyVenue)
	}
	sellClient, ok := c.clients[opp.SellVenue]
	if !ok {
		return domain.Execution{}, errors.Errorf("no client for venue %s", opp.SellVenue)
	}

	size := c.tradeSize(opp)
	if !size.IsPositive() {
		return domain.Execution{}, errors.Errorf("zero executable size for %s", opp.String())
	}

	ex := &domain.Execution{
		ID:          uuid.New().String(),
		Opportunity: opp,
		State:       domain.ExecutionPending,
		StartedAt:   c.now(),
	}
	c.logger.Info("execution started",
		zap.String("execution_id", ex.ID),
		zap.String("opportunity", opp.String()),
		zap.String("size", size.String()))
	c.publish(ex)

	c.runBuyLeg(ctx, ex, buyClient, sellClient, size)
	return *ex, nil
}

// tradeSize caps the opportunity size by the configured max notional.
func (c *Coordinator) tradeSize(opp domain.Opportunity) decimal.Decimal {
	size := opp.MaxSize
	if c.cfg.MaxNotional.IsPositive() {
		size = decimal.Min(size, c.cfg.MaxNotional.Div(opp.BuyPrice))
	}
	return size
}

func (c *Coordinator) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted {
		return ErrHalted
	}
	if c.guard.IsTripped() {
		return ErrRiskTripped
	}
	if c.inFlight {
		return ErrExecutionInFlight
	}
	c.inFlight = true
	return nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

func (c *Coordinator) runBuyLeg(ctx context.Context, ex *domain.Execution, buyClient, sellClient exchange.Client, size decimal.Decimal) {
	opp := ex.Opportunity
	clientOrderID := fmt.Sprintf("arbit-buy-%s", ex.ID)

	handle, err := buyClient.PlaceOrder(ctx, domain.SideBuy, opp.Pair, opp.BuyPrice, size, clientOrderID)
	if err != nil {
		// nothing filled, zero capital at risk
		c.transition(ex, domain.ExecutionBuyFailed)
		c.finish(ex, domain.ExecutionAborted, domain.Outcome{
			Result: domain.ResultAborted,
			Reason: fmt.Sprintf("buy submission failed: %v", err),
		})
		return
	}

	ex.BuyOrder = &domain.Order{
		Handle:   handle,
		Side:     domain.SideBuy,
		Price:    opp.BuyPrice,
		Size:     size,
		PlacedAt: c.now(),
	}
	c.transition(ex, domain.ExecutionBuyPlaced)

	status, err := c.awaitFill(ctx, buyClient, handle)
	if err != nil {
		status = c.cancelAndSettle(ctx, buyClient, handle, status)
	}

	ex.BuyOrder.FilledQty = status.FilledQty
	ex.BuyOrder.AvgFillPrice = status.AvgPrice
	if !status.FilledQty.IsPositive() {
		c.transition(ex, domain.ExecutionBuyFailed)
		c.finish(ex, domain.ExecutionAborted, domain.Outcome{
			Result: domain.ResultAborted,
			Reason: "buy leg cancelled with zero fill",
		})
		return
	}

	// a position exists now; the remaining legs must run to a terminal state
	// even if the engine is shutting down
	c.transition(ex, domain.ExecutionBuyFilled)
	c.runSellLeg(context.WithoutCancel(ctx), ex, buyClient, sellClient)
}

func (c *Coordinator) runSellLeg(ctx context.Context, ex *domain.Execution, buyClient, sellClient exchange.Client) {
	opp := ex.Opportunity
	boughtQty := ex.BuyOrder.FilledQty
	clientOrderID := fmt.Sprintf("arbit-sell-%s", ex.ID)

	handle, err := sellClient.PlaceOrder(ctx, domain.SideSell, opp.Pair, opp.SellPrice, boughtQty, clientOrderID)
	if err != nil {
		c.transition(ex, domain.ExecutionSellFailed)
		c.runUnwind(ctx, ex, buyClient, boughtQty, fmt.Sprintf("sell submission failed: %v", err))
		return
	}

	ex.SellOrder = &domain.Order{
		Handle:   handle,
		Side:     domain.SideSell,
		Price:    opp.SellPrice,
		Size:     boughtQty,
		PlacedAt: c.now(),
	}
	c.transition(ex, domain.ExecutionSellPlaced)

	status, err := c.awaitFill(ctx, sellClient, handle)
	if err != nil {
		status = c.cancelAndSettle(ctx, sellClient, handle, status)
	}

	ex.SellOrder.FilledQty = status.FilledQty
	ex.SellOrder.AvgFillPrice = status.AvgPrice

	remaining := boughtQty.Sub(status.FilledQty)
	if remaining.IsPositive() {
		c.transition(ex, domain.ExecutionSellFailed)
		c.runUnwind(ctx, ex, buyClient, remaining, "sell leg filled partially before timeout")
		return
	}

	pnl := c.realizedPnL(ex)
	result := domain.ResultLoss
	if pnl.IsPositive() {
		result = domain.ResultProfit
	}
	c.finish(ex, domain.ExecutionCompleted, domain.Outcome{
		Result:      result,
		RealizedPnL: pnl,
		FilledSize:  boughtQty,
	})
}

// runUnwind flattens qty on the buy venue. Best effort: not profit-neutral by
// construction, so the outcome is always a loss with the realized slippage.
func (c *Coordinator) runUnwind(ctx context.Context, ex *domain.Execution, buyClient exchange.Client, qty decimal.Decimal, reason string) {
	c.transition(ex, domain.ExecutionUnwinding)
	c.logger.Warn("unwinding position",
		zap.String("execution_id", ex.ID),
		zap.String("venue", ex.Opportunity.BuyVenue),
		zap.String("qty", qty.String()),
		zap.String("reason", reason))

	ex.UnwindOrder = &domain.Order{
		Side:     domain.SideSell,
		Price:    ex.Opportunity.BuyPrice,
		Size:     qty,
		PlacedAt: c.now(),
	}

	// partial unwind fills carry across attempts: only the remainder is re-placed
	remaining := qty
	proceeds := decimal.Zero
	attempt := 0
	err := c.unwind.Do(ctx, func(ctx context.Context) error {
		attempt++
		clientOrderID := fmt.Sprintf("arbit-unwind-%s-%d", ex.ID, attempt)
		handle, err := buyClient.PlaceOrder(ctx, domain.SideSell, ex.Opportunity.Pair, ex.Opportunity.BuyPrice, remaining, clientOrderID)
		if err != nil {
			return err
		}
		ex.UnwindOrder.Handle = handle

		status, err := c.awaitFill(ctx, buyClient, handle)
		if err != nil {
			status = c.cancelAndSettle(ctx, buyClient, handle, status)
		}
		if status.FilledQty.IsPositive() {
			remaining = remaining.Sub(status.FilledQty)
			proceeds = proceeds.Add(status.AvgPrice.Mul(status.FilledQty))
			ex.UnwindOrder.FilledQty = qty.Sub(remaining)
			if ex.UnwindOrder.FilledQty.IsPositive() {
				ex.UnwindOrder.AvgFillPrice = proceeds.Div(ex.UnwindOrder.FilledQty)
			}
		}
		if remaining.IsPositive() {
			return errors.Wrapf(ErrFillTimeout, "unwind filled %s of %s", ex.UnwindOrder.FilledQty.String(), qty.String())
		}
		return nil
	})

	if err != nil {
		c.finish(ex, domain.ExecutionUnwindFailed, domain.Outcome{
			Result:      domain.ResultLoss,
			RealizedPnL: c.realizedPnL(ex),
			FilledSize:  ex.BuyOrder.FilledQty,
			Reason:      fmt.Sprintf("%s; unwind failed: %v", reason, err),
		})
		return
	}

	c.finish(ex, domain.ExecutionUnwound, domain.Outcome{
		Result:      domain.ResultLoss,
		RealizedPnL: c.realizedPnL(ex),
		FilledSize:  ex.BuyOrder.FilledQty,
		Reason:      reason,
	})
}

// awaitFill polls order status until the order fills, is cancelled by the
// venue, or the fill timeout elapses. This and cancel confirmation are the
// only blocking points on the execution path.
func (c *Coordinator) awaitFill(ctx context.Context, client exchange.Client, handle domain.OrderHandle) (domain.OrderStatus, error) {
	deadline := time.NewTimer(c.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.StatusPollInterval)
	defer ticker.Stop()

	var last domain.OrderStatus
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, ErrFillTimeout
		case <-ticker.C:
			status, err := client.OrderStatus(ctx, handle)
			if err != nil {
				c.logger.Debug("order status poll failed",
					zap.String("venue", handle.Venue),
					zap.String("client_order_id", handle.ClientOrderID),
					zap.Error(err))
				continue
			}
			last = status
			switch status.State {
			case domain.OrderFilled:
				return status, nil
			case domain.OrderCancelled:
				return status, errors.Errorf("order %s cancelled by venue", handle.ClientOrderID)
			}
		}
	}
}

// cancelAndSettle cancels an unfilled order and returns its final fill state,
// which may include a partial fill that landed before the cancel took effect.
func (c *Coordinator) cancelAndSettle(ctx context.Context, client exchange.Client, handle domain.OrderHandle, last domain.OrderStatus) domain.OrderStatus {
	// cancel confirmation must complete even when ctx is already done
	ctx = context.WithoutCancel(ctx)

	result, err := client.CancelOrder(ctx, handle)
	if err != nil {
		c.logger.Warn("cancel failed",
			zap.String("venue", handle.Venue),
			zap.String("client_order_id", handle.ClientOrderID),
			zap.Error(err))
	}

	status, err := client.OrderStatus(ctx, handle)
	if err != nil {
		c.logger.Warn("post-cancel status check failed",
			zap.String("venue", handle.Venue),
			zap.String("client_order_id", handle.ClientOrderID),
			zap.Error(err))
		return last
	}
	if result == domain.CancelAlreadyFilled && status.State != domain.OrderFilled {
		// trust the explicit cancel response over a lagging status read
		status.State = domain.OrderFilled
	}
	return status
}

// realizedPnL computes profit in quote currency from actual fills, fees included.
func (c *Coordinator) realizedPnL(ex *domain.Execution) decimal.Decimal {
	pnl := decimal.Zero

	if buy := ex.BuyOrder; buy != nil && buy.FilledQty.IsPositive() {
		cost := buy.AvgFillPrice.Mul(buy.FilledQty)
		fee := cost.Mul(c.cfg.TakerFeesPct[ex.Opportunity.BuyVenue]).Div(hundred)
		pnl = pnl.Sub(cost).Sub(fee)
	}
	if sell := ex.SellOrder; sell != nil && sell.FilledQty.IsPositive() {
		proceeds := sell.AvgFillPrice.Mul(sell.FilledQty)
		fee := proceeds.Mul(c.cfg.TakerFeesPct[ex.Opportunity.SellVenue]).Div(hundred)
		pnl = pnl.Add(proceeds).Sub(fee)
	}
	if unwind := ex.UnwindOrder; unwind != nil && unwind.FilledQty.IsPositive() {
		proceeds := unwind.AvgFillPrice.Mul(unwind.FilledQty)
		fee := proceeds.Mul(c.cfg.TakerFeesPct[ex.Opportunity.BuyVenue]).Div(hundred)
		pnl = pnl.Add(proceeds).Sub(fee)
	}

	return pnl
}

func (c *Coordinator) transition(ex *domain.Execution, state domain.ExecutionState) {
	ex.State = state
	c.logger.Info("execution state",
		zap.String("execution_id", ex.ID),
		zap.String("state", state.String()))
	c.publish(ex)
}

func (c *Coordinator) finish(ex *domain.Execution, state domain.ExecutionState, outcome domain.Outcome) {
	ex.State = state
	ex.Outcome = outcome
	ex.EndedAt = c.now()

	if state == domain.ExecutionUnwindFailed {
		c.mu.Lock()
		c.halted = true
		c.mu.Unlock()
		c.logger.Error("unwind failed, halting executions until operator reset",
			zap.String("execution_id", ex.ID),
			zap.String("reason", outcome.Reason))
		c.bus.Publish(events.Event{
			Type:      events.TypeFatal,
			At:        ex.EndedAt,
			Pair:      ex.Opportunity.Pair.String(),
			Message:   outcome.Reason,
			Execution: copyExecution(ex),
		})
	}

	if c.archive != nil {
		if err := c.archive.Save(*ex); err != nil {
			c.logger.Error("failed to archive execution",
				zap.String("execution_id", ex.ID),
				zap.Error(err))
		}
	}
	c.guard.ReportOutcome(*ex)

	c.logger.Info("execution finished",
		zap.String("execution_id", ex.ID),
		zap.String("state", state.String()),
		zap.String("result", outcome.Result.String()),
		zap.String("realized_pnl", outcome.RealizedPnL.String()),
		zap.String("reason", outcome.Reason))
	c.publish(ex)
}

func (c *Coordinator) publish(ex *domain.Execution) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:      events.TypeExecution,
		At:        c.now(),
		Pair:      ex.Opportunity.Pair.String(),
		Execution: copyExecution(ex),
	})
}

// copyExecution snapshots the execution so subscribers never observe later mutations.
func copyExecution(ex *domain.Execution) *domain.Execution {
	snapshot := *ex
	if ex.BuyOrder != nil {
		buy := *ex.BuyOrder
		snapshot.BuyOrder = &buy
	}
	if ex.SellOrder != nil {
		sell := *ex.SellOrder
		snapshot.SellOrder = &sell
	}
	if ex.UnwindOrder != nil {
		unwind := *ex.UnwindOrder
		snapshot.UnwindOrder = &unwind
	}
	return &snapshot
}

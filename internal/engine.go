// Package internal wires quote ingestion, detection and execution into the
// arbitrage engine.
package internal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/config"
	"github.com/vadiminshakov/arbit/internal/domain"
	"github.com/vadiminshakov/arbit/internal/events"
	"github.com/vadiminshakov/arbit/internal/exchange"
	"github.com/vadiminshakov/arbit/internal/services/aggregator"
	"github.com/vadiminshakov/arbit/internal/services/detector"
	"github.com/vadiminshakov/arbit/internal/services/executor"
	"github.com/vadiminshakov/arbit/internal/services/riskguard"
	"github.com/vadiminshakov/arbit/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	updateBuffer        = 1024
	eventBuffer         = 256
	balanceCheckTimeout = 10 * time.Second
)

type archive interface {
	Save(domain.Execution) error
}

// Engine runs one trading pair: a quote ingestion goroutine per venue feeds a
// single serialized decision loop that aggregates, detects and executes. That
// single loop is what keeps at most one execution in flight per symbol.
type Engine struct {
	cfg     config.Config
	clients map[string]exchange.Client
	agg     *aggregator.Aggregator
	det     *detector.Detector
	exec    *executor.Coordinator
	guard   *riskguard.Guard
	bus     *events.Broadcaster
	logger  *zap.Logger

	droppedUpdates atomic.Uint64
	tradeCount     int
	totalPnL       decimal.Decimal
	trippedSeen    bool
	startedAt      time.Time
}

// NewEngine creates an engine over the given venue clients. The archive may be
// nil in tests; in production it persists every terminal execution.
func NewEngine(cfg config.Config, clients map[string]exchange.Client, store archive, logger *zap.Logger) (*Engine, error) {
	if len(clients) < 2 {
		return nil, errors.Errorf("at least 2 venue clients required, got %d", len(clients))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("pair", cfg.Pair.String()))

	bus := events.NewBroadcaster(eventBuffer)
	guard := riskguard.New(cfg.RiskFailureLimit, cfg.RiskCoolDown, logger)
	fees := cfg.TakerFees()

	coordinator := executor.New(executor.Config{
		Pair:               cfg.Pair,
		MaxNotional:        cfg.MaxNotional,
		FillTimeout:        cfg.FillTimeout,
		StatusPollInterval: cfg.OrderPollInterval,
		TakerFeesPct:       fees,
	}, clients, guard, store, bus, logger)

	return &Engine{
		cfg:      cfg,
		clients:  clients,
		agg:      aggregator.New(cfg.Pair, cfg.QuoteMaxAge, logger),
		det:      detector.New(cfg.ThresholdPct, fees, detector.LinearSlippage(cfg.SlippageCoeffPct), logger),
		exec:     coordinator,
		guard:    guard,
		bus:      bus,
		logger:   logger,
		totalPnL: decimal.Zero,
	}, nil
}

// Guard exposes the risk guard for operator-facing surfaces (reset, monitoring).
func (e *Engine) Guard() *riskguard.Guard {
	return e.guard
}

// Events exposes the reporting broadcaster.
func (e *Engine) Events() *events.Broadcaster {
	return e.bus
}

// Run blocks until ctx is cancelled or ingestion fails unrecoverably.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now()
	e.logger.Info("starting arbitrage engine",
		zap.Int("venues", len(e.clients)),
		zap.String("threshold_pct", e.cfg.ThresholdPct.String()),
		zap.Bool("simulate", e.cfg.Simulate))

	e.logBalances(ctx)

	// the sink outlives ctx so shutdown reporting still reaches the webhook;
	// unsubscribing after the summary closes the channel and ends it
	var sinkCh chan events.Event
	var sinkDone chan struct{}
	if e.cfg.WebhookURL != "" {
		sink := events.NewWebhookSink(e.cfg.WebhookURL, e.logger)
		sinkCh = e.bus.Subscribe()
		sinkDone = make(chan struct{})
		sinkCtx := context.WithoutCancel(ctx)
		go func() {
			defer close(sinkDone)
			sink.Run(sinkCtx, sinkCh)
		}()
	}

	updates := make(chan domain.Quote, updateBuffer)

	group, ctx := errgroup.WithContext(ctx)
	for _, client := range e.clients {
		group.Go(func() error {
			return e.ingest(ctx, client, updates)
		})
	}
	group.Go(func() error {
		return e.decisionLoop(ctx, updates)
	})

	err := group.Wait()
	e.logSummary()
	if sinkCh != nil {
		e.bus.Unsubscribe(sinkCh)
		<-sinkDone
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ingest streams quotes from one venue into the shared update channel,
// restarting the stream with backoff whenever it breaks.
func (e *Engine) ingest(ctx context.Context, client exchange.Client, updates chan<- domain.Quote) error {
	logger := e.logger.With(zap.String("venue", client.Venue()))
	backoff := retrier.New(
		retrier.WithAttempts(1<<31-1),
		retrier.WithInitialDelay(time.Second),
		retrier.WithMaxDelay(30*time.Second),
	)

	venueOut := make(chan domain.Quote, updateBuffer)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case quote := <-venueOut:
				// ingestion must never block on the decision path: when the
				// buffer is full the update is dropped, the next one supersedes it
				select {
				case updates <- quote:
				default:
					e.droppedUpdates.Add(1)
					logger.Debug("update buffer full, quote dropped")
				}
			}
		}
	}()

	return backoff.Do(ctx, func(ctx context.Context) error {
		logger.Info("starting quote stream")
		err := client.StreamQuotes(ctx, e.cfg.Pair, venueOut)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// auth and subscription rejections will not heal with backoff
		if !exchange.Retryable(err) {
			logger.Error("quote stream refused, not restarting", zap.Error(err))
			return retrier.Unrecoverable(err)
		}
		logger.Warn("quote stream broke, restarting", zap.Error(err))
		return err
	})
}

// decisionLoop is the single serialized decision point: book updates, snapshot
// construction, detection and execution all happen here, in arrival order.
func (e *Engine) decisionLoop(ctx context.Context, updates <-chan domain.Quote) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case quote := <-updates:
			e.handleUpdate(ctx, quote)
		}
	}
}

func (e *Engine) handleUpdate(ctx context.Context, quote domain.Quote) {
	snapshot, ok, err := e.agg.Apply(quote)
	if err != nil {
		e.logger.Warn("quote update rejected", zap.String("venue", quote.Venue), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	opportunity, ok := e.det.Detect(snapshot)
	if !ok {
		return
	}

	e.bus.Publish(events.Event{
		Type:        events.TypeOpportunity,
		At:          opportunity.DetectedAt,
		Pair:        e.cfg.Pair.String(),
		Opportunity: &opportunity,
	})

	// detection keeps running while tripped or halted, for observability
	if e.exec.Halted() {
		e.logger.Debug("opportunity skipped: executions halted", zap.String("opportunity", opportunity.String()))
		return
	}
	if e.guard.IsTripped() {
		if !e.trippedSeen {
			e.trippedSeen = true
			e.bus.Publish(events.Event{
				Type:    events.TypeRiskTripped,
				At:      time.Now(),
				Pair:    e.cfg.Pair.String(),
				Message: "risk guard tripped, new executions refused",
			})
		}
		e.logger.Debug("opportunity skipped: risk guard tripped", zap.String("opportunity", opportunity.String()))
		return
	}
	e.trippedSeen = false

	execution, err := e.exec.Execute(ctx, opportunity)
	if err != nil {
		e.logger.Warn("execution not started", zap.Error(err))
		return
	}

	// aborted executions moved no capital and do not count as trades
	if execution.Outcome.FilledSize.IsPositive() {
		e.tradeCount++
	}
	e.totalPnL = e.totalPnL.Add(execution.Outcome.RealizedPnL)
}

// logBalances reports per-venue balances at startup, best effort with a short
// retry budget for venues that flake right after connect.
func (e *Engine) logBalances(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, balanceCheckTimeout)
	defer cancel()

	check := retrier.New(retrier.WithAttempts(3), retrier.WithInitialDelay(500*time.Millisecond))
	for _, client := range e.clients {
		base, baseErr := retrier.DoWithData(ctx, check, func(ctx context.Context) (decimal.Decimal, error) {
			return client.Balance(ctx, e.cfg.Pair.Base)
		})
		quote, quoteErr := retrier.DoWithData(ctx, check, func(ctx context.Context) (decimal.Decimal, error) {
			return client.Balance(ctx, e.cfg.Pair.Quote)
		})
		if baseErr != nil || quoteErr != nil {
			e.logger.Warn("balance check failed",
				zap.String("venue", client.Venue()),
				zap.NamedError("base_err", baseErr),
				zap.NamedError("quote_err", quoteErr))
			continue
		}
		e.logger.Info("venue balance",
			zap.String("venue", client.Venue()),
			zap.String(e.cfg.Pair.Base, base.String()),
			zap.String(e.cfg.Pair.Quote, quote.String()))
	}
}

func (e *Engine) logSummary() {
	e.logger.Info("session summary",
		zap.Duration("uptime", time.Since(e.startedAt)),
		zap.Int("trades", e.tradeCount),
		zap.String("total_pnl", e.totalPnL.String()),
		zap.Uint64("dropped_updates", e.droppedUpdates.Load()))
	e.bus.Publish(events.Event{
		Type:    events.TypeSummary,
		At:      time.Now(),
		Pair:    e.cfg.Pair.String(),
		Message: fmt.Sprintf("trades: %d, total pnl: %s", e.tradeCount, e.totalPnL.String()),
	})
}

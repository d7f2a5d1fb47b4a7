package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/arbit/config"
	"github.com/vadiminshakov/arbit/internal/domain"
	"github.com/vadiminshakov/arbit/internal/events"
	"github.com/vadiminshakov/arbit/internal/exchange"
	"go.uber.org/zap"
)

var testPair = domain.Pair{Base: "BTC", Quote: "USDT"}

// scriptedClient streams a fixed sequence of quotes and fills every order
// instantly at its placed price.
type scriptedClient struct {
	venue  string
	quotes []domain.Quote

	mu        sync.Mutex
	orders    map[string]domain.OrderStatus
	rejectAll bool
	streamErr error
}

var _ exchange.Client = (*scriptedClient)(nil)

func newScriptedClient(venue string, quotes ...domain.Quote) *scriptedClient {
	return &scriptedClient{
		venue:  venue,
		quotes: quotes,
		orders: make(map[string]domain.OrderStatus),
	}
}

func (s *scriptedClient) Venue() string { return s.venue }

func (s *scriptedClient) StreamQuotes(ctx context.Context, _ domain.Pair, out chan<- domain.Quote) error {
	if s.streamErr != nil {
		return s.streamErr
	}
	for _, quote := range s.quotes {
		select {
		case out <- quote:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *scriptedClient) PlaceOrder(_ context.Context, side domain.Side, pair domain.Pair, price, size decimal.Decimal, clientOrderID string) (domain.OrderHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAll {
		return domain.OrderHandle{}, exchange.NewError(exchange.KindRejectedByVenue, s.venue, errors.New("rejected"))
	}
	s.orders[clientOrderID] = domain.OrderStatus{State: domain.OrderFilled, FilledQty: size, AvgPrice: price}
	return domain.OrderHandle{Venue: s.venue, Pair: pair, ClientOrderID: clientOrderID, VenueOrderID: clientOrderID}, nil
}

func (s *scriptedClient) CancelOrder(_ context.Context, handle domain.OrderHandle) (domain.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.orders[handle.ClientOrderID]
	if !ok {
		return domain.CancelNotFound, nil
	}
	if status.State == domain.OrderFilled {
		return domain.CancelAlreadyFilled, nil
	}
	status.State = domain.OrderCancelled
	s.orders[handle.ClientOrderID] = status
	return domain.CancelOK, nil
}

func (s *scriptedClient) OrderStatus(_ context.Context, handle domain.OrderHandle) (domain.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.orders[handle.ClientOrderID]
	if !ok {
		return domain.OrderStatus{}, errors.Errorf("order %s not found", handle.ClientOrderID)
	}
	return status, nil
}

func (s *scriptedClient) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100_000), nil
}

func testConfig() config.Config {
	return config.Config{
		Pair: testPair,
		Venues: []config.Venue{
			{Name: "a", TakerFeePct: decimal.NewFromFloat(0.1)},
			{Name: "b", TakerFeePct: decimal.NewFromFloat(0.1)},
		},
		ThresholdPct:      decimal.NewFromFloat(0.3),
		MaxNotional:       decimal.NewFromInt(1000),
		SlippageCoeffPct:  decimal.Zero,
		FillTimeout:       100 * time.Millisecond,
		QuoteMaxAge:       5 * time.Second,
		OrderPollInterval: time.Millisecond,
		RiskFailureLimit:  3,
		RiskCoolDown:      time.Minute,
	}
}

func quoteAt(venue string, bid, bidSize, ask, askSize float64, at time.Time) domain.Quote {
	return domain.Quote{
		Venue:       venue,
		Pair:        testPair,
		BestBid:     decimal.NewFromFloat(bid),
		BestBidSize: decimal.NewFromFloat(bidSize),
		BestAsk:     decimal.NewFromFloat(ask),
		BestAskSize: decimal.NewFromFloat(askSize),
		ObservedAt:  at,
	}
}

func TestEngineRequiresTwoVenues(t *testing.T) {
	clients := map[string]exchange.Client{"a": newScriptedClient("a")}
	_, err := NewEngine(testConfig(), clients, nil, zap.NewNop())
	require.Error(t, err)
}

func TestEngineTradesOnSpread(t *testing.T) {
	now := time.Now()
	// a shows the cheap ask, b the rich bid: 0.5% gross, 0.3% net
	venueA := newScriptedClient("a", quoteAt("a", 99.9, 3, 100.0, 2, now))
	venueB := newScriptedClient("b", quoteAt("b", 100.5, 1, 100.6, 4, now.Add(time.Millisecond)))
	clients := map[string]exchange.Client{"a": venueA, "b": venueB}

	engine, err := NewEngine(testConfig(), clients, nil, zap.NewNop())
	require.NoError(t, err)

	sub := engine.Events().Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	var completed *domain.Execution
	var sawOpportunity bool
	deadline := time.After(3 * time.Second)
waiting:
	for {
		select {
		case e := <-sub:
			switch e.Type {
			case events.TypeOpportunity:
				sawOpportunity = true
			case events.TypeExecution:
				if e.Execution.State == domain.ExecutionCompleted {
					completed = e.Execution
					break waiting
				}
			}
		case <-deadline:
			t.Fatal("no completed execution observed")
		}
	}

	cancel()
	require.NoError(t, <-runDone)

	require.True(t, sawOpportunity, "opportunity event precedes the execution")
	require.Equal(t, "a", completed.Opportunity.BuyVenue)
	require.Equal(t, "b", completed.Opportunity.SellVenue)
	require.Equal(t, domain.ResultProfit, completed.Outcome.Result)
	require.True(t, completed.Outcome.FilledSize.Equal(decimal.NewFromInt(1)), "size capped by b's bid depth")

	// shutdown publishes the session summary
	var summary bool
	for done := false; !done; {
		select {
		case e := <-sub:
			if e.Type == events.TypeSummary {
				summary = true
				done = true
			}
		default:
			done = true
		}
	}
	require.True(t, summary)
}

func TestEngineSkipsOpportunityWhileTripped(t *testing.T) {
	now := time.Now()
	quotes := make([]domain.Quote, 0, 8)
	for i := 0; i < 8; i++ {
		quotes = append(quotes, quoteAt("b", 100.5, 1, 100.6, 4, now.Add(time.Duration(i)*time.Millisecond)))
	}
	venueA := newScriptedClient("a", quoteAt("a", 99.9, 3, 100.0, 2, now))
	venueB := newScriptedClient("b", quotes...)
	venueB.rejectAll = true // every sell leg fails, forcing unwinds at a loss

	cfg := testConfig()
	cfg.RiskFailureLimit = 2
	clients := map[string]exchange.Client{"a": venueA, "b": venueB}

	engine, err := NewEngine(cfg, clients, nil, zap.NewNop())
	require.NoError(t, err)

	sub := engine.Events().Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	var tripped bool
	deadline := time.After(5 * time.Second)
waiting:
	for {
		select {
		case e := <-sub:
			if e.Type == events.TypeRiskTripped {
				tripped = true
				break waiting
			}
		case <-deadline:
			t.Fatal("risk guard never tripped")
		}
	}

	cancel()
	require.NoError(t, <-runDone)
	require.True(t, tripped)
	require.True(t, engine.Guard().IsTripped())
}

func TestEngineWebhookGetsSummaryAfterShutdown(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	defer server.Close()

	now := time.Now()
	venueA := newScriptedClient("a", quoteAt("a", 99.9, 3, 100.0, 2, now))
	venueB := newScriptedClient("b", quoteAt("b", 100.5, 1, 100.6, 4, now.Add(time.Millisecond)))

	cfg := testConfig()
	cfg.WebhookURL = server.URL

	engine, err := NewEngine(cfg, map[string]exchange.Client{"a": venueA, "b": venueB}, nil, zap.NewNop())
	require.NoError(t, err)

	sub := engine.Events().Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	deadline := time.After(3 * time.Second)
waiting:
	for {
		select {
		case e := <-sub:
			if e.Type == events.TypeExecution && e.Execution.State == domain.ExecutionCompleted {
				break waiting
			}
		case <-deadline:
			t.Fatal("no completed execution observed")
		}
	}

	cancel()
	require.NoError(t, <-runDone)

	// Run returns only after the sink drained, so the summary post has landed
	mu.Lock()
	defer mu.Unlock()
	var sawSummary bool
	for _, body := range bodies {
		if strings.Contains(body, "trades: 1") {
			sawSummary = true
		}
	}
	require.True(t, sawSummary, "session summary must reach the webhook after shutdown")
}

func TestEngineStopsWhenVenueRefusesStream(t *testing.T) {
	venueA := newScriptedClient("a", quoteAt("a", 99.9, 3, 100.0, 2, time.Now()))
	venueB := newScriptedClient("b")
	venueB.streamErr = exchange.NewError(exchange.KindRejectedByVenue, "b", errors.New("invalid api key"))

	engine, err := NewEngine(testConfig(), map[string]exchange.Client{"a": venueA, "b": venueB}, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = engine.Run(ctx)
	require.Error(t, err, "a refused subscription must not be retried forever")
	require.Equal(t, exchange.KindRejectedByVenue, exchange.KindOf(err))
}

func TestEngineSummaryCountsOnlyFilledTrades(t *testing.T) {
	now := time.Now()
	venueA := newScriptedClient("a", quoteAt("a", 99.9, 3, 100.0, 2, now))
	venueB := newScriptedClient("b", quoteAt("b", 100.5, 1, 100.6, 4, now.Add(time.Millisecond)))
	venueA.rejectAll = true // the buy leg fails before any capital moves

	engine, err := NewEngine(testConfig(), map[string]exchange.Client{"a": venueA, "b": venueB}, nil, zap.NewNop())
	require.NoError(t, err)

	sub := engine.Events().Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	deadline := time.After(3 * time.Second)
waiting:
	for {
		select {
		case e := <-sub:
			if e.Type == events.TypeExecution && e.Execution.State == domain.ExecutionAborted {
				break waiting
			}
		case <-deadline:
			t.Fatal("no aborted execution observed")
		}
	}

	cancel()
	require.NoError(t, <-runDone)

	var summary string
	for done := false; !done; {
		select {
		case e := <-sub:
			if e.Type == events.TypeSummary {
				summary = e.Message
				done = true
			}
		default:
			done = true
		}
	}
	require.Contains(t, summary, "trades: 0", "aborted executions are not trades")
}

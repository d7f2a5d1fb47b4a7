// Command arbit runs the cross-exchange arbitrage engine. It streams quotes
// from the configured venues, detects profitable spreads and executes the
// two-leg trade, simulated by default.
//
// Usage:
//
//	arbit --config config.yaml
//	arbit --pair BTC_USDT --venues binance,bybit --threshold 0.3 --simulate
//
// Required environment variables in live mode:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/config"
	"github.com/vadiminshakov/arbit/internal"
	"github.com/vadiminshakov/arbit/internal/exchange"
	"github.com/vadiminshakov/arbit/internal/ops"
	"github.com/vadiminshakov/arbit/internal/storage/executions"
	"go.uber.org/zap"
)

// simulated wallet seeds per venue, enough for a few round trips
var (
	simBaseFunds  = decimal.NewFromInt(1)
	simQuoteFunds = decimal.NewFromInt(10000)
)

func main() {
	conf, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	clients, err := buildClients(conf, logger)
	if err != nil {
		logger.Fatal("failed to build venue clients", zap.Error(err))
	}

	store, err := executions.NewWALStore(conf.WALDir)
	if err != nil {
		logger.Fatal("failed to open execution archive", zap.Error(err))
	}
	defer store.Close()

	engine, err := internal.NewEngine(conf, clients, store, logger)
	if err != nil {
		logger.Fatal("failed to create engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.OpsAddr != "" {
		opsServer := ops.NewServer(conf.OpsAddr, conf.Pair, engine.Guard(), store, logger)
		go func() {
			if err := opsServer.Start(ctx); err != nil {
				logger.Error("ops server stopped", zap.Error(err))
			}
		}()
	}

	if err := engine.Run(ctx); err != nil {
		logger.Fatal("engine stopped", zap.Error(err))
	}
}

func buildClients(conf config.Config, logger *zap.Logger) (map[string]exchange.Client, error) {
	clients := make(map[string]exchange.Client, len(conf.Venues))
	for _, venue := range conf.Venues {
		client, err := buildClient(conf, venue)
		if err != nil {
			return nil, err
		}
		if conf.Simulate {
			client = exchange.NewSimulated(client, conf.Pair, simBaseFunds, simQuoteFunds, logger)
		}
		clients[venue.Name] = client
	}
	return clients, nil
}

func buildClient(conf config.Config, venue config.Venue) (exchange.Client, error) {
	apiKey := os.Getenv(venue.APIKeyEnv)
	apiSecret := os.Getenv(venue.APISecretEnv)
	if !conf.Simulate && (apiKey == "" || apiSecret == "") {
		log.Fatalf("%s and %s environment variables must be set for live trading on %s",
			venue.APIKeyEnv, venue.APISecretEnv, venue.Name)
	}

	switch venue.Name {
	case exchange.VenueBinance:
		return exchange.NewBinance(apiKey, apiSecret), nil
	case exchange.VenueBybit:
		return exchange.NewBybit(apiKey, apiSecret, conf.TickerPollInterval), nil
	default:
		return nil, errors.Errorf("unsupported venue: %s", venue.Name)
	}
}

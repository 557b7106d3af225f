// Command gridengine is the grid-trading engine's process entrypoint: it
// wires configuration, persistence, the stream aggregator, the market
// analyzer, and the bot supervisor together and runs them until signaled
// to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gridengine/internal/aggregator"
	"gridengine/internal/analyzer"
	"gridengine/internal/bootstrap"
	"gridengine/internal/core"
	"gridengine/internal/credstore"
	"gridengine/internal/eventbus"
	"gridengine/internal/exchange/binance"
	"gridengine/internal/geocheck"
	"gridengine/internal/grid"
	"gridengine/internal/proxypool"
	"gridengine/internal/ratelimit"
	"gridengine/internal/safety"
	"gridengine/internal/store"
	"gridengine/internal/supervisor"
	"gridengine/pkg/concurrency"
	"gridengine/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/gridengine.yaml", "Path to configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap application: %v\n", err)
		os.Exit(1)
	}

	runners, cleanup, err := build(app)
	if err != nil {
		app.Logger.Error("failed to wire application", "error", err.Error())
		os.Exit(1)
	}
	defer cleanup()

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

// build constructs every collaborator and returns the set of long-lived
// runners app.Run should drive, plus a cleanup func to release resources
// that outlive any single runner (the store, the telemetry provider).
func build(app *bootstrap.App) ([]bootstrap.Runner, func(), error) {
	cfg := app.Cfg
	logger := app.Logger

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open store: %w", err)
	}
	cleanups = append(cleanups, func() { _ = st.Close() })

	masterKey, err := credstore.MasterKeyFromBase64(string(cfg.App.MasterKey))
	if err != nil {
		return nil, cleanup, fmt.Errorf("decode master key: %w", err)
	}
	creds, err := credstore.New(masterKey, logger)
	if err != nil {
		return nil, cleanup, fmt.Errorf("build credential store: %w", err)
	}

	bus := eventbus.New(logger)
	proxies := proxypool.New(cfg.ProxyPool.Addresses, logger)
	geo := geocheck.New(cfg.Geo.BypassEnabled, logger)
	safetyChecker := safety.NewSafetyChecker(logger)
	marketAnalyzer := analyzer.NewWithConfig(logger, cfg.Analyzer.ConfirmationCount, cfg.Analyzer.CoolingCandles)

	stateStore, err := grid.NewStateStore("data/state")
	if err != nil {
		return nil, cleanup, fmt.Errorf("open grid state store: %w", err)
	}

	aggPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "AggregatorPool",
		MaxWorkers:  orDefault(cfg.Concurrency.AggregatorPoolSize, 10),
		MaxCapacity: orDefault(cfg.Concurrency.AggregatorPoolBuffer, 1000),
		NonBlocking: true,
	}, logger)
	cleanups = append(cleanups, func() { aggPool.Stop() })

	agg := aggregator.New(
		marketClientFactory(logger),
		userClientFactory(st, creds, logger),
		aggPool,
		logger,
	)

	exchangeFactory := func(apiKey, apiSecret, marketType string, testnet bool, limiter core.IRateLimiter) (core.IExchange, error) {
		concreteLimiter, ok := limiter.(*ratelimit.Limiter)
		if !ok {
			return nil, fmt.Errorf("exchange factory: unsupported rate limiter implementation %T", limiter)
		}
		return binance.NewClient(apiKey, apiSecret, marketType, testnet, concreteLimiter, logger), nil
	}

	ctx := context.Background()
	sup, err := supervisor.New(ctx, supervisor.Deps{
		Store:           st,
		Credentials:     creds,
		Aggregator:      agg,
		Analyzer:        marketAnalyzer,
		Bus:             bus,
		Safety:          safetyChecker,
		Proxies:         proxies,
		Geo:             geo,
		States:          stateStore,
		ExchangeFactory: exchangeFactory,
		Logger:          logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("build supervisor: %w", err)
	}

	runners := []bootstrap.Runner{
		&supervisorRunner{sup: sup, store: st, logger: logger},
	}

	if cfg.Analyzer.Enabled {
		runners = append(runners, &candleFeeder{
			analyzer: marketAnalyzer,
			symbols:  cfg.Analyzer.MonitorSymbols,
			interval: cfg.Analyzer.CandleInterval,
			testnet:  cfg.App.DefaultTestnet,
			logger:   logger,
		})
	}

	if cfg.Telemetry.EnableMetrics {
		telem, err := telemetry.Setup("gridengine")
		if err != nil {
			logger.Warn("failed to initialize telemetry, continuing without metrics", "error", err.Error())
		} else {
			cleanups = append(cleanups, func() { _ = telem.Shutdown(context.Background()) })
			runners = append(runners, &metricsServer{
				addr:   fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
				logger: logger,
			})
		}
	}

	return runners, cleanup, nil
}

// marketClientFactory builds an unauthenticated exchange client for public
// market-data streams; no credential is needed to watch a symbol's trades.
func marketClientFactory(logger core.ILogger) aggregator.MarketClientFactory {
	return func(symbol string, testnet bool) (core.IExchange, error) {
		limiter := ratelimit.New("market-stream:"+symbol, ratelimit.DefaultConfig(), logger)
		return binance.NewClient("", "", "spot", testnet, limiter, logger), nil
	}
}

// userClientFactory builds a credentialed exchange client for one API key's
// user-data stream, looking up that key's market type and network from the
// first active bot configured to use it.
func userClientFactory(st core.IStore, creds core.ICredentialStore, logger core.ILogger) aggregator.UserClientFactory {
	return func(apiKeyID string) (core.IExchange, error) {
		ctx := context.Background()
		apiKey, apiSecret, err := creds.Decrypt(ctx, apiKeyID)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials for %s: %w", apiKeyID, err)
		}

		marketType, testnet := "spot", false
		if configs, err := st.ListActiveBotConfigs(ctx); err == nil {
			for _, cfg := range configs {
				if cfg.APIKeyID == apiKeyID {
					marketType, testnet = cfg.MarketType, cfg.IsTestnet
					break
				}
			}
		}

		limiter := ratelimit.New(apiKeyID, ratelimit.DefaultConfig(), logger)
		return binance.NewClient(apiKey, apiSecret, marketType, testnet, limiter, logger), nil
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

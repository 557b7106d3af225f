package main

import (
	"context"
	"fmt"
	"time"

	"gridengine/internal/core"
	"gridengine/internal/exchange/binance"
	"gridengine/internal/ratelimit"
)

// candleFeeder polls historical klines for every configured monitor symbol
// and feeds them to the analyzer, since core.IMarketAnalyzer has no stream
// of its own — it only reacts to OnCandle.
type candleFeeder struct {
	analyzer core.IMarketAnalyzer
	symbols  []string
	interval string
	testnet  bool
	logger   core.ILogger
}

func (c *candleFeeder) Run(ctx context.Context) error {
	period, err := parseCandleInterval(c.interval)
	if err != nil {
		return fmt.Errorf("candle feeder: %w", err)
	}

	limiter := ratelimit.New("candle-feeder", ratelimit.DefaultConfig(), c.logger)
	client := binance.NewClient("", "", "spot", c.testnet, limiter, c.logger)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	c.pollOnce(ctx, client)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollOnce(ctx, client)
		}
	}
}

func (c *candleFeeder) pollOnce(ctx context.Context, client *binance.Client) {
	for _, symbol := range c.symbols {
		candles, err := client.GetHistoricalKlines(ctx, symbol, c.interval, 2)
		if err != nil {
			c.logger.Warn("candle feeder: fetch failed", "symbol", symbol, "error", err.Error())
			continue
		}
		for _, candle := range candles {
			c.analyzer.OnCandle(symbol, candle)
		}
	}
}

func parseCandleInterval(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	default:
		return 0, fmt.Errorf("unsupported candle interval %q", interval)
	}
}

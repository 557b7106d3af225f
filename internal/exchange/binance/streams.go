package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/core"
)

// StartTradeStream opens a bookTicker stream for symbol and invokes onPrice
// for every best-bid update. The underlying websocket.Client reconnects on
// its own; a watchdog read deadline of marketStreamDeadline catches silent
// disconnects bookTicker's own heartbeat wouldn't otherwise surface.
func (c *Client) StartTradeStream(ctx context.Context, symbol string, onPrice func(decimal.Decimal, time.Time)) error {
	url := fmt.Sprintf("%s/%s@bookTicker", c.streamHost(), strings.ToLower(symbol))

	ws := newWatchdogClient(url, c.logger, marketStreamDeadline, func(message []byte) {
		price, ok := parseBookTicker(message)
		if !ok {
			return
		}
		onPrice(price, time.Now())
	})

	c.streamMu.Lock()
	c.marketClient = ws
	c.streamMu.Unlock()

	ws.Start()
	return nil
}

// StartUserStream obtains a listen key, keeps it alive, and opens the
// user-data stream, invoking onUpdate for every executionReport event.
func (c *Client) StartUserStream(ctx context.Context, onUpdate func(core.OrderUpdate)) error {
	listenKey, err := c.getListenKey(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	keepAliveCtx, cancel := context.WithCancel(ctx)
	c.streamMu.Lock()
	c.listenKey = listenKey
	c.stopKeepAlive = cancel
	c.streamMu.Unlock()

	go c.keepAliveListenKey(keepAliveCtx, listenKey)

	url := fmt.Sprintf("%s/%s", c.streamHost(), listenKey)
	ws := newWatchdogClient(url, c.logger, userStreamDeadline, func(message []byte) {
		update, ok := parseExecutionReport(message)
		if !ok {
			return
		}
		onUpdate(update)
	})

	c.streamMu.Lock()
	c.userClient = ws
	c.streamMu.Unlock()

	ws.Start()
	return nil
}

// StopStreams tears down both the market and user-data streams and cancels
// the listen-key keepalive loop.
func (c *Client) StopStreams() error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	if c.marketClient != nil {
		c.marketClient.Stop()
		c.marketClient = nil
	}
	if c.userClient != nil {
		c.userClient.Stop()
		c.userClient = nil
	}
	if c.stopKeepAlive != nil {
		c.stopKeepAlive()
		c.stopKeepAlive = nil
	}
	return nil
}

func (c *Client) streamHost() string {
	if c.marketType == "futures" {
		return futuresStreamBase
	}
	return spotStreamBase
}

// getListenKey requests a new user-data-stream listen key via the REST API.
func (c *Client) getListenKey(ctx context.Context) (string, error) {
	if c.marketType == "futures" {
		return c.futures.NewStartUserStreamService().Do(ctx)
	}
	return c.spot.NewStartUserStreamService().Do(ctx)
}

// keepAliveListenKey pings the listen key every 30 minutes, well inside
// Binance's 60-minute expiry window, until ctx is cancelled by StopStreams.
func (c *Client) keepAliveListenKey(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if c.marketType == "futures" {
				err = c.futures.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			} else {
				err = c.spot.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			}
			if err != nil {
				c.logger.Error("failed to refresh listen key", "error", err)
			}
		}
	}
}

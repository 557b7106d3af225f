package binance

import (
	"time"

	"gridengine/internal/core"
	"gridengine/pkg/websocket"
)

// newWatchdogClient builds a pkg/websocket.Client whose pong-wait deadline
// doubles as the "connection is silently dead" trip wire: deadline controls
// how long the stream may go quiet before the client tears down and
// reconnects.
func newWatchdogClient(url string, logger core.ILogger, deadline time.Duration, handler websocket.MessageHandler) *websocket.Client {
	ws := websocket.NewClient(url, handler, logger)
	ws.SetPingConfig(deadline/2, deadline, deadline)
	return ws
}

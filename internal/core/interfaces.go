package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange defines the interface every exchange adapter implements. A
// single bot holds one IExchange scoped to its own API key and market type.
type IExchange interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	PlaceOrder(ctx context.Context, o GridOrder, symbol string) (GridOrder, error)
	// PlaceMarketOrder submits an immediate-execution market order, used by
	// the grid strategy's sell-wall bootstrap to close a base-asset
	// shortfall before resting its first limit SELLs.
	PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity decimal.Decimal) (GridOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]GridOrder, error)

	GetBalance(ctx context.Context, asset string) (BalanceSnapshot, error)

	StartTradeStream(ctx context.Context, symbol string, onPrice func(price decimal.Decimal, at time.Time)) error
	StartUserStream(ctx context.Context, onUpdate func(OrderUpdate)) error
	StopStreams() error

	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetSymbolFilters(ctx context.Context, symbol string) (tickSize, stepSize, minNotional decimal.Decimal, err error)

	// GetBidAskSpread returns (ask-bid)/mid for symbol's top of book. On
	// error or an empty book it returns 1.0, which forces the spread gate
	// in the grid strategy to treat the market as unquotable and pause.
	GetBidAskSpread(ctx context.Context, symbol string) (decimal.Decimal, error)

	SyncServerTime(ctx context.Context) error

	GetPriceDecimals() int32
	GetQuantityDecimals() int32
}

// IRateLimiter gates outbound exchange calls with a dual token-bucket
// (request-weight and order-count) scheme, recalibrated from response
// headers.
type IRateLimiter interface {
	AcquireWeight(ctx context.Context, weight int) error
	AcquireOrder(ctx context.Context) error
	Calibrate(usedWeight, usedOrders int, window time.Duration)
	WeightUsageRatio() float64
	OrderUsageRatio() float64
	TripCircuit(reason string)
	CircuitOpen() bool
}

// IMarketAnalyzer classifies the live market regime for a symbol from a
// rolling candle window and reports the indicators feeding that decision.
type IMarketAnalyzer interface {
	OnCandle(symbol string, c Candle)
	Regime(symbol string) Regime
	ATR(symbol string) decimal.Decimal
	VolatilityFactor(symbol string) float64
	Indicators(symbol string) Indicators
	// Adjustment recomputes symbol's grid-shape recommendation from its
	// latest indicators and regime at positionRatio (current base-asset
	// exposure as a fraction of target) on every call, and caches it.
	Adjustment(symbol string, positionRatio float64) GridShapeAdjustment
}

// Indicators is a snapshot of the analyzer's computed indicator values.
type Indicators struct {
	SMA7       decimal.Decimal
	SMA25      decimal.Decimal
	EMA200     decimal.Decimal
	RSI14      decimal.Decimal
	ATR14      decimal.Decimal
	VolumeRatio float64
}

// GridShapeAdjustment is the analyzer's recommendation for how the
// strategy should reshape its grid this cycle: an advisory center shift,
// a density and investment multiplier, an optional forced pause, and an
// optional suggested step size (defaults to the analyzer's ATR reading).
type GridShapeAdjustment struct {
	Regime               Regime
	GridCenterShift      float64 // advisory, in [-0.1, +0.1]
	DensityMultiplier    float64 // base recipe in [0.5, 2.0]; the fee shield can lower it further
	InvestmentMultiplier float64 // in [0.2, 2.0]
	ShouldPause          bool
	SuggestedGridStep    decimal.Decimal // zero means "no suggestion"
	ComputedAt           time.Time
}

// IStreamAggregator multiplexes exchange streams across bots that share a
// (symbol, testnet) pair or an API key, so two bots never open two
// redundant websocket connections.
type IStreamAggregator interface {
	SubscribeMarket(ctx context.Context, symbol string, testnet bool, onPrice func(decimal.Decimal, time.Time)) (unsubscribe func(), err error)
	SubscribeUserData(ctx context.Context, apiKeyID string, onUpdate func(OrderUpdate)) (unsubscribe func(), err error)
}

// IGridStrategy is the per-bot grid evaluation state machine.
type IGridStrategy interface {
	Evaluate(ctx context.Context, currentPrice decimal.Decimal, adjustment GridShapeAdjustment) []GridAdjustment
	PlaceAdjustment(ctx context.Context, adj GridAdjustment) error
	OnOrderUpdate(ctx context.Context, update OrderUpdate) error
	EmergencyExit(ctx context.Context, reason string) error
	PanicClose(ctx context.Context) error
	Snapshot() GridStateSnapshot
	Restore(GridStateSnapshot) error
	// PositionRatio approximates current base-asset exposure as a fraction
	// of the grid's target exposure, from resting SELL-leg quantities.
	PositionRatio() float64
	// Initialize runs the one-time startup sequence: grid-gap check
	// against the live price, sell-wall bootstrap, quote-balance
	// validation, and the initial-equity snapshot used for the
	// max-drawdown gate. freshStart is false when state was restored from
	// a prior run, in which case bootstrap is skipped.
	Initialize(ctx context.Context, currentPrice decimal.Decimal, freshStart bool) error
}

// GridStateSnapshot is the serializable form of a bot's live grid state,
// matching the on-disk state-file schema.
type GridStateSnapshot struct {
	RealizedProfit decimal.Decimal              `json:"realizedProfit"`
	LastPrice      decimal.Decimal              `json:"lastPrice"`
	Running        bool                         `json:"running"`
	Orders         map[string]GridOrderSnapshot `json:"orders"`
}

// GridOrderSnapshot is one order entry keyed by its grid-line price string
// in the state-file schema.
type GridOrderSnapshot struct {
	GridIndex       int    `json:"gridIndex"`
	Price           string `json:"price"`
	Side            string `json:"side"`
	State           string `json:"status"`
	Quantity        string `json:"quantity"`
	ExchangeOrderID int64  `json:"orderId,omitempty"`
	ClientOrderID   string `json:"clientOrderId,omitempty"`
	EntryPrice      string `json:"entryPrice,omitempty"`
}

// ISupervisor owns the set of active bots in this process: starting,
// stopping, pausing and resuming them, and reacting to a global kill switch.
type ISupervisor interface {
	StartBot(ctx context.Context, cfg BotConfig) error
	StopBot(ctx context.Context, botID string) error
	PauseBot(ctx context.Context, botID string) error
	ResumeBot(ctx context.Context, botID string) error
	PanicBot(ctx context.Context, botID, reason string) error
	ActiveBots() []string
	Shutdown(ctx context.Context) error
}

// IEventBus is the narrow pub/sub contract the engine depends on for the
// global kill switch and per-user trade-event notifications.
type IEventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// IStore is the relational persistence contract: bot configuration,
// trade history, and notifications.
type IStore interface {
	GetBotConfig(ctx context.Context, botID string) (BotConfig, error)
	ListActiveBotConfigs(ctx context.Context) ([]BotConfig, error)
	SaveBotConfig(ctx context.Context, cfg BotConfig) error
	UpdateBotStatus(ctx context.Context, botID string, status BotStatus) error

	// RecordTrade inserts the trade and updates the bot's cumulative PnL
	// in a single transaction.
	RecordTrade(ctx context.Context, t Trade) error

	SaveNotification(ctx context.Context, userID, kind, message string) error
}

// ICredentialStore decrypts a bot's exchange API credentials via envelope
// encryption (master key -> per-key DEK -> secret).
type ICredentialStore interface {
	Decrypt(ctx context.Context, apiKeyID string) (apiKey, apiSecret string, err error)
}

// IProxyPool leases an egress proxy for exchange calls that must be
// routed through one, e.g. for geo-restricted accounts.
type IProxyPool interface {
	Lease(ctx context.Context) (addr string, release func(), err error)
}

// IGeoCheck reports whether trading from the current egress is permitted.
type IGeoCheck interface {
	IsAllowed(ctx context.Context, countryCode string) bool
}

// ISafetyChecker validates a bot's parameters and account state before
// it is allowed to start.
type ISafetyChecker interface {
	CheckAccountSafety(
		ctx context.Context,
		exchange IExchange,
		symbol string,
		currentPrice decimal.Decimal,
		orderAmount decimal.Decimal,
		priceInterval decimal.Decimal,
		feeRate decimal.Decimal,
		requiredPositions int,
		priceDecimals int,
	) error
}

// ICircuitBreaker trips on consecutive losses or drawdown breaches and
// halts new order placement until it resets.
type ICircuitBreaker interface {
	IsTripped() bool
	RecordTrade(pnl decimal.Decimal)
	Reset()
	Open(reason string)
	Status() CircuitStatus
}

// CircuitStatus is a snapshot of a circuit breaker's state.
type CircuitStatus struct {
	Tripped           bool
	ConsecutiveLosses int
	TotalPnL          decimal.Decimal
	LastTrippedAt      time.Time
	Reason            string
}

// ILogger defines the interface for structured logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

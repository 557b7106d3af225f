// Package core holds the domain model and collaborator interfaces shared
// across the engine: bot configuration, grid parameters, order book state,
// and the narrow interfaces each subsystem exposes to its neighbours.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus is the lifecycle state of a single bot.
type BotStatus string

const (
	BotStatusStopped  BotStatus = "STOPPED"
	BotStatusStarting BotStatus = "STARTING"
	BotStatusRunning  BotStatus = "RUNNING"
	BotStatusPaused   BotStatus = "PAUSED"
	BotStatusStopping BotStatus = "STOPPING"
	BotStatusPanicked BotStatus = "PANICKED"
	BotStatusError    BotStatus = "ERROR"
)

// OrderSide mirrors the exchange's BUY/SELL vocabulary.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderState is the lifecycle of a single grid order line.
type OrderState string

const (
	OrderStateEmpty   OrderState = "EMPTY"   // no order resting at this line
	OrderStateLocked  OrderState = "LOCKED"  // a placement is in flight (creation lock held)
	OrderStatePending OrderState = "PENDING" // order accepted by the exchange, resting
	OrderStateFilled  OrderState = "FILLED"  // order filled, awaiting its companion leg
)

// BotConfig is the persisted, per-bot configuration a Supervisor loads to
// start or resume a bot. Parameters carries the strategy-specific, loosely
// typed knobs (grid interval, investment per grid, ...) decoded via
// ParseGridParameters so that new fields can be added without a schema
// migration for every release.
type BotConfig struct {
	ID              string
	UserID          string
	APIKeyID        string
	Exchange        string // "binance"
	MarketType      string // "spot" | "futures"
	Symbol          string
	IsTestnet       bool
	Status          BotStatus
	StrategyType    string // "grid" today; reserved for future strategy types
	BaseAsset       string
	QuoteAsset      string
	TotalInvestment decimal.Decimal
	TotalPnL        decimal.Decimal
	Parameters      map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GridParameters is the strongly typed, validated view of BotConfig.Parameters.
type GridParameters struct {
	LowerPrice        decimal.Decimal
	UpperPrice        decimal.Decimal
	GridCount         int
	InvestmentPerGrid decimal.Decimal
	QuoteAsset        string
	BaseAsset         string
	PriceDecimals     int32
	QtyDecimals       int32
	StepSize          decimal.Decimal
	TickSize          decimal.Decimal
	MinNotional       decimal.Decimal
	StopLossPrice     decimal.Decimal
	TakeProfitPrice   decimal.Decimal
	MaxDrawdownPct    decimal.Decimal
	MartingaleFactor  decimal.Decimal // 1.0 disables martingale sizing
	MaxOpenOrders     int

	StopLossPercent         decimal.Decimal // fraction of initial equity; 0 disables
	TakeProfitAmount        decimal.Decimal // absolute realized-profit target in quote asset; 0 disables
	ReserveRatio            decimal.Decimal // fraction of quote balance that must stay untouched by BUY placement
	MaxSpreadPercent        decimal.Decimal // pause BUY/SELL placement when the book's bid/ask spread exceeds this
	MaxPositionRatio        decimal.Decimal // pause BUY placement once PositionRatio() reaches this
	MaxMartinLevels         int             // ceiling on consecutive investment-multiplier escalations before resetting
	TradeCooldownSeconds    int             // minimum seconds between two placements
	StaleDataTimeoutSeconds int             // pause grid evaluation once the analyzer hasn't refreshed in this long
	AdaptiveMode            bool            // when false, Evaluate ignores GridShapeAdjustment entirely
	AnalysisIntervalSeconds int             // how often the supervisor should poll the analyzer for this bot

	// Extensions preserves any parameter keys this version of the engine
	// does not recognize, so round-tripping a BotConfig never silently
	// drops operator-set fields it doesn't understand yet.
	Extensions map[string]any
}

// GridOrder is one resting order line in a bot's grid.
type GridOrder struct {
	GridIndex     int
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Side          OrderSide
	State         OrderState
	ExchangeOrderID int64
	ClientOrderID string
	FilledAt      time.Time
	// CompanionIndex points at the grid line this order's profit-taking
	// leg belongs to once filled (the next line up for a filled BUY).
	CompanionIndex int
}

// Grid is the full price ladder plus the live order book for one bot.
type Grid struct {
	Params GridParameters
	Prices []decimal.Decimal // ascending, len == GridCount+1
	Orders map[int]*GridOrder // keyed by GridIndex
}

// GridAdjustment is one action the strategy wants executed this tick:
// place, cancel, or replace an order.
type GridAdjustment struct {
	Kind     AdjustmentKind
	GridIndex int
	Side     OrderSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Reason   string
}

// AdjustmentKind enumerates the actions a strategy tick can request.
type AdjustmentKind string

const (
	AdjustPlace  AdjustmentKind = "PLACE"
	AdjustCancel AdjustmentKind = "CANCEL"
)

// BalanceSnapshot is a point-in-time read of tradable balances.
type BalanceSnapshot struct {
	Asset     string
	Free      decimal.Decimal
	Locked    decimal.Decimal
	Timestamp time.Time
}

// Candle is one OHLCV bar used by the analyzer.
type Candle struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// Regime is the market analyzer's classification output.
type Regime string

const (
	RegimeLowVolRange   Regime = "LOW_VOL_RANGE"
	RegimeWideRange     Regime = "WIDE_RANGE"
	RegimeStrongBreakout Regime = "STRONG_BREAKOUT"
	RegimeSlowBleed     Regime = "SLOW_BLEED"
	RegimePanicSell     Regime = "PANIC_SELL"
)

// IsDangerRegime reports whether r is one of the two regimes the strategy
// must react to immediately (no confirmation window) by pulling resting
// buys: slow-bleed and panic-sell.
func IsDangerRegime(r Regime) bool {
	return r == RegimeSlowBleed || r == RegimePanicSell
}

// Trade is one completed fill recorded for accounting.
type Trade struct {
	ID         string
	BotID      string
	Symbol     string
	Side       OrderSide
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Fee        decimal.Decimal
	FeeAsset   string
	RealizedPnL decimal.Decimal
	ExecutedAt time.Time
}

// OrderUpdate is a user-data-stream event for one order.
type OrderUpdate struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          OrderSide
	Status        string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED, REJECTED
	Price         decimal.Decimal
	FilledQty     decimal.Decimal
	FilledPrice   decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	TransactTime  time.Time
}

package grid

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gridengine/internal/core"
)

// fakeExchange is a minimal core.IExchange stand-in recording placed and
// cancelled orders for assertions.
type fakeExchange struct {
	mu       sync.Mutex
	placed   []core.GridOrder
	canceled bool
	nextID   int64
	spread   decimal.Decimal
	balances map[string]core.BalanceSnapshot
}

func (f *fakeExchange) GetName() string                      { return "fake" }
func (f *fakeExchange) CheckHealth(ctx context.Context) error { return nil }
func (f *fakeExchange) PlaceOrder(ctx context.Context, o core.GridOrder, symbol string) (core.GridOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o.ExchangeOrderID = f.nextID
	f.placed = append(f.placed, o)
	return o, nil
}
func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, quantity decimal.Decimal) (core.GridOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o := core.GridOrder{Side: side, Quantity: quantity, ExchangeOrderID: f.nextID}
	f.placed = append(f.placed, o)
	return o, nil
}
func (f *fakeExchange) GetBidAskSpread(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.spread, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return nil
}
func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	return nil
}
func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.GridOrder, error) {
	return nil, nil
}
func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (core.BalanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.balances[asset]; ok {
		return bal, nil
	}
	return core.BalanceSnapshot{Asset: asset, Free: decimal.NewFromInt(1_000_000)}, nil
}
func (f *fakeExchange) StartTradeStream(ctx context.Context, symbol string, onPrice func(decimal.Decimal, time.Time)) error {
	return nil
}
func (f *fakeExchange) StartUserStream(ctx context.Context, onUpdate func(core.OrderUpdate)) error {
	return nil
}
func (f *fakeExchange) StopStreams() error { return nil }
func (f *fakeExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeExchange) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) GetSymbolFilters(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, decimal.Zero, nil
}
func (f *fakeExchange) SyncServerTime(ctx context.Context) error { return nil }
func (f *fakeExchange) GetPriceDecimals() int32                 { return 2 }
func (f *fakeExchange) GetQuantityDecimals() int32               { return 4 }

// fakeLimiter is a permissive core.IRateLimiter stand-in.
type fakeLimiter struct{}

func (l *fakeLimiter) AcquireWeight(ctx context.Context, weight int) error { return nil }
func (l *fakeLimiter) AcquireOrder(ctx context.Context) error              { return nil }
func (l *fakeLimiter) Calibrate(usedWeight, usedOrders int, window time.Duration) {}
func (l *fakeLimiter) WeightUsageRatio() float64                                  { return 0 }
func (l *fakeLimiter) OrderUsageRatio() float64                                   { return 0 }
func (l *fakeLimiter) TripCircuit(reason string)                                  {}
func (l *fakeLimiter) CircuitOpen() bool                                          { return false }

// noopLogger implements core.ILogger silently.
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...interface{})               {}
func (n *noopLogger) Info(msg string, fields ...interface{})                {}
func (n *noopLogger) Warn(msg string, fields ...interface{})                {}
func (n *noopLogger) Error(msg string, fields ...interface{})               {}
func (n *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (n *noopLogger) WithField(key string, value interface{}) core.ILogger  { return n }
func (n *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

func newTestStrategy(t *testing.T) (*Strategy, *fakeExchange) {
	t.Helper()
	exch := &fakeExchange{}
	s, err := NewStrategy("bot-1", "BTCUSDT", testParams(), exch, &fakeLimiter{}, &noopLogger{})
	require.NoError(t, err)
	return s, exch
}

// testAdjustment builds a neutral GridShapeAdjustment carrying regime,
// leaving density/investment multipliers at their no-op value of 1 so
// existing non-adaptive tests see the same sizing as before adaptive mode
// existed.
func testAdjustment(regime core.Regime) core.GridShapeAdjustment {
	return core.GridShapeAdjustment{
		Regime:               regime,
		DensityMultiplier:    1,
		InvestmentMultiplier: 1,
		ComputedAt:           time.Now(),
	}
}

func TestStrategy_EvaluatePlacesBuysBelowCurrentPrice(t *testing.T) {
	s, _ := newTestStrategy(t)
	ctx := context.Background()

	adjustments := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	require.NotEmpty(t, adjustments)
	for _, a := range adjustments {
		assert.Equal(t, core.SideBuy, a.Side)
		assert.Equal(t, core.AdjustPlace, a.Kind)
		assert.True(t, a.Price.LessThan(decimal.NewFromInt(100)))
	}
}

func TestStrategy_PlaceAdjustmentThenFillPlacesCompanionSell(t *testing.T) {
	s, exch := newTestStrategy(t)
	ctx := context.Background()

	adjustments := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	require.NotEmpty(t, adjustments)

	target := adjustments[0]
	require.NoError(t, s.PlaceAdjustment(ctx, target))

	order, ok := s.book.Get(target.GridIndex)
	require.True(t, ok)
	assert.Equal(t, core.OrderStatePending, order.State)

	// Simulate the exchange reporting the buy filled.
	err := s.OnOrderUpdate(ctx, core.OrderUpdate{
		ClientOrderID: order.ClientOrderID,
		Status:        "FILLED",
		FilledPrice:   order.Price,
		TransactTime:  time.Now(),
	})
	require.NoError(t, err)

	companionIdx := target.GridIndex + 1
	companion, ok := s.book.Get(companionIdx)
	require.True(t, ok, "a companion sell order should be placed one line above the filled buy")
	assert.Equal(t, core.SideSell, companion.Side)
	assert.Equal(t, core.OrderStatePending, companion.State)
	assert.Len(t, exch.placed, 2)
}

func TestStrategy_SellFillRealizesProfitAndFreesBothLines(t *testing.T) {
	s, _ := newTestStrategy(t)
	ctx := context.Background()

	adjustments := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	require.NotEmpty(t, adjustments)
	buy := adjustments[0]
	require.NoError(t, s.PlaceAdjustment(ctx, buy))
	buyOrder, _ := s.book.Get(buy.GridIndex)

	require.NoError(t, s.OnOrderUpdate(ctx, core.OrderUpdate{
		ClientOrderID: buyOrder.ClientOrderID,
		Status:        "FILLED",
		FilledPrice:   buyOrder.Price,
		TransactTime:  time.Now(),
	}))

	companionIdx := buy.GridIndex + 1
	sellOrder, _ := s.book.Get(companionIdx)

	require.NoError(t, s.OnOrderUpdate(ctx, core.OrderUpdate{
		ClientOrderID: sellOrder.ClientOrderID,
		Status:        "FILLED",
		FilledPrice:   sellOrder.Price,
		TransactTime:  time.Now(),
	}))

	snap := s.Snapshot()
	assert.True(t, snap.RealizedProfit.IsPositive(), "selling one line above the buy should realize a positive profit")

	_, hasBuy := s.book.Get(buy.GridIndex)
	_, hasSell := s.book.Get(companionIdx)
	assert.False(t, hasBuy)
	assert.False(t, hasSell)
}

func TestStrategy_EmergencyExitCancelsAllAndClearsBook(t *testing.T) {
	s, exch := newTestStrategy(t)
	ctx := context.Background()

	adjustments := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	require.NoError(t, s.PlaceAdjustment(ctx, adjustments[0]))

	require.NoError(t, s.EmergencyExit(ctx, "test"))
	assert.True(t, exch.canceled)
	assert.Empty(t, s.book.All())
	assert.True(t, s.breaker.IsTripped())
}

func TestStrategy_PanicCloseStopsFurtherEvaluation(t *testing.T) {
	s, _ := newTestStrategy(t)
	ctx := context.Background()

	require.NoError(t, s.PanicClose(ctx))
	adjustments := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	assert.Nil(t, adjustments)
}

func TestStrategy_SnapshotRestoreRoundTrip(t *testing.T) {
	s, _ := newTestStrategy(t)
	ctx := context.Background()

	adjustments := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	require.NoError(t, s.PlaceAdjustment(ctx, adjustments[0]))

	snap := s.Snapshot()

	restored, err := NewStrategy("bot-1", "BTCUSDT", testParams(), &fakeExchange{}, &fakeLimiter{}, &noopLogger{})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snap))

	restoredSnap := restored.Snapshot()
	assert.Equal(t, snap.Running, restoredSnap.Running)
	assert.True(t, snap.RealizedProfit.Equal(restoredSnap.RealizedProfit))
	assert.Len(t, restoredSnap.Orders, len(snap.Orders))
}

// TestStrategy_StopLossTriggersOnEquityDropNotPrice mirrors the spec's S2
// scenario: stop_loss_percent gates on a drop in account equity from the
// initial snapshot, not on currentPrice crossing an absolute price field.
func TestStrategy_StopLossTriggersOnEquityDropNotPrice(t *testing.T) {
	p := testParams()
	p.QuoteAsset = "USDT"
	p.BaseAsset = "BTC"
	p.StopLossPercent = decimal.NewFromFloat(0.1)

	exch := &fakeExchange{balances: map[string]core.BalanceSnapshot{
		"USDT": {Asset: "USDT", Free: decimal.NewFromInt(10000)},
		"BTC":  {Asset: "BTC", Free: decimal.NewFromInt(10)},
	}}
	s, err := NewStrategy("bot-1", "BTCUSDT", p, exch, &fakeLimiter{}, &noopLogger{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, decimal.NewFromInt(100), true))

	// Equity dropped far more than 10% even though currentPrice is unchanged
	// from the initial snapshot, e.g. the quote balance was drawn down
	// elsewhere (fees, a bad trade booked out of band).
	exch.mu.Lock()
	exch.balances["USDT"] = core.BalanceSnapshot{Asset: "USDT", Free: decimal.NewFromInt(1000)}
	exch.mu.Unlock()

	adjustments := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	assert.Nil(t, adjustments)
	assert.True(t, s.breaker.IsTripped(), "equity drop past stop_loss_percent must trip the breaker")
}

// TestStrategy_NotionalFloorRaisesQuantityInsteadOfSkipping mirrors the
// spec's S3 scenario: a line whose baseline quantity would fall under
// min_notional must have its quantity raised to clear the floor, not be
// skipped outright.
func TestStrategy_NotionalFloorRaisesQuantityInsteadOfSkipping(t *testing.T) {
	p := testParams()
	p.InvestmentPerGrid = decimal.NewFromFloat(5) // well under MinNotional=10 at these prices
	s, err := NewStrategy("bot-1", "BTCUSDT", p, &fakeExchange{}, &fakeLimiter{}, &noopLogger{})
	require.NoError(t, err)

	ctx := context.Background()
	adjustments := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	require.NotEmpty(t, adjustments)
	for _, a := range adjustments {
		notional := a.Quantity.Mul(a.Price)
		assert.True(t, notional.GreaterThanOrEqual(p.MinNotional),
			"notional floor gate must raise quantity to clear min_notional, not skip the line: got %s", notional)
	}
}

// TestStrategy_CooldownBlocksImmediateReEvaluation mirrors the spec's S4
// scenario: a placement starts trade_cooldown_seconds, during which the
// next tick must not offer any further placements.
func TestStrategy_CooldownBlocksImmediateReEvaluation(t *testing.T) {
	p := testParams()
	p.TradeCooldownSeconds = 30
	s, err := NewStrategy("bot-1", "BTCUSDT", p, &fakeExchange{}, &fakeLimiter{}, &noopLogger{})
	require.NoError(t, err)

	ctx := context.Background()
	first := s.Evaluate(ctx, decimal.NewFromInt(100), testAdjustment(core.RegimeLowVolRange))
	require.NotEmpty(t, first)
	require.NoError(t, s.PlaceAdjustment(ctx, first[0]))

	second := s.Evaluate(ctx, decimal.NewFromInt(99), testAdjustment(core.RegimeLowVolRange))
	assert.Nil(t, second, "a placement within the cooldown window must suppress the next tick's adjustments")
}

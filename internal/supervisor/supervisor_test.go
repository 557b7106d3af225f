package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/core"
	"gridengine/internal/eventbus"
	"gridengine/internal/grid"
)

type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...interface{})               {}
func (n *noopLogger) Info(msg string, fields ...interface{})                {}
func (n *noopLogger) Warn(msg string, fields ...interface{})                {}
func (n *noopLogger) Error(msg string, fields ...interface{})               {}
func (n *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (n *noopLogger) WithField(key string, value interface{}) core.ILogger  { return n }
func (n *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

// fakeExchange is a minimal stand-in satisfying core.IExchange.
type fakeExchange struct {
	price       decimal.Decimal
	tick        decimal.Decimal
	step        decimal.Decimal
	minNotional decimal.Decimal
	balance     decimal.Decimal
	stopCalls   int
}

func (f *fakeExchange) GetName() string                        { return "fake" }
func (f *fakeExchange) CheckHealth(ctx context.Context) error   { return nil }
func (f *fakeExchange) PlaceOrder(ctx context.Context, o core.GridOrder, symbol string) (core.GridOrder, error) {
	o.State = core.OrderStatePending
	return o, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error { return nil }
func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error            { return nil }
func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.GridOrder, error) {
	return nil, nil
}
func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (core.BalanceSnapshot, error) {
	return core.BalanceSnapshot{Asset: asset, Free: f.balance}, nil
}
func (f *fakeExchange) StartTradeStream(ctx context.Context, symbol string, onPrice func(decimal.Decimal, time.Time)) error {
	return nil
}
func (f *fakeExchange) StartUserStream(ctx context.Context, onUpdate func(core.OrderUpdate)) error {
	return nil
}
func (f *fakeExchange) StopStreams() error { f.stopCalls++; return nil }
func (f *fakeExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}
func (f *fakeExchange) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) GetSymbolFilters(ctx context.Context, symbol string) (tickSize, stepSize, minNotional decimal.Decimal, err error) {
	return f.tick, f.step, f.minNotional, nil
}
func (f *fakeExchange) SyncServerTime(ctx context.Context) error { return nil }
func (f *fakeExchange) GetPriceDecimals() int32                 { return 2 }
func (f *fakeExchange) GetQuantityDecimals() int32              { return 4 }
func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, quantity decimal.Decimal) (core.GridOrder, error) {
	return core.GridOrder{Side: side, Quantity: quantity, State: core.OrderStateFilled}, nil
}
func (f *fakeExchange) GetBidAskSpread(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromFloat(0.0005), nil
}

type fakeAggregator struct {
	marketUnsubs int
	userUnsubs   int
}

func (a *fakeAggregator) SubscribeMarket(ctx context.Context, symbol string, testnet bool, onPrice func(decimal.Decimal, time.Time)) (func(), error) {
	return func() { a.marketUnsubs++ }, nil
}
func (a *fakeAggregator) SubscribeUserData(ctx context.Context, apiKeyID string, onUpdate func(core.OrderUpdate)) (func(), error) {
	return func() { a.userUnsubs++ }, nil
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) OnCandle(symbol string, c core.Candle)   {}
func (fakeAnalyzer) Regime(symbol string) core.Regime        { return core.RegimeLowVolRange }
func (fakeAnalyzer) ATR(symbol string) decimal.Decimal       { return decimal.Zero }
func (fakeAnalyzer) VolatilityFactor(symbol string) float64  { return 1 }
func (fakeAnalyzer) Indicators(symbol string) core.Indicators { return core.Indicators{} }
func (fakeAnalyzer) Adjustment(symbol string, positionRatio float64) core.GridShapeAdjustment {
	return core.GridShapeAdjustment{Regime: core.RegimeLowVolRange, InvestmentMultiplier: 1, DensityMultiplier: 1}
}

type fakeCreds struct{}

func (fakeCreds) Decrypt(ctx context.Context, apiKeyID string) (string, string, error) {
	return "key-" + apiKeyID, "secret-" + apiKeyID, nil
}

type fakeProxies struct{ leases int }

func (p *fakeProxies) Lease(ctx context.Context) (string, func(), error) {
	p.leases++
	return "", func() { p.leases-- }, nil
}

type fakeGeo struct{ allowed bool }

func (g fakeGeo) IsAllowed(ctx context.Context, countryCode string) bool { return g.allowed }

type fakeStore struct {
	statuses map[string]core.BotStatus
	trades   []core.Trade
}

func newFakeStore() *fakeStore { return &fakeStore{statuses: map[string]core.BotStatus{}} }

func (s *fakeStore) GetBotConfig(ctx context.Context, botID string) (core.BotConfig, error) {
	return core.BotConfig{}, nil
}
func (s *fakeStore) ListActiveBotConfigs(ctx context.Context) ([]core.BotConfig, error) { return nil, nil }
func (s *fakeStore) SaveBotConfig(ctx context.Context, cfg core.BotConfig) error         { return nil }
func (s *fakeStore) UpdateBotStatus(ctx context.Context, botID string, status core.BotStatus) error {
	s.statuses[botID] = status
	return nil
}
func (s *fakeStore) RecordTrade(ctx context.Context, t core.Trade) error {
	s.trades = append(s.trades, t)
	return nil
}
func (s *fakeStore) SaveNotification(ctx context.Context, userID, kind, message string) error { return nil }

func newTestSupervisor(t *testing.T, exchange *fakeExchange, agg *fakeAggregator, bus core.IEventBus, st *fakeStore) *Supervisor {
	t.Helper()
	states, err := grid.NewStateStore(t.TempDir())
	require.NoError(t, err)

	sup, err := New(context.Background(), Deps{
		Store:       st,
		Credentials: fakeCreds{},
		Aggregator:  agg,
		Analyzer:    fakeAnalyzer{},
		Bus:         bus,
		Safety:      noopSafety{},
		Proxies:     &fakeProxies{},
		Geo:         fakeGeo{allowed: true},
		States:      states,
		ExchangeFactory: func(apiKey, apiSecret, marketType string, testnet bool, limiter core.IRateLimiter) (core.IExchange, error) {
			return exchange, nil
		},
		Logger: &noopLogger{},
	})
	require.NoError(t, err)
	return sup
}

type noopSafety struct{}

func (noopSafety) CheckAccountSafety(ctx context.Context, exchange core.IExchange, symbol string,
	currentPrice, orderAmount, priceInterval, feeRate decimal.Decimal, requiredPositions, priceDecimals int) error {
	return nil
}

func sampleConfig(id string) core.BotConfig {
	return core.BotConfig{
		ID:         id,
		UserID:     "user-1",
		APIKeyID:   "apikey-1",
		Exchange:   "binance",
		MarketType: "spot",
		Symbol:     "BTCUSDT",
		IsTestnet:  true,
		Parameters: map[string]any{
			"lower_price":          "90",
			"upper_price":          "110",
			"grid_count":           5,
			"investment_per_grid":  "10",
			"quote_asset":          "USDT",
			"base_asset":           "BTC",
		},
	}
}

func TestSupervisor_StartBotRegistersAndTracksStatus(t *testing.T) {
	exchange := &fakeExchange{
		price: decimal.NewFromInt(100),
		tick:  decimal.NewFromFloat(0.01), step: decimal.NewFromFloat(0.0001),
		minNotional: decimal.NewFromInt(5), balance: decimal.NewFromInt(1000),
	}
	agg := &fakeAggregator{}
	bus := eventbus.New(&noopLogger{})
	st := newFakeStore()
	sup := newTestSupervisor(t, exchange, agg, bus, st)

	err := sup.StartBot(context.Background(), sampleConfig("bot-1"))
	require.NoError(t, err)

	assert.Contains(t, sup.ActiveBots(), "bot-1")
	assert.Equal(t, core.BotStatusRunning, st.statuses["bot-1"])
}

func TestSupervisor_StartBotTwiceErrors(t *testing.T) {
	exchange := &fakeExchange{price: decimal.NewFromInt(100), tick: decimal.NewFromFloat(0.01), step: decimal.NewFromFloat(0.0001), minNotional: decimal.NewFromInt(5), balance: decimal.NewFromInt(1000)}
	agg := &fakeAggregator{}
	bus := eventbus.New(&noopLogger{})
	st := newFakeStore()
	sup := newTestSupervisor(t, exchange, agg, bus, st)

	require.NoError(t, sup.StartBot(context.Background(), sampleConfig("bot-1")))
	err := sup.StartBot(context.Background(), sampleConfig("bot-1"))
	assert.Error(t, err)
}

func TestSupervisor_StopBotReleasesResourcesAndPersistsStatus(t *testing.T) {
	exchange := &fakeExchange{price: decimal.NewFromInt(100), tick: decimal.NewFromFloat(0.01), step: decimal.NewFromFloat(0.0001), minNotional: decimal.NewFromInt(5), balance: decimal.NewFromInt(1000)}
	agg := &fakeAggregator{}
	bus := eventbus.New(&noopLogger{})
	st := newFakeStore()
	sup := newTestSupervisor(t, exchange, agg, bus, st)

	require.NoError(t, sup.StartBot(context.Background(), sampleConfig("bot-1")))
	require.NoError(t, sup.StopBot(context.Background(), "bot-1"))

	assert.NotContains(t, sup.ActiveBots(), "bot-1")
	assert.Equal(t, core.BotStatusStopped, st.statuses["bot-1"])
	assert.Equal(t, 1, agg.marketUnsubs)
	assert.Equal(t, 1, agg.userUnsubs)
}

func TestSupervisor_PauseThenResumeRoundTrips(t *testing.T) {
	exchange := &fakeExchange{price: decimal.NewFromInt(100), tick: decimal.NewFromFloat(0.01), step: decimal.NewFromFloat(0.0001), minNotional: decimal.NewFromInt(5), balance: decimal.NewFromInt(1000)}
	agg := &fakeAggregator{}
	bus := eventbus.New(&noopLogger{})
	st := newFakeStore()
	sup := newTestSupervisor(t, exchange, agg, bus, st)

	require.NoError(t, sup.StartBot(context.Background(), sampleConfig("bot-1")))
	require.NoError(t, sup.PauseBot(context.Background(), "bot-1"))
	assert.Equal(t, core.BotStatusPaused, st.statuses["bot-1"])

	require.NoError(t, sup.ResumeBot(context.Background(), "bot-1"))
	assert.Equal(t, core.BotStatusRunning, st.statuses["bot-1"])
}

func TestSupervisor_PanicBotClosesAndRemovesBot(t *testing.T) {
	exchange := &fakeExchange{price: decimal.NewFromInt(100), tick: decimal.NewFromFloat(0.01), step: decimal.NewFromFloat(0.0001), minNotional: decimal.NewFromInt(5), balance: decimal.NewFromInt(1000)}
	agg := &fakeAggregator{}
	bus := eventbus.New(&noopLogger{})
	st := newFakeStore()
	sup := newTestSupervisor(t, exchange, agg, bus, st)

	require.NoError(t, sup.StartBot(context.Background(), sampleConfig("bot-1")))
	require.NoError(t, sup.PanicBot(context.Background(), "bot-1", "test trigger"))

	assert.NotContains(t, sup.ActiveBots(), "bot-1")
	assert.Equal(t, core.BotStatusStopped, st.statuses["bot-1"])
}

func TestSupervisor_KillSwitchHaltsAllActiveBots(t *testing.T) {
	exchange := &fakeExchange{price: decimal.NewFromInt(100), tick: decimal.NewFromFloat(0.01), step: decimal.NewFromFloat(0.0001), minNotional: decimal.NewFromInt(5), balance: decimal.NewFromInt(1000)}
	agg := &fakeAggregator{}
	bus := eventbus.New(&noopLogger{})
	st := newFakeStore()
	sup := newTestSupervisor(t, exchange, agg, bus, st)

	require.NoError(t, sup.StartBot(context.Background(), sampleConfig("bot-1")))
	require.NoError(t, sup.StartBot(context.Background(), sampleConfig("bot-2")))

	payload, err := json.Marshal(map[string]string{"action": "HALT_ALL", "reason": "manual test halt"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), killSwitchChannel(), payload))

	require.Eventually(t, func() bool {
		return len(sup.ActiveBots()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_GeoBlockPreventsStart(t *testing.T) {
	exchange := &fakeExchange{price: decimal.NewFromInt(100)}
	agg := &fakeAggregator{}
	bus := eventbus.New(&noopLogger{})
	st := newFakeStore()

	states, err := grid.NewStateStore(t.TempDir())
	require.NoError(t, err)
	sup, err := New(context.Background(), Deps{
		Store: st, Credentials: fakeCreds{}, Aggregator: agg, Analyzer: fakeAnalyzer{},
		Bus: bus, Safety: noopSafety{}, Proxies: &fakeProxies{}, Geo: fakeGeo{allowed: false},
		States: states,
		ExchangeFactory: func(apiKey, apiSecret, marketType string, testnet bool, limiter core.IRateLimiter) (core.IExchange, error) {
			return exchange, nil
		},
		Logger: &noopLogger{},
	})
	require.NoError(t, err)

	cfg := sampleConfig("bot-1")
	cfg.IsTestnet = false
	err = sup.StartBot(context.Background(), cfg)
	assert.Error(t, err)
	assert.NotContains(t, sup.ActiveBots(), "bot-1")
}

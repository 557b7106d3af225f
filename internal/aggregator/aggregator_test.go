package aggregator

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

type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...interface{})               {}
func (n *noopLogger) Info(msg string, fields ...interface{})                {}
func (n *noopLogger) Warn(msg string, fields ...interface{})                {}
func (n *noopLogger) Error(msg string, fields ...interface{})               {}
func (n *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (n *noopLogger) WithField(key string, value interface{}) core.ILogger  { return n }
func (n *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

// fakeExchange is a minimal core.IExchange that only implements the
// streaming surface the aggregator depends on; everything else panics if
// called since these tests never exercise REST.
type fakeExchange struct {
	mu          sync.Mutex
	priceCB     func(decimal.Decimal, time.Time)
	updateCB    func(core.OrderUpdate)
	startCalls  int
	stopCalls   int
	startUserCalls int
}

func (f *fakeExchange) GetName() string                    { return "fake" }
func (f *fakeExchange) CheckHealth(ctx context.Context) error { return nil }
func (f *fakeExchange) PlaceOrder(ctx context.Context, o core.GridOrder, symbol string) (core.GridOrder, error) {
	panic("not used")
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	panic("not used")
}
func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error { panic("not used") }
func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.GridOrder, error) {
	panic("not used")
}
func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (core.BalanceSnapshot, error) {
	panic("not used")
}
func (f *fakeExchange) StartTradeStream(ctx context.Context, symbol string, onPrice func(decimal.Decimal, time.Time)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.priceCB = onPrice
	return nil
}
func (f *fakeExchange) StartUserStream(ctx context.Context, onUpdate func(core.OrderUpdate)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startUserCalls++
	f.updateCB = onUpdate
	return nil
}
func (f *fakeExchange) StopStreams() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}
func (f *fakeExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	panic("not used")
}
func (f *fakeExchange) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	panic("not used")
}
func (f *fakeExchange) GetSymbolFilters(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	panic("not used")
}
func (f *fakeExchange) SyncServerTime(ctx context.Context) error { return nil }
func (f *fakeExchange) GetPriceDecimals() int32                  { return 2 }
func (f *fakeExchange) GetQuantityDecimals() int32               { return 4 }
func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, quantity decimal.Decimal) (core.GridOrder, error) {
	return core.GridOrder{Side: side, Quantity: quantity, State: core.OrderStateFilled}, nil
}
func (f *fakeExchange) GetBidAskSpread(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromFloat(0.0005), nil
}

func (f *fakeExchange) emitPrice(p decimal.Decimal, at time.Time) {
	f.mu.Lock()
	cb := f.priceCB
	f.mu.Unlock()
	if cb != nil {
		cb(p, at)
	}
}

func (f *fakeExchange) emitUpdate(u core.OrderUpdate) {
	f.mu.Lock()
	cb := f.updateCB
	f.mu.Unlock()
	if cb != nil {
		cb(u)
	}
}

func TestAggregator_TwoSubscribersShareOneUnderlyingStream(t *testing.T) {
	fake := &fakeExchange{}
	factory := func(symbol string, testnet bool) (core.IExchange, error) { return fake, nil }
	agg := New(factory, nil, nil, &noopLogger{})

	var aGot, bGot []decimal.Decimal
	var mu sync.Mutex

	unsubA, err := agg.SubscribeMarket(context.Background(), "BTCUSDT", false, func(p decimal.Decimal, at time.Time) {
		mu.Lock()
		aGot = append(aGot, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubA()

	unsubB, err := agg.SubscribeMarket(context.Background(), "BTCUSDT", false, func(p decimal.Decimal, at time.Time) {
		mu.Lock()
		bGot = append(bGot, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubB()

	assert.Equal(t, 1, fake.startCalls, "second subscriber must reuse the first's stream")

	fake.emitPrice(decimal.NewFromInt(100), time.Now())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(aGot) == 1 && len(bGot) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAggregator_LastUnsubscribeStopsUnderlyingStream(t *testing.T) {
	fake := &fakeExchange{}
	factory := func(symbol string, testnet bool) (core.IExchange, error) { return fake, nil }
	agg := New(factory, nil, nil, &noopLogger{})

	unsubA, err := agg.SubscribeMarket(context.Background(), "ETHUSDT", true, func(decimal.Decimal, time.Time) {})
	require.NoError(t, err)
	unsubB, err := agg.SubscribeMarket(context.Background(), "ETHUSDT", true, func(decimal.Decimal, time.Time) {})
	require.NoError(t, err)

	unsubA()
	assert.Equal(t, 0, fake.stopCalls, "stream must stay alive while one subscriber remains")

	unsubB()
	assert.Equal(t, 1, fake.stopCalls, "stream must stop once the last subscriber leaves")
}

func TestAggregator_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	fake := &fakeExchange{}
	factory := func(symbol string, testnet bool) (core.IExchange, error) { return fake, nil }
	agg := New(factory, nil, nil, &noopLogger{})

	block := make(chan struct{})
	var fastCount int
	var mu sync.Mutex

	unsubSlow, err := agg.SubscribeMarket(context.Background(), "BTCUSDT", false, func(decimal.Decimal, time.Time) {
		<-block // never returns until the test releases it
	})
	require.NoError(t, err)
	defer func() { close(block); unsubSlow() }()

	unsubFast, err := agg.SubscribeMarket(context.Background(), "BTCUSDT", false, func(decimal.Decimal, time.Time) {
		mu.Lock()
		fastCount++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubFast()

	for i := 0; i < priceSubBuffer+10; i++ {
		fake.emitPrice(decimal.NewFromInt(int64(i)), time.Now())
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fastCount >= priceSubBuffer+10
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAggregator_UserDataSubscriptionReusesStream(t *testing.T) {
	fake := &fakeExchange{}
	userFactory := func(apiKeyID string) (core.IExchange, error) { return fake, nil }
	agg := New(nil, userFactory, nil, &noopLogger{})

	var got core.OrderUpdate
	var mu sync.Mutex

	unsub, err := agg.SubscribeUserData(context.Background(), "key-1", func(u core.OrderUpdate) {
		mu.Lock()
		got = u
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	fake.emitUpdate(core.OrderUpdate{OrderID: 42})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.OrderID == 42
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fake.startUserCalls)
}

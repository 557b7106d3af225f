package safety

import (
	"context"
	"testing"
	"time"

	"gridengine/internal/core"

	"github.com/shopspring/decimal"
)

// fakeExchange is a minimal core.IExchange stand-in for safety-check tests.
type fakeExchange struct {
	balance decimal.Decimal
	price   decimal.Decimal
}

func (f *fakeExchange) GetName() string                          { return "fake" }
func (f *fakeExchange) CheckHealth(ctx context.Context) error     { return nil }
func (f *fakeExchange) PlaceOrder(ctx context.Context, o core.GridOrder, symbol string) (core.GridOrder, error) {
	return o, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return nil
}
func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error { return nil }
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
func (f *fakeExchange) StopStreams() error { return nil }
func (f *fakeExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}
func (f *fakeExchange) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) GetSymbolFilters(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, decimal.Zero, nil
}
func (f *fakeExchange) SyncServerTime(ctx context.Context) error { return nil }
func (f *fakeExchange) GetPriceDecimals() int32                  { return 2 }
func (f *fakeExchange) GetQuantityDecimals() int32               { return 5 }
func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, quantity decimal.Decimal) (core.GridOrder, error) {
	return core.GridOrder{Side: side, Quantity: quantity, State: core.OrderStateFilled}, nil
}
func (f *fakeExchange) GetBidAskSpread(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromFloat(0.0005), nil
}

func TestSafetyChecker_CheckAccountSafety(t *testing.T) {
	exchange := &fakeExchange{balance: decimal.NewFromFloat(10000), price: decimal.NewFromFloat(45000)}
	logger := &mockLogger{}
	checker := NewSafetyChecker(logger)

	ctx := context.Background()
	symbol := "BTCUSDT"
	currentPrice := decimal.NewFromFloat(45000.0)
	orderAmount := decimal.NewFromFloat(30.0)
	priceInterval := decimal.NewFromFloat(100.0)
	feeRate := decimal.NewFromFloat(0.0002)
	requiredPositions := 10
	priceDecimals := 2

	err := checker.CheckAccountSafety(
		ctx, exchange, symbol, currentPrice,
		orderAmount, priceInterval, feeRate, requiredPositions, priceDecimals,
	)
	if err != nil {
		t.Fatalf("safety check failed unexpectedly: %v", err)
	}

	smallInterval := decimal.NewFromFloat(1.0)
	err = checker.CheckAccountSafety(
		ctx, exchange, symbol, currentPrice,
		orderAmount, smallInterval, feeRate, requiredPositions, priceDecimals,
	)
	if err == nil {
		t.Error("expected profitability check to fail, but it passed")
	}
}

func TestSafetyChecker_ValidateTradingParameters(t *testing.T) {
	logger := &mockLogger{}
	checker := NewSafetyChecker(logger)

	tests := []struct {
		name          string
		symbol        string
		priceInterval float64
		orderQuantity float64
		minOrderValue float64
		gridCount     int
		maxOpenOrders int
		expectError   bool
	}{
		{"valid parameters", "BTCUSDT", 1.0, 30.0, 5.0, 10, 10, false},
		{"empty symbol", "", 1.0, 30.0, 5.0, 10, 10, true},
		{"negative price interval", "BTCUSDT", -1.0, 30.0, 5.0, 10, 10, true},
		{"zero order quantity", "BTCUSDT", 1.0, 0.0, 5.0, 10, 10, true},
		{"large grid counts", "BTCUSDT", 1.0, 30.0, 5.0, 150, 150, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.ValidateTradingParameters(
				tt.symbol,
				decimal.NewFromFloat(tt.priceInterval),
				decimal.NewFromFloat(tt.orderQuantity),
				decimal.NewFromFloat(tt.minOrderValue),
				tt.gridCount,
				tt.maxOpenOrders,
			)
			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("expected no error but got: %v", err)
			}
		})
	}
}

// mockLogger implements core.ILogger for testing.
type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleBotConfig(id string) core.BotConfig {
	return core.BotConfig{
		ID:         id,
		UserID:     "user-1",
		APIKeyID:   "key-1",
		Exchange:   "binance",
		MarketType: "spot",
		Symbol:     "BTCUSDT",
		IsTestnet:  true,
		Status:     core.BotStatusStopped,
		Parameters: map[string]any{"grid_count": float64(10)},
	}
}

func TestStore_SaveAndGetBotConfigRoundTrips(t *testing.T) {
	s := newTestStore(t)
	cfg := sampleBotConfig("bot-1")

	require.NoError(t, s.SaveBotConfig(context.Background(), cfg))

	loaded, err := s.GetBotConfig(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.UserID, loaded.UserID)
	assert.Equal(t, cfg.Symbol, loaded.Symbol)
	assert.Equal(t, core.BotStatusStopped, loaded.Status)
	assert.Equal(t, float64(10), loaded.Parameters["grid_count"])
}

func TestStore_ListActiveBotConfigsExcludesStoppedAndError(t *testing.T) {
	s := newTestStore(t)
	active := sampleBotConfig("bot-active")
	active.Status = core.BotStatusRunning
	stopped := sampleBotConfig("bot-stopped")
	stopped.Status = core.BotStatusStopped

	require.NoError(t, s.SaveBotConfig(context.Background(), active))
	require.NoError(t, s.SaveBotConfig(context.Background(), stopped))

	configs, err := s.ListActiveBotConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "bot-active", configs[0].ID)
}

func TestStore_UpdateBotStatusUnknownBotErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateBotStatus(context.Background(), "missing", core.BotStatusRunning)
	assert.Error(t, err)
}

func TestStore_RecordTradeUpdatesCumulativePnL(t *testing.T) {
	s := newTestStore(t)
	cfg := sampleBotConfig("bot-1")
	require.NoError(t, s.SaveBotConfig(context.Background(), cfg))

	trade := core.Trade{
		ID:          "trade-1",
		BotID:       "bot-1",
		Symbol:      "BTCUSDT",
		Side:        core.SideSell,
		Price:       decimal.NewFromInt(100),
		Quantity:    decimal.NewFromFloat(0.01),
		Fee:         decimal.NewFromFloat(0.001),
		RealizedPnL: decimal.NewFromFloat(5.5),
		ExecutedAt:  time.Now(),
	}
	require.NoError(t, s.RecordTrade(context.Background(), trade))

	second := trade
	second.ID = "trade-2"
	second.RealizedPnL = decimal.NewFromFloat(-1.5)
	require.NoError(t, s.RecordTrade(context.Background(), second))

	loaded, err := s.GetBotConfig(context.Background(), "bot-1")
	require.NoError(t, err)
	_ = loaded // the stored total_pnl column is verified via raw query below

	var pnl string
	row := s.db.QueryRowContext(context.Background(), "SELECT total_pnl FROM bot_configs WHERE id = ?", "bot-1")
	require.NoError(t, row.Scan(&pnl))
	assert.True(t, decimal.RequireFromString(pnl).Equal(decimal.NewFromFloat(4)))
}

func TestStore_SaveNotificationSucceeds(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveNotification(context.Background(), "user-1", "INFO", "bot started")
	require.NoError(t, err)
}

package binance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExecutionReport_FilledBuy(t *testing.T) {
	msg := []byte(`{"e":"executionReport","s":"BTCUSDT","c":"grid-bot-1-3-abcd1234","S":"BUY","X":"FILLED","i":42,"l":"0.01","L":"100.50","T":1700000000000}`)

	update, ok := parseExecutionReport(msg)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", update.Symbol)
	assert.Equal(t, int64(42), update.OrderID)
	assert.Equal(t, "FILLED", update.Status)
	assert.True(t, update.FilledPrice.Equal(decimal.RequireFromString("100.50")))
}

func TestParseExecutionReport_IgnoresOtherEvents(t *testing.T) {
	msg := []byte(`{"e":"outboundAccountPosition"}`)
	_, ok := parseExecutionReport(msg)
	assert.False(t, ok)
}

func TestParseExecutionReport_RejectsMalformedJSON(t *testing.T) {
	_, ok := parseExecutionReport([]byte(`not json`))
	assert.False(t, ok)
}

func TestParseBookTicker_ExtractsBidPrice(t *testing.T) {
	msg := []byte(`{"s":"BTCUSDT","b":"99.99","B":"1.0","a":"100.01","A":"1.0"}`)
	price, ok := parseBookTicker(msg)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("99.99")))
}

func TestMapOrderState(t *testing.T) {
	assert.Equal(t, "FILLED", string(mapOrderState("FILLED")))
	assert.Equal(t, "PENDING", string(mapOrderState("NEW")))
	assert.Equal(t, "PENDING", string(mapOrderState("PARTIALLY_FILLED")))
	assert.Equal(t, "EMPTY", string(mapOrderState("CANCELED")))
}

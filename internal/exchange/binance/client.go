// Package binance implements core.IExchange against Binance spot and
// USD-M futures accounts, using the go-binance/v2 SDK for REST calls and a
// hand-rolled watchdog websocket client for market/user-data streams.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"gridengine/internal/core"
	"gridengine/internal/ratelimit"
	apperrors "gridengine/pkg/errors"
	"gridengine/pkg/retry"
	"gridengine/pkg/websocket"
)

const (
	spotStreamBase    = "wss://stream.binance.com:9443/ws"
	futuresStreamBase = "wss://fstream.binance.com/ws"

	// Watchdog read deadlines: a market stream that goes quiet for 10s is
	// suspect (ticks arrive far more often); a user-data stream only
	// carries events on activity, so it gets a longer 3-minute budget.
	marketStreamDeadline = 10 * time.Second
	userStreamDeadline   = 180 * time.Second
)

// Client implements core.IExchange for one Binance account (spot or
// futures, one set of API credentials per Client).
type Client struct {
	marketType string // "spot" | "futures"
	spot       *binance.Client
	futures    *futures.Client

	limiter *ratelimit.Limiter
	logger  core.ILogger

	mu              sync.Mutex
	priceDecimals   int32
	qtyDecimals     int32
	tickSize        decimal.Decimal
	stepSize        decimal.Decimal
	minNotional     decimal.Decimal
	filtersFetched  bool

	streamMu     sync.Mutex
	marketClient *websocket.Client
	userClient   *websocket.Client
	listenKey    string
	stopKeepAlive context.CancelFunc
}

// NewClient builds a Client for one Binance credential. marketType selects
// which SDK client (and stream host) backs the exchange calls.
func NewClient(apiKey, apiSecret, marketType string, testnet bool, limiter *ratelimit.Limiter, logger core.ILogger) *Client {
	c := &Client{
		marketType: marketType,
		limiter:    limiter,
		logger:     logger.WithField("component", "exchange").WithField("market_type", marketType),
	}

	switch marketType {
	case "futures":
		futures.UseTestnet = testnet
		c.futures = futures.NewClient(apiKey, apiSecret)
		c.futures.HTTPClient = &http.Client{Transport: &weightCalibratingTransport{next: http.DefaultTransport, limiter: limiter}}
	default:
		binance.UseTestnet = testnet
		c.spot = binance.NewClient(apiKey, apiSecret)
		c.spot.HTTPClient = &http.Client{Transport: &weightCalibratingTransport{next: http.DefaultTransport, limiter: limiter}}
	}

	return c
}

var _ core.IExchange = (*Client)(nil)

// SetProxy routes this client's REST calls through proxyURL (e.g. a
// leased proxy-pool address). An empty proxyURL is a no-op, leaving the
// SDK's default direct-dial transport in place.
func (c *Client) SetProxy(proxyURL string) error {
	if proxyURL == "" {
		return nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	proxyTransport := &http.Transport{Proxy: http.ProxyURL(parsed)}
	httpClient := &http.Client{Transport: &weightCalibratingTransport{next: proxyTransport, limiter: c.limiter}}

	if c.marketType == "futures" {
		c.futures.HTTPClient = httpClient
	} else {
		c.spot.HTTPClient = httpClient
	}
	return nil
}

// weightCalibratingTransport wraps an http.RoundTripper to read Binance's
// X-Mbx-Used-Weight-1m/X-Mbx-Order-Count-1m response headers and feed them
// into the rate limiter, so the limiter's bucket tracks the exchange's own
// accounting instead of drifting from locally estimated consumption.
type weightCalibratingTransport struct {
	next    http.RoundTripper
	limiter *ratelimit.Limiter
}

func (t *weightCalibratingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp == nil || t.limiter == nil {
		return resp, err
	}

	usedWeight := headerInt(resp.Header, "X-Mbx-Used-Weight-1m")
	usedOrders := headerInt(resp.Header, "X-Mbx-Order-Count-1m")
	if usedWeight >= 0 || usedOrders >= 0 {
		t.limiter.Calibrate(usedWeight, usedOrders, time.Minute)
	}
	return resp, err
}

// headerInt parses an exchange usage header, returning -1 (the limiter's
// "unknown, leave this bucket alone" sentinel) when the header is absent
// or unparsable.
func headerInt(h http.Header, key string) int {
	v := h.Get(key)
	if v == "" {
		return -1
	}
	n := 0
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return -1
	}
	return n
}

func (c *Client) GetName() string { return "binance" }

// CheckHealth pings the REST endpoint (a cheap, unauthenticated call) and
// confirms the market websocket has delivered a message recently.
func (c *Client) CheckHealth(ctx context.Context) error {
	if c.marketType == "futures" {
		if err := c.futures.NewPingService().Do(ctx); err != nil {
			return err
		}
	} else if err := c.spot.NewPingService().Do(ctx); err != nil {
		return err
	}

	if stale, since := c.streamsStale(marketStreamDeadline); stale {
		return fmt.Errorf("market stream has not delivered a message in %s", since)
	}
	return nil
}

// streamsStale reports whether the market stream's last received message is
// older than deadline, and how long it has been silent. A healthy REST ping
// alone doesn't catch a websocket that silently stopped delivering data
// between watchdog reconnect attempts.
func (c *Client) streamsStale(deadline time.Duration) (bool, time.Duration) {
	c.streamMu.Lock()
	ws := c.marketClient
	c.streamMu.Unlock()
	if ws == nil {
		return false, 0
	}
	last := ws.LastMessageAt()
	if last.IsZero() {
		return false, 0
	}
	since := time.Since(last)
	return since > deadline, since
}

// SyncServerTime corrects the SDK client's clock offset against Binance's
// authoritative server time, and is also the resync hook retry.DoWithResync
// invokes when a call fails with a timestamp-out-of-bounds error.
func (c *Client) SyncServerTime(ctx context.Context) error {
	var err error
	if c.marketType == "futures" {
		_, err = c.futures.NewSetServerTimeService().Do(ctx)
	} else {
		_, err = c.spot.NewSetServerTimeService().Do(ctx)
	}
	if err != nil {
		return fmt.Errorf("sync server time: %w", err)
	}
	return nil
}

func (c *Client) retryPolicy() retry.RetryPolicy {
	return retry.RetryPolicy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 3 * time.Second}
}

func (c *Client) doWithRetry(ctx context.Context, fn func() error) error {
	return retry.DoWithResync(ctx, c.retryPolicy(), apperrors.IsTransient, apperrors.IsTimestampSkew, c.SyncServerTime, fn)
}

// GetPriceDecimals and GetQuantityDecimals return the last values fetched
// by GetSymbolFilters; callers are expected to have called it once per
// symbol before relying on these.
func (c *Client) GetPriceDecimals() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priceDecimals
}

func (c *Client) GetQuantityDecimals() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qtyDecimals
}

// GetSymbolFilters fetches the exchange's PRICE_FILTER/LOT_SIZE/MIN_NOTIONAL
// for symbol and caches the precision it implies.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (tickSize, stepSize, minNotional decimal.Decimal, err error) {
	if err := c.limiter.AcquireWeight(ctx, 10); err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	if c.marketType == "futures" {
		tickSize, stepSize, minNotional, err = c.futuresSymbolFilters(ctx, symbol)
	} else {
		tickSize, stepSize, minNotional, err = c.spotSymbolFilters(ctx, symbol)
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	c.mu.Lock()
	c.tickSize, c.stepSize, c.minNotional = tickSize, stepSize, minNotional
	c.priceDecimals = int32(decimalPlaces(tickSize))
	c.qtyDecimals = int32(decimalPlaces(stepSize))
	c.filtersFetched = true
	c.mu.Unlock()

	return tickSize, stepSize, minNotional, nil
}

func (c *Client) spotSymbolFilters(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	var info *binance.ExchangeInfo
	err := c.doWithRetry(ctx, func() error {
		var err error
		info, err = c.spot.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		return mapSpotError(err)
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if len(info.Symbols) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, apperrors.ErrInvalidSymbol
	}
	sym := info.Symbols[0]

	tick := decimal.Zero
	step := decimal.Zero
	minNotional := decimal.Zero
	if f := sym.PriceFilter(); f != nil {
		tick, _ = decimal.NewFromString(f.TickSize)
	}
	if f := sym.LotSizeFilter(); f != nil {
		step, _ = decimal.NewFromString(f.StepSize)
	}
	if f := sym.MinNotionalFilter(); f != nil {
		minNotional, _ = decimal.NewFromString(f.MinNotional)
	}
	return tick, step, minNotional, nil
}

func (c *Client) futuresSymbolFilters(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	var info *futures.ExchangeInfo
	err := c.doWithRetry(ctx, func() error {
		var err error
		info, err = c.futures.NewExchangeInfoService().Do(ctx)
		return mapFuturesError(err)
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	for _, sym := range info.Symbols {
		if sym.Symbol != symbol {
			continue
		}
		tick := decimal.Zero
		step := decimal.Zero
		minNotional := decimal.Zero
		if f := sym.PriceFilter(); f != nil {
			tick, _ = decimal.NewFromString(f.TickSize)
		}
		if f := sym.LotSizeFilter(); f != nil {
			step, _ = decimal.NewFromString(f.StepSize)
		}
		if f := sym.MinNotionalFilter(); f != nil {
			minNotional, _ = decimal.NewFromString(f.Notional)
		}
		return tick, step, minNotional, nil
	}
	return decimal.Zero, decimal.Zero, decimal.Zero, apperrors.ErrInvalidSymbol
}

func decimalPlaces(step decimal.Decimal) int {
	if step.IsZero() {
		return 0
	}
	return int(step.Exponent() * -1)
}

// PlaceOrder submits a GTC limit order for o and returns it with the
// exchange-assigned order ID populated.
func (c *Client) PlaceOrder(ctx context.Context, o core.GridOrder, symbol string) (core.GridOrder, error) {
	if err := c.limiter.AcquireOrder(ctx); err != nil {
		return o, err
	}
	if err := c.limiter.AcquireWeight(ctx, 1); err != nil {
		return o, err
	}

	if c.marketType == "futures" {
		return c.placeFuturesOrder(ctx, o, symbol)
	}
	return c.placeSpotOrder(ctx, o, symbol)
}

func (c *Client) placeSpotOrder(ctx context.Context, o core.GridOrder, symbol string) (core.GridOrder, error) {
	side := binance.SideTypeBuy
	if o.Side == core.SideSell {
		side = binance.SideTypeSell
	}

	var resp *binance.CreateOrderResponse
	err := c.doWithRetry(ctx, func() error {
		var err error
		resp, err = c.spot.NewCreateOrderService().
			Symbol(symbol).
			Side(side).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(o.Quantity.String()).
			Price(o.Price.String()).
			NewClientOrderID(o.ClientOrderID).
			Do(ctx)
		return mapSpotError(err)
	})
	if err != nil {
		return o, err
	}

	o.ExchangeOrderID = resp.OrderID
	return o, nil
}

func (c *Client) placeFuturesOrder(ctx context.Context, o core.GridOrder, symbol string) (core.GridOrder, error) {
	side := futures.SideTypeBuy
	if o.Side == core.SideSell {
		side = futures.SideTypeSell
	}

	var resp *futures.CreateOrderResponse
	err := c.doWithRetry(ctx, func() error {
		var err error
		resp, err = c.futures.NewCreateOrderService().
			Symbol(symbol).
			Side(side).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(o.Quantity.String()).
			Price(o.Price.String()).
			NewClientOrderID(o.ClientOrderID).
			Do(ctx)
		return mapFuturesError(err)
	})
	if err != nil {
		return o, err
	}

	o.ExchangeOrderID = resp.OrderID
	return o, nil
}

// PlaceMarketOrder submits an immediate-execution market order for
// quantity, used by the grid strategy's sell-wall bootstrap.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, quantity decimal.Decimal) (core.GridOrder, error) {
	if err := c.limiter.AcquireOrder(ctx); err != nil {
		return core.GridOrder{}, err
	}
	if err := c.limiter.AcquireWeight(ctx, 1); err != nil {
		return core.GridOrder{}, err
	}

	o := core.GridOrder{Side: side, Quantity: quantity}
	if c.marketType == "futures" {
		sideType := futures.SideTypeBuy
		if side == core.SideSell {
			sideType = futures.SideTypeSell
		}
		var resp *futures.CreateOrderResponse
		err := c.doWithRetry(ctx, func() error {
			var err error
			resp, err = c.futures.NewCreateOrderService().
				Symbol(symbol).
				Side(sideType).
				Type(futures.OrderTypeMarket).
				Quantity(quantity.String()).
				Do(ctx)
			return mapFuturesError(err)
		})
		if err != nil {
			return o, err
		}
		o.ExchangeOrderID = resp.OrderID
		return o, nil
	}

	sideType := binance.SideTypeBuy
	if side == core.SideSell {
		sideType = binance.SideTypeSell
	}
	var resp *binance.CreateOrderResponse
	err := c.doWithRetry(ctx, func() error {
		var err error
		resp, err = c.spot.NewCreateOrderService().
			Symbol(symbol).
			Side(sideType).
			Type(binance.OrderTypeMarket).
			Quantity(quantity.String()).
			Do(ctx)
		return mapSpotError(err)
	})
	if err != nil {
		return o, err
	}
	o.ExchangeOrderID = resp.OrderID
	return o, nil
}

// CancelOrder cancels one resting order by exchange order ID. An unknown
// order (-2011) means the order is already gone and counts as success.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := c.limiter.AcquireWeight(ctx, 1); err != nil {
		return err
	}

	if c.marketType == "futures" {
		return c.doWithRetry(ctx, func() error {
			_, err := c.futures.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
			if mapped := mapFuturesError(err); mapped != apperrors.ErrUnknownOrder {
				return mapped
			}
			return nil
		})
	}
	return c.doWithRetry(ctx, func() error {
		_, err := c.spot.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		if mapped := mapSpotError(err); mapped != apperrors.ErrUnknownOrder {
			return mapped
		}
		return nil
	})
}

// CancelAllOrders cancels every open order on symbol in one request.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := c.limiter.AcquireWeight(ctx, 1); err != nil {
		return err
	}

	if c.marketType == "futures" {
		return c.doWithRetry(ctx, func() error {
			_, err := c.futures.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
			return mapFuturesError(err)
		})
	}
	return c.doWithRetry(ctx, func() error {
		_, err := c.spot.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx)
		return mapSpotError(err)
	})
}

// GetOpenOrders lists every order currently resting on the exchange for symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]core.GridOrder, error) {
	if err := c.limiter.AcquireWeight(ctx, 3); err != nil {
		return nil, err
	}

	if c.marketType == "futures" {
		return c.futuresOpenOrders(ctx, symbol)
	}
	return c.spotOpenOrders(ctx, symbol)
}

func (c *Client) spotOpenOrders(ctx context.Context, symbol string) ([]core.GridOrder, error) {
	var orders []*binance.Order
	err := c.doWithRetry(ctx, func() error {
		var err error
		orders, err = c.spot.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		return mapSpotError(err)
	})
	if err != nil {
		return nil, err
	}

	out := make([]core.GridOrder, 0, len(orders))
	for _, o := range orders {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		side := core.SideBuy
		if o.Side == binance.SideTypeSell {
			side = core.SideSell
		}
		out = append(out, core.GridOrder{
			Price:           price,
			Quantity:        qty,
			Side:            side,
			State:           mapOrderState(string(o.Status)),
			ExchangeOrderID: o.OrderID,
			ClientOrderID:   o.ClientOrderID,
		})
	}
	return out, nil
}

func (c *Client) futuresOpenOrders(ctx context.Context, symbol string) ([]core.GridOrder, error) {
	var orders []*futures.Order
	err := c.doWithRetry(ctx, func() error {
		var err error
		orders, err = c.futures.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		return mapFuturesError(err)
	})
	if err != nil {
		return nil, err
	}

	out := make([]core.GridOrder, 0, len(orders))
	for _, o := range orders {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		side := core.SideBuy
		if o.Side == futures.SideTypeSell {
			side = core.SideSell
		}
		out = append(out, core.GridOrder{
			Price:           price,
			Quantity:        qty,
			Side:            side,
			State:           mapOrderState(string(o.Status)),
			ExchangeOrderID: o.OrderID,
			ClientOrderID:   o.ClientOrderID,
		})
	}
	return out, nil
}

func mapOrderState(status string) core.OrderState {
	switch status {
	case "FILLED":
		return core.OrderStateFilled
	case "NEW", "PARTIALLY_FILLED":
		return core.OrderStatePending
	default:
		return core.OrderStateEmpty
	}
}

// GetBalance returns the free/locked balance for one asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (core.BalanceSnapshot, error) {
	if err := c.limiter.AcquireWeight(ctx, 10); err != nil {
		return core.BalanceSnapshot{}, err
	}

	if c.marketType == "futures" {
		return c.futuresBalance(ctx, asset)
	}
	return c.spotBalance(ctx, asset)
}

func (c *Client) spotBalance(ctx context.Context, asset string) (core.BalanceSnapshot, error) {
	var account *binance.Account
	err := c.doWithRetry(ctx, func() error {
		var err error
		account, err = c.spot.NewGetAccountService().Do(ctx)
		return mapSpotError(err)
	})
	if err != nil {
		return core.BalanceSnapshot{}, err
	}

	for _, b := range account.Balances {
		if b.Asset != asset {
			continue
		}
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		return core.BalanceSnapshot{Asset: asset, Free: free, Locked: locked, Timestamp: time.Now()}, nil
	}
	return core.BalanceSnapshot{Asset: asset, Timestamp: time.Now()}, nil
}

func (c *Client) futuresBalance(ctx context.Context, asset string) (core.BalanceSnapshot, error) {
	var account *futures.Account
	err := c.doWithRetry(ctx, func() error {
		var err error
		account, err = c.futures.NewGetAccountService().Do(ctx)
		return mapFuturesError(err)
	})
	if err != nil {
		return core.BalanceSnapshot{}, err
	}

	for _, a := range account.Assets {
		if a.Asset != asset {
			continue
		}
		free, _ := decimal.NewFromString(a.AvailableBalance)
		total, _ := decimal.NewFromString(a.WalletBalance)
		return core.BalanceSnapshot{Asset: asset, Free: free, Locked: total.Sub(free), Timestamp: time.Now()}, nil
	}
	return core.BalanceSnapshot{Asset: asset, Timestamp: time.Now()}, nil
}

// GetLatestPrice fetches the last traded price for symbol.
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.limiter.AcquireWeight(ctx, 1); err != nil {
		return decimal.Zero, err
	}

	if c.marketType == "futures" {
		var prices []*futures.SymbolPrice
		err := c.doWithRetry(ctx, func() error {
			var err error
			prices, err = c.futures.NewListPricesService().Symbol(symbol).Do(ctx)
			return mapFuturesError(err)
		})
		if err != nil || len(prices) == 0 {
			return decimal.Zero, err
		}
		return decimal.NewFromString(prices[0].Price)
	}

	var prices []*binance.SymbolPrice
	err := c.doWithRetry(ctx, func() error {
		var err error
		prices, err = c.spot.NewListPricesService().Symbol(symbol).Do(ctx)
		return mapSpotError(err)
	})
	if err != nil || len(prices) == 0 {
		return decimal.Zero, err
	}
	return decimal.NewFromString(prices[0].Price)
}

// GetBidAskSpread returns (ask-bid)/mid for symbol's current top of book.
// Any failure to read a two-sided, positive-mid book returns 1.0 so the
// caller's spread gate treats the market as unquotable and pauses rather
// than placing against a book it couldn't actually observe.
func (c *Client) GetBidAskSpread(ctx context.Context, symbol string) (decimal.Decimal, error) {
	unquotable := decimal.NewFromInt(1)
	if err := c.limiter.AcquireWeight(ctx, 1); err != nil {
		return unquotable, err
	}

	var bid, ask decimal.Decimal
	if c.marketType == "futures" {
		var ticker *futures.BookTicker
		err := c.doWithRetry(ctx, func() error {
			var err error
			ticker, err = c.futures.NewBookTickerService().Symbol(symbol).Do(ctx)
			return mapFuturesError(err)
		})
		if err != nil || ticker == nil {
			return unquotable, err
		}
		bid, _ = decimal.NewFromString(ticker.BidPrice)
		ask, _ = decimal.NewFromString(ticker.AskPrice)
	} else {
		var ticker *binance.BookTicker
		err := c.doWithRetry(ctx, func() error {
			var err error
			ticker, err = c.spot.NewBookTickerService().Symbol(symbol).Do(ctx)
			return mapSpotError(err)
		})
		if err != nil || ticker == nil {
			return unquotable, err
		}
		bid, _ = decimal.NewFromString(ticker.BidPrice)
		ask, _ = decimal.NewFromString(ticker.AskPrice)
	}

	if !bid.IsPositive() || !ask.IsPositive() || ask.LessThan(bid) {
		return unquotable, nil
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return unquotable, nil
	}
	return ask.Sub(bid).Div(mid), nil
}

// GetHistoricalKlines fetches up to limit closed candles for symbol/interval.
func (c *Client) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	if err := c.limiter.AcquireWeight(ctx, 2); err != nil {
		return nil, err
	}

	if c.marketType == "futures" {
		var klines []*futures.Kline
		err := c.doWithRetry(ctx, func() error {
			var err error
			klines, err = c.futures.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
			return mapFuturesError(err)
		})
		if err != nil {
			return nil, err
		}
		out := make([]core.Candle, 0, len(klines))
		for _, k := range klines {
			out = append(out, candleFromFutures(k))
		}
		return out, nil
	}

	var klines []*binance.Kline
	err := c.doWithRetry(ctx, func() error {
		var err error
		klines, err = c.spot.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		return mapSpotError(err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, candleFromSpot(k))
	}
	return out, nil
}

func candleFromSpot(k *binance.Kline) core.Candle {
	open, _ := decimal.NewFromString(k.Open)
	high, _ := decimal.NewFromString(k.High)
	low, _ := decimal.NewFromString(k.Low)
	closeP, _ := decimal.NewFromString(k.Close)
	vol, _ := decimal.NewFromString(k.Volume)
	return core.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    vol,
		CloseTime: time.UnixMilli(k.CloseTime),
	}
}

func candleFromFutures(k *futures.Kline) core.Candle {
	open, _ := decimal.NewFromString(k.Open)
	high, _ := decimal.NewFromString(k.High)
	low, _ := decimal.NewFromString(k.Low)
	closeP, _ := decimal.NewFromString(k.Close)
	vol, _ := decimal.NewFromString(k.Volume)
	return core.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    vol,
		CloseTime: time.UnixMilli(k.CloseTime),
	}
}

// mapSpotError translates a go-binance spot APIError into the engine's
// sentinel vocabulary so apperrors.IsTransient and the strategy's fill logic
// don't need to know Binance's raw code space.
func mapSpotError(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*binance.APIError); ok {
		if mapped := apperrors.BinanceCode(int(apiErr.Code)); mapped != nil {
			return mapped
		}
	}
	if isNetErr(err) {
		return apperrors.ErrNetwork
	}
	return err
}

func mapFuturesError(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*futures.APIError); ok {
		if mapped := apperrors.BinanceCode(int(apiErr.Code)); mapped != nil {
			return mapped
		}
	}
	if isNetErr(err) {
		return apperrors.ErrNetwork
	}
	return err
}

func isNetErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "EOF")
}

// executionReportEvent mirrors Binance's user-data-stream executionReport
// payload shape (field names are the exchange's single-letter wire keys).
type executionReportEvent struct {
	Event         string `json:"e"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFilledQty string `json:"l"`
	LastFillPrice string `json:"L"`
	OrderTime     int64  `json:"T"`
}

func parseExecutionReport(message []byte) (core.OrderUpdate, bool) {
	var event executionReportEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return core.OrderUpdate{}, false
	}
	if event.Event != "executionReport" && event.Event != "ORDER_TRADE_UPDATE" {
		return core.OrderUpdate{}, false
	}

	qty, _ := decimal.NewFromString(event.LastFilledQty)
	price, _ := decimal.NewFromString(event.LastFillPrice)
	side := core.SideBuy
	if event.Side == "SELL" {
		side = core.SideSell
	}

	return core.OrderUpdate{
		Symbol:        event.Symbol,
		OrderID:       event.OrderID,
		ClientOrderID: event.ClientOrderID,
		Side:          side,
		Status:        event.Status,
		FilledQty:     qty,
		FilledPrice:   price,
		TransactTime:  time.UnixMilli(event.OrderTime),
	}, true
}

type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
}

func parseBookTicker(message []byte) (decimal.Decimal, bool) {
	var event bookTickerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(event.BidPrice)
	if err != nil {
		return decimal.Zero, false
	}
	return price, true
}

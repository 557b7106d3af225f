package grid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gridengine/internal/core"
	"gridengine/internal/risk"
	"gridengine/pkg/tradingutils"
)

// gapCheckBuffer bounds how far the live price may sit outside the grid's
// configured [LowerPrice, UpperPrice] band before Initialize refuses to
// start the bot: beyond this, every BUY line would be instantly stale or
// every SELL line unreachable.
const gapCheckBuffer = 0.02

// sellWallBootstrapBuffer is the cushion Initialize buys on top of the
// computed sell-wall requirement, so a SELL line can fill even after a
// small amount of slippage on the bootstrap market buy itself.
const sellWallBootstrapBuffer = 1.02

// notionalFloorBuffer is how far above the exchange's min-notional floor a
// raised quantity is pushed, so rounding afterward can't drop it back below
// the floor and get the order rejected.
const notionalFloorBuffer = 1.01

// spreadCacheTTL bounds how often Evaluate re-fetches the live bid/ask
// spread: cheap enough to check every tick, but no need to hit the book
// ticker endpoint faster than the market itself moves meaningfully.
const spreadCacheTTL = 5 * time.Second

// Strategy is the per-bot grid evaluation state machine. One Strategy owns
// one Grid, one OrderBook, and the circuit breaker gating its own order
// placement; it never touches another bot's state.
type Strategy struct {
	botID    string
	symbol   string
	grid     *core.Grid
	book     *OrderBook
	breaker  core.ICircuitBreaker
	logger   core.ILogger
	exchange core.IExchange
	limiter  core.IRateLimiter

	mu                sync.Mutex
	realizedProfit    decimal.Decimal
	lastPrice         decimal.Decimal
	running           bool
	cooldownUntil     time.Time
	lastTradeAt       time.Time
	initialEquity     decimal.Decimal
	ownedBaseForSells decimal.Decimal
	martinLevel       int
	lastSpread        decimal.Decimal
	lastSpreadAt      time.Time
}

// NewStrategy builds a Strategy over a freshly generated grid. Callers must
// follow construction with Initialize before the bot starts trading.
func NewStrategy(botID, symbol string, params core.GridParameters, exchange core.IExchange, limiter core.IRateLimiter, logger core.ILogger) (*Strategy, error) {
	g, err := NewGrid(params)
	if err != nil {
		return nil, err
	}
	return &Strategy{
		botID:    botID,
		symbol:   symbol,
		grid:     g,
		book:     NewOrderBook(len(g.Prices)),
		breaker:  risk.NewCircuitBreaker(risk.DefaultCircuitConfig()),
		exchange: exchange,
		limiter:  limiter,
		logger:   logger.WithField("bot_id", botID).WithField("symbol", symbol),
		running:  true,
	}, nil
}

var _ core.IGridStrategy = (*Strategy)(nil)

// Initialize runs the one-time startup sequence: a gap check against the
// live price, quote-balance validation for the full grid, sell-wall
// bootstrap (fresh starts only), and the initial-equity snapshot the
// max-drawdown gate measures against.
func (s *Strategy) Initialize(ctx context.Context, currentPrice decimal.Decimal, freshStart bool) error {
	p := s.grid.Params

	buffer := decimal.NewFromFloat(gapCheckBuffer)
	lowerBound := p.LowerPrice.Mul(decimal.NewFromInt(1).Sub(buffer))
	upperBound := p.UpperPrice.Mul(decimal.NewFromInt(1).Add(buffer))
	if currentPrice.LessThan(lowerBound) || currentPrice.GreaterThan(upperBound) {
		return fmt.Errorf("current price %s is outside grid bounds [%s, %s] past the gap-check buffer", currentPrice, p.LowerPrice, p.UpperPrice)
	}

	if freshStart {
		quoteBal, err := s.exchange.GetBalance(ctx, p.QuoteAsset)
		if err != nil {
			return fmt.Errorf("validate quote balance: %w", err)
		}
		required := p.InvestmentPerGrid.Mul(decimal.NewFromInt(int64(p.GridCount))).Mul(decimal.NewFromFloat(1.002))
		if quoteBal.Free.LessThan(required) {
			return fmt.Errorf("insufficient %s balance: have %s, need %s", p.QuoteAsset, quoteBal.Free, required)
		}

		if err := s.bootstrapSellWall(ctx, currentPrice); err != nil {
			return fmt.Errorf("bootstrap sell wall: %w", err)
		}
	}

	equity, err := s.currentEquity(ctx, currentPrice)
	if err != nil {
		return fmt.Errorf("snapshot initial equity: %w", err)
	}
	s.mu.Lock()
	s.initialEquity = equity
	s.mu.Unlock()
	return nil
}

// bootstrapSellWall ensures enough base asset is already owned to rest a
// SELL at every grid line above currentPrice, market-buying the shortfall
// (plus a slippage buffer) when the account doesn't already hold it.
func (s *Strategy) bootstrapSellWall(ctx context.Context, currentPrice decimal.Decimal) error {
	p := s.grid.Params

	var needed decimal.Decimal
	for idx, price := range s.grid.Prices {
		if price.LessThanOrEqual(currentPrice) {
			continue
		}
		needed = needed.Add(QuantityAt(s.grid, idx))
	}
	if !needed.IsPositive() {
		return nil
	}

	baseBal, err := s.exchange.GetBalance(ctx, p.BaseAsset)
	if err != nil {
		return fmt.Errorf("read base balance: %w", err)
	}

	buffered := needed.Mul(decimal.NewFromFloat(sellWallBootstrapBuffer))
	shortfall := buffered.Sub(baseBal.Free)

	s.mu.Lock()
	s.ownedBaseForSells = baseBal.Free
	if shortfall.IsPositive() {
		s.ownedBaseForSells = buffered
	}
	s.mu.Unlock()

	if !shortfall.IsPositive() {
		return nil
	}

	if p.StepSize.IsPositive() {
		shortfall = tradingutils.FloorToStep(shortfall, p.StepSize)
	}
	shortfall = tradingutils.RoundQuantity(shortfall, int(p.QtyDecimals))
	if shortfall.IsZero() {
		return nil
	}

	if _, err := s.exchange.PlaceMarketOrder(ctx, s.symbol, core.SideBuy, shortfall); err != nil {
		return fmt.Errorf("market-buy sell-wall shortfall: %w", err)
	}
	return nil
}

// Evaluate runs one strategy tick and returns the adjustments this price
// update warrants. Gate ordering: danger-regime pull / risk gates ->
// staleness & forced pause -> spread check -> position-ratio ceiling ->
// circuit breaker (own + rate limiter) -> cooldown -> then per line:
// open-order ceiling -> sizing -> reserve check -> notional floor ->
// rounding -> (caller submits via PlaceAdjustment, which re-checks the
// per-line creation lock). The reserve check is not a tick-level gate
// ahead of the position-ratio ceiling: the reserve floor comes from the
// quote balance read after the cooldown check, and each line re-reads the
// balance and compares what is above the floor against the sized order.
func (s *Strategy) Evaluate(ctx context.Context, currentPrice decimal.Decimal, adjustment core.GridShapeAdjustment) []core.GridAdjustment {
	s.mu.Lock()
	s.lastPrice = currentPrice
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if core.IsDangerRegime(adjustment.Regime) {
		s.logger.Warn("danger regime, pausing new entries", "regime", string(adjustment.Regime))
		return s.cancelAllBuys(ctx)
	}

	if err := s.checkStopLossTakeProfit(ctx, currentPrice); err != nil {
		s.logger.Warn("risk gate fired", "error", err.Error())
		return nil
	}

	p := s.grid.Params

	if p.StaleDataTimeoutSeconds > 0 && !adjustment.ComputedAt.IsZero() &&
		time.Since(adjustment.ComputedAt) > time.Duration(p.StaleDataTimeoutSeconds)*time.Second {
		s.logger.Warn("analyzer data stale, pausing grid evaluation", "age", time.Since(adjustment.ComputedAt).String())
		return nil
	}
	if adjustment.ShouldPause {
		return nil
	}

	spread, err := s.currentSpread(ctx)
	if err != nil {
		s.logger.Warn("spread check failed", "error", err.Error())
		return nil
	}
	if p.MaxSpreadPercent.IsPositive() && spread.GreaterThan(p.MaxSpreadPercent) {
		s.logger.Debug("spread too wide, pausing placement", "spread", spread.String())
		return nil
	}

	positionRatio := s.PositionRatio()
	blockNewBuys := p.MaxPositionRatio.IsPositive() && decimal.NewFromFloat(positionRatio).GreaterThanOrEqual(p.MaxPositionRatio)

	if s.breaker.IsTripped() || s.limiter.CircuitOpen() {
		return nil
	}

	s.mu.Lock()
	inCooldown := time.Now().Before(s.cooldownUntil)
	s.mu.Unlock()
	if inCooldown {
		return nil
	}

	invMult := adjustment.InvestmentMultiplier
	if invMult <= 0 || !p.AdaptiveMode {
		invMult = 1
	}

	var adjustments []core.GridAdjustment
	openCount := s.book.CountByState(core.OrderStatePending) + s.book.CountByState(core.OrderStateLocked)
	maxOpen := p.MaxOpenOrders

	var reserveFloor decimal.Decimal
	if p.ReserveRatio.IsPositive() {
		quoteBal, err := s.exchange.GetBalance(ctx, p.QuoteAsset)
		if err != nil {
			s.logger.Warn("reserve-ratio balance check failed", "error", err.Error())
			blockNewBuys = true
		} else {
			reserveFloor = quoteBal.Free.Mul(p.ReserveRatio)
		}
	}

	if !blockNewBuys {
		for idx, price := range s.grid.Prices {
			if idx == len(s.grid.Prices)-1 {
				continue // top line has no companion sell target above it
			}
			existing, has := s.book.Get(idx)
			if has && existing.State != core.OrderStateEmpty {
				continue
			}
			if price.GreaterThanOrEqual(currentPrice) {
				continue // only place resting BUYs below the current price
			}
			if openCount >= maxOpen {
				break
			}

			qty := s.sizeInvestment(idx, invMult)
			if qty.IsZero() {
				continue
			}

			if p.ReserveRatio.IsPositive() {
				quoteBal, err := s.exchange.GetBalance(ctx, p.QuoteAsset)
				if err != nil {
					s.logger.Warn("reserve-ratio balance check failed", "error", err.Error())
					break
				}
				if quoteBal.Free.Sub(reserveFloor).LessThan(qty.Mul(price)) {
					s.logger.Debug("reserve ratio gate blocks further buys")
					break
				}
			}

			qty = s.applyNotionalFloor(qty, price)
			roundedPrice := tradingutils.RoundPrice(price, int(p.PriceDecimals))
			roundedQty := tradingutils.RoundQuantity(qty, int(p.QtyDecimals))

			adjustments = append(adjustments, core.GridAdjustment{
				Kind:      core.AdjustPlace,
				GridIndex: idx,
				Side:      core.SideBuy,
				Price:     roundedPrice,
				Quantity:  roundedQty,
				Reason:    "grid line below current price is unfilled",
			})
			openCount++
		}
	}

	s.mu.Lock()
	ownedBase := s.ownedBaseForSells
	s.mu.Unlock()

	for idx, price := range s.grid.Prices {
		if idx == 0 {
			continue // bottom line has no companion buy target below it
		}
		existing, has := s.book.Get(idx)
		if has && existing.State != core.OrderStateEmpty {
			continue
		}
		if price.LessThanOrEqual(currentPrice) {
			continue // only place resting SELLs above the current price
		}
		if openCount >= maxOpen {
			break
		}

		qty := s.sizeInvestment(idx, invMult)
		if qty.IsZero() || qty.GreaterThan(ownedBase) {
			continue // sell wall can only rest what bootstrap actually bought
		}
		qty = s.applyNotionalFloor(qty, price)
		if qty.GreaterThan(ownedBase) {
			continue // raising for the notional floor pushed it past what's owned
		}

		roundedPrice := tradingutils.RoundPrice(price, int(p.PriceDecimals))
		roundedQty := tradingutils.RoundQuantity(qty, int(p.QtyDecimals))

		adjustments = append(adjustments, core.GridAdjustment{
			Kind:      core.AdjustPlace,
			GridIndex: idx,
			Side:      core.SideSell,
			Price:     roundedPrice,
			Quantity:  roundedQty,
			Reason:    "bootstrapped sell wall line above current price is unfilled",
		})
		ownedBase = ownedBase.Sub(qty)
		openCount++
	}

	s.mu.Lock()
	s.ownedBaseForSells = ownedBase
	s.mu.Unlock()

	return adjustments
}

// sizeInvestment applies the analyzer's investment multiplier and the
// strategy's own martingale escalation (martin_level, capped at
// max_martin_levels and reusing martingale_factor as the per-level scale)
// on top of the grid's baseline distance-scaled quantity.
func (s *Strategy) sizeInvestment(idx int, invMult float64) decimal.Decimal {
	qty := QuantityAt(s.grid, idx)
	if invMult > 0 {
		qty = qty.Mul(decimal.NewFromFloat(invMult))
	}

	p := s.grid.Params
	if p.MartingaleFactor.LessThanOrEqual(decimal.NewFromInt(1)) {
		return qty
	}

	s.mu.Lock()
	level := s.martinLevel
	s.mu.Unlock()

	maxLevels := p.MaxMartinLevels
	if maxLevels <= 0 {
		maxLevels = 1
	}
	if level >= maxLevels {
		return qty // at the ceiling; the next BUY placement resets martin_level
	}

	scale := decimal.NewFromInt(1)
	for i := 0; i < level; i++ {
		scale = scale.Mul(p.MartingaleFactor)
	}
	return qty.Mul(scale)
}

// applyNotionalFloor raises qty to clear the exchange's min-notional floor
// (with a 1% buffer so rounding can't drop it back under) instead of
// skipping the line entirely.
func (s *Strategy) applyNotionalFloor(qty, price decimal.Decimal) decimal.Decimal {
	minNotional := s.grid.Params.MinNotional
	if !minNotional.IsPositive() || !price.IsPositive() {
		return qty
	}
	if qty.Mul(price).GreaterThanOrEqual(minNotional) {
		return qty
	}

	raised := minNotional.Mul(decimal.NewFromFloat(notionalFloorBuffer)).Div(price)
	if s.grid.Params.StepSize.IsPositive() {
		raised = tradingutils.FloorToStep(raised, s.grid.Params.StepSize)
		if raised.Mul(price).LessThan(minNotional) {
			raised = raised.Add(s.grid.Params.StepSize)
		}
	}
	return raised
}

// PositionRatio approximates current base-asset exposure as a fraction of
// the grid's target exposure (the base quantity every line would hold if
// fully deployed as a SELL), from resting SELL-leg quantities in the book.
func (s *Strategy) PositionRatio() float64 {
	var target decimal.Decimal
	for idx := range s.grid.Prices {
		target = target.Add(QuantityAt(s.grid, idx))
	}
	if !target.IsPositive() {
		return 0
	}

	var held decimal.Decimal
	for _, o := range s.book.All() {
		if o.Side == core.SideSell {
			held = held.Add(o.Quantity)
		}
	}

	ratio, _ := held.Div(target).Float64()
	switch {
	case ratio > 1:
		return 1
	case ratio < 0:
		return 0
	default:
		return ratio
	}
}

// currentSpread returns the live bid/ask spread, cached for spreadCacheTTL
// so the spread gate doesn't hit the book-ticker endpoint every single tick.
func (s *Strategy) currentSpread(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	if !s.lastSpreadAt.IsZero() && time.Since(s.lastSpreadAt) < spreadCacheTTL {
		spread := s.lastSpread
		s.mu.Unlock()
		return spread, nil
	}
	s.mu.Unlock()

	spread, err := s.exchange.GetBidAskSpread(ctx, s.symbol)
	if err != nil {
		return spread, err
	}

	s.mu.Lock()
	s.lastSpread = spread
	s.lastSpreadAt = time.Now()
	s.mu.Unlock()
	return spread, nil
}

// currentEquity marks the account's total value in quote terms: free+locked
// quote balance plus free+locked base balance valued at price.
func (s *Strategy) currentEquity(ctx context.Context, price decimal.Decimal) (decimal.Decimal, error) {
	quote, err := s.exchange.GetBalance(ctx, s.grid.Params.QuoteAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read quote balance: %w", err)
	}
	base, err := s.exchange.GetBalance(ctx, s.grid.Params.BaseAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read base balance: %w", err)
	}
	quoteTotal := quote.Free.Add(quote.Locked)
	baseTotal := base.Free.Add(base.Locked)
	return quoteTotal.Add(baseTotal.Mul(price)), nil
}

// PlaceAdjustment executes one adjustment from Evaluate's output, guarded
// by the line's creation lock so two concurrent ticks never double-place.
func (s *Strategy) PlaceAdjustment(ctx context.Context, adj core.GridAdjustment) error {
	if s.limiter.CircuitOpen() {
		return fmt.Errorf("rate limiter circuit open, refusing placement")
	}

	unlock, ok := s.book.TryLock(adj.GridIndex)
	if !ok {
		return fmt.Errorf("grid line %d is locked", adj.GridIndex)
	}
	defer unlock()

	if adj.Kind == core.AdjustCancel {
		existing, has := s.book.Get(adj.GridIndex)
		if !has || existing.State != core.OrderStatePending {
			return nil // already filled, cancelled or never placed
		}
		if err := s.exchange.CancelOrder(ctx, s.symbol, existing.ExchangeOrderID); err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		s.book.Clear(adj.GridIndex)
		return nil
	}

	if existing, has := s.book.Get(adj.GridIndex); has && existing.State != core.OrderStateEmpty {
		return nil // lost the race to a concurrent evaluation, nothing to do
	}

	if err := s.limiter.AcquireOrder(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	clientID := s.generateClientOrderID(adj.GridIndex)
	order := core.GridOrder{
		GridIndex:     adj.GridIndex,
		Price:         adj.Price,
		Quantity:      adj.Quantity,
		Side:          adj.Side,
		State:         core.OrderStateLocked,
		ClientOrderID: clientID,
	}
	s.book.Set(adj.GridIndex, order)

	placed, err := s.exchange.PlaceOrder(ctx, order, s.symbol)
	if err != nil {
		s.book.Clear(adj.GridIndex)
		return fmt.Errorf("place order: %w", err)
	}

	placed.State = core.OrderStatePending
	s.book.Set(adj.GridIndex, placed)

	p := s.grid.Params
	s.mu.Lock()
	s.lastTradeAt = time.Now()
	if p.TradeCooldownSeconds > 0 {
		s.cooldownUntil = time.Now().Add(time.Duration(p.TradeCooldownSeconds) * time.Second)
	}
	if adj.Side == core.SideBuy {
		maxLevels := p.MaxMartinLevels
		if maxLevels <= 0 {
			maxLevels = 1
		}
		if s.martinLevel >= maxLevels {
			s.martinLevel = 0
		} else {
			s.martinLevel++
		}
	}
	s.mu.Unlock()

	return nil
}

// OnOrderUpdate applies a fill/cancel/reject event from the user stream to
// the matching grid line.
func (s *Strategy) OnOrderUpdate(ctx context.Context, update core.OrderUpdate) error {
	idx, order, found := s.book.FindByClientOrderID(update.ClientOrderID)
	if !found {
		idx, order, found = s.book.FindByOrderID(update.OrderID)
	}
	if !found {
		return nil // order belongs to another bot sharing the user-data stream
	}

	switch update.Status {
	case "FILLED":
		order.State = core.OrderStateFilled
		order.FilledAt = update.TransactTime
		s.book.Set(idx, order)
		return s.onFill(ctx, idx, order, update)
	case "CANCELED", "EXPIRED", "REJECTED":
		s.book.Clear(idx)
	}
	return nil
}

// onFill places the companion order for a filled grid line: a BUY fill
// opens a SELL one line up; a SELL fill (the companion closing) realizes
// profit and frees both lines.
func (s *Strategy) onFill(ctx context.Context, idx int, order core.GridOrder, update core.OrderUpdate) error {
	if order.Side == core.SideBuy {
		companionIdx := idx + 1
		if companionIdx >= len(s.grid.Prices) {
			return nil
		}
		unlock, ok := s.book.TryLock(companionIdx)
		if !ok {
			return fmt.Errorf("companion line %d locked", companionIdx)
		}
		defer unlock()

		sellPrice := tradingutils.RoundPrice(s.grid.Prices[companionIdx], int(s.grid.Params.PriceDecimals))
		sellOrder := core.GridOrder{
			GridIndex:      companionIdx,
			Price:          sellPrice,
			Quantity:       order.Quantity,
			Side:           core.SideSell,
			State:          core.OrderStateLocked,
			ClientOrderID:  s.generateClientOrderID(companionIdx),
			CompanionIndex: idx,
		}
		s.book.Set(companionIdx, sellOrder)

		placed, err := s.exchange.PlaceOrder(ctx, sellOrder, s.symbol)
		if err != nil {
			s.book.Clear(companionIdx)
			return fmt.Errorf("place companion sell: %w", err)
		}
		placed.State = core.OrderStatePending
		s.book.Set(companionIdx, placed)
		return nil
	}

	// SELL fill: realize the round-trip profit and free both lines.
	buyIdx := order.CompanionIndex
	buyOrder, _ := s.book.Get(buyIdx)
	profit := tradingutils.CalculateNetProfit(buyOrder.Price, update.FilledPrice, decimal.Zero, decimal.Zero).Mul(order.Quantity)

	s.mu.Lock()
	s.realizedProfit = s.realizedProfit.Add(profit)
	s.martinLevel = 0
	s.mu.Unlock()

	s.breaker.RecordTrade(profit)
	s.book.Clear(idx)
	s.book.Clear(buyIdx)
	return nil
}

// checkStopLossTakeProfit enforces the three equity-based risk gates:
// stop-loss (percentage drop from initial equity), take-profit (realized
// profit reaching its target, not a bare price comparison), and
// max-drawdown (percentage drop from initial equity, same measure as
// stop-loss but intended as a softer, configurable-independently ceiling).
func (s *Strategy) checkStopLossTakeProfit(ctx context.Context, currentPrice decimal.Decimal) error {
	p := s.grid.Params

	s.mu.Lock()
	realized := s.realizedProfit
	initialEquity := s.initialEquity
	s.mu.Unlock()

	// A fired gate must always halt this tick's evaluation, whether or not
	// the emergency exit's own cancel-all call succeeds, so the risk gate
	// is reported via a dedicated error rather than EmergencyExit's return
	// value (nil on a clean cancel, which previously let the tick fall
	// through and keep placing as if nothing had happened).
	if p.TakeProfitAmount.IsPositive() && realized.GreaterThanOrEqual(p.TakeProfitAmount) {
		if err := s.EmergencyExit(ctx, "take profit target reached"); err != nil {
			return fmt.Errorf("take profit target reached, emergency exit failed: %w", err)
		}
		return fmt.Errorf("take profit target reached")
	}

	if initialEquity.IsPositive() && (p.StopLossPercent.IsPositive() || p.MaxDrawdownPct.IsPositive()) {
		equity, err := s.currentEquity(ctx, currentPrice)
		if err != nil {
			s.logger.Warn("equity check failed, skipping drawdown gates this tick", "error", err.Error())
			return nil
		}
		drop := initialEquity.Sub(equity)
		if !drop.IsPositive() {
			return nil
		}
		dropPct := drop.Div(initialEquity)

		if p.StopLossPercent.IsPositive() && dropPct.GreaterThanOrEqual(p.StopLossPercent) {
			s.mu.Lock()
			s.cooldownUntil = time.Now().Add(time.Minute)
			s.mu.Unlock()
			if err := s.EmergencyExit(ctx, "stop loss triggered"); err != nil {
				return fmt.Errorf("stop loss triggered, emergency exit failed: %w", err)
			}
			return fmt.Errorf("stop loss triggered")
		}
		if p.MaxDrawdownPct.IsPositive() && dropPct.GreaterThanOrEqual(p.MaxDrawdownPct) {
			s.mu.Lock()
			s.cooldownUntil = time.Now().Add(time.Minute)
			s.mu.Unlock()
			if err := s.EmergencyExit(ctx, "max drawdown breached"); err != nil {
				return fmt.Errorf("max drawdown breached, emergency exit failed: %w", err)
			}
			return fmt.Errorf("max drawdown breached")
		}
	}

	return nil
}

// EmergencyExit cancels every resting order without closing the position,
// per the stop-loss / take-profit / max-drawdown risk gates.
func (s *Strategy) EmergencyExit(ctx context.Context, reason string) error {
	s.logger.Warn("emergency exit", "reason", reason)
	s.breaker.Open(reason)
	if err := s.exchange.CancelAllOrders(ctx, s.symbol); err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	for idx := range s.grid.Prices {
		s.book.Clear(idx)
	}
	return nil
}

// PanicClose marks the strategy as not running, so Evaluate returns no
// further adjustments, then cancels all orders via EmergencyExit. Only
// Restore of a snapshot whose Running flag is set marks it running again.
func (s *Strategy) PanicClose(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.EmergencyExit(ctx, "operator panic close")
}

func (s *Strategy) cancelAllBuys(ctx context.Context) []core.GridAdjustment {
	var out []core.GridAdjustment
	for idx, o := range s.book.All() {
		if o.Side == core.SideBuy && o.State == core.OrderStatePending {
			out = append(out, core.GridAdjustment{Kind: core.AdjustCancel, GridIndex: idx, Side: core.SideBuy, Reason: "danger regime"})
		}
	}
	return out
}

// Snapshot returns the serializable state-file representation of this
// strategy's live grid.
func (s *Strategy) Snapshot() core.GridStateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make(map[string]core.GridOrderSnapshot)
	for idx, o := range s.book.All() {
		key := s.grid.Prices[idx].String()
		snap := core.GridOrderSnapshot{
			GridIndex:       idx,
			Price:           o.Price.String(),
			Side:            string(o.Side),
			State:           string(o.State),
			Quantity:        o.Quantity.String(),
			ExchangeOrderID: o.ExchangeOrderID,
			ClientOrderID:   o.ClientOrderID,
		}
		if o.Side == core.SideSell && o.CompanionIndex >= 0 && o.CompanionIndex < len(s.grid.Prices) {
			snap.EntryPrice = s.grid.Prices[o.CompanionIndex].String()
		}
		orders[key] = snap
	}

	return core.GridStateSnapshot{
		RealizedProfit: s.realizedProfit,
		LastPrice:      s.lastPrice,
		Running:        s.running,
		Orders:         orders,
	}
}

// Restore replays a persisted state-file snapshot back into this strategy,
// used during the bootstrap warm-restart path before exchange reconciliation.
func (s *Strategy) Restore(snap core.GridStateSnapshot) error {
	s.mu.Lock()
	s.realizedProfit = snap.RealizedProfit
	s.lastPrice = snap.LastPrice
	s.running = snap.Running
	s.mu.Unlock()

	for _, o := range snap.Orders {
		qty, err := decimal.NewFromString(o.Quantity)
		if err != nil {
			return fmt.Errorf("restoring order at index %d: %w", o.GridIndex, err)
		}
		if o.GridIndex < 0 || o.GridIndex >= len(s.grid.Prices) {
			continue
		}
		order := core.GridOrder{
			GridIndex:       o.GridIndex,
			Price:           s.grid.Prices[o.GridIndex],
			Quantity:        qty,
			Side:            core.OrderSide(o.Side),
			State:           core.OrderState(o.State),
			ExchangeOrderID: o.ExchangeOrderID,
			ClientOrderID:   o.ClientOrderID,
			CompanionIndex:  -1,
		}
		if o.Side == string(core.SideSell) && o.EntryPrice != "" {
			if entryPrice, err := decimal.NewFromString(o.EntryPrice); err == nil {
				order.CompanionIndex = NearestIndex(s.grid, entryPrice)
			}
		}
		s.book.Set(o.GridIndex, order)
	}
	return nil
}

func (s *Strategy) generateClientOrderID(gridIndex int) string {
	return fmt.Sprintf("grid-%s-%d-%s", s.botID, gridIndex, uuid.NewString()[:8])
}

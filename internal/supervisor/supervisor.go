// Package supervisor implements the bot lifecycle registry: starting,
// stopping, pausing, resuming, and panic-closing per-bot grid strategies,
// and reacting to the global kill switch. Grounded on teacher
// internal/bootstrap/app.go's errgroup + signal-context lifecycle,
// generalized from "one process, one strategy" to "one process, many
// independently cancelable bots."
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/core"
	"gridengine/internal/grid"
	"gridengine/internal/ratelimit"
	"gridengine/pkg/telemetry"
)

// ExchangeFactory builds a credentialed core.IExchange for one bot's
// market type and network, gated by its own per-credential rate limiter.
type ExchangeFactory func(apiKey, apiSecret, marketType string, testnet bool, limiter core.IRateLimiter) (core.IExchange, error)

// killSwitchEvent is the wire shape of a global:kill_switch payload.
type killSwitchEvent struct {
	Action      string `json:"action"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
}

// tradeEvent is the wire shape of a user:trade_events payload.
type tradeEvent struct {
	UserID string          `json:"user_id"`
	BotID  string          `json:"bot_id"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

type managedBot struct {
	cfg      core.BotConfig
	strategy core.IGridStrategy
	exchange core.IExchange
	limiter  core.IRateLimiter

	cancel       context.CancelFunc
	releaseProxy func()
	unsubMarket  func()
	unsubUser    func()

	mu           sync.Mutex
	status       core.BotStatus
	paused       bool
	lastRealized decimal.Decimal
}

// Supervisor implements core.ISupervisor.
type Supervisor struct {
	store           core.IStore
	creds           core.ICredentialStore
	aggregator      core.IStreamAggregator
	analyzer        core.IMarketAnalyzer
	bus             core.IEventBus
	safety          core.ISafetyChecker
	proxies         core.IProxyPool
	geo             core.IGeoCheck
	states          *grid.StateStore
	exchangeFactory ExchangeFactory
	logger          core.ILogger

	mu   sync.Mutex
	bots map[string]*managedBot

	killSwitchUnsub func()
}

// Deps bundles Supervisor's collaborators so New's argument list stays
// readable as the set of external collaborators grows.
type Deps struct {
	Store           core.IStore
	Credentials     core.ICredentialStore
	Aggregator      core.IStreamAggregator
	Analyzer        core.IMarketAnalyzer
	Bus             core.IEventBus
	Safety          core.ISafetyChecker
	Proxies         core.IProxyPool
	Geo             core.IGeoCheck
	States          *grid.StateStore
	ExchangeFactory ExchangeFactory
	Logger          core.ILogger
}

// New builds a Supervisor and subscribes it to the global kill switch.
func New(ctx context.Context, deps Deps) (*Supervisor, error) {
	s := &Supervisor{
		store:           deps.Store,
		creds:           deps.Credentials,
		aggregator:      deps.Aggregator,
		analyzer:        deps.Analyzer,
		bus:             deps.Bus,
		safety:          deps.Safety,
		proxies:         deps.Proxies,
		geo:             deps.Geo,
		states:          deps.States,
		exchangeFactory: deps.ExchangeFactory,
		logger:          deps.Logger.WithField("component", "supervisor"),
		bots:            make(map[string]*managedBot),
	}

	events, unsub, err := deps.Bus.Subscribe(ctx, killSwitchChannel())
	if err != nil {
		return nil, fmt.Errorf("subscribe kill switch: %w", err)
	}
	s.killSwitchUnsub = unsub
	go s.watchKillSwitch(events)

	return s, nil
}

var _ core.ISupervisor = (*Supervisor)(nil)

func killSwitchChannel() string { return "global:kill_switch" }
func tradeEventsChannel() string { return "user:trade_events" }

func (s *Supervisor) watchKillSwitch(events <-chan []byte) {
	for payload := range events {
		var evt killSwitchEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			s.logger.Warn("malformed kill switch payload", "error", err.Error())
			continue
		}
		if evt.Action != "HALT_ALL" {
			continue
		}
		s.logger.Error("global kill switch received", "reason", evt.Reason, "triggered_by", evt.TriggeredBy)

		s.mu.Lock()
		ids := make([]string, 0, len(s.bots))
		for id := range s.bots {
			ids = append(ids, id)
		}
		s.mu.Unlock()

		for _, id := range ids {
			if err := s.PanicBot(context.Background(), id, "global kill switch: "+evt.Reason); err != nil {
				s.logger.Error("panic-close failed during kill switch", "bot_id", id, "error", err.Error())
			}
		}
	}
}

// StartBot loads/validates cfg's parameters, builds a credentialed
// exchange client behind a leased proxy, runs the safety check, resumes
// any persisted grid state, subscribes to the aggregated market and
// user-data streams, and spawns the bot's long-lived evaluation loop.
func (s *Supervisor) StartBot(ctx context.Context, cfg core.BotConfig) error {
	s.mu.Lock()
	if _, exists := s.bots[cfg.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("bot %s already started", cfg.ID)
	}
	s.mu.Unlock()

	if !cfg.IsTestnet && !s.geo.IsAllowed(ctx, "") {
		return fmt.Errorf("geo-compliance check failed for bot %s", cfg.ID)
	}

	params, err := core.ParseGridParameters(cfg.Parameters)
	if err != nil {
		return fmt.Errorf("parse grid parameters: %w", err)
	}

	apiKey, apiSecret, err := s.creds.Decrypt(ctx, cfg.APIKeyID)
	if err != nil {
		return fmt.Errorf("decrypt credentials: %w", err)
	}

	proxyAddr, releaseProxy, err := s.proxies.Lease(ctx)
	if err != nil {
		return fmt.Errorf("lease proxy: %w", err)
	}

	limiter := ratelimit.New(cfg.APIKeyID, ratelimit.DefaultConfig(), s.logger)
	exchange, err := s.exchangeFactory(apiKey, apiSecret, cfg.MarketType, cfg.IsTestnet, limiter)
	if err != nil {
		releaseProxy()
		return fmt.Errorf("build exchange client: %w", err)
	}
	if proxied, ok := exchange.(interface{ SetProxy(string) error }); ok && proxyAddr != "" {
		if err := proxied.SetProxy(proxyAddr); err != nil {
			s.logger.Warn("failed to apply leased proxy, continuing direct", "bot_id", cfg.ID, "error", err.Error())
		}
	}

	if err := exchange.SyncServerTime(ctx); err != nil {
		releaseProxy()
		return fmt.Errorf("sync server time: %w", err)
	}
	tickSize, stepSize, minNotional, err := exchange.GetSymbolFilters(ctx, cfg.Symbol)
	if err != nil {
		releaseProxy()
		return fmt.Errorf("fetch symbol filters: %w", err)
	}
	if params.TickSize.IsZero() {
		params.TickSize = tickSize
	}
	if params.StepSize.IsZero() {
		params.StepSize = stepSize
	}
	if params.MinNotional.IsZero() {
		params.MinNotional = minNotional
	}
	params.PriceDecimals = exchange.GetPriceDecimals()
	params.QtyDecimals = exchange.GetQuantityDecimals()

	price, err := exchange.GetLatestPrice(ctx, cfg.Symbol)
	if err != nil {
		releaseProxy()
		return fmt.Errorf("fetch latest price: %w", err)
	}

	var priceInterval decimal.Decimal
	if params.GridCount > 0 {
		priceInterval = params.UpperPrice.Sub(params.LowerPrice).Div(decimal.NewFromInt(int64(params.GridCount)))
	}
	if err := s.safety.CheckAccountSafety(ctx, exchange, cfg.Symbol, price,
		params.InvestmentPerGrid, priceInterval, decimal.NewFromFloat(0.001),
		params.GridCount, int(params.PriceDecimals)); err != nil {
		releaseProxy()
		return fmt.Errorf("safety check failed: %w", err)
	}

	strategy, err := grid.NewStrategy(cfg.ID, cfg.Symbol, params, exchange, limiter, s.logger)
	if err != nil {
		releaseProxy()
		return fmt.Errorf("build strategy: %w", err)
	}

	freshStart := true
	if s.states != nil {
		if snap, ok, err := s.states.Load(cfg.ID); err != nil {
			s.logger.Warn("failed to load persisted grid state, starting fresh", "bot_id", cfg.ID, "error", err.Error())
		} else if ok {
			if err := strategy.Restore(snap); err != nil {
				s.logger.Warn("failed to restore persisted grid state, starting fresh", "bot_id", cfg.ID, "error", err.Error())
			} else {
				freshStart = false
			}
		}
	}

	if err := strategy.Initialize(ctx, price, freshStart); err != nil {
		releaseProxy()
		return fmt.Errorf("initialize strategy: %w", err)
	}

	botCtx, cancel := context.WithCancel(context.Background())
	bot := &managedBot{
		cfg:          cfg,
		strategy:     strategy,
		exchange:     exchange,
		limiter:      limiter,
		cancel:       cancel,
		releaseProxy: releaseProxy,
		status:       core.BotStatusStarting,
	}

	unsubMarket, err := s.aggregator.SubscribeMarket(botCtx, cfg.Symbol, cfg.IsTestnet, func(p decimal.Decimal, at time.Time) {
		s.onPriceTick(bot, p)
	})
	if err != nil {
		cancel()
		releaseProxy()
		return fmt.Errorf("subscribe market stream: %w", err)
	}
	bot.unsubMarket = unsubMarket

	unsubUser, err := s.aggregator.SubscribeUserData(botCtx, cfg.APIKeyID, func(update core.OrderUpdate) {
		s.onOrderUpdate(bot, update)
	})
	if err != nil {
		unsubMarket()
		cancel()
		releaseProxy()
		return fmt.Errorf("subscribe user stream: %w", err)
	}
	bot.unsubUser = unsubUser

	bot.mu.Lock()
	bot.status = core.BotStatusRunning
	bot.mu.Unlock()

	s.mu.Lock()
	s.bots[cfg.ID] = bot
	s.mu.Unlock()

	if err := s.store.UpdateBotStatus(ctx, cfg.ID, core.BotStatusRunning); err != nil {
		s.logger.Warn("failed to persist running status", "bot_id", cfg.ID, "error", err.Error())
	}

	s.logger.Info("bot started", "bot_id", cfg.ID, "symbol", cfg.Symbol)
	return nil
}

func (s *Supervisor) onPriceTick(bot *managedBot, price decimal.Decimal) {
	bot.mu.Lock()
	paused := bot.paused
	status := bot.status
	bot.mu.Unlock()
	if paused || status != core.BotStatusRunning {
		return
	}

	ctx := context.Background()

	positionRatio := bot.strategy.PositionRatio()
	adjustment := s.analyzer.Adjustment(bot.cfg.Symbol, positionRatio)

	adjustments := bot.strategy.Evaluate(ctx, price, adjustment)
	for _, adj := range adjustments {
		if err := bot.strategy.PlaceAdjustment(ctx, adj); err != nil {
			s.logger.Warn("adjustment failed", "bot_id", bot.cfg.ID, "error", err.Error())
		} else if adj.Kind == core.AdjustPlace {
			telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1)
		}
	}

	if s.states != nil {
		if err := s.states.Save(bot.cfg.ID, bot.strategy.Snapshot()); err != nil {
			s.logger.Warn("failed to persist grid state", "bot_id", bot.cfg.ID, "error", err.Error())
		}
	}
}

func (s *Supervisor) onOrderUpdate(bot *managedBot, update core.OrderUpdate) {
	ctx := context.Background()
	if err := bot.strategy.OnOrderUpdate(ctx, update); err != nil {
		s.logger.Warn("order update handling failed", "bot_id", bot.cfg.ID, "error", err.Error())
		return
	}

	if update.Status != "FILLED" {
		return
	}

	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1)

	if update.Side == core.SideSell {
		// A SELL fill closes a round trip; diff the strategy's cumulative
		// realized profit against what we last observed to attribute this
		// trade's share without duplicating the strategy's own bookkeeping.
		total := bot.strategy.Snapshot().RealizedProfit
		bot.mu.Lock()
		delta := total.Sub(bot.lastRealized)
		bot.lastRealized = total
		bot.mu.Unlock()

		trade := core.Trade{
			ID:          update.ClientOrderID,
			BotID:       bot.cfg.ID,
			Symbol:      update.Symbol,
			Side:        update.Side,
			Price:       update.FilledPrice,
			Quantity:    update.FilledQty,
			Fee:         update.Fee,
			FeeAsset:    update.FeeAsset,
			RealizedPnL: delta,
			ExecutedAt:  update.TransactTime,
		}
		if err := s.store.RecordTrade(ctx, trade); err != nil {
			s.logger.Warn("failed to record trade", "bot_id", bot.cfg.ID, "error", err.Error())
		}
		telemetry.GetGlobalMetrics().PnLRealizedTotal.Add(ctx, mustFloat(trade.RealizedPnL))

		payload, _ := json.Marshal(tradeEvent{
			UserID: bot.cfg.UserID,
			BotID:  bot.cfg.ID,
			Type:   "PROFIT_MATCHED",
		})
		if err := s.bus.Publish(ctx, tradeEventsChannel(), payload); err != nil {
			s.logger.Warn("failed to publish trade event", "bot_id", bot.cfg.ID, "error", err.Error())
		}
	}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// StopBot cancels a bot's subscriptions and streams, flushes its state,
// and releases its proxy slot — the cancellation contract's four steps.
func (s *Supervisor) StopBot(ctx context.Context, botID string) error {
	bot, err := s.takeBot(botID)
	if err != nil {
		return err
	}

	bot.mu.Lock()
	bot.status = core.BotStatusStopping
	bot.mu.Unlock()

	if s.states != nil {
		if err := s.states.Save(botID, bot.strategy.Snapshot()); err != nil {
			s.logger.Warn("failed to flush grid state on stop", "bot_id", botID, "error", err.Error())
		}
	}

	bot.unsubMarket()
	bot.unsubUser()
	bot.cancel()
	bot.releaseProxy()

	bot.mu.Lock()
	bot.status = core.BotStatusStopped
	bot.mu.Unlock()

	if err := s.store.UpdateBotStatus(ctx, botID, core.BotStatusStopped); err != nil {
		s.logger.Warn("failed to persist stopped status", "bot_id", botID, "error", err.Error())
	}
	s.logger.Info("bot stopped", "bot_id", botID)
	return nil
}

// PauseBot stops new entries without tearing down streams or state.
func (s *Supervisor) PauseBot(ctx context.Context, botID string) error {
	bot, err := s.lookupBot(botID)
	if err != nil {
		return err
	}
	bot.mu.Lock()
	bot.paused = true
	bot.status = core.BotStatusPaused
	bot.mu.Unlock()
	return s.store.UpdateBotStatus(ctx, botID, core.BotStatusPaused)
}

// ResumeBot re-enables new entries for a previously paused bot.
func (s *Supervisor) ResumeBot(ctx context.Context, botID string) error {
	bot, err := s.lookupBot(botID)
	if err != nil {
		return err
	}
	bot.mu.Lock()
	bot.paused = false
	bot.status = core.BotStatusRunning
	bot.mu.Unlock()
	return s.store.UpdateBotStatus(ctx, botID, core.BotStatusRunning)
}

// PanicBot cancels every resting order through the strategy's PanicClose
// and tears the bot down, regardless of its current grid state. It places
// no market order: any base-asset position the bot holds stays open.
func (s *Supervisor) PanicBot(ctx context.Context, botID, reason string) error {
	bot, err := s.lookupBot(botID)
	if err != nil {
		return err
	}
	s.logger.Error("panic-closing bot", "bot_id", botID, "reason", reason)

	if err := bot.strategy.PanicClose(ctx); err != nil {
		s.logger.Error("panic close failed", "bot_id", botID, "error", err.Error())
	}

	bot.mu.Lock()
	bot.status = core.BotStatusPanicked
	bot.mu.Unlock()

	if err := s.store.UpdateBotStatus(ctx, botID, core.BotStatusPanicked); err != nil {
		s.logger.Warn("failed to persist panicked status", "bot_id", botID, "error", err.Error())
	}

	return s.StopBot(ctx, botID)
}

// ActiveBots returns the IDs of every bot currently registered.
func (s *Supervisor) ActiveBots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.bots))
	for id := range s.bots {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every active bot and releases the kill-switch
// subscription; called once on process shutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for _, id := range s.ActiveBots() {
		if err := s.StopBot(ctx, id); err != nil {
			s.logger.Error("failed to stop bot during shutdown", "bot_id", id, "error", err.Error())
		}
	}
	if s.killSwitchUnsub != nil {
		s.killSwitchUnsub()
	}
	return nil
}

func (s *Supervisor) lookupBot(botID string) (*managedBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[botID]
	if !ok {
		return nil, fmt.Errorf("bot %s not found", botID)
	}
	return bot, nil
}

func (s *Supervisor) takeBot(botID string) (*managedBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[botID]
	if !ok {
		return nil, fmt.Errorf("bot %s not found", botID)
	}
	delete(s.bots, botID)
	return bot, nil
}

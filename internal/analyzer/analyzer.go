// Package analyzer implements the adaptive market analyzer: an indicator
// pipeline, a five-regime hysteresis classifier with asymmetric
// confirmation, and the grid-shape adjustment recipe the strategy consumes.
package analyzer

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/core"
)

// candleWindow bounds how much history each symbol keeps; comfortably
// above EMA200's warm-up requirement without growing unbounded.
const candleWindow = 300

const (
	smaShortPeriod  = 7
	smaLongPeriod   = 25
	emaMacroPeriod  = 200
	rsiPeriod       = 14
	atrPeriod       = 14
	volumeRatioPeriod = 20
)

// symbolState is one symbol's rolling candle window, cached indicators,
// and hysteresis bookkeeping.
type symbolState struct {
	mu         sync.RWMutex
	candles    []core.Candle
	indicators core.Indicators
	hysteresis *hysteresisState
	lastAdj    core.GridShapeAdjustment
}

// Analyzer implements core.IMarketAnalyzer for any number of symbols.
type Analyzer struct {
	mu                  sync.RWMutex
	symbols             map[string]*symbolState
	logger              core.ILogger
	confirmationCandles int
	coolingCandles      int
}

// New builds an empty Analyzer using the spec's default hysteresis timing;
// symbols are registered lazily on first OnCandle.
func New(logger core.ILogger) *Analyzer {
	return NewWithConfig(logger, defaultConfirmationCandles, defaultCoolingCandles)
}

// NewWithConfig builds an Analyzer whose regime hysteresis uses
// confirmationCandles/coolingCandles instead of the spec defaults (zero or
// negative values fall back to the default for that parameter).
func NewWithConfig(logger core.ILogger, confirmationCandles, coolingCandles int) *Analyzer {
	return &Analyzer{
		symbols:             make(map[string]*symbolState),
		logger:              logger.WithField("component", "analyzer"),
		confirmationCandles: confirmationCandles,
		coolingCandles:      coolingCandles,
	}
}

var _ core.IMarketAnalyzer = (*Analyzer)(nil)

func (a *Analyzer) stateFor(symbol string) *symbolState {
	a.mu.RLock()
	s, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.symbols[symbol]; ok {
		return s
	}
	s = &symbolState{hysteresis: newHysteresisState(a.confirmationCandles, a.coolingCandles)}
	a.symbols[symbol] = s
	return s
}

// OnCandle appends a closed candle to symbol's window, recomputes every
// indicator, advances the regime classifier, and refreshes the cached
// adjustment (at positionRatio 0, since OnCandle itself carries no position
// context — callers needing a position-aware adjustment should call
// Adjustment directly afterward).
func (a *Analyzer) OnCandle(symbol string, c core.Candle) {
	s := a.stateFor(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.candles = append(s.candles, c)
	if len(s.candles) > candleWindow {
		s.candles = s.candles[len(s.candles)-candleWindow:]
	}

	s.indicators = core.Indicators{
		SMA7:        sma(s.candles, smaShortPeriod),
		SMA25:       sma(s.candles, smaLongPeriod),
		EMA200:      ema(s.candles, emaMacroPeriod),
		RSI14:       decimal.NewFromFloat(rsi(s.candles, rsiPeriod)),
		ATR14:       atr(s.candles, atrPeriod),
		VolumeRatio: volumeRatio(s.candles, volumeRatioPeriod),
	}

	atrRatio := 0.0
	if !c.Close.IsZero() {
		r, _ := s.indicators.ATR14.Div(c.Close).Float64()
		atrRatio = r
	}

	candidate := classifyCandidate(s.indicators, mustFloat(c.Close), 0, atrRatio, s.hysteresis.current)
	regime, cooling := s.hysteresis.observe(candidate)

	s.lastAdj = buildAdjustment(regime, s.indicators, c.Close, atrRatio, cooling, 0)
	s.lastAdj.ComputedAt = time.Now()
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Regime returns symbol's currently confirmed regime.
func (a *Analyzer) Regime(symbol string) core.Regime {
	s := a.stateFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hysteresis.current
}

// ATR returns symbol's last-computed 14-period average true range.
func (a *Analyzer) ATR(symbol string) decimal.Decimal {
	s := a.stateFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indicators.ATR14
}

// VolatilityFactor returns symbol's atr/close ratio, the same quantity the
// hysteresis classifier uses to gate the danger/wide-range thresholds.
func (a *Analyzer) VolatilityFactor(symbol string) float64 {
	s := a.stateFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return 0
	}
	last := s.candles[len(s.candles)-1]
	if last.Close.IsZero() {
		return 0
	}
	f, _ := s.indicators.ATR14.Div(last.Close).Float64()
	return f
}

// Indicators returns symbol's last-computed indicator snapshot.
func (a *Analyzer) Indicators(symbol string) core.Indicators {
	s := a.stateFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indicators
}

// Adjustment recomputes the grid-shape recommendation at the given
// position ratio (current base-asset exposure over target) on every call
// and caches the result as the symbol's latest adjustment.
func (a *Analyzer) Adjustment(symbol string, positionRatio float64) core.GridShapeAdjustment {
	s := a.stateFor(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.candles) == 0 {
		return core.GridShapeAdjustment{Regime: core.RegimeLowVolRange, InvestmentMultiplier: 1, DensityMultiplier: 1}
	}

	last := s.candles[len(s.candles)-1]
	atrRatio := 0.0
	if !last.Close.IsZero() {
		atrRatio, _ = s.indicators.ATR14.Div(last.Close).Float64()
	}
	_, cooling := s.hysteresis.current, s.hysteresis.coolingLeft > 0

	s.lastAdj = buildAdjustment(s.hysteresis.current, s.indicators, last.Close, atrRatio, cooling, positionRatio)
	s.lastAdj.ComputedAt = time.Now()
	return s.lastAdj
}

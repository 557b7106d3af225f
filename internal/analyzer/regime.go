package analyzer

import "gridengine/internal/core"

// defaultConfirmationCandles and defaultCoolingCandles are the spec-mandated
// defaults: non-danger transitions need this many consecutive confirming
// samples, and leaving a danger regime forces a pause for this many samples
// after. An Analyzer built via New(logger) without config overrides uses
// these; NewWithConfig lets a caller tune them.
const (
	defaultConfirmationCandles = 2
	defaultCoolingCandles      = 3

	wideRangeATRRatio = 0.02
)

// classifyCandidate is the raw, un-hysteretic regime signal for one tick:
// what the indicators alone would suggest, given the regime currently in
// effect (hysteresis means exit thresholds differ from entry thresholds).
func classifyCandidate(ind core.Indicators, lastClose, smallRSI float64, atrRatio float64, current core.Regime) core.Regime {
	rsi14, _ := ind.RSI14.Float64()
	smaBullish := ind.SMA7.GreaterThan(ind.SMA25)
	smaBearish := ind.SMA7.LessThan(ind.SMA25)
	ema200, _ := ind.EMA200.Float64()
	bigBearish := lastClose < ema200

	switch current {
	case core.RegimeStrongBreakout:
		if rsi14 >= 58 && smaBullish {
			return core.RegimeStrongBreakout // stays, exit not yet triggered
		}
	case core.RegimeSlowBleed:
		if rsi14 <= 42 {
			return core.RegimeSlowBleed
		}
	case core.RegimePanicSell:
		if rsi14 <= 28 {
			return core.RegimePanicSell
		}
	}

	smallOK := smallRSI == 0 || smallRSI >= 55
	switch {
	case rsi14 <= 18 && atrRatio >= wideRangeATRRatio:
		return core.RegimePanicSell
	case rsi14 <= 32 && smaBearish && bigBearish:
		return core.RegimeSlowBleed
	case rsi14 >= 68 && smaBullish && smallOK:
		return core.RegimeStrongBreakout
	case atrRatio >= wideRangeATRRatio:
		return core.RegimeWideRange
	default:
		return core.RegimeLowVolRange
	}
}

// hysteresisState tracks one symbol's confirmed regime, the pending
// candidate awaiting confirmation, and any active post-danger cooldown.
type hysteresisState struct {
	current       core.Regime
	pendingRegime core.Regime
	pendingCount  int
	coolingLeft   int

	confirmationCandles int
	coolingCandles      int
}

func newHysteresisState(confirmationCandles, coolingCandles int) *hysteresisState {
	if confirmationCandles <= 0 {
		confirmationCandles = defaultConfirmationCandles
	}
	if coolingCandles <= 0 {
		coolingCandles = defaultCoolingCandles
	}
	return &hysteresisState{
		current:             core.RegimeLowVolRange,
		confirmationCandles: confirmationCandles,
		coolingCandles:      coolingCandles,
	}
}

// observe feeds one tick's raw candidate through the asymmetric-confirmation
// rule and returns the regime now in effect plus whether a cooldown pause
// is still active.
func (h *hysteresisState) observe(candidate core.Regime) (regime core.Regime, cooling bool) {
	if candidate == h.current {
		h.pendingRegime = ""
		h.pendingCount = 0
	} else if core.IsDangerRegime(candidate) {
		// Entering a danger regime applies immediately, no confirmation.
		h.transition(candidate)
	} else {
		// Leaving the current regime, or entering any non-danger regime,
		// requires confirmationCandles consecutive matching observations.
		if candidate == h.pendingRegime {
			h.pendingCount++
		} else {
			h.pendingRegime = candidate
			h.pendingCount = 1
		}
		if h.pendingCount >= h.confirmationCandles {
			h.transition(candidate)
			h.pendingRegime = ""
			h.pendingCount = 0
		}
	}

	if h.coolingLeft > 0 {
		h.coolingLeft--
		cooling = true
	}
	return h.current, cooling
}

func (h *hysteresisState) transition(next core.Regime) {
	if core.IsDangerRegime(h.current) && !core.IsDangerRegime(next) {
		h.coolingLeft = h.coolingCandles
	}
	h.current = next
}

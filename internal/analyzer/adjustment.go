package analyzer

import (
	"github.com/shopspring/decimal"

	"gridengine/internal/core"
)

// Base recipe constants, one representative value picked from each of the
// spec's ranges (the spec gives a band, not a formula for where in the
// band to land; documented in DESIGN.md as an explicit assumption).
const (
	lowVolDensity          = 1.6 // within [1.2, 2.0]
	wideRangeDensity       = 0.7
	breakoutCenterShift    = 0.045 // within [+0.03, +0.06]
	breakoutInvestment     = 0.7
	slowBleedInvestment    = 0.5
	panicInvestment        = 1.4 // within [1.3, 1.5]

	goldenCrossDensity  = 1.5
	macroBullishPanicInvestment = 1.8
	extremeVolATRRatio  = 0.05
	extremeVolDensityCut = 0.8
	feeShieldFloor      = 0.002
	macroBearishStepMul = 1.2
	defaultInvestmentCap = 2.0
	macroBearishCapCut  = 0.5
	positionDecayMin    = 0.3 // floor on (1 - position_ratio)^2
	minInvestmentMultiplier = 0.2
)

// buildAdjustment implements spec.md §4.3's "Adjustment generation": a
// base recipe per regime, then modifiers (a)-(e) applied in order.
func buildAdjustment(regime core.Regime, ind core.Indicators, lastClose decimal.Decimal, atrRatio float64, cooling bool, positionRatio float64) core.GridShapeAdjustment {
	adj := core.GridShapeAdjustment{Regime: regime, SuggestedGridStep: ind.ATR14}
	investmentCap := defaultInvestmentCap

	switch regime {
	case core.RegimeLowVolRange:
		adj.DensityMultiplier = lowVolDensity
		adj.InvestmentMultiplier = 1.0
	case core.RegimeWideRange:
		adj.DensityMultiplier = wideRangeDensity
		adj.InvestmentMultiplier = 1.0
	case core.RegimeStrongBreakout:
		adj.DensityMultiplier = 1.0
		adj.GridCenterShift = breakoutCenterShift
		adj.InvestmentMultiplier = breakoutInvestment
	case core.RegimeSlowBleed:
		adj.DensityMultiplier = 1.0
		adj.ShouldPause = true
		adj.InvestmentMultiplier = slowBleedInvestment
	case core.RegimePanicSell:
		adj.DensityMultiplier = 1.0
		adj.InvestmentMultiplier = panicInvestment
	}

	macroBullish := lastClose.GreaterThan(ind.EMA200)
	macroBearish := lastClose.LessThan(ind.EMA200)
	goldenCross := ind.SMA7.GreaterThan(ind.SMA25)

	// (a) macro-bullish modifiers.
	if macroBullish {
		if goldenCross && adj.DensityMultiplier < goldenCrossDensity {
			adj.DensityMultiplier = goldenCrossDensity
		}
		if regime == core.RegimePanicSell && adj.InvestmentMultiplier < macroBullishPanicInvestment {
			adj.InvestmentMultiplier = macroBullishPanicInvestment
		}
	}

	// (b) extreme volatility cuts density.
	if atrRatio > extremeVolATRRatio {
		adj.DensityMultiplier *= extremeVolDensityCut
	}

	// (c) fee shield: per-step percentage must stay >= 0.2%.
	if !lastClose.IsZero() && adj.DensityMultiplier > 0 && !adj.SuggestedGridStep.IsZero() {
		step, _ := adj.SuggestedGridStep.Float64()
		price, _ := lastClose.Float64()
		perStepPct := step / adj.DensityMultiplier / price
		if perStepPct < feeShieldFloor {
			adj.DensityMultiplier = step / (feeShieldFloor * price)
		}
	}

	// (d) macro-bearish widens the step and halves the investment cap.
	if macroBearish {
		stepMul := decimal.NewFromFloat(macroBearishStepMul)
		adj.SuggestedGridStep = adj.SuggestedGridStep.Mul(stepMul)
		investmentCap *= macroBearishCapCut
	}

	// (e) position decay ("Smart Brake 2.0"): shrink the investment
	// multiplier as the bot's position grows toward its target, floored
	// so it never fully stops buying, and capped by (d)'s adjusted ceiling.
	decay := (1 - positionRatio) * (1 - positionRatio)
	if decay < positionDecayMin {
		decay = positionDecayMin
	}
	finalInvestment := adj.InvestmentMultiplier * decay
	if finalInvestment > investmentCap {
		finalInvestment = investmentCap
	}
	if finalInvestment < minInvestmentMultiplier {
		finalInvestment = minInvestmentMultiplier
	}
	adj.InvestmentMultiplier = finalInvestment

	if cooling {
		adj.ShouldPause = true
	}

	return adj
}

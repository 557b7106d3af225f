// Package grid implements the per-bot grid ladder, order book, and
// evaluation state machine.
package grid

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gridengine/internal/core"
	"gridengine/pkg/tradingutils"
)

// NewGrid builds the fixed price ladder and empty order book for a bot's
// parameters: GridCount+1 equally spaced price lines from LowerPrice to
// UpperPrice, each floored to the symbol's tick size.
func NewGrid(params core.GridParameters) (*core.Grid, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid parameters: %w", err)
	}

	count := params.GridCount
	span := params.UpperPrice.Sub(params.LowerPrice)
	step := span.Div(decimal.NewFromInt(int64(count)))

	// The anchor line itself, plus count levels spaced step apart above it.
	levels := append([]decimal.Decimal{params.LowerPrice}, tradingutils.CalculatePriceLevels(params.LowerPrice, step, count)...)
	prices := make([]decimal.Decimal, len(levels))
	for i, p := range levels {
		if params.TickSize.IsPositive() {
			p = tradingutils.FloorToStep(p, params.TickSize)
		}
		prices[i] = p
	}

	return &core.Grid{
		Params: params,
		Prices: prices,
		Orders: make(map[int]*core.GridOrder),
	}, nil
}

// QuantityAt returns the base-asset quantity one grid line should trade,
// applying martingale sizing (scaling investment per line by the factor
// raised to the line's distance from the grid's midpoint) when configured.
func QuantityAt(g *core.Grid, index int) decimal.Decimal {
	investment := g.Params.InvestmentPerGrid
	if g.Params.MartingaleFactor.GreaterThan(decimal.NewFromInt(1)) {
		mid := len(g.Prices) / 2
		dist := index - mid
		if dist < 0 {
			dist = -dist
		}
		scale := decimal.NewFromInt(1)
		for i := 0; i < dist; i++ {
			scale = scale.Mul(g.Params.MartingaleFactor)
		}
		investment = investment.Mul(scale)
	}

	price := g.Prices[index]
	if price.IsZero() {
		return decimal.Zero
	}
	qty := investment.Div(price)
	if g.Params.StepSize.IsPositive() {
		qty = tradingutils.FloorToStep(qty, g.Params.StepSize)
	}
	return qty
}

// NearestIndex returns the grid-line index closest to price.
func NearestIndex(g *core.Grid, price decimal.Decimal) int {
	best := 0
	bestDist := price.Sub(g.Prices[0]).Abs()
	for i := 1; i < len(g.Prices); i++ {
		d := price.Sub(g.Prices[i]).Abs()
		if d.LessThan(bestDist) {
			best = i
			bestDist = d
		}
	}
	return best
}

package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice floors a price to its tick size's decimal precision. Exchanges
// reject orders priced finer than their tick size, and rounding up or to
// nearest can push a buy above, or a sell below, the level the strategy
// intended — so order prices always floor, never round-to-nearest.
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Truncate(int32(priceDecimals))
}

// RoundQuantity floors a quantity to its step size's decimal precision, for
// the same reason RoundPrice floors: rounding up can request more base
// asset than is actually held or allowed by the step size filter.
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Truncate(int32(qtyDecimals))
}

// CalculatePriceLevels generates a sequence of price levels starting from an anchor
func CalculatePriceLevels(anchorPrice, interval decimal.Decimal, count int) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, count)
	for i := 1; i <= count; i++ {
		prices = append(prices, anchorPrice.Add(interval.Mul(decimal.NewFromInt(int64(i)))))
	}
	return prices
}

// FloorToStep floors value down to the nearest multiple of step, the
// general form of Binance's LOT_SIZE/PRICE_FILTER tick-size rule.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Floor()
	return units.Mul(step)
}

// CalculateNetProfit computes profit after trading fees
func CalculateNetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}

package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var knownGridParamKeys = map[string]struct{}{
	"lower_price": {}, "upper_price": {}, "grid_count": {}, "investment_per_grid": {},
	"quote_asset": {}, "base_asset": {}, "price_decimals": {}, "qty_decimals": {},
	"step_size": {}, "tick_size": {}, "min_notional": {}, "stop_loss_price": {},
	"take_profit_price": {}, "max_drawdown_pct": {}, "martingale_factor": {}, "max_open_orders": {},
	"stop_loss_percent": {}, "take_profit_amount": {}, "reserve_ratio": {}, "max_spread_percent": {},
	"max_position_ratio": {}, "max_martin_levels": {}, "trade_cooldown_seconds": {},
	"stale_data_timeout_seconds": {}, "adaptive_mode": {}, "analysis_interval_seconds": {},
}

// ParseGridParameters decodes a BotConfig's loosely typed Parameters map
// into a validated GridParameters, preserving any keys this version of the
// engine doesn't recognize in Extensions so they survive a save/load round
// trip untouched.
func ParseGridParameters(raw map[string]any) (GridParameters, error) {
	p := GridParameters{
		MartingaleFactor: decimal.NewFromInt(1),
		Extensions:       map[string]any{},
	}

	for k, v := range raw {
		if _, known := knownGridParamKeys[k]; !known {
			p.Extensions[k] = v
			continue
		}
	}

	var err error
	if p.LowerPrice, err = decField(raw, "lower_price", true); err != nil {
		return p, err
	}
	if p.UpperPrice, err = decField(raw, "upper_price", true); err != nil {
		return p, err
	}
	if p.InvestmentPerGrid, err = decField(raw, "investment_per_grid", true); err != nil {
		return p, err
	}
	if p.StepSize, err = decField(raw, "step_size", false); err != nil {
		return p, err
	}
	if p.TickSize, err = decField(raw, "tick_size", false); err != nil {
		return p, err
	}
	if p.MinNotional, err = decField(raw, "min_notional", false); err != nil {
		return p, err
	}
	if p.StopLossPrice, err = decField(raw, "stop_loss_price", false); err != nil {
		return p, err
	}
	if p.TakeProfitPrice, err = decField(raw, "take_profit_price", false); err != nil {
		return p, err
	}
	if p.MaxDrawdownPct, err = decField(raw, "max_drawdown_pct", false); err != nil {
		return p, err
	}
	if mf, err := decField(raw, "martingale_factor", false); err == nil && !mf.IsZero() {
		p.MartingaleFactor = mf
	}
	if p.StopLossPercent, err = decField(raw, "stop_loss_percent", false); err != nil {
		return p, err
	}
	if p.TakeProfitAmount, err = decField(raw, "take_profit_amount", false); err != nil {
		return p, err
	}
	if p.ReserveRatio, err = decField(raw, "reserve_ratio", false); err != nil {
		return p, err
	}
	if p.MaxSpreadPercent, err = decField(raw, "max_spread_percent", false); err != nil {
		return p, err
	}
	if p.MaxPositionRatio, err = decField(raw, "max_position_ratio", false); err != nil {
		return p, err
	}

	if gc, ok := raw["grid_count"]; ok {
		n, err := toInt(gc)
		if err != nil {
			return p, fmt.Errorf("grid_count: %w", err)
		}
		p.GridCount = n
	}
	if pd, ok := raw["price_decimals"]; ok {
		n, err := toInt(pd)
		if err != nil {
			return p, fmt.Errorf("price_decimals: %w", err)
		}
		p.PriceDecimals = int32(n)
	}
	if qd, ok := raw["qty_decimals"]; ok {
		n, err := toInt(qd)
		if err != nil {
			return p, fmt.Errorf("qty_decimals: %w", err)
		}
		p.QtyDecimals = int32(n)
	}
	if mo, ok := raw["max_open_orders"]; ok {
		n, err := toInt(mo)
		if err != nil {
			return p, fmt.Errorf("max_open_orders: %w", err)
		}
		p.MaxOpenOrders = n
	} else {
		p.MaxOpenOrders = p.GridCount
	}

	if s, ok := raw["quote_asset"].(string); ok {
		p.QuoteAsset = s
	}
	if s, ok := raw["base_asset"].(string); ok {
		p.BaseAsset = s
	}

	p.MaxMartinLevels = 1
	if ml, ok := raw["max_martin_levels"]; ok {
		n, err := toInt(ml)
		if err != nil {
			return p, fmt.Errorf("max_martin_levels: %w", err)
		}
		p.MaxMartinLevels = n
	}
	if cd, ok := raw["trade_cooldown_seconds"]; ok {
		n, err := toInt(cd)
		if err != nil {
			return p, fmt.Errorf("trade_cooldown_seconds: %w", err)
		}
		p.TradeCooldownSeconds = n
	}
	p.StaleDataTimeoutSeconds = 300
	if sd, ok := raw["stale_data_timeout_seconds"]; ok {
		n, err := toInt(sd)
		if err != nil {
			return p, fmt.Errorf("stale_data_timeout_seconds: %w", err)
		}
		p.StaleDataTimeoutSeconds = n
	}
	p.AnalysisIntervalSeconds = 60
	if ai, ok := raw["analysis_interval_seconds"]; ok {
		n, err := toInt(ai)
		if err != nil {
			return p, fmt.Errorf("analysis_interval_seconds: %w", err)
		}
		p.AnalysisIntervalSeconds = n
	}
	p.AdaptiveMode = true
	if am, ok := raw["adaptive_mode"]; ok {
		b, err := toBool(am)
		if err != nil {
			return p, fmt.Errorf("adaptive_mode: %w", err)
		}
		p.AdaptiveMode = b
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks the invariants a grid must satisfy before a bot starts.
func (p GridParameters) Validate() error {
	if p.GridCount <= 0 {
		return fmt.Errorf("grid_count must be positive")
	}
	if !p.LowerPrice.IsPositive() || !p.UpperPrice.IsPositive() {
		return fmt.Errorf("lower_price and upper_price must be positive")
	}
	if !p.UpperPrice.GreaterThan(p.LowerPrice) {
		return fmt.Errorf("upper_price must be greater than lower_price")
	}
	if !p.InvestmentPerGrid.IsPositive() {
		return fmt.Errorf("investment_per_grid must be positive")
	}
	if p.MaxOpenOrders <= 0 {
		return fmt.Errorf("max_open_orders must be positive")
	}
	return nil
}

func decField(raw map[string]any, key string, required bool) (decimal.Decimal, error) {
	v, ok := raw[key]
	if !ok {
		if required {
			return decimal.Zero, fmt.Errorf("%s is required", key)
		}
		return decimal.Zero, nil
	}
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	default:
		return decimal.Zero, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch t {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		default:
			return false, fmt.Errorf("unsupported bool value %q", t)
		}
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	default:
		return false, fmt.Errorf("unsupported type %T", v)
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		var n int
		_, err := fmt.Sscanf(t, "%d", &n)
		return n, err
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// Package safety provides the bootstrap-time validation checks a grid bot
// must pass before a Supervisor will let it start trading.
package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gridengine/internal/core"
)

// SafetyChecker implements bootstrap safety validation.
type SafetyChecker struct {
	logger core.ILogger
}

// NewSafetyChecker creates a new safety checker.
func NewSafetyChecker(logger core.ILogger) *SafetyChecker {
	return &SafetyChecker{logger: logger}
}

var _ core.ISafetyChecker = (*SafetyChecker)(nil)

// CheckAccountSafety validates that the account backing a bot has enough
// quote-asset balance and that the grid's economics are profitable net of
// fees before any order is placed.
func (s *SafetyChecker) CheckAccountSafety(
	ctx context.Context,
	exchange core.IExchange,
	symbol string,
	currentPrice decimal.Decimal,
	orderAmount decimal.Decimal,
	priceInterval decimal.Decimal,
	feeRate decimal.Decimal,
	requiredPositions int,
	priceDecimals int,
) error {
	s.logger.Info("starting account safety check", "symbol", symbol, "price", currentPrice.String())

	balance, err := exchange.GetBalance(ctx, quoteAssetOf(symbol))
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}

	if balance.Free.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("insufficient account balance: %s", balance.Free)
	}

	maxAllowed := s.calculateMaxPositions(balance.Free, orderAmount)
	if requiredPositions > maxAllowed {
		return fmt.Errorf("required grid lines (%d) exceed maximum affordable (%d) based on available balance",
			requiredPositions, maxAllowed)
	}

	buyPrice := currentPrice
	sellPrice := currentPrice.Add(priceInterval)
	totalFees := buyPrice.Add(sellPrice).Mul(feeRate)
	netProfit := priceInterval.Sub(totalFees)
	if netProfit.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("negative or zero net profit per grid line: %s (interval: %s, fees: %s); increase price interval or reduce fee rate",
			netProfit, priceInterval, totalFees)
	}

	if priceDecimals < 0 || priceDecimals > 8 {
		return fmt.Errorf("invalid price decimals: %d (must be 0-8)", priceDecimals)
	}

	s.logger.Info("account safety check passed",
		"max_affordable_lines", maxAllowed,
		"net_profit_per_line", netProfit.String())
	return nil
}

// calculateMaxPositions bounds how many grid lines the available balance
// can cover, with an 80% safety buffer against slippage and fees.
func (s *SafetyChecker) calculateMaxPositions(availableBalance, orderAmount decimal.Decimal) int {
	if orderAmount.IsZero() {
		return 1
	}
	maxPositions := int(availableBalance.Div(orderAmount).IntPart())
	safe := int(float64(maxPositions) * 0.8)
	if safe < 1 {
		safe = 1
	}
	if safe > 1000 {
		safe = 1000
	}
	return safe
}

// estimateTradingFees estimates total round-trip fees across a session.
func (s *SafetyChecker) estimateTradingFees(orderAmount decimal.Decimal, numPositions int, feeRate float64) decimal.Decimal {
	const tradesPerPosition = 2.0
	total := orderAmount.Mul(decimal.NewFromInt(int64(numPositions))).Mul(decimal.NewFromFloat(tradesPerPosition))
	return total.Mul(decimal.NewFromFloat(feeRate))
}

// ValidateTradingParameters validates a grid's shape before it is persisted.
func (s *SafetyChecker) ValidateTradingParameters(
	symbol string,
	priceInterval decimal.Decimal,
	orderQuantity decimal.Decimal,
	minOrderValue decimal.Decimal,
	gridCount int,
	maxOpenOrders int,
) error {
	if symbol == "" {
		return fmt.Errorf("trading symbol cannot be empty")
	}
	if priceInterval.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("price interval must be positive: %s", priceInterval)
	}
	if orderQuantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order quantity must be positive: %s", orderQuantity)
	}
	if minOrderValue.LessThan(decimal.Zero) {
		return fmt.Errorf("minimum order value cannot be negative: %s", minOrderValue)
	}
	if gridCount <= 0 || gridCount > 200 {
		return fmt.Errorf("grid count must be between 1 and 200: %d", gridCount)
	}
	if maxOpenOrders <= 0 || maxOpenOrders > 200 {
		return fmt.Errorf("max open orders must be between 1 and 200: %d", maxOpenOrders)
	}
	if maxOpenOrders > gridCount {
		s.logger.Warn("max open orders exceeds grid count, excess has no effect",
			"max_open_orders", maxOpenOrders, "grid_count", gridCount)
	}
	return nil
}

// CheckExchangeConnectivity performs a minimal read-path probe before a bot
// is allowed to go live.
func (s *SafetyChecker) CheckExchangeConnectivity(ctx context.Context, exchange core.IExchange, symbol string) error {
	s.logger.Info("checking exchange connectivity", "exchange", exchange.GetName())

	if err := exchange.CheckHealth(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	price, err := exchange.GetLatestPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("price access failed: %w", err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("invalid price received: %s", price)
	}

	if _, err := exchange.GetOpenOrders(ctx, symbol); err != nil {
		s.logger.Warn("open orders access failed (may be normal)", "error", err.Error())
	}

	s.logger.Info("exchange connectivity check passed", "exchange", exchange.GetName(), "price", price.String())
	return nil
}

// quoteAssetOf returns the quote asset for a Binance-style "BASEQUOTE"
// symbol when no explicit split is available; callers that already know
// the quote asset should prefer GridParameters.QuoteAsset instead.
func quoteAssetOf(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
			return quote
		}
	}
	return "USDT"
}

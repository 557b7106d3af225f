// Package risk implements the per-bot circuit breaker that halts new order
// placement after consecutive losses or a drawdown breach.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gridengine/internal/core"
	"gridengine/pkg/telemetry"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
)

// CircuitConfig bounds the conditions that trip a breaker.
type CircuitConfig struct {
	MaxConsecutiveLosses int
	MaxDrawdownAmount    decimal.Decimal
	CooldownPeriod       time.Duration
}

// DefaultCircuitConfig matches the spec's conservative per-bot defaults: five
// consecutive losing round trips or a five-minute cooldown before retrying.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		MaxConsecutiveLosses: 5,
		MaxDrawdownAmount:    decimal.Zero,
		CooldownPeriod:       5 * time.Minute,
	}
}

// CircuitBreaker implements core.ICircuitBreaker for a single bot.
type CircuitBreaker struct {
	mu                sync.RWMutex
	symbol            string
	state             circuitState
	config            CircuitConfig
	consecutiveLosses int
	totalPnL          decimal.Decimal
	lastTripped       time.Time
	reason            string
}

// NewCircuitBreaker builds a breaker tripped by config's thresholds.
func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{state: circuitClosed, config: config}
}

var _ core.ICircuitBreaker = (*CircuitBreaker)(nil)

func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}
	cb.totalPnL = cb.totalPnL.Add(pnl)
	cb.checkThresholds()
}

func (cb *CircuitBreaker) checkThresholds() {
	if cb.state == circuitOpen {
		return
	}
	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.trip("max consecutive losses reached")
		return
	}
	if cb.config.MaxDrawdownAmount.IsPositive() && cb.totalPnL.LessThan(cb.config.MaxDrawdownAmount.Neg()) {
		cb.trip("max drawdown amount reached")
	}
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.state = circuitOpen
	cb.lastTripped = time.Now()
	cb.reason = reason
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.symbol, true)
}

func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitOpen {
		if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.state = circuitClosed
			cb.consecutiveLosses = 0
			cb.totalPnL = decimal.Zero
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.symbol, false)
			return false
		}
		return true
	}
	return false
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = circuitClosed
	cb.consecutiveLosses = 0
	cb.totalPnL = decimal.Zero
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.symbol, false)
}

// Open manually trips the circuit, e.g. from an emergency exit.
func (cb *CircuitBreaker) Open(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(reason)
}

func (cb *CircuitBreaker) Status() core.CircuitStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return core.CircuitStatus{
		Tripped:           cb.state == circuitOpen,
		ConsecutiveLosses: cb.consecutiveLosses,
		TotalPnL:          cb.totalPnL,
		LastTrippedAt:     cb.lastTripped,
		Reason:            cb.reason,
	}
}

// Package ratelimit implements the per-credential dual token-bucket limiter
// gating request weight and order-placement rate, with calibration from the
// exchange's authoritative usage headers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"gridengine/internal/core"
	"gridengine/pkg/telemetry"
)

// warningRatio and circuitRatio are the spec's two derived usage gauges:
// callers should self-throttle non-critical work at the warning ratio, and
// the strategy must skip non-essential buys once the circuit ratio is hit.
const (
	warningRatio = 0.80
	circuitRatio = 0.95
)

// Config bounds one credential's token buckets.
type Config struct {
	WeightCapacity int // default 5000, refilled WeightCapacity/60 per second
	OrderCapacity  int // default 80, refilled OrderCapacity/10 per second
}

// DefaultConfig matches Binance's documented spot-account limits.
func DefaultConfig() Config {
	return Config{WeightCapacity: 5000, OrderCapacity: 80}
}

// Limiter implements core.IRateLimiter for one API credential.
type Limiter struct {
	weight *rate.Limiter
	order  *rate.Limiter

	weightCapacity int
	orderCapacity  int

	mu               sync.Mutex
	weightUsed       int
	orderUsed        int
	manualTrip       atomic.Bool
	manualTripReason string

	credentialID string
	logger       core.ILogger

	waitHist metric.Float64Histogram
}

// New builds a Limiter for the given credential, used to label metrics and
// log lines so a multi-tenant process can tell whose bucket is draining.
func New(credentialID string, cfg Config, logger core.ILogger) *Limiter {
	meter := telemetry.GetMeter("ratelimit")
	hist, _ := meter.Float64Histogram("gridengine_ratelimit_wait_seconds",
		metric.WithDescription("Time spent waiting for rate limiter tokens"))

	return &Limiter{
		weight:         rate.NewLimiter(rate.Limit(float64(cfg.WeightCapacity)/60.0), cfg.WeightCapacity),
		order:          rate.NewLimiter(rate.Limit(float64(cfg.OrderCapacity)/10.0), cfg.OrderCapacity),
		weightCapacity: cfg.WeightCapacity,
		orderCapacity:  cfg.OrderCapacity,
		credentialID:   credentialID,
		logger:         logger.WithField("component", "ratelimit").WithField("credential_id", credentialID),
		waitHist:       hist,
	}
}

var _ core.IRateLimiter = (*Limiter)(nil)

// AcquireWeight blocks cooperatively until n weight tokens are available.
// It fails when ctx is cancelled while waiting, and also fails at once,
// without waiting, when n exceeds the bucket's burst or when ctx has a
// deadline earlier than the tokens would become available.
func (l *Limiter) AcquireWeight(ctx context.Context, n int) error {
	start := time.Now()
	err := l.weight.WaitN(ctx, n)
	l.recordWait(ctx, start, "weight")
	if err != nil {
		return fmt.Errorf("acquire weight: %w", err)
	}
	return nil
}

// AcquireOrder blocks cooperatively until one order-placement slot is free.
func (l *Limiter) AcquireOrder(ctx context.Context) error {
	start := time.Now()
	err := l.order.Wait(ctx)
	l.recordWait(ctx, start, "order")
	if err != nil {
		return fmt.Errorf("acquire order slot: %w", err)
	}
	return nil
}

func (l *Limiter) recordWait(ctx context.Context, start time.Time, bucket string) {
	if l.waitHist == nil {
		return
	}
	l.waitHist.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("bucket", bucket), attribute.String("credential_id", l.credentialID)))
}

// Calibrate clamps the tracked usage to the exchange's authoritative
// used-weight/used-order counts whenever a response header reports them,
// draining the underlying buckets so the next Acquire reflects reality
// instead of drifting from locally estimated consumption. Either argument
// may be -1, meaning that bucket's header was absent from this response and
// its previously calibrated value must be left untouched: a spot response
// carries order-count headers but a futures one may not (and vice versa),
// so one bucket's absence must never clobber the other's last known state.
func (l *Limiter) Calibrate(usedWeight, usedOrders int, window time.Duration) {
	l.mu.Lock()
	deltaWeight, deltaOrders := 0, 0
	if usedWeight >= 0 {
		deltaWeight = usedWeight - l.weightUsed
		l.weightUsed = usedWeight
	}
	if usedOrders >= 0 {
		deltaOrders = usedOrders - l.orderUsed
		l.orderUsed = usedOrders
	}
	l.mu.Unlock()

	now := time.Now()
	if deltaWeight > 0 {
		l.weight.ReserveN(now, deltaWeight)
	}
	if deltaOrders > 0 {
		l.order.ReserveN(now, deltaOrders)
	}

	if l.WeightUsageRatio() >= warningRatio || l.OrderUsageRatio() >= warningRatio {
		l.logger.Warn("rate limiter usage in warning zone",
			"weight_ratio", l.WeightUsageRatio(), "order_ratio", l.OrderUsageRatio())
	}
}

// WeightUsageRatio returns the last-calibrated weight usage as a fraction
// of capacity. The ratio is not clamped: it exceeds 1 when the reported
// usage exceeds capacity.
func (l *Limiter) WeightUsageRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.weightCapacity == 0 {
		return 0
	}
	return float64(l.weightUsed) / float64(l.weightCapacity)
}

// OrderUsageRatio returns the last-calibrated order-bucket usage as a
// fraction of capacity. The ratio is not clamped: it exceeds 1 when the
// reported usage exceeds capacity.
func (l *Limiter) OrderUsageRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.orderCapacity == 0 {
		return 0
	}
	return float64(l.orderUsed) / float64(l.orderCapacity)
}

// TripCircuit manually forces the circuit open, e.g. after the exchange
// itself returns a rate-limit-exceeded error despite local bookkeeping.
func (l *Limiter) TripCircuit(reason string) {
	l.manualTrip.Store(true)
	l.mu.Lock()
	l.manualTripReason = reason
	l.mu.Unlock()
	l.logger.Warn("rate limiter circuit tripped", "reason", reason)
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("ratelimit:"+l.credentialID, true)
}

// CircuitOpen reports whether new non-essential order placement should be
// skipped: either a manual trip is in effect, or calibrated usage has
// crossed the circuit-breaker ratio.
func (l *Limiter) CircuitOpen() bool {
	if l.manualTrip.Load() {
		return true
	}
	return l.WeightUsageRatio() >= circuitRatio || l.OrderUsageRatio() >= circuitRatio
}

// Package aggregator implements the reference-counted stream fan-out that
// lets many bots share one underlying exchange connection per (symbol,
// testnet) pair or per API key, instead of each bot opening its own socket.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/core"
	"gridengine/pkg/concurrency"
)

// priceSubBuffer and updateSubBuffer bound how many events a slow
// subscriber can fall behind before the aggregator starts dropping its
// events rather than letting it stall the shared dispatch loop.
const (
	priceSubBuffer  = 256
	updateSubBuffer = 64
)

// MarketClientFactory builds (or looks up) an exchange client capable of
// streaming public market data for symbol on the given network.
type MarketClientFactory func(symbol string, testnet bool) (core.IExchange, error)

// UserClientFactory builds (or looks up) a credentialed exchange client
// for the given API key, capable of streaming that account's user data.
type UserClientFactory func(apiKeyID string) (core.IExchange, error)

type marketKey struct {
	symbol  string
	testnet bool
}

type priceEvent struct {
	price decimal.Decimal
	at    time.Time
}

type priceSubscriber struct {
	id int
	ch chan priceEvent
	cb func(decimal.Decimal, time.Time)
}

type marketGroup struct {
	mu     sync.RWMutex
	subs   map[int]*priceSubscriber
	nextID int
	client core.IExchange
	cancel context.CancelFunc
}

type orderSubscriber struct {
	id int
	ch chan core.OrderUpdate
	cb func(core.OrderUpdate)
}

type userGroup struct {
	mu     sync.RWMutex
	subs   map[int]*orderSubscriber
	nextID int
	client core.IExchange
	cancel context.CancelFunc
}

// Aggregator implements core.IStreamAggregator.
type Aggregator struct {
	mu            sync.Mutex
	marketGroups  map[marketKey]*marketGroup
	userGroups    map[string]*userGroup
	marketFactory MarketClientFactory
	userFactory   UserClientFactory
	logger        core.ILogger
	pool          *concurrency.WorkerPool
}

// New builds an Aggregator. pool services the per-subscriber dispatch
// loops, which are long-lived for as long as the subscription is open, so
// pool's MaxWorkers should be sized for the expected subscriber count.
func New(marketFactory MarketClientFactory, userFactory UserClientFactory, pool *concurrency.WorkerPool, logger core.ILogger) *Aggregator {
	return &Aggregator{
		marketGroups:  make(map[marketKey]*marketGroup),
		userGroups:    make(map[string]*userGroup),
		marketFactory: marketFactory,
		userFactory:   userFactory,
		pool:          pool,
		logger:        logger.WithField("component", "aggregator"),
	}
}

var _ core.IStreamAggregator = (*Aggregator)(nil)

// SubscribeMarket registers onPrice against (symbol, testnet), opening the
// underlying stream on the first subscriber and reusing it for every
// subsequent one.
func (a *Aggregator) SubscribeMarket(ctx context.Context, symbol string, testnet bool, onPrice func(decimal.Decimal, time.Time)) (func(), error) {
	key := marketKey{symbol: symbol, testnet: testnet}

	a.mu.Lock()
	group, exists := a.marketGroups[key]
	if !exists {
		client, err := a.marketFactory(symbol, testnet)
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("build market client for %s: %w", symbol, err)
		}
		groupCtx, cancel := context.WithCancel(context.Background())
		group = &marketGroup{subs: make(map[int]*priceSubscriber), client: client, cancel: cancel}
		a.marketGroups[key] = group
		a.mu.Unlock()

		if err := client.StartTradeStream(groupCtx, symbol, func(price decimal.Decimal, at time.Time) {
			a.dispatchPrice(group, price, at)
		}); err != nil {
			cancel()
			a.mu.Lock()
			delete(a.marketGroups, key)
			a.mu.Unlock()
			return nil, fmt.Errorf("start trade stream for %s: %w", symbol, err)
		}
	} else {
		a.mu.Unlock()
	}

	sub := &priceSubscriber{ch: make(chan priceEvent, priceSubBuffer), cb: onPrice}
	group.mu.Lock()
	sub.id = group.nextID
	group.nextID++
	group.subs[sub.id] = sub
	group.mu.Unlock()

	a.runPool(func() { a.drainPrice(sub) })

	return func() { a.unsubscribeMarket(key, group, sub.id) }, nil
}

// SubscribeUserData registers onUpdate against apiKeyID, opening the
// underlying user-data stream on the first subscriber.
func (a *Aggregator) SubscribeUserData(ctx context.Context, apiKeyID string, onUpdate func(core.OrderUpdate)) (func(), error) {
	a.mu.Lock()
	group, exists := a.userGroups[apiKeyID]
	if !exists {
		client, err := a.userFactory(apiKeyID)
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("build user client for %s: %w", apiKeyID, err)
		}
		groupCtx, cancel := context.WithCancel(context.Background())
		group = &userGroup{subs: make(map[int]*orderSubscriber), client: client, cancel: cancel}
		a.userGroups[apiKeyID] = group
		a.mu.Unlock()

		if err := client.StartUserStream(groupCtx, func(update core.OrderUpdate) {
			a.dispatchUpdate(group, update)
		}); err != nil {
			cancel()
			a.mu.Lock()
			delete(a.userGroups, apiKeyID)
			a.mu.Unlock()
			return nil, fmt.Errorf("start user stream for %s: %w", apiKeyID, err)
		}
	} else {
		a.mu.Unlock()
	}

	sub := &orderSubscriber{ch: make(chan core.OrderUpdate, updateSubBuffer), cb: onUpdate}
	group.mu.Lock()
	sub.id = group.nextID
	group.nextID++
	group.subs[sub.id] = sub
	group.mu.Unlock()

	a.runPool(func() { a.drainUpdate(sub) })

	return func() { a.unsubscribeUserData(apiKeyID, group, sub.id) }, nil
}

// poolBacklogWarnThreshold is the queued-task count past which runPool logs
// before submitting, so a growing backlog is visible well before the pool
// actually saturates and spills to bare goroutines.
const poolBacklogWarnThreshold = 50

func (a *Aggregator) runPool(task func()) {
	if a.pool == nil {
		go task()
		return
	}
	if backlog := a.pool.Backlog(); backlog >= poolBacklogWarnThreshold {
		a.logger.Warn("aggregator worker pool backlog growing", "backlog", backlog)
	}
	if err := a.pool.Submit(task); err != nil {
		// Pool saturated: fall back to a bare goroutine rather than drop
		// the subscriber silently.
		a.logger.Warn("aggregator worker pool saturated, falling back to bare goroutine", "error", err)
		go task()
	}
}

// dispatchPrice fans a price tick out to every current subscriber of
// group without letting a slow one block the others: a full subscriber
// channel drops the event and logs, rather than waiting.
func (a *Aggregator) dispatchPrice(group *marketGroup, price decimal.Decimal, at time.Time) {
	group.mu.RLock()
	subs := make([]*priceSubscriber, 0, len(group.subs))
	for _, s := range group.subs {
		subs = append(subs, s)
	}
	group.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- priceEvent{price: price, at: at}:
		default:
			a.logger.Warn("dropping price event, subscriber too slow", "subscriber_id", s.id)
		}
	}
}

func (a *Aggregator) dispatchUpdate(group *userGroup, update core.OrderUpdate) {
	group.mu.RLock()
	subs := make([]*orderSubscriber, 0, len(group.subs))
	for _, s := range group.subs {
		subs = append(subs, s)
	}
	group.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- update:
		default:
			a.logger.Warn("dropping order update, subscriber too slow", "subscriber_id", s.id)
		}
	}
}

func (a *Aggregator) drainPrice(s *priceSubscriber) {
	for ev := range s.ch {
		a.invokeSafely(func() { s.cb(ev.price, ev.at) })
	}
}

func (a *Aggregator) drainUpdate(s *orderSubscriber) {
	for update := range s.ch {
		a.invokeSafely(func() { s.cb(update) })
	}
}

// invokeSafely runs a subscriber callback, logging (not propagating) a
// panic so one misbehaving callback never takes down the dispatch loop.
func (a *Aggregator) invokeSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("stream subscriber callback panicked", "panic", r)
		}
	}()
	fn()
}

func (a *Aggregator) unsubscribeMarket(key marketKey, group *marketGroup, subID int) {
	group.mu.Lock()
	delete(group.subs, subID)
	empty := len(group.subs) == 0
	group.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !empty {
		return
	}
	if current, ok := a.marketGroups[key]; ok && current == group {
		delete(a.marketGroups, key)
		group.cancel()
		_ = group.client.StopStreams()
	}
}

func (a *Aggregator) unsubscribeUserData(apiKeyID string, group *userGroup, subID int) {
	group.mu.Lock()
	delete(group.subs, subID)
	empty := len(group.subs) == 0
	group.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !empty {
		return
	}
	if current, ok := a.userGroups[apiKeyID]; ok && current == group {
		delete(a.userGroups, apiKeyID)
		group.cancel()
		_ = group.client.StopStreams()
	}
}

// Package eventbus implements the in-process channel bus the engine uses
// for its two fixed channel contracts: a global kill switch and per-user
// trade-event notifications. There is no pack dependency for an external
// broker client (no repo in the retrieval corpus imports a Redis, NATS, or
// Kafka client), so this is a deliberate standard-library implementation;
// see DESIGN.md.
package eventbus

import (
	"context"
	"sync"

	"gridengine/internal/core"
)

// Channel name constants matching the bus's fixed contracts.
const (
	KillSwitchChannel  = "global:kill_switch"
	TradeEventsChannel = "user:trade_events"
)

const subscriberBuffer = 64

type subscriber struct {
	id int
	ch chan []byte
}

// Bus implements core.IEventBus as an in-process, fan-out publish/
// subscribe registry keyed by channel name.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]*subscriber
	nextID      int
	logger      core.ILogger
}

// New builds an empty Bus.
func New(logger core.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[string]map[int]*subscriber),
		logger:      logger.WithField("component", "eventbus"),
	}
}

var _ core.IEventBus = (*Bus)(nil)

// Publish fans payload out to every current subscriber of channel. A
// subscriber whose buffer is full has the event dropped for it rather than
// blocking the publisher, matching the bus's fire-and-forget contract.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[channel]))
	for _, s := range b.subscribers[channel] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			b.logger.Warn("dropping event, subscriber too slow", "channel", channel, "subscriber_id", s.id)
		}
	}
	return nil
}

// Subscribe registers a new listener on channel and returns its delivery
// channel plus an unsubscribe function. The returned channel is closed by
// unsubscribe.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[int]*subscriber)
	}
	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, ch: make(chan []byte, subscriberBuffer)}
	b.subscribers[channel][id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if group, ok := b.subscribers[channel]; ok {
			if s, ok := group[id]; ok {
				delete(group, id)
				close(s.ch)
			}
		}
	}
	return sub.ch, unsubscribe, nil
}

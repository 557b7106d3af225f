// Package proxypool implements a least-loaded egress proxy scheduler,
// supplementing the distillation with the original engine's proxy
// scheduler (not present in spec.md's core, but named as a Supervisor
// collaborator in spec.md §6).
package proxypool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"gridengine/internal/core"
)

// Pool implements core.IProxyPool by handing out the proxy with the
// fewest currently-leased bots, breaking ties randomly so load doesn't
// pile onto whichever proxy sorts first.
type Pool struct {
	mu     sync.Mutex
	load   map[string]int
	logger core.ILogger
}

// New builds a Pool seeded with the given proxy addresses (e.g. parsed
// from a comma-separated BINANCE_PROXY_POOL-style environment value). An
// empty list is valid: Lease then always returns an empty address,
// meaning "use the default egress."
func New(addrs []string, logger core.ILogger) *Pool {
	p := &Pool{load: make(map[string]int), logger: logger.WithField("component", "proxypool")}
	for _, a := range addrs {
		if a != "" {
			p.load[a] = 0
		}
	}
	return p
}

var _ core.IProxyPool = (*Pool)(nil)

// Add registers a new proxy node at runtime.
func (p *Pool) Add(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.load[addr]; !ok {
		p.load[addr] = 0
		p.logger.Info("proxy node added", "addr", addr)
	}
}

// Lease returns the least-loaded proxy address and a release function
// that decrements its load count. If the pool is empty, Lease returns an
// empty address and a no-op release, meaning "route directly."
func (p *Pool) Lease(ctx context.Context) (string, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.load) == 0 {
		return "", func() {}, nil
	}

	minLoad := -1
	var candidates []string
	for addr, count := range p.load {
		switch {
		case minLoad == -1 || count < minLoad:
			minLoad = count
			candidates = []string{addr}
		case count == minLoad:
			candidates = append(candidates, addr)
		}
	}

	chosen := candidates[rand.Intn(len(candidates))]
	p.load[chosen]++
	p.logger.Info("proxy leased", "addr", chosen, "load", p.load[chosen])

	released := false
	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if released {
			return
		}
		released = true
		if p.load[chosen] > 0 {
			p.load[chosen]--
		}
	}
	return chosen, release, nil
}

// TotalCapacity reports the number of distinct proxy nodes in the pool.
func (p *Pool) TotalCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.load)
}

// LoadSnapshot returns a copy of the current per-proxy lease counts, for
// diagnostics.
func (p *Pool) LoadSnapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.load))
	for k, v := range p.load {
		out[k] = v
	}
	return out
}

func (p *Pool) String() string {
	return fmt.Sprintf("proxypool(%d nodes)", p.TotalCapacity())
}

package grid

import (
	"sync"

	"gridengine/internal/core"
)

// OrderBook holds one bot's live grid order state. The book's own mutex is
// held only inside OrderBook's methods and never across blocking work:
// TryLock consults the lock map under it without blocking on a line lock,
// and callers that hold a line's creation lock across an exchange call may
// still call Get, Set and Clear, which take the book mutex briefly.
type OrderBook struct {
	mu     sync.Mutex
	orders map[int]*core.GridOrder
	locks  map[int]*sync.Mutex // per grid-line creation locks, keyed by GridIndex
}

// NewOrderBook creates an empty order book for a grid with lineCount lines.
func NewOrderBook(lineCount int) *OrderBook {
	ob := &OrderBook{
		orders: make(map[int]*core.GridOrder, lineCount),
		locks:  make(map[int]*sync.Mutex, lineCount),
	}
	for i := 0; i < lineCount; i++ {
		ob.locks[i] = &sync.Mutex{}
	}
	return ob
}

// TryLock attempts to acquire the creation lock for a grid line, returning
// false immediately if another goroutine already holds it — this is what
// prevents two concurrent ticks from racing to place two orders on the
// same line.
func (ob *OrderBook) TryLock(index int) (unlock func(), ok bool) {
	ob.mu.Lock()
	l, exists := ob.locks[index]
	ob.mu.Unlock()
	if !exists {
		return nil, false
	}
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// Get returns a copy of the order resting at index, if any.
func (ob *OrderBook) Get(index int) (core.GridOrder, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	o, ok := ob.orders[index]
	if !ok {
		return core.GridOrder{}, false
	}
	return *o, true
}

// Set records the order resting at index, replacing any prior entry.
func (ob *OrderBook) Set(index int, order core.GridOrder) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	o := order
	ob.orders[index] = &o
}

// Clear removes the order at index (after a cancel or a completed round trip).
func (ob *OrderBook) Clear(index int) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	delete(ob.orders, index)
}

// All returns a snapshot of every resting order, keyed by grid index.
func (ob *OrderBook) All() map[int]core.GridOrder {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	out := make(map[int]core.GridOrder, len(ob.orders))
	for i, o := range ob.orders {
		out[i] = *o
	}
	return out
}

// CountByState returns how many lines are currently in the given state —
// used to enforce the open-order ceiling gate before placing a new order.
func (ob *OrderBook) CountByState(state core.OrderState) int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	n := 0
	for _, o := range ob.orders {
		if o.State == state {
			n++
		}
	}
	return n
}

// FindByOrderID locates the grid line an exchange order ID belongs to.
func (ob *OrderBook) FindByOrderID(orderID int64) (int, core.GridOrder, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for idx, o := range ob.orders {
		if o.ExchangeOrderID == orderID {
			return idx, *o, true
		}
	}
	return 0, core.GridOrder{}, false
}

// FindByClientOrderID locates the grid line a client order ID belongs to.
func (ob *OrderBook) FindByClientOrderID(clientID string) (int, core.GridOrder, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for idx, o := range ob.orders {
		if o.ClientOrderID == clientID {
			return idx, *o, true
		}
	}
	return 0, core.GridOrder{}, false
}

package grid

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gridengine/internal/core"
)

func TestOrderBook_TryLockPreventsDoubleLock(t *testing.T) {
	ob := NewOrderBook(5)

	unlock, ok := ob.TryLock(2)
	require.True(t, ok)
	defer unlock()

	_, ok2 := ob.TryLock(2)
	assert.False(t, ok2, "a second concurrent lock attempt on the same line must fail")
}

func TestOrderBook_TryLockUnknownIndex(t *testing.T) {
	ob := NewOrderBook(3)
	_, ok := ob.TryLock(99)
	assert.False(t, ok)
}

func TestOrderBook_ConcurrentTryLockOnlyOneWins(t *testing.T) {
	ob := NewOrderBook(1)
	var wins int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			unlock, ok := ob.TryLock(0)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
			wg.Done()
			if ok {
				<-release // hold the lock until every goroutine has tried
				unlock()
			}
		}()
	}
	wg.Wait()
	close(release)
	assert.Equal(t, int32(1), wins, "exactly one goroutine must win the lock")
}

func TestOrderBook_SetGetClear(t *testing.T) {
	ob := NewOrderBook(3)

	_, has := ob.Get(1)
	assert.False(t, has)

	ob.Set(1, core.GridOrder{GridIndex: 1, State: core.OrderStatePending})
	order, has := ob.Get(1)
	require.True(t, has)
	assert.Equal(t, core.OrderStatePending, order.State)

	ob.Clear(1)
	_, has = ob.Get(1)
	assert.False(t, has)
}

func TestOrderBook_CountByState(t *testing.T) {
	ob := NewOrderBook(5)
	ob.Set(0, core.GridOrder{State: core.OrderStatePending})
	ob.Set(1, core.GridOrder{State: core.OrderStatePending})
	ob.Set(2, core.GridOrder{State: core.OrderStateFilled})

	assert.Equal(t, 2, ob.CountByState(core.OrderStatePending))
	assert.Equal(t, 1, ob.CountByState(core.OrderStateFilled))
	assert.Equal(t, 0, ob.CountByState(core.OrderStateEmpty))
}

func TestOrderBook_FindByClientOrderID(t *testing.T) {
	ob := NewOrderBook(3)
	ob.Set(2, core.GridOrder{GridIndex: 2, ClientOrderID: "abc-123"})

	idx, order, found := ob.FindByClientOrderID("abc-123")
	require.True(t, found)
	assert.Equal(t, 2, idx)
	assert.Equal(t, "abc-123", order.ClientOrderID)

	_, _, found = ob.FindByClientOrderID("missing")
	assert.False(t, found)
}

func TestOrderBook_FindByOrderID(t *testing.T) {
	ob := NewOrderBook(3)
	ob.Set(0, core.GridOrder{GridIndex: 0, ExchangeOrderID: 555})

	idx, _, found := ob.FindByOrderID(555)
	require.True(t, found)
	assert.Equal(t, 0, idx)
}

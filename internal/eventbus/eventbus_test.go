package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/core"
)

type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...interface{})               {}
func (n *noopLogger) Info(msg string, fields ...interface{})                {}
func (n *noopLogger) Warn(msg string, fields ...interface{})                {}
func (n *noopLogger) Error(msg string, fields ...interface{})               {}
func (n *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (n *noopLogger) WithField(key string, value interface{}) core.ILogger  { return n }
func (n *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	b := New(&noopLogger{})
	ch1, unsub1, err := b.Subscribe(context.Background(), KillSwitchChannel)
	require.NoError(t, err)
	defer unsub1()
	ch2, unsub2, err := b.Subscribe(context.Background(), KillSwitchChannel)
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, b.Publish(context.Background(), KillSwitchChannel, []byte("HALT_ALL")))

	select {
	case msg := <-ch1:
		assert.Equal(t, "HALT_ALL", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ch1")
	}
	select {
	case msg := <-ch2:
		assert.Equal(t, "HALT_ALL", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ch2")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New(&noopLogger{})
	ch, unsub, err := b.Subscribe(context.Background(), TradeEventsChannel)
	require.NoError(t, err)

	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBus_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := New(&noopLogger{})
	_, unsub, err := b.Subscribe(context.Background(), TradeEventsChannel)
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.Publish(context.Background(), TradeEventsChannel, []byte("x")))
	}
	// No deadlock/panic means the publisher never blocked on the full buffer.
}

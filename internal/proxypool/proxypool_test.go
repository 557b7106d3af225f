package proxypool

import (
	"context"
	"testing"

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

func TestPool_EmptyPoolLeasesEmptyAddress(t *testing.T) {
	p := New(nil, &noopLogger{})
	addr, release, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.Empty(t, addr)
	release()
}

func TestPool_LeaseBalancesLoadAcrossNodes(t *testing.T) {
	p := New([]string{"proxy-a", "proxy-b"}, &noopLogger{})

	addr1, _, err := p.Lease(context.Background())
	require.NoError(t, err)
	addr2, _, err := p.Lease(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, addr1, addr2, "second lease must go to the least-loaded (untouched) node")
}

func TestPool_ReleaseFreesLoadForNextLease(t *testing.T) {
	p := New([]string{"proxy-a"}, &noopLogger{})

	addr, release, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.LoadSnapshot()[addr])

	release()
	assert.Equal(t, 0, p.LoadSnapshot()[addr])

	release() // idempotent: double-release must not go negative
	assert.Equal(t, 0, p.LoadSnapshot()[addr])
}

func TestPool_TotalCapacityReflectsAddedNodes(t *testing.T) {
	p := New([]string{"proxy-a"}, &noopLogger{})
	assert.Equal(t, 1, p.TotalCapacity())
	p.Add("proxy-b")
	assert.Equal(t, 2, p.TotalCapacity())
}

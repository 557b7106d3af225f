package credstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
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

func randomMasterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestStore_SealThenDecryptRoundTrips(t *testing.T) {
	store, err := New(randomMasterKey(t), &noopLogger{})
	require.NoError(t, err)

	_, err = store.Seal("key-1", "AKIA-EXAMPLE", "super-secret-value")
	require.NoError(t, err)

	apiKey, apiSecret, err := store.Decrypt(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "AKIA-EXAMPLE", apiKey)
	assert.Equal(t, "super-secret-value", apiSecret)
}

func TestStore_DecryptUnknownKeyErrors(t *testing.T) {
	store, err := New(randomMasterKey(t), &noopLogger{})
	require.NoError(t, err)

	_, _, err = store.Decrypt(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStore_WrongMasterKeyFailsToDecrypt(t *testing.T) {
	store, err := New(randomMasterKey(t), &noopLogger{})
	require.NoError(t, err)
	rec, err := store.Seal("key-1", "AKIA-EXAMPLE", "super-secret-value")
	require.NoError(t, err)

	other, err := New(randomMasterKey(t), &noopLogger{})
	require.NoError(t, err)
	other.Load(rec)

	_, _, err = other.Decrypt(context.Background(), "key-1")
	assert.Error(t, err)
}

func TestNew_RejectsWrongKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"), &noopLogger{})
	assert.Error(t, err)
}

func TestMasterKeyFromBase64_RoundTrips(t *testing.T) {
	key := randomMasterKey(t)
	encoded := base64.StdEncoding.EncodeToString(key)
	decoded, err := MasterKeyFromBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

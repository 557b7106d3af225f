// Package credstore implements envelope-encrypted API credential storage:
// a master key decrypts the data-encryption key (DEK) generated for each
// credential record, and that DEK decrypts the record's API key and
// secret. A DEK is not shared across a user's records. No envelope-encryption or KMS
// client library appears anywhere in the retrieval corpus, so this uses
// the standard library's crypto/aes and crypto/cipher directly; see
// DESIGN.md for the justification.
package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"gridengine/internal/core"
)

// EncryptedRecord is one credential's on-disk/on-row representation: a
// DEK wrapped by the master key, and the API key/secret wrapped by the
// DEK. Nonces are stored alongside each ciphertext.
type EncryptedRecord struct {
	APIKeyID        string
	WrappedDEK      []byte
	DEKNonce        []byte
	APIKeyCipher    []byte
	APIKeyNonce     []byte
	APISecretCipher []byte
	APISecretNonce  []byte
}

// Store implements core.ICredentialStore over an in-memory record map
// keyed by apiKeyID, loaded at startup from the relational store's
// api_keys table (loading itself is the caller's responsibility — Store
// only holds the decrypt path).
type Store struct {
	mu        sync.RWMutex
	masterKey []byte // 32 bytes, AES-256
	records   map[string]EncryptedRecord
	logger    core.ILogger
}

// New builds a Store keyed by a 32-byte master key (as spec.md's
// environment-inputs section describes: "master encryption key, 32-byte
// base64").
func New(masterKey []byte, logger core.ILogger) (*Store, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	return &Store{
		masterKey: masterKey,
		records:   make(map[string]EncryptedRecord),
		logger:    logger.WithField("component", "credstore"),
	}, nil
}

var _ core.ICredentialStore = (*Store)(nil)

// MasterKeyFromBase64 decodes the base64-encoded master key spec.md's
// environment-inputs section describes.
func MasterKeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return key, nil
}

// Load registers a record, e.g. after reading it from the relational
// store, so Decrypt can later serve it.
func (s *Store) Load(rec EncryptedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.APIKeyID] = rec
}

// Forget drops a cached record, e.g. when a bot's credentials are rotated
// or the bot is deleted.
func (s *Store) Forget(apiKeyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, apiKeyID)
}

// Seal produces a fresh EncryptedRecord for apiKey/apiSecret under a
// freshly generated DEK, itself wrapped by the store's master key. Seal
// is the write-side counterpart to Decrypt, used when a bot's credentials
// are first saved or rotated.
func (s *Store) Seal(apiKeyID, apiKey, apiSecret string) (EncryptedRecord, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return EncryptedRecord{}, fmt.Errorf("generate dek: %w", err)
	}

	wrappedDEK, dekNonce, err := seal(s.masterKey, dek)
	if err != nil {
		return EncryptedRecord{}, fmt.Errorf("wrap dek: %w", err)
	}
	keyCipher, keyNonce, err := seal(dek, []byte(apiKey))
	if err != nil {
		return EncryptedRecord{}, fmt.Errorf("seal api key: %w", err)
	}
	secretCipher, secretNonce, err := seal(dek, []byte(apiSecret))
	if err != nil {
		return EncryptedRecord{}, fmt.Errorf("seal api secret: %w", err)
	}

	rec := EncryptedRecord{
		APIKeyID:        apiKeyID,
		WrappedDEK:      wrappedDEK,
		DEKNonce:        dekNonce,
		APIKeyCipher:    keyCipher,
		APIKeyNonce:     keyNonce,
		APISecretCipher: secretCipher,
		APISecretNonce:  secretNonce,
	}
	s.Load(rec)
	return rec, nil
}

// Decrypt implements core.ICredentialStore: master key unwraps the DEK,
// DEK decrypts the API key and secret.
func (s *Store) Decrypt(ctx context.Context, apiKeyID string) (apiKey, apiSecret string, err error) {
	s.mu.RLock()
	rec, ok := s.records[apiKeyID]
	s.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no credentials loaded for api key %s", apiKeyID)
	}

	dek, err := open(s.masterKey, rec.WrappedDEK, rec.DEKNonce)
	if err != nil {
		return "", "", fmt.Errorf("unwrap dek: %w", err)
	}

	keyPlain, err := open(dek, rec.APIKeyCipher, rec.APIKeyNonce)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	secretPlain, err := open(dek, rec.APISecretCipher, rec.APISecretNonce)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}

	return string(keyPlain), string(secretPlain), nil
}

func seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(key, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

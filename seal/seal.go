// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package seal performs authenticated encryption of values on their way into
// and out of a store.
//
// The engine uses AES-256-GCM with a 12-byte random nonce per call and the
// standard 16-byte authentication tag. Ciphertext layout:
//
//	nonce (12 bytes) || ciphertext || tag
//
// Keys come from a keystore.Provider and are resolved lazily on first use, so
// constructing an Engine never touches the key store.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jeranaias/sealkv/keystore"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// NonceSize is the AES-GCM nonce size (12 bytes / 96 bits).
const NonceSize = 12

// KeySize is the AES-256 key size (32 bytes / 256 bits).
const KeySize = 32

// DefaultAlias is the sealing-key alias used when the caller does not pick one.
const DefaultAlias = "sealkv.master"

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAuthentication indicates the ciphertext failed its integrity check:
	// the tag did not verify, or the input is too short to carry a nonce.
	ErrAuthentication = errors.New("seal: authentication failed")
)

// textEncoding is the portable form of ciphertext bytes: URL-safe base64,
// no line wrapping, safe to embed in JSON and file names.
var textEncoding = base64.URLEncoding

// =============================================================================
// ENGINE
// =============================================================================

// Engine encrypts and decrypts byte payloads under a provider-backed key.
// It is safe for concurrent use.
type Engine struct {
	provider keystore.Provider
	alias    string

	mu   sync.Mutex
	aead cipher.AEAD
}

// NewEngine returns an engine sealing under the given alias. The key is
// created in the provider on first Encrypt/Decrypt, not here. Concurrent
// first use may race to create; the provider guarantees a single key survives.
func NewEngine(provider keystore.Provider, alias string) *Engine {
	if alias == "" {
		alias = DefaultAlias
	}
	return &Engine{provider: provider, alias: alias}
}

// cipherFor returns the AEAD, resolving the sealing key on first use.
func (e *Engine) cipherFor() (cipher.AEAD, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.aead != nil {
		return e.aead, nil
	}

	key, err := e.provider.GetOrCreate(e.alias, KeySize)
	if err != nil {
		return nil, fmt.Errorf("resolve sealing key: %w", err)
	}
	defer keystore.Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}

	e.aead = gcm
	return gcm, nil
}

// Encrypt seals plaintext and returns nonce || ciphertext || tag.
// The nonce is freshly random for every call.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := e.cipherFor()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce || ciphertext || tag. It fails closed: any integrity
// failure returns ErrAuthentication and no plaintext.
func (e *Engine) Decrypt(data []byte) ([]byte, error) {
	aead, err := e.cipherFor()
	if err != nil {
		return nil, err
	}

	if len(data) < NonceSize {
		return nil, fmt.Errorf("%w: input shorter than nonce", ErrAuthentication)
	}
	nonce, ciphertext := data[:NonceSize], data[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// EncryptString seals a UTF-8 string and returns the ciphertext as URL-safe
// base64 with no wrapping.
func (e *Engine) EncryptString(plaintext string) (string, error) {
	ciphertext, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return textEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString. Malformed base64 counts as an
// integrity failure.
func (e *Engine) DecryptString(encoded string) (string, error) {
	data, err := textEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrAuthentication, err)
	}
	plaintext, err := e.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncodeText converts raw ciphertext bytes to the portable text form used in
// backup snapshots.
func EncodeText(ciphertext []byte) string {
	return textEncoding.EncodeToString(ciphertext)
}

// DecodeText reverses EncodeText.
func DecodeText(encoded string) ([]byte, error) {
	return textEncoding.DecodeString(encoded)
}

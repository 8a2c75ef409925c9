// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keystore provides the sealing-key facility consumed by the cipher
// engine. A Provider hands out symmetric key material by alias, creating the
// key on first use and returning the same material for the life of the
// machine (or process, for the in-memory provider).
//
// Implementations:
//   - FileProvider: key files with restricted permissions (the portable default)
//   - PassphraseProvider: PBKDF2-SHA-256 derivation from a caller passphrase
//   - Windows DPAPI wrapping (see keystore_windows.go)
//   - MemoryProvider: process-local, for tests
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// =============================================================================
// PROVIDER INTERFACE
// =============================================================================

// Provider is the sealing-key capability. GetOrCreate returns the key bytes
// for alias, generating and persisting a fresh key of size bytes if none
// exists yet. Concurrent first use must converge on a single surviving key.
type Provider interface {
	GetOrCreate(alias string, size int) ([]byte, error)
}

// ErrBadAlias reports an alias that cannot be used as a file name.
var ErrBadAlias = errors.New("keystore: invalid key alias")

// validAlias rejects aliases that would escape the keystore directory.
func validAlias(alias string) error {
	if alias == "" || strings.ContainsAny(alias, "/\\") || alias != filepath.Base(alias) {
		return fmt.Errorf("%w: %q", ErrBadAlias, alias)
	}
	return nil
}

// Zero overwrites sensitive key material in place.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// FILE PROVIDER
// =============================================================================

// FileProvider stores one key file per alias under Dir. Key files are created
// with 0600 and the directory with 0700; both are re-verified before every
// read on Unix (see keystore_unix.go).
//
// First-use creation is race-safe: the key file is created with O_EXCL, and a
// loser of the race re-reads the winner's key.
type FileProvider struct {
	dir string
}

// NewFileProvider returns a file-based provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// DefaultDir returns the default keystore directory (~/.sealkv/keys).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".sealkv", "keys")
	}
	return filepath.Join(home, ".sealkv", "keys")
}

// GetOrCreate returns the key for alias, creating it on first use.
func (p *FileProvider) GetOrCreate(alias string, size int) ([]byte, error) {
	if err := validAlias(alias); err != nil {
		return nil, err
	}
	path := filepath.Join(p.dir, alias+".key")

	if key, err := p.read(path, size); err == nil {
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Lost the creation race; the first writer's key wins.
			Zero(key)
			return p.read(path, size)
		}
		return nil, fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sync key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close key file: %w", err)
	}
	return key, nil
}

// read loads and validates an existing key file.
func (p *FileProvider) read(path string, size int) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if err := verifyPermissions(p.dir, path); err != nil {
		return nil, err
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(key), size)
	}
	return key, nil
}

// =============================================================================
// MEMORY PROVIDER
// =============================================================================

// MemoryProvider keeps keys in process memory only. Intended for tests; keys
// do not survive a restart.
type MemoryProvider struct {
	mu      sync.Mutex
	keys    map[string][]byte
	creates int
}

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{keys: make(map[string][]byte)}
}

// GetOrCreate returns the key for alias, generating it on first use.
func (p *MemoryProvider) GetOrCreate(alias string, size int) ([]byte, error) {
	if err := validAlias(alias); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if key, ok := p.keys[alias]; ok {
		out := make([]byte, len(key))
		copy(out, key)
		return out, nil
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	p.keys[alias] = key
	p.creates++

	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// Creates reports how many keys have been generated. Test hook.
func (p *MemoryProvider) Creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

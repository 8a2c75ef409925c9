// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Passphrase-derived sealing keys.
//
// For deployments without usable OS key storage, the sealing key is derived
// from a caller-supplied passphrase with PBKDF2-SHA-256. Only the random salt
// touches disk; the key itself is recomputed on every process start.

package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// SaltSize is the size of the per-alias derivation salt.
const SaltSize = 32

// Iterations is the PBKDF2-SHA-256 iteration count.
// OWASP 2023 recommends 600,000+ against modern brute-force hardware.
const Iterations = 600000

// PassphraseProvider derives sealing keys from a passphrase. The salt for
// each alias is stored under Dir; the derived key never touches disk.
type PassphraseProvider struct {
	dir        string
	passphrase string
}

// NewPassphraseProvider returns a provider deriving keys from passphrase,
// keeping salts under dir.
func NewPassphraseProvider(dir, passphrase string) *PassphraseProvider {
	return &PassphraseProvider{dir: dir, passphrase: passphrase}
}

// GetOrCreate derives the key for alias, creating its salt on first use.
func (p *PassphraseProvider) GetOrCreate(alias string, size int) ([]byte, error) {
	if err := validAlias(alias); err != nil {
		return nil, err
	}
	salt, err := p.loadOrCreateSalt(filepath.Join(p.dir, alias+".salt"))
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(p.passphrase), salt, Iterations, size, sha256.New), nil
}

// loadOrCreateSalt reads the salt file, generating it race-safely if absent.
func (p *PassphraseProvider) loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("salt file %s holds %d bytes, want %d", path, len(salt), SaltSize)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}

	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	salt = make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Another goroutine created the salt first; use theirs.
			return os.ReadFile(path)
		}
		return nil, fmt.Errorf("create salt file: %w", err)
	}
	if _, err := f.Write(salt); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write salt file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close salt file: %w", err)
	}
	return salt, nil
}

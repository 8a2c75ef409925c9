// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package record provides durable record-set storage with atomic commits,
// change subscription, and pluggable corruption interception.
//
// A Store holds one RecordSet per physical location. All reads and updates of
// a location are serialized by the store, giving single-writer semantics and
// read-after-write consistency. When the physical state cannot be parsed, the
// store consults its CorruptionHandler for a replacement record set and
// persists the result instead of failing the read path.
//
// Backends:
//   - FileStore: one file per store, JSON or binary codec (see codec.go)
//   - SQLiteStore: one SQLite database per store (see sqlite.go)
package record

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("record: store is closed")

// =============================================================================
// RECORD SET
// =============================================================================

// RecordSet is the full key → value mapping held by a store at some instant.
// Values are opaque bytes; callers above this layer keep ciphertext here.
type RecordSet map[string][]byte

// Clone returns a deep copy. Stores hand out and accept clones only, so a
// caller can never mutate committed state in place.
func (rs RecordSet) Clone() RecordSet {
	out := make(RecordSet, len(rs))
	for k, v := range rs {
		c := make([]byte, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

// Equal reports whether two record sets hold the same entries.
func (rs RecordSet) Equal(other RecordSet) bool {
	if len(rs) != len(other) {
		return false
	}
	for k, v := range rs {
		ov, ok := other[k]
		if !ok || string(v) != string(ov) {
			return false
		}
	}
	return true
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

// UpdateFunc transforms a record set inside an atomic commit. It receives a
// clone of the current state and returns the state to persist; returning nil
// persists an empty set.
type UpdateFunc func(RecordSet) RecordSet

// CorruptionHandler reconstructs a record set when the physical state fails
// to parse. It must not fail: whatever it returns (including an empty set)
// becomes the authoritative state and is persisted.
type CorruptionHandler func() RecordSet

// Store is the durable record store contract.
type Store interface {
	// Read returns a clone of the current record set. A parse failure of the
	// physical state is resolved through the corruption handler, never
	// surfaced as an error.
	Read(ctx context.Context) (RecordSet, error)

	// Update applies fn inside an atomic commit and notifies subscribers.
	Update(ctx context.Context, fn UpdateFunc) error

	// Subscribe returns a channel that carries the current record set
	// immediately and a fresh clone after every committed update. Slow
	// subscribers observe the latest state, not every intermediate one.
	// The channel closes when ctx is done or the store closes.
	Subscribe(ctx context.Context) (<-chan RecordSet, error)

	// Close releases the store's resources and closes subscriber channels.
	Close() error
}

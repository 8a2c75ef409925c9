// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"path/filepath"
	"sync"
)

// =============================================================================
// STORE REGISTRY
// =============================================================================

// Registry maps canonical physical paths to live store instances. The
// underlying record stores cannot safely be opened twice for one location,
// so the registry guarantees at most one Store per path.
//
// There is deliberately no removal: once created, an entry lives for the
// process lifetime, matching the record store's singleton constraint.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry returns an empty registry. Most callers want DefaultRegistry;
// a private registry is useful in tests to simulate a fresh process.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// GetOrCreate returns the store registered for path, invoking factory to
// build one if absent. The check and insert are atomic: factory runs under
// the registry lock, so concurrent callers for one path get one instance.
//
// When an entry already exists, factory is not called and whatever options
// it would have applied are silently dropped. A factory error is not cached;
// the next call retries.
func (r *Registry) GetOrCreate(path string, factory func() (*Store, error)) (*Store, error) {
	canon, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("canonicalize store path: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[canon]; ok {
		return s, nil
	}
	s, err := factory()
	if err != nil {
		return nil, err
	}
	r.stores[canon] = s
	return s, nil
}

// Len reports how many stores are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// =============================================================================
// PROCESS REGISTRY
// =============================================================================

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry used by Open when
// Options.Registry is nil.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

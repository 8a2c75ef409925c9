// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the encrypted key-value store.
//
// A Store wraps a durable record store, sealing values with AES-256-GCM on
// the way in and opening them on the way out. Every mutation schedules a
// debounced backup snapshot, and a corrupted physical store is rebuilt from
// the last snapshot instead of failing reads.
//
// Stores are process-wide singletons per physical location: Open routes
// through a Registry so two callers naming the same path share one handle.
//
// Read-path policy: a record that fails to decrypt or decode is reported as
// absent, never as an error. One bad record must not take down access to the
// rest of the store. Each such failure emits a diagnostic event.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/sealkv/config"
	"github.com/jeranaias/sealkv/diag"
	"github.com/jeranaias/sealkv/keystore"
	"github.com/jeranaias/sealkv/record"
	"github.com/jeranaias/sealkv/seal"
)

// =============================================================================
// BACKENDS
// =============================================================================

// Backend selects the durable record store flavor.
type Backend string

const (
	// BackendJSON stores base64 ciphertext text in a JSON file.
	BackendJSON Backend = "json"

	// BackendBinary stores raw ciphertext in a checksummed binary file.
	BackendBinary Backend = "binary"

	// BackendSQLite stores raw ciphertext blobs in a SQLite database.
	BackendSQLite Backend = "sqlite"
)

// fileExt maps a backend to its store file extension.
func (b Backend) fileExt() string {
	switch b {
	case BackendBinary:
		return ".skv"
	case BackendSQLite:
		return ".db"
	default:
		return ".json"
	}
}

// rawValues reports whether record values hold raw ciphertext bytes rather
// than base64 text. Raw values must be text-encoded in the backup snapshot.
func (b Backend) rawValues() bool {
	return b == BackendBinary || b == BackendSQLite
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoLocation indicates no storage directory was given and no default
	// could be resolved.
	ErrNoLocation = errors.New("store: no storage directory configured")

	// ErrBadName indicates a store name that cannot be used as a file name.
	ErrBadName = errors.New("store: invalid store name")

	// ErrWrite indicates the underlying atomic commit failed. The mutation
	// did not land durably; callers must not assume it did.
	ErrWrite = errors.New("store: write failed")

	// ErrSerialize indicates a typed value could not be encoded.
	ErrSerialize = errors.New("store: value serialization failed")
)

// =============================================================================
// OPTIONS
// =============================================================================

// Options configure Open. Zero fields fall back to the package configuration
// (config.LoadDefault). When a store already exists for the resolved path,
// the existing instance is returned and every other field here is ignored.
type Options struct {
	// Name is the logical store name; it becomes the file stem. Default "store".
	Name string

	// Dir is the directory holding the store file and backup snapshot.
	Dir string

	// Backend selects the record store flavor. Default from configuration.
	Backend Backend

	// BackupDelay is the debounce window between a mutation and its backup.
	BackupDelay time.Duration

	// BackupPath overrides the backup snapshot location for a store name.
	// Default: <dir>/<name>.backup.json.
	BackupPath func(name string) string

	// Keystore supplies the sealing key. Default: file provider under
	// <dir>/keys.
	Keystore keystore.Provider

	// KeyAlias names the sealing key. Default from configuration.
	KeyAlias string

	// Registry scopes the singleton map. Default: the process registry.
	Registry *Registry

	// Recorder receives diagnostic events. Default: diag.Default().
	Recorder *diag.Recorder

	// WatchExternal observes out-of-band rewrites of file-backed stores.
	WatchExternal bool
}

// =============================================================================
// STORE
// =============================================================================

// Entry is one subscription emission for a single key. Present is false when
// the key is absent or its record failed to decrypt for that emission.
type Entry struct {
	Value   string
	Present bool
}

// Store is an encrypted key-value store over one physical location.
// All methods are safe for concurrent use.
type Store struct {
	name    string
	path    string
	backend Backend

	records record.Store
	engine  *seal.Engine
	rec     *diag.Recorder

	backupPath  string
	backupDelay time.Duration

	// Backup scheduling state: at most one pending delayed snapshot task;
	// fired tasks serialize on wmu. quiet is closed when tasks drains to
	// zero, waking any Flush callers.
	bmu     sync.Mutex
	pending bool
	timer   *time.Timer
	tasks   int
	quiet   chan struct{}
	wmu     sync.Mutex
}

// Open returns the store for the resolved physical location, creating it on
// first use. Subsequent Opens of the same location return the same instance
// and silently ignore differing options.
func Open(opts Options) (*Store, error) {
	cfg := config.LoadDefault()

	name := opts.Name
	if name == "" {
		name = "store"
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return nil, fmt.Errorf("%w: %q", ErrBadName, name)
	}

	dir := opts.Dir
	if dir == "" {
		dir = cfg.Dir
	}
	if dir == "" {
		return nil, ErrNoLocation
	}

	backend := opts.Backend
	if backend == "" {
		backend = Backend(cfg.Backend)
	}
	switch backend {
	case BackendJSON, BackendBinary, BackendSQLite:
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}

	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	path := filepath.Join(dir, name+backend.fileExt())
	return registry.GetOrCreate(path, func() (*Store, error) {
		return build(name, dir, path, backend, opts, cfg)
	})
}

// build constructs a new store instance. Runs at most once per physical
// location, under the registry lock.
func build(name, dir, path string, backend Backend, opts Options, cfg *config.Config) (*Store, error) {
	rec := opts.Recorder
	if rec == nil {
		rec = diag.Default()
	}

	ks := opts.Keystore
	if ks == nil {
		ksDir := cfg.KeyDir
		if ksDir == "" {
			ksDir = filepath.Join(dir, "keys")
		}
		ks = keystore.NewFileProvider(ksDir)
	}
	alias := opts.KeyAlias
	if alias == "" {
		alias = cfg.KeyAlias
	}

	delay := opts.BackupDelay
	if delay == 0 {
		delay = time.Duration(cfg.BackupDelay)
	}

	backupPath := filepath.Join(dir, name+".backup.json")
	if opts.BackupPath != nil {
		backupPath = opts.BackupPath(name)
	}

	s := &Store{
		name:        name,
		path:        path,
		backend:     backend,
		engine:      seal.NewEngine(ks, alias),
		rec:         rec,
		backupPath:  backupPath,
		backupDelay: delay,
	}

	recordOpts := []record.Option{
		record.WithCorruptionHandler(s.recoverSnapshot),
		record.WithRecorder(rec),
	}

	var (
		rs  record.Store
		err error
	)
	switch backend {
	case BackendSQLite:
		rs, err = record.NewSQLiteStore(path, recordOpts...)
	case BackendBinary:
		rs, err = record.NewFileStore(path, record.BinaryCodec{}, fileOpts(recordOpts, opts, cfg)...)
	default:
		rs, err = record.NewFileStore(path, record.JSONCodec{}, fileOpts(recordOpts, opts, cfg)...)
	}
	if err != nil {
		return nil, fmt.Errorf("open record store %s: %w", path, err)
	}

	s.records = rs
	return s, nil
}

// fileOpts appends the external-watch option when requested.
func fileOpts(base []record.Option, opts Options, cfg *config.Config) []record.Option {
	if opts.WatchExternal || cfg.WatchExternal {
		return append(base, record.WithExternalWatch())
	}
	return base
}

// Name returns the logical store name.
func (s *Store) Name() string { return s.name }

// Path returns the physical location of the record store.
func (s *Store) Path() string { return s.path }

// BackupPath returns the location of the backup snapshot file.
func (s *Store) BackupPath() string { return s.backupPath }

// =============================================================================
// VALUE SEALING
// =============================================================================

// sealValue encrypts a value into its stored record form.
func (s *Store) sealValue(value string) ([]byte, error) {
	if s.backend.rawValues() {
		return s.engine.Encrypt([]byte(value))
	}
	encoded, err := s.engine.EncryptString(value)
	if err != nil {
		return nil, err
	}
	return []byte(encoded), nil
}

// openValue decrypts a stored record back into the value.
func (s *Store) openValue(stored []byte) (string, error) {
	if s.backend.rawValues() {
		plaintext, err := s.engine.Decrypt(stored)
		if err != nil {
			return "", err
		}
		return string(plaintext), nil
	}
	return s.engine.DecryptString(string(stored))
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Put encrypts value and commits it under key, then schedules a backup.
func (s *Store) Put(ctx context.Context, key, value string) error {
	stored, err := s.sealValue(value)
	if err != nil {
		return err
	}
	err = s.records.Update(ctx, func(rs record.RecordSet) record.RecordSet {
		rs[key] = stored
		return rs
	})
	if err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrWrite, key, err)
	}
	s.scheduleBackup()
	return nil
}

// Get returns the decrypted value for key. The second return is false when
// the key is absent or its record fails to decrypt; decrypt failures emit a
// diagnostic and are otherwise indistinguishable from absence.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	rs, err := s.records.Read(ctx)
	if err != nil {
		return "", false, err
	}
	stored, ok := rs[key]
	if !ok {
		return "", false, nil
	}
	value, err := s.openValue(stored)
	if err != nil {
		s.rec.Record(s.name, diag.EventDecryptFailure, err, map[string]string{"key": key})
		return "", false, nil
	}
	return value, true, nil
}

// Remove deletes key and schedules a backup. Removing an absent key is a
// no-op, not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.records.Update(ctx, func(rs record.RecordSet) record.RecordSet {
		delete(rs, key)
		return rs
	})
	if err != nil {
		return fmt.Errorf("%w: remove %q: %v", ErrWrite, key, err)
	}
	s.scheduleBackup()
	return nil
}

// ClearAll cancels any pending backup, empties the store, and deletes the
// backup snapshot. It is the only operation that deletes the snapshot, and
// it does not schedule a new one.
func (s *Store) ClearAll(ctx context.Context) error {
	s.cancelBackup()

	err := s.records.Update(ctx, func(record.RecordSet) record.RecordSet {
		return record.RecordSet{}
	})
	if err != nil {
		return fmt.Errorf("%w: clear: %v", ErrWrite, err)
	}
	if err := os.Remove(s.backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove backup snapshot: %v", ErrWrite, err)
	}
	return nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe emits the current entry for key immediately, then after every
// committed mutation of the store. A decrypt failure surfaces as an absent
// entry for that emission only; the stream continues. The channel closes
// when ctx is done.
func (s *Store) Subscribe(ctx context.Context, key string) (<-chan Entry, error) {
	in, err := s.records.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Entry, 1)
	go func() {
		defer close(out)
		for rs := range in {
			entry := Entry{}
			if stored, ok := rs[key]; ok {
				if value, err := s.openValue(stored); err == nil {
					entry = Entry{Value: value, Present: true}
				} else {
					s.rec.Record(s.name, diag.EventDecryptFailure, err, map[string]string{"key": key})
				}
			}
			sendLatest(out, entry)
		}
	}()
	return out, nil
}

// SubscribeAll is Subscribe over the whole store: each emission is a fully
// decrypted snapshot. Entries that fail to decrypt are omitted from that
// emission.
func (s *Store) SubscribeAll(ctx context.Context) (<-chan map[string]string, error) {
	in, err := s.records.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan map[string]string, 1)
	go func() {
		defer close(out)
		for rs := range in {
			snap := make(map[string]string, len(rs))
			for key, stored := range rs {
				value, err := s.openValue(stored)
				if err != nil {
					s.rec.Record(s.name, diag.EventDecryptFailure, err, map[string]string{"key": key})
					continue
				}
				snap[key] = value
			}
			sendLatest(out, snap)
		}
	}()
	return out, nil
}

// sendLatest delivers v without blocking: a lagging subscriber sees the
// newest emission rather than every intermediate one.
func sendLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

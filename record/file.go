// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package record

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jeranaias/sealkv/diag"
	"github.com/jeranaias/sealkv/internal/fileutil"
	"github.com/jeranaias/sealkv/watch"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a store backend.
type Option func(*options)

type options struct {
	onCorrupt CorruptionHandler
	rec       *diag.Recorder
	extWatch  bool
}

// WithCorruptionHandler installs the handler consulted when physical state
// fails to parse. Without one, corruption resolves to an empty record set.
func WithCorruptionHandler(h CorruptionHandler) Option {
	return func(o *options) { o.onCorrupt = h }
}

// WithRecorder routes diagnostics to rec instead of the process default.
func WithRecorder(rec *diag.Recorder) Option {
	return func(o *options) { o.rec = rec }
}

// WithExternalWatch makes a file store observe its backing file and re-emit
// to subscribers when another process rewrites it.
func WithExternalWatch() Option {
	return func(o *options) { o.extWatch = true }
}

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps one record set in a single file, committed with atomic
// replace-on-write. It serializes all access through one mutex: single
// writer, read-after-write consistency.
//
// A FileStore must be the only handle to its file within the process; the
// encrypted-store registry enforces that above this layer.
type FileStore struct {
	path  string
	codec Codec

	onCorrupt CorruptionHandler
	rec       *diag.Recorder

	mu     sync.Mutex
	loaded bool
	cur    RecordSet
	hub    *hub
	closed bool

	cancelWatch watch.CancelFunc
}

// NewFileStore returns a store over path using codec. The file is not read
// until the first operation, so corruption is intercepted on first use.
func NewFileStore(path string, codec Codec, opts ...Option) (*FileStore, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.rec == nil {
		o.rec = diag.Default()
	}

	s := &FileStore{
		path:      path,
		codec:     codec,
		onCorrupt: o.onCorrupt,
		rec:       o.rec,
		hub:       newHub(),
	}

	if o.extWatch {
		cancel, err := watch.Notify(path, func(watch.Event) { s.reload() })
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
		s.cancelWatch = cancel
	}
	return s, nil
}

// Path returns the physical location of the backing file.
func (s *FileStore) Path() string { return s.path }

// load populates s.cur from disk. Caller holds s.mu.
func (s *FileStore) load() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read store file: %w", err)
		}
		s.cur = RecordSet{}
		s.loaded = true
		return nil
	}

	rs, err := s.codec.Decode(data)
	if err != nil {
		rs = s.recover(err)
	}
	s.cur = rs
	s.loaded = true
	return nil
}

// recover routes a parse failure through the corruption handler and persists
// whatever it returns. The read path never fails on corruption.
func (s *FileStore) recover(cause error) RecordSet {
	var rs RecordSet
	if s.onCorrupt != nil {
		rs = s.onCorrupt()
	}
	if rs == nil {
		rs = RecordSet{}
	}

	if err := s.persist(rs); err != nil {
		// State stays in memory; the next successful commit persists it.
		s.rec.Record(s.path, diag.EventCommitFailure, err, map[string]string{
			"op": "persist recovered records",
		})
	}
	s.rec.Record(s.path, diag.EventRecoveryRestored, cause, map[string]string{
		"records": fmt.Sprint(len(rs)),
	})
	return rs
}

// persist encodes and atomically writes rs. Caller holds s.mu.
func (s *FileStore) persist(rs RecordSet) error {
	data, err := s.codec.Encode(rs)
	if err != nil {
		return err
	}
	return fileutil.WriteFile(s.path, data, 0600, 0700)
}

// Read returns a clone of the current record set.
func (s *FileStore) Read(ctx context.Context) (RecordSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.cur.Clone(), nil
}

// Update applies fn atomically: the new state hits disk before it becomes
// visible to readers and subscribers. On commit failure the previous state
// stays authoritative.
func (s *FileStore) Update(ctx context.Context, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.load(); err != nil {
		return err
	}

	next := fn(s.cur.Clone())
	if next == nil {
		next = RecordSet{}
	}
	if err := s.persist(next); err != nil {
		return fmt.Errorf("commit store file: %w", err)
	}

	s.cur = next.Clone()
	s.hub.publish(s.cur)
	return nil
}

// Subscribe emits the current record set immediately, then after every commit.
func (s *FileStore) Subscribe(ctx context.Context) (<-chan RecordSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, s.cur.Clone()), nil
}

// reload re-reads the file after an external change and re-emits if the
// content moved. Decode failures here are skipped, not recovered: the event
// may race a writer and the next event re-reads anyway.
func (s *FileStore) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.loaded {
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			s.rec.Record(s.path, diag.EventWatchFailure, err, nil)
			return
		}
	}
	rs, err := s.codec.Decode(data)
	if err != nil {
		s.rec.Record(s.path, diag.EventWatchFailure, err, nil)
		return
	}
	if s.cur.Equal(rs) {
		return
	}
	s.cur = rs
	s.hub.publish(s.cur)
}

// Close releases the file watch and closes subscriber channels.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancelWatch
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.hub.close()
	return nil
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package diag records diagnostic events from the store.
//
// The read path treats a bad record as "value absent" rather than an error,
// so decrypt and recovery failures would otherwise be invisible. Every such
// swallowed failure is reported here as a structured event. Events are
// best-effort: emission is rate-limited and never blocks or fails a store
// operation.
package diag

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Event types emitted by the store packages.
const (
	EventDecryptFailure   = "DECRYPT_FAILURE"
	EventDecodeFailure    = "DECODE_FAILURE"
	EventBackupWritten    = "BACKUP_WRITTEN"
	EventBackupFailure    = "BACKUP_FAILURE"
	EventRecoveryRestored = "RECOVERY_RESTORED"
	EventRecoveryEmpty    = "RECOVERY_EMPTY"
	EventCommitFailure    = "COMMIT_FAILURE"
	EventWatchFailure     = "WATCH_FAILURE"
)

// Event is a single diagnostic entry.
type Event struct {
	ID     string            `json:"id"`
	Time   time.Time         `json:"time"`
	Store  string            `json:"store,omitempty"`
	Type   string            `json:"type"`
	Error  string            `json:"error,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Sink receives recorded events. Emit must not block for long; the recorder
// calls it synchronously from store goroutines.
type Sink interface {
	Emit(Event)
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder fans events into a sink with flood control. A nil *Recorder is
// valid and records nothing, so callers never need to branch.
type Recorder struct {
	sink    Sink
	limiter *rate.Limiter
	dropped atomic.Uint64
}

// New returns a recorder emitting to sink. At most 20 events per second are
// emitted with a burst of 100; the rest are counted as dropped.
func New(sink Sink) *Recorder {
	return &Recorder{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(20), 100),
	}
}

// Record emits one event, stamping ID and time.
func (r *Recorder) Record(store, eventType string, err error, fields map[string]string) {
	if r == nil || r.sink == nil {
		return
	}
	if !r.limiter.Allow() {
		r.dropped.Add(1)
		return
	}

	ev := Event{
		ID:     uuid.NewString(),
		Time:   time.Now().UTC(),
		Store:  store,
		Type:   eventType,
		Fields: fields,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.sink.Emit(ev)
}

// Dropped reports how many events flood control discarded.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// =============================================================================
// SINKS
// =============================================================================

// LogSink writes one JSON object per line through a standard logger.
type LogSink struct {
	Logger *log.Logger
}

// Emit writes the event as a JSON line.
func (s *LogSink) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.Logger.Printf(`{"type":%q,"error":"marshal failed"}`, ev.Type)
		return
	}
	s.Logger.Print(string(data))
}

// CaptureSink retains events in memory. Test hook.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends the event.
func (s *CaptureSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything captured so far.
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// =============================================================================
// DEFAULT RECORDER
// =============================================================================

var (
	defaultRecorder     *Recorder
	defaultRecorderOnce sync.Once
)

// Default returns the process-wide recorder, logging JSON lines to stderr.
func Default() *Recorder {
	defaultRecorderOnce.Do(func() {
		defaultRecorder = New(&LogSink{
			Logger: log.New(os.Stderr, "sealkv: ", 0),
		})
	})
	return defaultRecorder
}

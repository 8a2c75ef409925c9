// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Backup scheduling.
//
// The scheduler is a two-state machine, Idle and Pending. A mutation in Idle
// arms one delayed snapshot task; mutations in Pending coalesce into it. When
// the task fires it clears Pending before reading the record set, so a
// mutation landing during the snapshot write starts a fresh cycle instead of
// being dropped. The tradeoff is an occasional redundant snapshot: backups
// are at-least-once, never lossy.
//
// Fired tasks serialize on a write lock, and a task leaves Pending only once
// it holds that lock. A mutation burst under a short delay therefore queues
// at most one fired task behind the active writer; snapshot goroutines never
// pile up. Flush waits on a channel closed when the task count drains to
// zero, so new cycles can start safely while a Flush is blocked.
//
// Backups are best-effort. A failed snapshot write is recorded as a
// diagnostic and never surfaces to the caller of the mutation.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeranaias/sealkv/diag"
	"github.com/jeranaias/sealkv/internal/fileutil"
	"github.com/jeranaias/sealkv/seal"
)

// scheduleBackup arms the delayed snapshot task if none is pending.
func (s *Store) scheduleBackup() {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	if s.pending {
		return
	}
	s.pending = true
	s.tasks++
	s.timer = time.AfterFunc(s.backupDelay, s.writeBackup)
}

// cancelBackup disarms a pending task without writing a snapshot. If the
// task already fired, it is left to finish; ClearAll deletes the snapshot
// file afterwards either way.
func (s *Store) cancelBackup() {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	if !s.pending {
		return
	}
	s.pending = false
	if s.timer != nil && s.timer.Stop() {
		s.taskDone()
	}
	s.timer = nil
}

// taskDone retires one snapshot task and wakes Flush callers once none
// remain. Caller holds s.bmu.
func (s *Store) taskDone() {
	s.tasks--
	if s.tasks == 0 && s.quiet != nil {
		close(s.quiet)
		s.quiet = nil
	}
}

// writeBackup serializes the current record set to the snapshot file.
// Runs on the timer goroutine, one writer at a time.
func (s *Store) writeBackup() {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	// Leave Pending only while holding the write lock; see the file comment.
	s.bmu.Lock()
	s.pending = false
	s.timer = nil
	s.bmu.Unlock()

	defer func() {
		s.bmu.Lock()
		s.taskDone()
		s.bmu.Unlock()
	}()

	rs, err := s.records.Read(context.Background())
	if err != nil {
		s.rec.Record(s.name, diag.EventBackupFailure, err, map[string]string{"op": "read"})
		return
	}

	snap := make(map[string]string, len(rs))
	for key, stored := range rs {
		if s.backend.rawValues() {
			snap[key] = seal.EncodeText(stored)
		} else {
			snap[key] = string(stored)
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.rec.Record(s.name, diag.EventBackupFailure, err, map[string]string{"op": "encode"})
		return
	}
	if err := fileutil.WriteFile(s.backupPath, data, 0600, 0700); err != nil {
		s.rec.Record(s.name, diag.EventBackupFailure, err, map[string]string{"op": "write"})
		return
	}

	s.rec.Record(s.name, diag.EventBackupWritten, nil, map[string]string{
		"records": fmt.Sprint(len(snap)),
	})
}

// Flush blocks until every scheduled or in-flight backup task completes. It
// does not stop new mutations from starting a fresh cycle concurrently; a
// cycle armed while Flush waits extends the wait.
// Operational and test hook.
func (s *Store) Flush(ctx context.Context) error {
	s.bmu.Lock()
	if s.tasks == 0 {
		s.bmu.Unlock()
		return nil
	}
	if s.quiet == nil {
		s.quiet = make(chan struct{})
	}
	quiet := s.quiet
	s.bmu.Unlock()

	select {
	case <-quiet:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

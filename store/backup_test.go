// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sealkv/diag"
	"github.com/jeranaias/sealkv/keystore"
)

// readSnapshot parses the backup file into its key → encoded-ciphertext map.
func readSnapshot(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap map[string]string
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

// =============================================================================
// DEBOUNCE TESTS
// =============================================================================

func TestBackup_BurstCoalescesToOneSnapshot(t *testing.T) {
	env := newTestEnv(t)
	s, err := Open(Options{
		Name:        "vault",
		Dir:         env.dir,
		Backend:     BackendJSON,
		BackupDelay: 250 * time.Millisecond,
		Keystore:    env.ks,
		Registry:    NewRegistry(),
		Recorder:    env.rec,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// A burst of mutations inside one debounce window.
	keys := []string{"a", "b", "c", "d", "e"}
	for _, key := range keys {
		require.NoError(t, s.Put(ctx, key, "value-"+key))
	}
	require.NoError(t, s.Flush(ctx))

	require.Equal(t, 1, env.countEvents(diag.EventBackupWritten),
		"the burst must produce exactly one snapshot")

	snap := readSnapshot(t, s.BackupPath())
	require.Len(t, snap, len(keys), "the snapshot must hold the final state, not the first")
	for _, key := range keys {
		require.Contains(t, snap, key)
	}
}

func TestBackup_NewCycleAfterFire(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON) // 50ms delay
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "first", "1"))
	require.NoError(t, s.Flush(ctx))
	require.Equal(t, 1, env.countEvents(diag.EventBackupWritten))

	// A mutation after the snapshot fired arms a fresh cycle.
	require.NoError(t, s.Put(ctx, "second", "2"))
	require.NoError(t, s.Flush(ctx))
	require.Equal(t, 2, env.countEvents(diag.EventBackupWritten))

	snap := readSnapshot(t, s.BackupPath())
	require.Contains(t, snap, "first")
	require.Contains(t, snap, "second")
}

func TestBackup_NoMutationNoSnapshot(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	_, _, err := s.Get(ctx, "anything")
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	_, err = os.Stat(s.BackupPath())
	require.True(t, os.IsNotExist(err), "reads must not schedule backups")
}

func TestBackup_SnapshotHoldsCiphertext(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "secret", "plaintext must not leak"))
	require.NoError(t, s.Flush(ctx))

	data, err := os.ReadFile(s.BackupPath())
	require.NoError(t, err)
	require.NotContains(t, string(data), "plaintext must not leak")
	require.Contains(t, string(data), "secret", "keys are stored in the clear")
}

func TestBackup_RawBackendsEncodeValues(t *testing.T) {
	for _, backend := range []Backend{BackendBinary, BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			env := newTestEnv(t)
			s := env.open(t, backend)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "key", "value"))
			require.NoError(t, s.Flush(ctx))

			// Raw ciphertext bytes must round through the JSON snapshot as
			// text; json.Unmarshal succeeding is the structural check.
			snap := readSnapshot(t, s.BackupPath())
			require.Contains(t, snap, "key")
			require.NotEmpty(t, snap["key"])
		})
	}
}

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestBackup_TinyDelayBoundsGoroutines(t *testing.T) {
	env := newTestEnv(t)
	s, err := Open(Options{
		Name:        "vault",
		Dir:         env.dir,
		Backend:     BackendJSON,
		BackupDelay: time.Microsecond, // every Put fires almost immediately
		Keystore:    env.ks,
		Registry:    NewRegistry(),
		Recorder:    env.rec,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// Snapshot writes are serialized, so a sustained mutation burst must
	// not pile up snapshot goroutines.
	start := runtime.NumGoroutine()
	for i := 0; i < 300; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("k%d", i), "v"))
		if i%16 == 0 {
			require.Less(t, runtime.NumGoroutine(), start+64,
				"snapshot tasks must not accumulate")
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(flushCtx))
	require.GreaterOrEqual(t, env.countEvents(diag.EventBackupWritten), 1)
}

func TestBackup_FlushConcurrentWithMutations(t *testing.T) {
	env := newTestEnv(t)
	s, err := Open(Options{
		Name:        "vault",
		Dir:         env.dir,
		Backend:     BackendJSON,
		BackupDelay: time.Millisecond,
		Keystore:    env.ks,
		Registry:    NewRegistry(),
		Recorder:    env.rec,
	})
	require.NoError(t, err)
	ctx := context.Background()

	const writers, putsPerWriter = 4, 40

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < putsPerWriter; i++ {
				require.NoError(t, s.Put(ctx, fmt.Sprintf("w%d-%d", w, i), "v"))
			}
		}(w)
	}

	var flushers sync.WaitGroup
	for f := 0; f < 4; f++ {
		flushers.Add(1)
		go func() {
			defer flushers.Done()
			for i := 0; i < 20; i++ {
				flushCtx, cancel := context.WithTimeout(ctx, time.Minute)
				require.NoError(t, s.Flush(flushCtx))
				cancel()
			}
		}()
	}

	wg.Wait()
	flushers.Wait()
	require.NoError(t, s.Flush(ctx))

	snap := readSnapshot(t, s.BackupPath())
	require.Len(t, snap, writers*putsPerWriter,
		"the final snapshot must hold every written key")
}

// =============================================================================
// CLEAR / CANCEL TESTS
// =============================================================================

func TestBackup_ClearAllDeletesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "key", "value"))
	require.NoError(t, s.Flush(ctx))
	_, err := os.Stat(s.BackupPath())
	require.NoError(t, err)

	require.NoError(t, s.ClearAll(ctx))
	_, err = os.Stat(s.BackupPath())
	require.True(t, os.IsNotExist(err))
}

func TestBackup_ClearAllCancelsPendingSnapshot(t *testing.T) {
	env := newTestEnv(t)
	s, err := Open(Options{
		Name:        "vault",
		Dir:         env.dir,
		Backend:     BackendJSON,
		BackupDelay: time.Hour, // would hang Flush if the cancel leaked
		Keystore:    env.ks,
		Registry:    NewRegistry(),
		Recorder:    env.rec,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "doomed", "value"))
	require.NoError(t, s.ClearAll(ctx))

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(flushCtx), "a cancelled task must not block Flush")

	require.Zero(t, env.countEvents(diag.EventBackupWritten))
	_, err = os.Stat(s.BackupPath())
	require.True(t, os.IsNotExist(err))
}

// =============================================================================
// CUSTOM LOCATION TESTS
// =============================================================================

func TestBackup_CustomPath(t *testing.T) {
	env := newTestEnv(t)
	custom := env.dir + "/elsewhere/custom-snapshot.json"
	s, err := Open(Options{
		Name:        "vault",
		Dir:         env.dir,
		Backend:     BackendJSON,
		BackupDelay: 50 * time.Millisecond,
		BackupPath:  func(string) string { return custom },
		Keystore:    keystore.NewMemoryProvider(),
		Registry:    NewRegistry(),
		Recorder:    env.rec,
	})
	require.NoError(t, err)
	require.Equal(t, custom, s.BackupPath())

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "key", "value"))
	require.NoError(t, s.Flush(ctx))

	_, err = os.Stat(custom)
	require.NoError(t, err)
}

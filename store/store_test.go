// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sealkv/diag"
	"github.com/jeranaias/sealkv/keystore"
	"github.com/jeranaias/sealkv/record"
)

// allBackends enumerates the record store flavors every behavior test runs
// against.
var allBackends = []Backend{BackendJSON, BackendBinary, BackendSQLite}

// testEnv bundles the pieces that must persist across Opens within a test:
// the directory, the sealing key, and the diagnostic capture.
type testEnv struct {
	dir  string
	ks   *keystore.MemoryProvider
	sink *diag.CaptureSink
	rec  *diag.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sink := &diag.CaptureSink{}
	return &testEnv{
		dir:  t.TempDir(),
		ks:   keystore.NewMemoryProvider(),
		sink: sink,
		rec:  diag.New(sink),
	}
}

// open opens a store through a fresh registry, simulating a new process over
// the same physical location.
func (e *testEnv) open(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := Open(Options{
		Name:        "vault",
		Dir:         e.dir,
		Backend:     backend,
		BackupDelay: 50 * time.Millisecond,
		Keystore:    e.ks,
		Registry:    NewRegistry(),
		Recorder:    e.rec,
	})
	require.NoError(t, err)
	return s
}

// countEvents tallies captured diagnostics of one type.
func (e *testEnv) countEvents(eventType string) int {
	n := 0
	for _, ev := range e.sink.Events() {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// receiveEntry drains ch until the expected entry arrives. Emissions
// coalesce, so intermediate states may be skipped.
func receiveEntry(t *testing.T, ch <-chan Entry, want Entry) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case entry, ok := <-ch:
			require.True(t, ok, "channel closed before expected entry arrived")
			if entry == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for entry %+v", want)
		}
	}
}

// =============================================================================
// PUT / GET / REMOVE TESTS
// =============================================================================

func TestStore_PutGet(t *testing.T) {
	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			env := newTestEnv(t)
			s := env.open(t, backend)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "session", "token-12345"))
			require.NoError(t, s.Put(ctx, "unicode", "héllo 世界"))

			value, ok, err := s.Get(ctx, "session")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "token-12345", value)

			value, ok, err = s.Get(ctx, "unicode")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "héllo 世界", value)
		})
	}
}

func TestStore_GetAbsentKey(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)

	value, ok, err := s.Get(context.Background(), "never-stored")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, value)
}

func TestStore_PutOverwrites(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "key", "first"))
	require.NoError(t, s.Put(ctx, "key", "second"))

	value, ok, err := s.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", value)
}

func TestStore_Remove(t *testing.T) {
	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			env := newTestEnv(t)
			s := env.open(t, backend)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "transient", "value"))
			require.NoError(t, s.Remove(ctx, "transient"))

			_, ok, err := s.Get(ctx, "transient")
			require.NoError(t, err)
			require.False(t, ok)

			// Removing an absent key is a no-op.
			require.NoError(t, s.Remove(ctx, "transient"))
			require.NoError(t, s.Remove(ctx, "never-existed"))
		})
	}
}

func TestStore_ValuesSurviveReopen(t *testing.T) {
	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			first := env.open(t, backend)
			require.NoError(t, first.Put(ctx, "persistent", "survives"))

			second := env.open(t, backend)
			require.NotSame(t, first, second, "fresh registry must build a fresh instance")

			value, ok, err := second.Get(ctx, "persistent")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "survives", value)
		})
	}
}

// =============================================================================
// DECRYPT FAILURE POLICY TESTS
// =============================================================================

func TestStore_UndecryptableRecordReadsAsAbsent(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "good", "intact"))
	require.NoError(t, s.Put(ctx, "bad", "doomed"))

	// Tamper with one record underneath the encryption layer.
	require.NoError(t, s.records.Update(ctx, func(rs record.RecordSet) record.RecordSet {
		rs["bad"] = []byte("!!!definitely-not-ciphertext")
		return rs
	}))

	_, ok, err := s.Get(ctx, "bad")
	require.NoError(t, err, "a bad record must not error the read path")
	require.False(t, ok)
	require.Equal(t, 1, env.countEvents(diag.EventDecryptFailure))

	// The rest of the store stays readable.
	value, ok, err := s.Get(ctx, "good")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "intact", value)
}

func TestStore_WrongKeyReadsAsAbsent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.open(t, BackendJSON)
	require.NoError(t, first.Put(ctx, "secret", "value"))

	// Reopen with different key material, as after losing the keystore.
	other := &testEnv{dir: env.dir, ks: keystore.NewMemoryProvider(), sink: env.sink, rec: env.rec}
	second := other.open(t, BackendJSON)

	_, ok, err := second.Get(ctx, "secret")
	require.NoError(t, err)
	require.False(t, ok)
}

// =============================================================================
// CLEAR TESTS
// =============================================================================

func TestStore_ClearAll(t *testing.T) {
	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			env := newTestEnv(t)
			s := env.open(t, backend)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "a", "1"))
			require.NoError(t, s.Put(ctx, "b", "2"))
			require.NoError(t, s.ClearAll(ctx))

			for _, key := range []string{"a", "b"} {
				_, ok, err := s.Get(ctx, key)
				require.NoError(t, err)
				require.False(t, ok)
			}

			// Clearing an already empty store is fine.
			require.NoError(t, s.ClearAll(ctx))
		})
	}
}

// =============================================================================
// SUBSCRIPTION TESTS
// =============================================================================

func TestStore_SubscribeEmitsCurrentThenChanges(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	ch, err := s.Subscribe(ctx, "watched")
	require.NoError(t, err)
	receiveEntry(t, ch, Entry{}) // key not set yet

	require.NoError(t, s.Put(ctx, "watched", "v1"))
	receiveEntry(t, ch, Entry{Value: "v1", Present: true})

	require.NoError(t, s.Put(ctx, "watched", "v2"))
	receiveEntry(t, ch, Entry{Value: "v2", Present: true})

	require.NoError(t, s.Remove(ctx, "watched"))
	receiveEntry(t, ch, Entry{})
}

func TestStore_SubscribeIgnoresOtherKeys(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "watched", "stable"))

	ch, err := s.Subscribe(ctx, "watched")
	require.NoError(t, err)
	receiveEntry(t, ch, Entry{Value: "stable", Present: true})

	// Mutating an unrelated key re-emits the watched entry unchanged.
	require.NoError(t, s.Put(ctx, "other", "noise"))
	receiveEntry(t, ch, Entry{Value: "stable", Present: true})
}

func TestStore_SubscribeEndsWithContext(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx, "key")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond, "channel must close after cancel")
}

func TestStore_SubscribeAll(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", "1"))

	ch, err := s.SubscribeAll(ctx)
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	want := map[string]string{"a": "1", "b": "2"}
	require.NoError(t, s.Put(ctx, "b", "2"))
	for {
		select {
		case snap, ok := <-ch:
			require.True(t, ok)
			if len(snap) == len(want) && snap["a"] == "1" && snap["b"] == "2" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for full snapshot")
		}
	}
}

func TestStore_SubscribeAllOmitsBadRecords(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, BackendJSON)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "good", "value"))
	require.NoError(t, s.records.Update(ctx, func(rs record.RecordSet) record.RecordSet {
		rs["bad"] = []byte("!!!not-ciphertext")
		return rs
	}))

	ch, err := s.SubscribeAll(ctx)
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			require.True(t, ok)
			if snap["good"] == "value" {
				require.NotContains(t, snap, "bad")
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

// =============================================================================
// OPEN VALIDATION TESTS
// =============================================================================

func TestOpen_RejectsBadName(t *testing.T) {
	for _, name := range []string{"a/b", `a\b`, "../escape"} {
		_, err := Open(Options{
			Name:     name,
			Dir:      t.TempDir(),
			Registry: NewRegistry(),
		})
		require.ErrorIs(t, err, ErrBadName, "name %q", name)
	}
}

func TestOpen_RejectsUnknownBackend(t *testing.T) {
	_, err := Open(Options{
		Name:     "vault",
		Dir:      t.TempDir(),
		Backend:  Backend("etcd"),
		Registry: NewRegistry(),
	})
	require.Error(t, err)
}

func TestOpen_NoLocation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("home resolution does not use HOME on windows")
	}
	t.Setenv("HOME", "")
	t.Setenv("SEALKV_DIR", "")

	_, err := Open(Options{
		Name:     "vault",
		Registry: NewRegistry(),
	})
	require.ErrorIs(t, err, ErrNoLocation)
}

func TestOpen_HonorsConfiguredKeyDir(t *testing.T) {
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "custom-keys")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"),
		[]byte(fmt.Sprintf("key_dir = %q\n", keyDir)), 0600))
	t.Setenv("SEALKV_DIR", dir)

	s, err := Open(Options{
		Name:        "vault",
		BackupDelay: time.Hour,
		Registry:    NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "key", "value"))

	entries, err := os.ReadDir(keyDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "the sealing key must land in the configured key_dir")

	_, err = os.Stat(filepath.Join(dir, "keys"))
	require.True(t, os.IsNotExist(err), "the default key dir must stay unused")
}

func TestOpen_DefaultsName(t *testing.T) {
	s, err := Open(Options{
		Dir:      t.TempDir(),
		Keystore: keystore.NewMemoryProvider(),
		Registry: NewRegistry(),
	})
	require.NoError(t, err)
	require.Equal(t, "store", s.Name())
}

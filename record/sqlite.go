// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package record

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/sealkv/diag"
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// sqliteSchema holds the one-table layout: a record set is exactly a key →
// blob mapping.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// SQLiteStore keeps one record set in a SQLite database. Updates run inside
// one transaction, so a commit is all-or-nothing at the database level.
//
// A database that fails to open or fails its integrity check is treated the
// same way as an unparsable store file: the corruption handler's result
// replaces it.
type SQLiteStore struct {
	path string
	rec  *diag.Recorder

	mu     sync.Mutex
	db     *sql.DB
	hub    *hub
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path. Corruption is
// intercepted here, at open time, because that is where SQLite parses the
// physical file.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.rec == nil {
		o.rec = diag.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := openSQLite(path)
	if err != nil {
		db, err = rebuildSQLite(path, o.onCorrupt, o.rec, err)
		if err != nil {
			return nil, err
		}
	}

	return &SQLiteStore{
		path: path,
		rec:  o.rec,
		db:   db,
		hub:  newHub(),
	}, nil
}

// openSQLite opens the database, verifies its integrity, and ensures the
// schema. Any failure means the physical file is unusable.
func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// the integrity check and schema setup on the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	var status string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&status); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if status != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: integrity check reported %q", ErrCorrupt, status)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// rebuildSQLite discards the unusable database and reconstructs it from the
// corruption handler's record set.
func rebuildSQLite(path string, h CorruptionHandler, rec *diag.Recorder, cause error) (*sql.DB, error) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("discard corrupt database: %w", err)
		}
	}

	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("recreate database: %w", err)
	}

	var rs RecordSet
	if h != nil {
		rs = h()
	}
	if len(rs) > 0 {
		if err := replaceAll(db, rs); err != nil {
			db.Close()
			return nil, fmt.Errorf("restore recovered records: %w", err)
		}
	}

	rec.Record(path, diag.EventRecoveryRestored, cause, map[string]string{
		"records": fmt.Sprint(len(rs)),
	})
	return db, nil
}

// replaceAll swaps the table contents for rs inside one transaction.
func replaceAll(db *sql.DB, rs RecordSet) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records"); err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO records (key, value) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, v := range rs {
		if _, err := stmt.Exec(k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// readAll loads the full record set.
func readAll(db *sql.DB) (RecordSet, error) {
	rows, err := db.Query("SELECT key, value FROM records")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rs := RecordSet{}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		rs[k] = v
	}
	return rs, rows.Err()
}

// Path returns the physical location of the database.
func (s *SQLiteStore) Path() string { return s.path }

// Read returns a clone of the current record set.
func (s *SQLiteStore) Read(ctx context.Context) (RecordSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rs, err := readAll(s.db)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return rs, nil
}

// Update applies fn inside one transaction and notifies subscribers.
func (s *SQLiteStore) Update(ctx context.Context, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cur, err := readAll(s.db)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	next := fn(cur)
	if next == nil {
		next = RecordSet{}
	}
	if err := replaceAll(s.db, next); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}

	s.hub.publish(next)
	return nil
}

// Subscribe emits the current record set immediately, then after every commit.
func (s *SQLiteStore) Subscribe(ctx context.Context) (<-chan RecordSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rs, err := readAll(s.db)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return s.hub.subscribe(ctx, rs), nil
}

// Close closes subscriber channels and the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.close()
	return s.db.Close()
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Corruption recovery.
//
// The record store calls recoverSnapshot when the physical store fails to
// parse. The handler must never fail: an error here would leave the store
// permanently unreadable. When the snapshot itself is missing or unusable,
// the store restarts empty. That is deliberate fail-open data loss, recorded
// as a diagnostic and nothing more.

package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jeranaias/sealkv/diag"
	"github.com/jeranaias/sealkv/record"
	"github.com/jeranaias/sealkv/seal"
)

// recoverSnapshot rebuilds a record set from the last backup snapshot.
func (s *Store) recoverSnapshot() record.RecordSet {
	data, err := os.ReadFile(s.backupPath)
	if err != nil {
		s.rec.Record(s.name, diag.EventRecoveryEmpty, err, map[string]string{
			"snapshot": s.backupPath,
		})
		return record.RecordSet{}
	}

	var snap map[string]string
	if err := json.Unmarshal(data, &snap); err != nil {
		s.rec.Record(s.name, diag.EventRecoveryEmpty, err, map[string]string{
			"snapshot": s.backupPath,
		})
		return record.RecordSet{}
	}

	rs := make(record.RecordSet, len(snap))
	for key, encoded := range snap {
		if s.backend.rawValues() {
			raw, err := seal.DecodeText(encoded)
			if err != nil {
				// Treat a bad entry as a bad snapshot; partially restored
				// state would be indistinguishable from silent loss.
				s.rec.Record(s.name, diag.EventRecoveryEmpty, err, map[string]string{
					"snapshot": s.backupPath,
					"key":      key,
				})
				return record.RecordSet{}
			}
			rs[key] = raw
		} else {
			rs[key] = []byte(encoded)
		}
	}

	s.rec.Record(s.name, diag.EventRecoveryRestored, nil, map[string]string{
		"snapshot": s.backupPath,
		"records":  fmt.Sprint(len(rs)),
	})
	return rs
}

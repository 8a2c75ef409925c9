// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

// Unix permission hardening for the file-based keystore.
//
// The key directory must be 0700 or tighter and each key file 0600 or
// tighter; anything group- or world-accessible is refused rather than
// silently read.

package keystore

import (
	"fmt"
	"os"
)

// verifyPermissions refuses to read key material through insecure modes.
func verifyPermissions(dir, path string) error {
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat keystore directory: %w", err)
	}
	if mode := dirInfo.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("keystore directory %s has insecure permissions %o; "+
			"fix with: chmod 700 %s", dir, mode, dir)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat key file: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %o; "+
			"fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

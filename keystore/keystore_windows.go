// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows
// +build windows

// Windows keystore support.
//
// Key files are wrapped with DPAPI (CryptProtectData) before hitting disk, so
// the stored blob can only be unwrapped under the creating user's logon
// credentials. POSIX permission verification does not apply on NTFS; the
// DPAPI wrapping stands in for it.

package keystore

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"
)

// verifyPermissions is a no-op on Windows; DPAPI binding protects the blob.
func verifyPermissions(dir, path string) error {
	return nil
}

// =============================================================================
// DPAPI PROVIDER
// =============================================================================

// DPAPIProvider stores per-alias key files wrapped with Windows DPAPI.
type DPAPIProvider struct {
	dir string
}

// NewDPAPIProvider returns a DPAPI-wrapping provider rooted at dir.
func NewDPAPIProvider(dir string) *DPAPIProvider {
	return &DPAPIProvider{dir: dir}
}

// GetOrCreate returns the key for alias, creating and wrapping it on first use.
func (p *DPAPIProvider) GetOrCreate(alias string, size int) ([]byte, error) {
	if err := validAlias(alias); err != nil {
		return nil, err
	}
	path := filepath.Join(p.dir, alias+".key")

	if blob, err := os.ReadFile(path); err == nil {
		key, err := dpapiDecrypt(blob)
		if err != nil {
			return nil, fmt.Errorf("DPAPI unwrap failed: %w", err)
		}
		if len(key) != size {
			return nil, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(key), size)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	blob, err := dpapiEncrypt(key)
	if err != nil {
		Zero(key)
		return nil, fmt.Errorf("DPAPI wrap failed: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Lost the creation race; unwrap the winner's key instead.
			Zero(key)
			return p.GetOrCreate(alias, size)
		}
		Zero(key)
		return nil, fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(path)
		Zero(key)
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		Zero(key)
		return nil, fmt.Errorf("close key file: %w", err)
	}
	return key, nil
}

// =============================================================================
// DPAPI CALLS
// =============================================================================

// dataBLOB is the Windows DATA_BLOB structure.
type dataBLOB struct {
	cbData uint32
	pbData *byte
}

var (
	crypt32                = windows.NewLazySystemDLL("crypt32.dll")
	procCryptProtectData   = crypt32.NewProc("CryptProtectData")
	procCryptUnprotectData = crypt32.NewProc("CryptUnprotectData")
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procLocalFree          = kernel32.NewProc("LocalFree")
)

// cryptprotectUIForbidden suppresses credential UI from service contexts.
const cryptprotectUIForbidden = 0x01

func dpapiEncrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	dataIn := dataBLOB{cbData: uint32(len(data)), pbData: &data[0]}
	var dataOut dataBLOB

	ret, _, err := procCryptProtectData.Call(
		uintptr(unsafe.Pointer(&dataIn)),
		0, 0, 0, 0,
		cryptprotectUIForbidden,
		uintptr(unsafe.Pointer(&dataOut)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("CryptProtectData failed: %w", err)
	}

	out := make([]byte, dataOut.cbData)
	copy(out, unsafe.Slice(dataOut.pbData, dataOut.cbData))
	procLocalFree.Call(uintptr(unsafe.Pointer(dataOut.pbData)))
	return out, nil
}

func dpapiDecrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	dataIn := dataBLOB{cbData: uint32(len(data)), pbData: &data[0]}
	var dataOut dataBLOB

	ret, _, err := procCryptUnprotectData.Call(
		uintptr(unsafe.Pointer(&dataIn)),
		0, 0, 0, 0,
		cryptprotectUIForbidden,
		uintptr(unsafe.Pointer(&dataOut)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("CryptUnprotectData failed: %w", err)
	}

	out := make([]byte, dataOut.cbData)
	copy(out, unsafe.Slice(dataOut.pbData, dataOut.cbData))
	procLocalFree.Call(uintptr(unsafe.Pointer(dataOut.pbData)))
	return out, nil
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// CODEC CONTRACT
// =============================================================================

// Codec turns a record set into physical bytes and back. Decode must return
// an error for any input it cannot fully account for; that error is what
// routes a read through the corruption handler.
type Codec interface {
	Name() string
	Encode(RecordSet) ([]byte, error)
	Decode([]byte) (RecordSet, error)
}

// ErrCorrupt wraps all decode failures so callers can test for them.
var ErrCorrupt = errors.New("record: corrupt store content")

// =============================================================================
// JSON CODEC (TEXT FLAVOR)
// =============================================================================

// JSONCodec persists the record set as a JSON object of string → string.
// Values must be valid UTF-8; the encrypted-store text flavor stores base64
// ciphertext here, which always is.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Encode marshals with sorted keys (json.Marshal sorts map keys) so equal
// record sets produce identical bytes.
func (JSONCodec) Encode(rs RecordSet) ([]byte, error) {
	m := make(map[string]string, len(rs))
	for k, v := range rs {
		m[k] = string(v)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json records: %w", err)
	}
	return data, nil
}

// Decode parses the JSON object. Empty input decodes to an empty set: a
// freshly created file is not corruption.
func (JSONCodec) Decode(data []byte) (RecordSet, error) {
	if len(data) == 0 {
		return RecordSet{}, nil
	}
	var m map[string]string
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	// Trailing garbage after the object is corruption too.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after record object", ErrCorrupt)
	}
	rs := make(RecordSet, len(m))
	for k, v := range m {
		rs[k] = []byte(v)
	}
	return rs, nil
}

// =============================================================================
// BINARY CODEC (BINARY FLAVOR)
// =============================================================================

// binaryMagic identifies the binary record format, version 1.
var binaryMagic = []byte("SKV1")

// checksumSize is the trailing SHA-256 over everything before it.
const checksumSize = sha256.Size

// BinaryCodec persists the record set as a length-prefixed binary record:
//
//	magic "SKV1"
//	uvarint entry count
//	per entry: uvarint key length, key, uvarint value length, value
//	SHA-256 checksum of all preceding bytes
//
// The checksum turns truncation and bit flips into decode errors instead of
// silently wrong entries.
type BinaryCodec struct{}

// Name returns "binary".
func (BinaryCodec) Name() string { return "binary" }

// Encode writes entries in sorted key order for deterministic output.
func (BinaryCodec) Encode(rs RecordSet) ([]byte, error) {
	keys := make([]string, 0, len(rs))
	for k := range rs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	buf = append(buf, binaryMagic...)
	buf = binary.AppendUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		buf = binary.AppendUvarint(buf, uint64(len(rs[k])))
		buf = append(buf, rs[k]...)
	}

	sum := sha256.Sum256(buf)
	return append(buf, sum[:]...), nil
}

// Decode verifies the checksum before trusting any entry.
func (BinaryCodec) Decode(data []byte) (RecordSet, error) {
	if len(data) == 0 {
		return RecordSet{}, nil
	}
	if len(data) < len(binaryMagic)+checksumSize {
		return nil, fmt.Errorf("%w: truncated binary record", ErrCorrupt)
	}

	body, sum := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	want := sha256.Sum256(body)
	if !bytes.Equal(sum, want[:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if !bytes.Equal(body[:len(binaryMagic)], binaryMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	r := bytes.NewReader(body[len(binaryMagic):])
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: entry count: %v", ErrCorrupt, err)
	}

	rs := make(RecordSet, count)
	for i := uint64(0); i < count; i++ {
		key, err := readChunk(r)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d key: %v", ErrCorrupt, i, err)
		}
		val, err := readChunk(r)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d value: %v", ErrCorrupt, i, err)
		}
		rs[string(key)] = val
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return rs, nil
}

// readChunk reads one uvarint-prefixed byte chunk.
func readChunk(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("chunk length %d exceeds remaining %d bytes", n, r.Len())
	}
	chunk := make([]byte, n)
	if _, err := r.Read(chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Typed convenience layer.
//
// Values are serialized with encoding/json before entering the string path,
// so the store itself only ever sees strings. Encoding failure is the
// caller's malformed data and propagates from PutValue; decoding failure on
// the way out follows the decrypt-failure policy and reads as absent.

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jeranaias/sealkv/diag"
)

// TypedEntry is one subscription emission for a decoded value.
type TypedEntry[T any] struct {
	Value   T
	Present bool
}

// PutValue serializes v and stores it under key. Returns ErrSerialize when v
// cannot be encoded.
func PutValue[T any](ctx context.Context, s *Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	return s.Put(ctx, key, string(data))
}

// GetValue loads and decodes the value under key. An undecodable record
// reads as absent, with a diagnostic, mirroring decrypt-failure handling.
func GetValue[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var zero T

	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.rec.Record(s.name, diag.EventDecodeFailure, err, map[string]string{"key": key})
		return zero, false, nil
	}
	return v, true, nil
}

// SubscribeValue is Subscribe with decoding. Emissions that fail to decode
// surface as absent for that emission only.
func SubscribeValue[T any](ctx context.Context, s *Store, key string) (<-chan TypedEntry[T], error) {
	in, err := s.Subscribe(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make(chan TypedEntry[T], 1)
	go func() {
		defer close(out)
		for entry := range in {
			typed := TypedEntry[T]{}
			if entry.Present {
				var v T
				if err := json.Unmarshal([]byte(entry.Value), &v); err == nil {
					typed = TypedEntry[T]{Value: v, Present: true}
				} else {
					s.rec.Record(s.name, diag.EventDecodeFailure, err, map[string]string{"key": key})
				}
			}
			sendLatest(out, typed)
		}
	}()
	return out, nil
}

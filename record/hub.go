// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package record

import (
	"context"
	"sync"
)

// hub fans committed record sets out to subscribers. Channels are buffered
// with one slot and publishes coalesce: when a subscriber lags, the stale
// snapshot is replaced by the newest one rather than queued behind it.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan RecordSet
	next   int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan RecordSet)}
}

// subscribe registers a channel primed with initial. The subscription is
// removed and the channel closed when ctx is done or the hub closes.
func (h *hub) subscribe(ctx context.Context, initial RecordSet) <-chan RecordSet {
	ch := make(chan RecordSet, 1)
	ch <- initial

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}()

	return ch
}

// publish delivers snap to every subscriber, latest-wins.
func (h *hub) publish(snap RecordSet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- snap.Clone():
		default:
			// Drop the stale snapshot, then deliver the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap.Clone():
			default:
			}
		}
	}
}

// close shuts every subscriber channel and rejects future subscriptions.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

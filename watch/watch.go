// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package watch observes a single file for create, modify, and delete.
//
// Notify delivers the file's current state to the sink immediately, then one
// event per subsequent change, using fsnotify where available and falling
// back to polling where it is not. The returned cancel function releases the
// underlying watch promptly; events stop after it returns.
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event describes the observed state of the watched file.
// Exists is false (and ModTime zero) when the file is absent.
type Event struct {
	ModTime time.Time
	Exists  bool
}

// CancelFunc detaches the watch. Safe to call more than once.
type CancelFunc func()

// PollInterval is the polling cadence used when fsnotify is unavailable.
const PollInterval = 200 * time.Millisecond

// Notify watches path and invokes sink serially from a single goroutine.
// The first event (the file's current state) is delivered before any change
// events, but asynchronously to this call.
func Notify(path string, sink func(Event)) (CancelFunc, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	// fsnotify watches the parent directory: the file itself may not exist
	// yet, and watches on the file would be lost across atomic renames.
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if err := w.Add(filepath.Dir(abs)); err == nil {
			go runFsnotify(w, abs, sink, done)
			return func() { cancel(); w.Close() }, nil
		}
		w.Close()
	}

	// Fallback to polling.
	go runPolling(abs, sink, done)
	return cancel, nil
}

// stat reduces the file's state to an Event.
func stat(path string) Event {
	info, err := os.Stat(path)
	if err != nil {
		return Event{}
	}
	return Event{ModTime: info.ModTime(), Exists: true}
}

func runFsnotify(w *fsnotify.Watcher, path string, sink func(Event), done <-chan struct{}) {
	defer func() {
		// A panicking sink must not take the process down.
		_ = recover()
	}()

	sink(stat(path))

	for {
		select {
		case <-done:
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				sink(stat(path))
			}

		case _, ok := <-w.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal; the next event re-stats anyway.
		}
	}
}

func runPolling(path string, sink func(Event), done <-chan struct{}) {
	defer func() {
		_ = recover()
	}()

	last := stat(path)
	sink(last)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cur := stat(path)
			if cur != last {
				last = cur
				sink(cur)
			}
		}
	}
}

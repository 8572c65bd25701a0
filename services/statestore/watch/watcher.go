// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch emits coalesced filesystem change events for a state tree.
//
// # Debouncing
//
// Raw fsnotify events are coalesced per path: rapid modifications within
// the debounce window collapse into a single event, emitted only after
// the window elapses with no further activity (quiescence). Events on
// different paths carry no ordering guarantee; events on the same path
// are emitted in chronological order because each path owns one timer.
//
// # Consumption
//
// Consumers receive from a Subscription channel rather than registering
// callbacks. The stream never terminates on its own; Close the
// subscription (safe from any goroutine, idempotent) to end it.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind is the coalesced change type for a path.
type Kind int

const (
	// Created indicates the path appeared during the window.
	Created Kind = iota

	// Modified indicates the path's content changed.
	Modified

	// Removed indicates the path was deleted or renamed away.
	Removed
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one coalesced change notification.
type Event struct {
	// Path is the absolute path of the changed file.
	Path string

	// Kind is the coalesced change type.
	Kind Kind

	// At is when the last raw event in the window was observed.
	At time.Time
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long a path must stay quiet before its coalesced
	// event is emitted. Default: 100ms.
	Debounce time.Duration

	// BufferSize is the per-subscription channel capacity. When a
	// consumer falls this far behind, further events for it are
	// dropped. Default: 256.
	BufferSize int

	// IgnorePatterns are glob patterns (matched against base names)
	// that never produce events. Temp siblings from atomic writes are
	// always ignored. Default: [".statevault", ".git"].
	IgnorePatterns []string

	// Logger for watcher diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Watcher observes a directory tree and fans out coalesced events.
//
// # Thread Safety
//
// Safe for concurrent use. The event loop runs in a single goroutine;
// per-path timers fire on the shared timer goroutines.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	debounce time.Duration
	bufSize  int
	ignore   []string
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pathState
	subs    map[*Subscription]struct{}
	closed  bool

	done     chan struct{}
	stopOnce sync.Once
}

// pathState tracks the coalescing window for one path.
type pathState struct {
	kind  Kind
	at    time.Time
	timer *time.Timer
}

// Subscription is one consumer's view of the event stream.
type Subscription struct {
	w         *Watcher
	paths     []string // absolute path prefixes; empty means everything
	ch        chan Event
	closeOnce sync.Once
}

// NewWatcher starts watching the tree rooted at root.
//
// # Description
//
// Adds root and every existing subdirectory to the fsnotify watcher;
// directories created later are added as they appear. The watcher emits
// nothing until a Subscription is created.
//
// # Inputs
//
//   - root: Directory to observe. Must exist.
//   - opts: Tuning options; zero value is valid.
//
// # Outputs
//
//   - *Watcher: Running watcher. Close it to release the inotify handles.
//   - error: Non-nil if root cannot be watched.
func NewWatcher(root string, opts Options) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if opts.Debounce == 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = 256
	}
	if opts.IgnorePatterns == nil {
		opts.IgnorePatterns = []string{".statevault", ".git"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     absRoot,
		fsw:      fsw,
		debounce: opts.Debounce,
		bufSize:  opts.BufferSize,
		ignore:   opts.IgnorePatterns,
		logger:   opts.Logger.With("component", "watch.Watcher"),
		pending:  make(map[string]*pathState),
		subs:     make(map[*Subscription]struct{}),
		done:     make(chan struct{}),
	}

	if err := w.addTree(absRoot); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Subscribe returns a stream of coalesced events for the given paths.
//
// # Description
//
// Each path is treated as a prefix: subscribing to a directory covers
// everything beneath it. With no paths, the subscription covers the
// whole tree. Events arrive on the returned subscription's channel
// until Close is called.
func (w *Watcher) Subscribe(paths ...string) (*Subscription, error) {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		abs = append(abs, a)
	}

	sub := &Subscription{
		w:     w,
		paths: abs,
		ch:    make(chan Event, w.bufSize),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, os.ErrClosed
	}
	w.subs[sub] = struct{}{}
	return sub, nil
}

// Events returns the subscription's event channel.
//
// The channel is closed when the subscription or its watcher closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close ends the subscription.
//
// Safe to call from any goroutine, any number of times. Events already
// buffered remain readable until the channel is drained.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		// The channel must close under w.mu: emit sends while holding
		// the lock, so closing inside the same critical section rules
		// out a send racing the close.
		s.w.mu.Lock()
		delete(s.w.subs, s)
		close(s.ch)
		s.w.mu.Unlock()
	})
}

// Close stops the watcher and closes all subscriptions.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for _, st := range w.pending {
			st.timer.Stop()
		}
		w.pending = make(map[string]*pathState)
		subs := make([]*Subscription, 0, len(w.subs))
		for s := range w.subs {
			subs = append(subs, s)
		}
		w.mu.Unlock()

		for _, s := range subs {
			s.Close()
		}
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

// =============================================================================
// Event loop
// =============================================================================

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	base := filepath.Base(name)

	if w.ignored(base) {
		return
	}

	// New directories join the watch set so nested changes are seen.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if err := w.addTree(name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", name, "error", err)
			}
			return
		}
	}

	var kind Kind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = Created
	case event.Op&fsnotify.Write != 0:
		kind = Modified
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = Removed
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	now := time.Now()
	if st, ok := w.pending[name]; ok {
		st.kind = mergeKind(st.kind, kind)
		st.at = now
		st.timer.Reset(w.debounce)
		return
	}

	st := &pathState{kind: kind, at: now}
	st.timer = time.AfterFunc(w.debounce, func() { w.emit(name) })
	w.pending[name] = st
}

// emit fires after a path's quiescence window elapses.
func (w *Watcher) emit(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.pending[path]
	if !ok || w.closed {
		return
	}
	delete(w.pending, path)
	event := Event{Path: path, Kind: st.kind, At: st.at}

	// Sends stay under w.mu. Subscription.Close removes the sub and
	// closes its channel in the same critical section, so every channel
	// reached here is still open. The sends never block, a full buffer
	// falls through to the drop branch.
	for s := range w.subs {
		if !s.covers(path) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			w.logger.Warn("dropping change event for slow subscriber",
				"path", path, "kind", event.Kind.String())
		}
	}
}

// covers reports whether the subscription's path set includes path.
func (s *Subscription) covers(path string) bool {
	if len(s.paths) == 0 {
		return true
	}
	for _, p := range s.paths {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// mergeKind coalesces two raw kinds observed within one window.
func mergeKind(old, new Kind) Kind {
	switch {
	case new == Removed:
		return Removed
	case old == Created:
		// Create followed by writes is still a create to observers.
		return Created
	case old == Removed && new == Created:
		// Removed then recreated within the window reads as a modify.
		return Modified
	default:
		return new
	}
}

// addTree adds dir and all nested directories to the fsnotify watcher.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// ignored reports whether a base name never produces events.
func (w *Watcher) ignored(base string) bool {
	if strings.Contains(base, ".tmp-") {
		return true
	}
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := NewWatcher(root, Options{Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func waitEvent(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestModifiedEventEmitted(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.rec")
	if err := os.WriteFile(target, []byte("v0"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	w := newTestWatcher(t, root)
	sub, err := w.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := os.WriteFile(target, []byte("v1"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := waitEvent(t, sub.Events(), 2*time.Second)
	if e.Path != target {
		t.Errorf("Path = %s, want %s", e.Path, target)
	}
	if e.Kind != Modified {
		t.Errorf("Kind = %s, want modified", e.Kind)
	}
}

func TestRapidWritesCoalesce(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.rec")
	if err := os.WriteFile(target, []byte("v0"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	w := newTestWatcher(t, root)
	sub, err := w.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	// Many writes inside one debounce window.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(target, []byte{byte(i)}, 0644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	first := waitEvent(t, sub.Events(), 2*time.Second)
	if first.Kind != Modified {
		t.Errorf("Kind = %s, want modified", first.Kind)
	}

	// Quiet period: no second event for the same burst.
	select {
	case e := <-sub.Events():
		t.Errorf("unexpected second event: %+v", e)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCreateThenWriteReadsAsCreated(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	sub, err := w.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	target := filepath.Join(root, "new.rec")
	f, err := os.Create(target)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.WriteString("content")
	f.Close()

	e := waitEvent(t, sub.Events(), 2*time.Second)
	if e.Kind != Created {
		t.Errorf("Kind = %s, want created", e.Kind)
	}
}

func TestRemoveEvent(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.rec")
	if err := os.WriteFile(target, []byte("v0"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	w := newTestWatcher(t, root)
	sub, err := w.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := os.Remove(target); err != nil {
		t.Fatalf("remove: %v", err)
	}

	e := waitEvent(t, sub.Events(), 2*time.Second)
	if e.Kind != Removed {
		t.Errorf("Kind = %s, want removed", e.Kind)
	}
}

func TestSubscriptionPathFilter(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	w := newTestWatcher(t, root)
	sub, err := w.Subscribe(subdir)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	// Outside the filter: no event.
	if err := os.WriteFile(filepath.Join(root, "outside.rec"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Inside the filter: event.
	inside := filepath.Join(subdir, "inside.rec")
	if err := os.WriteFile(inside, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := waitEvent(t, sub.Events(), 2*time.Second)
	if e.Path != inside {
		t.Errorf("Path = %s, want %s (outside path leaked through filter)", e.Path, inside)
	}
}

func TestTempSiblingsIgnored(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	sub, err := w.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := os.WriteFile(filepath.Join(root, "a.rec.tmp-deadbeef"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case e := <-sub.Events():
		t.Errorf("temp sibling produced event: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseSafety(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	sub, err := w.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Close from multiple goroutines, multiple times.
	done := make(chan struct{})
	go func() {
		sub.Close()
		close(done)
	}()
	sub.Close()
	<-done

	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after Close")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("watcher Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second watcher Close failed: %v", err)
	}
}

func TestCloseRacingEmit(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	target := filepath.Join(root, "a.rec")

	// Fire emit and Close concurrently, over and over. A send landing
	// on a just-closed channel panics the emitting goroutine and takes
	// the test binary down with it.
	for i := 0; i < 500; i++ {
		sub, err := w.Subscribe()
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		go func() {
			for range sub.Events() {
			}
		}()

		w.mu.Lock()
		w.pending[target] = &pathState{kind: Modified, at: time.Now()}
		w.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.emit(target)
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
		wg.Wait()
	}
}

func TestMergeKind(t *testing.T) {
	cases := []struct {
		old, new, want Kind
	}{
		{Created, Modified, Created},
		{Modified, Modified, Modified},
		{Modified, Removed, Removed},
		{Created, Removed, Removed},
		{Removed, Created, Modified},
	}
	for _, tc := range cases {
		if got := mergeKind(tc.old, tc.new); got != tc.want {
			t.Errorf("mergeKind(%s, %s) = %s, want %s", tc.old, tc.new, got, tc.want)
		}
	}
}

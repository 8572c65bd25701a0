// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides a read-through cache of decoded state records.
//
// The cache sits between readers and the on-disk record files. A hit
// returns the decoded record without touching the disk; a miss loads
// through a caller-supplied LoadFunc, with concurrent loads for the
// same path deduplicated via singleflight. Invalidation is driven by
// the change watcher and by transaction commits.
package cache

import (
	"container/list"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/statevault/services/statestore/codec"
)

// ErrNotFound is returned by a LoadFunc (and propagated by Get) when
// no record exists at the requested path.
var ErrNotFound = errors.New("no record at path")

// NormalizePath canonicalizes a logical state path: trimmed, forward
// slashes, exactly one leading slash. Every public cache method keys
// by this form, so "foo", "/foo", and "/a/../foo" address the same
// entry. Components that exchange paths with the cache (coordinator,
// watcher) use the same form.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return filepath.ToSlash(filepath.Clean(path))
}

// LoadFunc reads and decodes the record stored at path.
//
// Implementations return ErrNotFound (possibly wrapped) when the path
// has never been written. Load errors are NOT cached; the next Get
// retries the disk.
type LoadFunc func(ctx context.Context, path string) (*codec.Record, error)

// Options configures a StateCache.
type Options struct {
	// MaxEntries bounds the cache size; least recently used entries
	// are evicted past this. Default: 4096.
	MaxEntries int

	// MaxAge expires entries after this duration. Zero disables
	// TTL expiry (entries live until invalidated or evicted).
	MaxAge time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{MaxEntries: 4096}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	EntryCount int
	Hits       int64
	Misses     int64
	Evictions  int64
	Loads      int64
	LoadErrors int64
}

// entry is one cached record.
type entry struct {
	record     *codec.Record
	loadedAt   time.Time
	lruElement *list.Element
}

// StateCache is a read-through record cache keyed by state path.
//
// Thread Safety:
//
//	Safe for concurrent use. The entry map and LRU list are guarded
//	by a single mutex; loads run outside it under singleflight.
type StateCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	flight  singleflight.Group
	load    LoadFunc
	options Options

	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	loads      atomic.Int64
	loadErrors atomic.Int64
}

// New creates a StateCache that loads misses through load.
func New(load LoadFunc, options Options) *StateCache {
	if options.MaxEntries <= 0 {
		options.MaxEntries = DefaultOptions().MaxEntries
	}
	return &StateCache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		load:    load,
		options: options,
	}
}

// Get returns the record at path, loading it on a miss.
//
// Description:
//
//	Checks the cache first. On a miss, at most one load per path runs
//	at a time; concurrent callers share its result. The returned
//	record is shared between callers and must be treated as read-only.
//
// Outputs:
//
//	*codec.Record - The decoded record. Nil on error.
//	error - ErrNotFound for unwritten paths, decode or I/O errors
//	        from the loader otherwise.
func (c *StateCache) Get(ctx context.Context, path string) (*codec.Record, error) {
	path = NormalizePath(path)
	if rec, ok := c.lookup(path); ok {
		c.hits.Add(1)
		return rec, nil
	}
	c.misses.Add(1)

	result, err, _ := c.flight.Do(path, func() (interface{}, error) {
		// Another flight member may have populated the entry between
		// our miss and the flight starting.
		if rec, ok := c.lookup(path); ok {
			return rec, nil
		}

		c.loads.Add(1)
		rec, err := c.load(ctx, path)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.loadErrors.Add(1)
			}
			return nil, err
		}
		c.store(path, rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*codec.Record), nil
}

// Peek returns the cached record without loading on a miss.
func (c *StateCache) Peek(path string) (*codec.Record, bool) {
	return c.lookup(NormalizePath(path))
}

// Put installs a freshly written record, replacing any cached value.
//
// Called by the transaction coordinator after commit so readers see
// the new version without a disk round trip.
func (c *StateCache) Put(path string, rec *codec.Record) {
	c.store(NormalizePath(path), rec)
}

// Invalidate drops the cached entry for path, if any.
func (c *StateCache) Invalidate(path string) {
	path = NormalizePath(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		c.removeLocked(path, e)
	}
}

// InvalidateAll empties the cache.
func (c *StateCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
}

// Stats returns current cache statistics.
func (c *StateCache) Stats() Stats {
	c.mu.Lock()
	count := len(c.entries)
	c.mu.Unlock()

	return Stats{
		EntryCount: count,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Loads:      c.loads.Load(),
		LoadErrors: c.loadErrors.Load(),
	}
}

// lookup returns the cached record and bumps its LRU position.
func (c *StateCache) lookup(path string) (*codec.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	if c.options.MaxAge > 0 && time.Since(e.loadedAt) > c.options.MaxAge {
		c.removeLocked(path, e)
		return nil, false
	}
	c.lru.MoveToFront(e.lruElement)
	return e.record, true
}

// store inserts or replaces the entry for path, evicting if needed.
func (c *StateCache) store(path string, rec *codec.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[path]; ok {
		existing.record = rec
		existing.loadedAt = time.Now()
		c.lru.MoveToFront(existing.lruElement)
		return
	}

	for len(c.entries) >= c.options.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(string)
		c.removeLocked(victim, c.entries[victim])
		c.evictions.Add(1)
	}

	e := &entry{record: rec, loadedAt: time.Now()}
	e.lruElement = c.lru.PushFront(path)
	c.entries[path] = e
}

// removeLocked removes an entry. Caller holds c.mu.
func (c *StateCache) removeLocked(path string, e *entry) {
	if e.lruElement != nil {
		c.lru.Remove(e.lruElement)
	}
	delete(c.entries, path)
}

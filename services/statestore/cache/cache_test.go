// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statevault/services/statestore/codec"
)

func record(clock uint64, payload string) *codec.Record {
	return &codec.Record{
		SchemaVersion: codec.SchemaVersion,
		LogicalClock:  clock,
		WrittenAt:     time.Now(),
		Payload:       []byte(payload),
	}
}

// countingLoader returns a LoadFunc backed by a map, counting calls.
func countingLoader(data map[string]*codec.Record, calls *atomic.Int64) LoadFunc {
	return func(_ context.Context, path string) (*codec.Record, error) {
		calls.Add(1)
		rec, ok := data[path]
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return rec, nil
	}
}

func TestGetLoadsOnceThenHits(t *testing.T) {
	var calls atomic.Int64
	c := New(countingLoader(map[string]*codec.Record{
		"/config/app": record(3, "v3"),
	}, &calls), DefaultOptions())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec, err := c.Get(ctx, "/config/app")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), rec.LogicalClock)
	}

	assert.Equal(t, int64(1), calls.Load())
	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGetNotFound(t *testing.T) {
	var calls atomic.Int64
	c := New(countingLoader(nil, &calls), DefaultOptions())

	_, err := c.Get(context.Background(), "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Not-found is not cached; a later Get retries the loader.
	_, err = c.Get(context.Background(), "/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(2), calls.Load())

	// Not-found does not count as a load error.
	assert.Equal(t, int64(0), c.Stats().LoadErrors)
}

func TestLoadErrorNotCached(t *testing.T) {
	fail := errors.New("disk on fire")
	failing := true
	c := New(func(_ context.Context, _ string) (*codec.Record, error) {
		if failing {
			return nil, fail
		}
		return record(1, "ok"), nil
	}, DefaultOptions())

	_, err := c.Get(context.Background(), "/a")
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, int64(1), c.Stats().LoadErrors)

	failing = false
	rec, err := c.Get(context.Background(), "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), rec.Payload)
}

func TestConcurrentGetsShareOneLoad(t *testing.T) {
	var calls atomic.Int64
	gate := make(chan struct{})
	c := New(func(_ context.Context, _ string) (*codec.Record, error) {
		calls.Add(1)
		<-gate
		return record(1, "shared"), nil
	}, DefaultOptions())

	const n = 8
	var wg sync.WaitGroup
	results := make([]*codec.Record, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := c.Get(context.Background(), "/hot")
			require.NoError(t, err)
			results[i] = rec
		}(i)
	}

	// Let the flight gather before releasing the load.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, rec := range results {
		assert.Same(t, results[0], rec)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	var calls atomic.Int64
	data := map[string]*codec.Record{"/a": record(1, "v1")}
	c := New(countingLoader(data, &calls), DefaultOptions())

	ctx := context.Background()
	rec, err := c.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.LogicalClock)

	data["/a"] = record(2, "v2")
	c.Invalidate("/a")

	rec, err = c.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.LogicalClock)
	assert.Equal(t, int64(2), calls.Load())
}

func TestPutReplacesCachedValue(t *testing.T) {
	var calls atomic.Int64
	c := New(countingLoader(map[string]*codec.Record{
		"/a": record(1, "v1"),
	}, &calls), DefaultOptions())

	ctx := context.Background()
	_, err := c.Get(ctx, "/a")
	require.NoError(t, err)

	c.Put("/a", record(2, "v2"))

	rec, err := c.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.LogicalClock)
	assert.Equal(t, int64(1), calls.Load(), "Put should not trigger a reload")
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/a", NormalizePath("a"))
	assert.Equal(t, "/a", NormalizePath(" /a "))
	assert.Equal(t, "/a/b", NormalizePath("/a//b/"))
	assert.Equal(t, "/b", NormalizePath("/a/../b"))
}

func TestPathSpellingsShareOneEntry(t *testing.T) {
	var calls atomic.Int64
	c := New(countingLoader(map[string]*codec.Record{
		"/a": record(1, "v1"),
	}, &calls), DefaultOptions())

	ctx := context.Background()
	for _, p := range []string{"a", "/a", "/x/../a"} {
		rec, err := c.Get(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), rec.LogicalClock)
	}
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, c.Stats().EntryCount)

	// A Put under the canonical spelling is visible to every spelling.
	c.Put("/a", record(2, "v2"))
	rec, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.LogicalClock)

	// Invalidating one spelling drops the entry cached under another.
	c.Invalidate("a")
	_, ok := c.Peek("/a")
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	var calls atomic.Int64
	data := map[string]*codec.Record{}
	for i := 0; i < 4; i++ {
		data[fmt.Sprintf("/k%d", i)] = record(1, "x")
	}
	c := New(countingLoader(data, &calls), Options{MaxEntries: 2})

	ctx := context.Background()
	_, _ = c.Get(ctx, "/k0")
	_, _ = c.Get(ctx, "/k1")
	_, _ = c.Get(ctx, "/k2") // evicts /k0

	_, ok := c.Peek("/k0")
	assert.False(t, ok)
	_, ok = c.Peek("/k2")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, 2, stats.EntryCount)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMaxAgeExpiry(t *testing.T) {
	var calls atomic.Int64
	c := New(countingLoader(map[string]*codec.Record{
		"/a": record(1, "x"),
	}, &calls), Options{MaxEntries: 10, MaxAge: 20 * time.Millisecond})

	ctx := context.Background()
	_, err := c.Get(ctx, "/a")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = c.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestInvalidateAll(t *testing.T) {
	var calls atomic.Int64
	c := New(countingLoader(map[string]*codec.Record{
		"/a": record(1, "x"),
		"/b": record(1, "y"),
	}, &calls), DefaultOptions())

	ctx := context.Background()
	_, _ = c.Get(ctx, "/a")
	_, _ = c.Get(ctx, "/b")
	require.Equal(t, 2, c.Stats().EntryCount)

	c.InvalidateAll()
	assert.Equal(t, 0, c.Stats().EntryCount)

	_, err := c.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

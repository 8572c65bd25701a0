// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testEntry(path string, clock uint64) Entry {
	return Entry{
		Actor:        "session-1",
		Path:         path,
		Op:           OpPut,
		LogicalClock: clock,
		Timestamp:    time.Now().UTC(),
		TxID:         "tx-abc",
	}
}

func TestAppendAndReplay(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, testEntry("/a", 1)))
	require.NoError(t, l.Append(ctx, testEntry("/b", 1), testEntry("/a", 2)))
	assert.Equal(t, uint64(3), l.LastSeq())

	var seqs []uint64
	var paths []string
	err := l.Replay(ctx, 0, func(seq uint64, entry Entry) error {
		seqs = append(seqs, seq)
		paths = append(paths, entry.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	assert.Equal(t, []string{"/a", "/b", "/a"}, paths)
}

func TestReplayFromOffset(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Append(ctx, testEntry("/x", uint64(i))))
	}

	var clocks []uint64
	err := l.Replay(ctx, 4, func(_ uint64, entry Entry) error {
		clocks = append(clocks, entry.LogicalClock)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, clocks)
}

func TestReplayPreservesFields(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	in := Entry{
		Actor:        "pid-42",
		Path:         "/config/app",
		Op:           OpDelete,
		LogicalClock: 9,
		Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TxID:         "tx-9f",
	}
	require.NoError(t, l.Append(ctx, in))

	var out Entry
	err := l.Replay(ctx, 1, func(_ uint64, entry Entry) error {
		out = entry
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAppendEmptyIsNoop(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(context.Background()))
	assert.Equal(t, uint64(0), l.LastSeq())
}

func TestTail(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		require.NoError(t, l.Append(ctx, testEntry("/x", uint64(i))))
	}

	entries, err := l.Tail(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(8), entries[0].LogicalClock)
	assert.Equal(t, uint64(10), entries[2].LogicalClock)

	// Asking for more than exists returns everything.
	entries, err = l.Tail(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestRotate(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		require.NoError(t, l.Append(ctx, testEntry("/x", uint64(i))))
	}
	require.NoError(t, l.Rotate(ctx, 4))

	var seqs []uint64
	err := l.Replay(ctx, 0, func(seq uint64, _ Entry) error {
		seqs = append(seqs, seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5, 6}, seqs)

	// Sequence numbering continues past the rotation point.
	require.NoError(t, l.Append(ctx, testEntry("/x", 7)))
	assert.Equal(t, uint64(7), l.LastSeq())
}

func TestSeqRecoveredAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := Open(Config{Dir: dir, SyncWrites: false})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, testEntry("/a", 1), testEntry("/b", 1)))
	require.NoError(t, l.Close())

	l, err = Open(Config{Dir: dir, SyncWrites: false})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(2), l.LastSeq())

	require.NoError(t, l.Append(ctx, testEntry("/c", 1)))
	assert.Equal(t, uint64(3), l.LastSeq())
}

func TestClosedLogRejectsOperations(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close()) // idempotent

	ctx := context.Background()
	assert.ErrorIs(t, l.Append(ctx, testEntry("/a", 1)), ErrLogClosed)
	assert.ErrorIs(t, l.Replay(ctx, 0, func(uint64, Entry) error { return nil }), ErrLogClosed)
	assert.ErrorIs(t, l.Rotate(ctx, 1), ErrLogClosed)
}

func TestDecodeEntryCorruption(t *testing.T) {
	good, err := encodeEntry(testEntry("/a", 1))
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		entry, err := decodeEntry(good)
		require.NoError(t, err)
		assert.Equal(t, "/a", entry.Path)
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[len(bad)-1] ^= 0xff
		_, err := decodeEntry(bad)
		assert.ErrorIs(t, err, ErrEntryCorrupted)
	})

	t.Run("flipped crc", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		binary.BigEndian.PutUint32(bad[:4], binary.BigEndian.Uint32(bad[:4])+1)
		_, err := decodeEntry(bad)
		assert.ErrorIs(t, err, ErrEntryCorrupted)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := decodeEntry([]byte{0x01, 0x02})
		assert.ErrorIs(t, err, ErrEntryCorrupted)
	})
}

func TestFailedAppendLeavesNoSequenceGap(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, testEntry("/a", 1)))

	// Force one append to fail mid-write. The sequence counter must
	// not advance past the failure.
	l.encode = func(Entry) ([]byte, error) { return nil, assert.AnError }
	err := l.Append(ctx, testEntry("/b", 1))
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, uint64(1), l.LastSeq())

	l.encode = encodeEntry
	require.NoError(t, l.Append(ctx, testEntry("/c", 1)))
	assert.Equal(t, uint64(2), l.LastSeq())

	// The journal replays end to end with consecutive numbering.
	var seqs []uint64
	var paths []string
	err = l.Replay(ctx, 0, func(seq uint64, entry Entry) error {
		seqs = append(seqs, seq)
		paths = append(paths, entry.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs)
	assert.Equal(t, []string{"/a", "/c"}, paths)

	entries, err := l.Tail(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReplayCallbackErrorStopsReplay(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Append(ctx, testEntry("/x", uint64(i))))
	}

	stop := assert.AnError
	seen := 0
	err := l.Replay(ctx, 0, func(seq uint64, _ Entry) error {
		seen++
		if seq == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records every committed state mutation in an append-only
// journal.
//
// The journal lives in its own BadgerDB directory outside the canonical
// state tree, so it stays readable independently of the tree it
// describes. Entries are never mutated; Rotate is the only way data
// leaves the log.
//
// Key format: "audit:{seq_num:016d}"
// Value format: [4-byte CRC32C][gob-encoded entry]
package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	storebadger "github.com/AleutianAI/statevault/services/statestore/storage/badger"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrLogClosed is returned when operations are called on a closed log.
	ErrLogClosed = errors.New("audit log is closed")

	// ErrEntryCorrupted is returned when an entry fails its CRC check.
	ErrEntryCorrupted = errors.New("audit entry corrupted (CRC mismatch)")

	// ErrSequenceGap is returned when replay detects missing sequence numbers.
	ErrSequenceGap = errors.New("audit sequence number gap detected")
)

// castagnoli is the CRC32C table used for entry integrity.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// -----------------------------------------------------------------------------
// Entries
// -----------------------------------------------------------------------------

// Op is the kind of committed mutation.
type Op string

const (
	// OpPut records a record write.
	OpPut Op = "put"

	// OpDelete records a tombstone.
	OpDelete Op = "delete"
)

// Entry is one committed mutation.
type Entry struct {
	// Actor identifies who committed (session or process identity).
	Actor string

	// Path is the state path that changed.
	Path string

	// Op is put or delete.
	Op Op

	// LogicalClock is the path's clock after the mutation.
	LogicalClock uint64

	// Timestamp is the commit time.
	Timestamp time.Time

	// TxID correlates entries committed by the same transaction.
	TxID string
}

// Config configures an audit Log.
type Config struct {
	// Dir is the journal directory. Required unless InMemory.
	Dir string

	// InMemory uses an in-memory BadgerDB (for testing).
	InMemory bool

	// SyncWrites makes appends durable before returning.
	// Default: true. Disable only in tests.
	SyncWrites bool

	// Logger for journal operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SyncWrites: true}
}

// -----------------------------------------------------------------------------
// Log
// -----------------------------------------------------------------------------

// Log is the append-only audit journal.
//
// # Thread Safety
//
// Safe for concurrent use. appendMu serializes sequence assignment so
// a failed append never consumes numbers; BadgerDB serializes the
// writes themselves.
type Log struct {
	db     *dgbadger.DB
	gc     *storebadger.GCRunner
	logger *slog.Logger

	// encode serializes an entry for storage. Overridable in tests to
	// exercise append failures.
	encode func(Entry) ([]byte, error)

	appendMu sync.Mutex
	seq      atomic.Uint64
	closed   atomic.Bool
}

// Open opens (or creates) the audit journal.
//
// # Description
//
// Opens the underlying BadgerDB, recovers the last used sequence number
// from existing keys, and starts the value log GC runner for persistent
// journals.
//
// # Outputs
//
//   - *Log: Ready-to-use journal. Close it when done.
//   - error: Non-nil if the database cannot be opened.
func Open(config Config) (*Log, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With("component", "audit.Log")

	dbCfg := storebadger.Config{
		Path:       config.Dir,
		InMemory:   config.InMemory,
		SyncWrites: config.SyncWrites,
		Logger:     logger,
	}
	db, err := storebadger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("opening audit journal: %w", err)
	}

	l := &Log{db: db, logger: logger, encode: encodeEntry}

	if err := l.recoverSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recovering audit sequence: %w", err)
	}

	if !config.InMemory {
		gc, err := storebadger.NewGCRunner(db, 5*time.Minute, 0.5, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		gc.Start()
		l.gc = gc
	}

	return l, nil
}

// Append records one or more entries in a single atomic batch.
//
// # Description
//
// Assigns consecutive sequence numbers and writes all entries in one
// BadgerDB transaction: either every entry of a commit is recorded or
// none is. Sequence numbers advance only after the transaction commits,
// so a failed append leaves no hole for Replay to trip over. With
// SyncWrites the entries are durable when Append returns.
//
// # Inputs
//
//   - ctx: Context for cancellation, checked before the write.
//   - entries: Entries to record. Empty input is a no-op.
//
// # Outputs
//
//   - error: ErrLogClosed after Close, context or storage errors otherwise.
func (l *Log) Append(ctx context.Context, entries ...Entry) error {
	if l.closed.Load() {
		return ErrLogClosed
	}
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	base := l.seq.Load()
	err := l.db.Update(func(txn *dgbadger.Txn) error {
		for i, entry := range entries {
			seq := base + uint64(i) + 1
			value, err := l.encode(entry)
			if err != nil {
				return fmt.Errorf("encoding audit entry: %w", err)
			}
			if err := txn.Set(seqKey(seq), value); err != nil {
				return fmt.Errorf("writing audit entry %d: %w", seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.seq.Store(base + uint64(len(entries)))
	return nil
}

// Replay streams entries with sequence numbers >= fromSeq, in order.
//
// # Description
//
// Verifies each entry's CRC and that sequence numbers are consecutive.
// fn is called once per entry; returning an error stops the replay and
// propagates the error.
//
// # Outputs
//
//   - error: ErrEntryCorrupted, ErrSequenceGap, fn's error, or nil.
func (l *Log) Replay(ctx context.Context, fromSeq uint64, fn func(seq uint64, entry Entry) error) error {
	if l.closed.Load() {
		return ErrLogClosed
	}
	if fromSeq == 0 {
		fromSeq = 1
	}

	return l.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		expected := uint64(0)
		for it.Seek(seqKey(fromSeq)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			seq, err := parseSeqKey(item.Key())
			if err != nil {
				return err
			}
			if expected != 0 && seq != expected {
				return fmt.Errorf("expected seq %d, found %d (entries lost to rotation mid-range?): %w",
					expected, seq, ErrSequenceGap)
			}
			expected = seq + 1

			var entry Entry
			err = item.Value(func(val []byte) error {
				decoded, derr := decodeEntry(val)
				if derr != nil {
					return derr
				}
				entry = decoded
				return nil
			})
			if err != nil {
				return fmt.Errorf("entry %d: %w", seq, err)
			}
			if err := fn(seq, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tail returns the most recent n entries, oldest first.
func (l *Log) Tail(ctx context.Context, n int) ([]Entry, error) {
	last := l.seq.Load()
	from := uint64(1)
	if uint64(n) < last {
		from = last - uint64(n) + 1
	}

	var out []Entry
	err := l.Replay(ctx, from, func(_ uint64, entry Entry) error {
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rotate drops all entries with sequence numbers below keepFromSeq.
//
// The only sanctioned way data leaves the log. Entries at or above
// keepFromSeq are untouched.
func (l *Log) Rotate(ctx context.Context, keepFromSeq uint64) error {
	if l.closed.Load() {
		return ErrLogClosed
	}

	// Collect keys first; deleting under an open iterator is undefined.
	var victims [][]byte
	err := l.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			seq, err := parseSeqKey(it.Item().Key())
			if err != nil {
				return err
			}
			if seq >= keepFromSeq {
				break
			}
			victims = append(victims, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range victims {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("rotating audit log: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("rotating audit log: %w", err)
	}

	l.logger.Info("rotated audit log", "dropped", len(victims), "keep_from", keepFromSeq)
	return nil
}

// LastSeq returns the most recently assigned sequence number.
func (l *Log) LastSeq() uint64 {
	return l.seq.Load()
}

// Close flushes and closes the journal. Idempotent.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.gc != nil {
		l.gc.Stop()
	}
	return l.db.Close()
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

const keyPrefix = "audit:"

// seqKey builds the fixed-width key for a sequence number so that
// lexicographic key order equals numeric order.
func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", keyPrefix, seq))
}

// parseSeqKey recovers the sequence number from a key.
func parseSeqKey(key []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key), keyPrefix+"%d", &seq); err != nil {
		return 0, fmt.Errorf("malformed audit key %q: %w", key, err)
	}
	return seq, nil
}

// encodeEntry frames an entry as [crc32c][gob bytes].
func encodeEntry(entry Entry) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(&entry); err != nil {
		return nil, err
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], crc32.Checksum(body.Bytes(), castagnoli))
	copy(out[4:], body.Bytes())
	return out, nil
}

// decodeEntry verifies the CRC and decodes the gob body.
func decodeEntry(value []byte) (Entry, error) {
	if len(value) < 4 {
		return Entry{}, ErrEntryCorrupted
	}
	want := binary.BigEndian.Uint32(value[:4])
	if crc32.Checksum(value[4:], castagnoli) != want {
		return Entry{}, ErrEntryCorrupted
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(value[4:])).Decode(&entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrEntryCorrupted, err)
	}
	return entry, nil
}

// recoverSeq scans for the highest existing sequence number.
func (l *Log) recoverSeq() error {
	return l.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past the last possible key.
		it.Seek(seqKey(^uint64(0)))
		if !it.Valid() {
			return nil
		}
		seq, err := parseSeqKey(it.Item().Key())
		if err != nil {
			return err
		}
		l.seq.Store(seq)
		return nil
	})
}

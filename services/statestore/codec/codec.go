// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec serializes state records to a self-describing binary envelope.
//
// # Wire Format
//
// A record file is a fixed 64-byte header followed by payload bytes:
//
//	offset  size  field
//	0       4     magic "SVLT"
//	4       4     schema version (big endian)
//	8       8     logical clock (big endian)
//	16      8     written-at, unix nanoseconds (big endian)
//	24      8     payload length (big endian)
//	32      32    sha256 of payload
//
// Decode never needs context beyond the bytes themselves. The digest is
// recomputed on every decode; a mismatch marks the record corrupt.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the highest record schema this build understands.
const SchemaVersion uint32 = 1

// HeaderSize is the fixed size of the record header in bytes.
const HeaderSize = 64

// magic identifies a statevault record file.
var magic = [4]byte{'S', 'V', 'L', 'T'}

// Sentinel errors for decode failures.
var (
	// ErrChecksumMismatch indicates the stored digest does not match the
	// recomputed digest of the payload section.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")

	// ErrSchemaUnsupported indicates the record schema version exceeds
	// what this build understands.
	ErrSchemaUnsupported = errors.New("record schema version unsupported")

	// ErrTruncated indicates the buffer is shorter than its header claims.
	ErrTruncated = errors.New("record truncated")

	// ErrBadMagic indicates the buffer is not a statevault record.
	ErrBadMagic = errors.New("not a statevault record")
)

// Record is a decoded state record: an opaque payload plus its header.
type Record struct {
	// SchemaVersion is the schema the record was written under.
	SchemaVersion uint32

	// LogicalClock is the per-path commit counter, assigned at commit time.
	LogicalClock uint64

	// WrittenAt is the commit timestamp.
	WrittenAt time.Time

	// Payload is the application data. Opaque to the store.
	Payload []byte
}

// Header holds the decoded header fields without the payload.
type Header struct {
	SchemaVersion uint32
	LogicalClock  uint64
	WrittenAt     time.Time
	PayloadLen    uint64
	Checksum      [32]byte
}

// DecodeError wraps a decode failure with positional detail.
//
// Use errors.Is against the sentinel errors above to classify.
type DecodeError struct {
	Reason error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason.Error(), e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

// Encode serializes a record to its wire form.
//
// # Description
//
// Writes the fixed header (computing the payload digest) followed by the
// payload bytes. Side effect free; the record is not modified.
//
// # Inputs
//
//   - rec: Record to encode. SchemaVersion 0 is promoted to SchemaVersion.
//
// # Outputs
//
//   - []byte: Complete wire form, header plus payload.
//   - error: Non-nil only if the schema version exceeds this build.
func Encode(rec *Record) ([]byte, error) {
	version := rec.SchemaVersion
	if version == 0 {
		version = SchemaVersion
	}
	if version > SchemaVersion {
		return nil, &DecodeError{
			Reason: ErrSchemaUnsupported,
			Detail: fmt.Sprintf("version %d, max %d", version, SchemaVersion),
		}
	}

	sum := sha256.Sum256(rec.Payload)

	buf := make([]byte, HeaderSize+len(rec.Payload))
	copy(buf[0:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], version)
	binary.BigEndian.PutUint64(buf[8:16], rec.LogicalClock)
	binary.BigEndian.PutUint64(buf[16:24], uint64(rec.WrittenAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[24:32], uint64(len(rec.Payload)))
	copy(buf[32:64], sum[:])
	copy(buf[HeaderSize:], rec.Payload)

	return buf, nil
}

// Decode parses wire bytes back into a Record.
//
// # Description
//
// Validates magic, schema version, declared payload length, and payload
// digest. Fails with ErrChecksumMismatch if the stored digest does not
// match the recomputed digest, and ErrSchemaUnsupported if the version
// exceeds this build.
//
// # Inputs
//
//   - data: Complete wire form as produced by Encode.
//
// # Outputs
//
//   - *Record: Decoded record with its own payload copy.
//   - error: *DecodeError wrapping one of the sentinel errors.
func Decode(data []byte) (*Record, error) {
	hdr, err := PeekHeader(data)
	if err != nil {
		return nil, err
	}

	if uint64(len(data)-HeaderSize) < hdr.PayloadLen {
		return nil, &DecodeError{
			Reason: ErrTruncated,
			Detail: fmt.Sprintf("header declares %d payload bytes, have %d", hdr.PayloadLen, len(data)-HeaderSize),
		}
	}

	payload := data[HeaderSize : HeaderSize+int(hdr.PayloadLen)]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], hdr.Checksum[:]) {
		return nil, &DecodeError{Reason: ErrChecksumMismatch}
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	return &Record{
		SchemaVersion: hdr.SchemaVersion,
		LogicalClock:  hdr.LogicalClock,
		WrittenAt:     hdr.WrittenAt,
		Payload:       out,
	}, nil
}

// PeekHeader decodes only the header block.
//
// Cheap way to read a path's logical clock without hashing the payload.
// The payload digest is NOT verified here; use Decode for that.
func PeekHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, &DecodeError{
			Reason: ErrTruncated,
			Detail: fmt.Sprintf("%d bytes, need %d header bytes", len(data), HeaderSize),
		}
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return Header{}, &DecodeError{Reason: ErrBadMagic}
	}

	hdr := Header{
		SchemaVersion: binary.BigEndian.Uint32(data[4:8]),
		LogicalClock:  binary.BigEndian.Uint64(data[8:16]),
		WrittenAt:     time.Unix(0, int64(binary.BigEndian.Uint64(data[16:24]))),
		PayloadLen:    binary.BigEndian.Uint64(data[24:32]),
	}
	copy(hdr.Checksum[:], data[32:64])

	if hdr.SchemaVersion > SchemaVersion {
		return Header{}, &DecodeError{
			Reason: ErrSchemaUnsupported,
			Detail: fmt.Sprintf("version %d, max %d", hdr.SchemaVersion, SchemaVersion),
		}
	}
	return hdr, nil
}

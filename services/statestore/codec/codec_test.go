// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := &Record{
		LogicalClock: 42,
		WrittenAt:    time.Unix(0, 1700000000000000000),
		Payload:      []byte(`{"x":1}`),
	}

	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) != HeaderSize+len(rec.Payload) {
		t.Fatalf("encoded length = %d, want %d", len(data), HeaderSize+len(rec.Payload))
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.LogicalClock != rec.LogicalClock {
		t.Errorf("LogicalClock = %d, want %d", got.LogicalClock, rec.LogicalClock)
	}
	if !got.WrittenAt.Equal(rec.WrittenAt) {
		t.Errorf("WrittenAt = %v, want %v", got.WrittenAt, rec.WrittenAt)
	}
	if got.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", got.SchemaVersion, SchemaVersion)
	}
	if !bytes.Equal(got.Payload, rec.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, rec.Payload)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	data, err := Encode(&Record{WrittenAt: time.Now()})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("Payload length = %d, want 0", len(got.Payload))
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	data, err := Encode(&Record{LogicalClock: 1, WrittenAt: time.Now(), Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Flip a payload byte; header digest no longer matches.
	data[HeaderSize] ^= 0xFF

	_, err = Decode(data)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Decode error = %v, want ErrChecksumMismatch", err)
	}

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("error is not a *DecodeError: %v", err)
	}
}

func TestDecodeSchemaUnsupported(t *testing.T) {
	data, err := Encode(&Record{WrittenAt: time.Now(), Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	binary.BigEndian.PutUint32(data[4:8], SchemaVersion+1)

	_, err = Decode(data)
	if !errors.Is(err, ErrSchemaUnsupported) {
		t.Fatalf("Decode error = %v, want ErrSchemaUnsupported", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, err := Encode(&Record{WrittenAt: time.Now(), Payload: []byte("a longer payload")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	t.Run("short header", func(t *testing.T) {
		_, err := Decode(data[:HeaderSize-1])
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("Decode error = %v, want ErrTruncated", err)
		}
	})

	t.Run("short payload", func(t *testing.T) {
		_, err := Decode(data[:len(data)-4])
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("Decode error = %v, want ErrTruncated", err)
		}
	})
}

func TestDecodeBadMagic(t *testing.T) {
	data, err := Encode(&Record{WrittenAt: time.Now(), Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data[0] = 'X'

	_, err = Decode(data)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("Decode error = %v, want ErrBadMagic", err)
	}
}

func TestPeekHeaderSkipsDigest(t *testing.T) {
	data, err := Encode(&Record{LogicalClock: 7, WrittenAt: time.Now(), Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Corrupt the payload. PeekHeader must still succeed.
	data[HeaderSize] ^= 0xFF

	hdr, err := PeekHeader(data)
	if err != nil {
		t.Fatalf("PeekHeader failed: %v", err)
	}
	if hdr.LogicalClock != 7 {
		t.Errorf("LogicalClock = %d, want 7", hdr.LogicalClock)
	}
	if hdr.PayloadLen != 7 {
		t.Errorf("PayloadLen = %d, want 7", hdr.PayloadLen)
	}
}

func TestDecodeCopiesPayload(t *testing.T) {
	data, err := Encode(&Record{WrittenAt: time.Now(), Payload: []byte("aliased")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	rec, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	data[HeaderSize] = 'X'
	if rec.Payload[0] == 'X' {
		t.Error("decoded payload aliases the input buffer")
	}
}

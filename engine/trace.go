// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/buildaccel/lib/codec"
)

// TraceVersion is the snapshot format version.
const TraceVersion = 1

// TraceEventKind classifies a trace event.
type TraceEventKind uint8

const (
	TraceEnqueued TraceEventKind = iota + 1
	TraceStarted
	TraceExited
	TraceAbandoned
	TraceCapChanged
	TraceClientAdded
)

func (k TraceEventKind) String() string {
	switch k {
	case TraceEnqueued:
		return "enqueued"
	case TraceStarted:
		return "started"
	case TraceExited:
		return "exited"
	case TraceAbandoned:
		return "abandoned"
	case TraceCapChanged:
		return "cap-changed"
	case TraceClientAdded:
		return "client-added"
	default:
		return fmt.Sprintf("trace-event(%d)", uint8(k))
	}
}

// TraceEvent is one entry in a snapshot. Times are Unix nanoseconds.
type TraceEvent struct {
	Time        int64          `cbor:"1,keyasint"`
	Kind        TraceEventKind `cbor:"2,keyasint"`
	Handle      ProcessHandle  `cbor:"3,keyasint,omitempty"`
	Description string         `cbor:"4,keyasint,omitempty"`
	// Value is the exit code for TraceExited, the new cap for
	// TraceCapChanged, and the port for TraceClientAdded.
	Value int `cbor:"5,keyasint,omitempty"`
}

// TraceClient records one remote client.
type TraceClient struct {
	Address   string `cbor:"1,keyasint"`
	Port      int    `cbor:"2,keyasint"`
	Encrypted bool   `cbor:"3,keyasint"`
	Connected bool   `cbor:"4,keyasint"`
}

// Trace is a diagnostic snapshot of one engine run.
type Trace struct {
	Version    int            `cbor:"1,keyasint"`
	SessionID  string         `cbor:"2,keyasint"`
	Started    int64          `cbor:"3,keyasint"`
	Saved      int64          `cbor:"4,keyasint"`
	Stats      SchedulerStats `cbor:"5,keyasint"`
	MaxLocal   int            `cbor:"6,keyasint"`
	CasEntries int            `cbor:"7,keyasint"`
	Clients    []TraceClient  `cbor:"8,keyasint,omitempty"`
	Events     []TraceEvent   `cbor:"9,keyasint,omitempty"`
}

// WriteTrace writes trace to path as zstd-compressed CBOR, replacing
// any existing file atomically.
func WriteTrace(path string, trace *Trace) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating trace directory: %w", err)
	}
	temp, err := os.CreateTemp(filepath.Dir(path), ".trace-*")
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}
	defer os.Remove(temp.Name())

	encoder, err := zstd.NewWriter(temp)
	if err != nil {
		temp.Close()
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if err := codec.NewEncoder(encoder).Encode(trace); err != nil {
		encoder.Close()
		temp.Close()
		return fmt.Errorf("encoding trace: %w", err)
	}
	if err := encoder.Close(); err != nil {
		temp.Close()
		return fmt.Errorf("flushing trace: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing trace file: %w", err)
	}
	return os.Rename(temp.Name(), path)
}

// ReadTrace loads a snapshot written by WriteTrace.
func ReadTrace(path string) (*Trace, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("opening zstd stream: %w", err)
	}
	defer decoder.Close()

	var trace Trace
	if err := codec.NewDecoder(decoder).Decode(&trace); err != nil {
		return nil, fmt.Errorf("decoding trace %s: %w", path, err)
	}
	if trace.Version != TraceVersion {
		return nil, fmt.Errorf("trace %s has version %d, want %d", path, trace.Version, TraceVersion)
	}
	return &trace, nil
}

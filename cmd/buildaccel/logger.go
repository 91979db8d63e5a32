// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger writes text to a terminal stderr and JSON otherwise. With
// logFile set, JSON records are also written to a rotated file.
func newLogger(level slog.Level, logFile string) (*slog.Logger, io.Closer) {
	options := &slog.HandlerOptions{Level: level}
	var console slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		console = slog.NewTextHandler(os.Stderr, options)
	} else {
		console = slog.NewJSONHandler(os.Stderr, options)
	}
	if logFile == "" {
		return slog.New(console), io.NopCloser(nil)
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		Compress:   true,
	}
	return slog.New(fanout{console, slog.NewJSONHandler(rotator, options)}), rotator
}

// fanout sends each record to every handler.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var first error
	for _, handler := range f {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make(fanout, len(f))
	for i, handler := range f {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return handlers
}

func (f fanout) WithGroup(name string) slog.Handler {
	handlers := make(fanout, len(f))
	for i, handler := range f {
		handlers[i] = handler.WithGroup(name)
	}
	return handlers
}

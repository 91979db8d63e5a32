// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"errors"

	"github.com/bureau-foundation/buildaccel/lib/secret"
)

// TokenSource produces bearer tokens for the fleet manager. It is
// called once on first use and again after every 401 or 403. The
// caller owns the returned buffer.
type TokenSource interface {
	Token(ctx context.Context) (*secret.Buffer, error)
}

// StaticToken is a fixed token, typically from configuration.
type StaticToken string

// Token returns a copy of the token.
func (s StaticToken) Token(context.Context) (*secret.Buffer, error) {
	if s == "" {
		return nil, errors.New("fleet: empty token")
	}
	return secret.NewFromBytes([]byte(s))
}

// FileToken re-reads a token file on every call, so an external
// process can rotate credentials without restarting the controller.
type FileToken struct {
	Path string
}

// Token reads the token file.
func (f FileToken) Token(context.Context) (*secret.Buffer, error) {
	return secret.ReadFromPath(f.Path)
}

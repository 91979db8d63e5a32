// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Transport is a bidirectional byte stream to one remote agent.
type Transport interface {
	// Send writes all of data or returns an error.
	Send(data []byte) error

	// Recv reads up to len(buf) bytes into buf. It blocks until at
	// least one byte is available, the stream ends (io.EOF), or the
	// transport is closed.
	Recv(buf []byte) (int, error)

	// Close releases the connection and unblocks pending Recv calls.
	Close() error
}

// New returns a Plain transport over conn, wrapped in AES when key is
// non-empty.
func New(conn net.Conn, key []byte) (Transport, error) {
	plain := NewPlain(conn)
	if len(key) == 0 {
		return plain, nil
	}
	encrypted, err := NewAES(plain, key)
	if err != nil {
		plain.Close()
		return nil, err
	}
	return encrypted, nil
}

// RecvFull reads exactly len(buf) bytes from t.
func RecvFull(t Transport, buf []byte) error {
	for filled := 0; filled < len(buf); {
		n, err := t.Recv(buf[filled:])
		filled += n
		if err != nil {
			if filled == len(buf) {
				return nil
			}
			if errors.Is(err, io.EOF) && filled > 0 {
				return fmt.Errorf("short read (%d of %d bytes): %w", filled, len(buf), io.ErrUnexpectedEOF)
			}
			return err
		}
	}
	return nil
}

var _ Transport = (*Plain)(nil)

// Plain sends bytes unmodified over a net.Conn.
type Plain struct {
	conn net.Conn
}

// NewPlain wraps conn.
func NewPlain(conn net.Conn) *Plain {
	return &Plain{conn: conn}
}

// Send writes data to the connection.
func (p *Plain) Send(data []byte) error {
	for len(data) > 0 {
		n, err := p.conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Recv reads from the connection.
func (p *Plain) Recv(buf []byte) (int, error) {
	return p.conn.Read(buf)
}

// Close closes the connection.
func (p *Plain) Close() error {
	return p.conn.Close()
}

// RemoteAddr returns the peer address.
func (p *Plain) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

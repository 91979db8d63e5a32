// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"time"
)

// Dialer opens the network connection underneath a Transport.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

var _ Dialer = (*TCPDialer)(nil)

// TCPDialer opens TCP connections to leased agents.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero leaves only the
	// context deadline.
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the net
	// package default.
	KeepAlive time.Duration
}

// DialContext opens a TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

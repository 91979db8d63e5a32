// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPDialerConnects(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buffer := make([]byte, 5)
		if err := RecvFull(NewPlain(conn), buffer); err == nil {
			accepted <- buffer
		}
	}()

	dialer := &TCPDialer{Timeout: 5 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(ctx, listener.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	plain := NewPlain(conn)
	defer plain.Close()
	if err := plain.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-accepted:
		if !bytes.Equal(got, []byte("hello")) {
			t.Errorf("server received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received data")
	}
}

func TestTCPDialerRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()

	dialer := &TCPDialer{Timeout: time.Second}
	if _, err := dialer.DialContext(context.Background(), address); err == nil {
		t.Error("dialing a closed port should fail")
	}
}

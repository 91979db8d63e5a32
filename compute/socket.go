// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/netutil"
	"github.com/bureau-foundation/buildaccel/transport"
)

// Channel IDs and windows used by the agent protocol.
const (
	PrimaryChannel int32 = 0
	ChildChannel   int32 = 100

	PrimaryWindow = 64 << 10
	ChildWindow   = 4 << 20

	frameHeaderSize = 8
)

var (
	// ErrTimeout means no message arrived in time. The peer may just
	// be slow; the attempt can be retried.
	ErrTimeout = errors.New("compute: timed out waiting for message")

	// ErrUnexpectedMessage means the peer sent the wrong message type.
	ErrUnexpectedMessage = errors.New("compute: unexpected message")

	// ErrClosed means the socket is closed.
	ErrClosed = errors.New("compute: socket closed")
)

// Socket multiplexes channels over a transport.
type Socket struct {
	transport transport.Transport
	clock     clock.Clock
	logger    *slog.Logger

	sendMu sync.Mutex

	mu       sync.Mutex
	channels map[int32]*Channel
	err      error

	closeOnce sync.Once
	done      chan struct{}
}

// NewSocket starts reading frames from t. The socket owns t.
func NewSocket(t transport.Transport, clk clock.Clock, logger *slog.Logger) *Socket {
	socket := &Socket{
		transport: t,
		clock:     clk,
		logger:    logger,
		channels:  make(map[int32]*Channel),
		done:      make(chan struct{}),
	}
	go socket.readLoop()
	return socket
}

// Channel returns the channel with id, opening it with window if it
// does not exist. Frames for unopened channels are discarded.
func (s *Socket) Channel(id int32, window int) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.channels[id]; ok {
		return existing
	}
	channel := &Channel{
		id:     id,
		window: window,
		socket: s,
		notify: make(chan struct{}, 1),
	}
	s.channels[id] = channel
	return channel
}

// Done is closed once the socket stops reading.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns why the socket stopped, or nil while it is running.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close shuts the transport and stops the reader.
func (s *Socket) Close() error {
	s.fail(ErrClosed)
	return nil
}

func (s *Socket) fail(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		s.transport.Close()
		close(s.done)
	})
}

func (s *Socket) send(channel int32, window int, payload []byte) error {
	if len(payload) > window {
		return fmt.Errorf("compute: %d-byte message exceeds channel %d window %d", len(payload), channel, window)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(channel))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return s.closedError()
	default:
	}
	if err := s.transport.Send(frame); err != nil {
		s.fail(err)
		return fmt.Errorf("compute: sending on channel %d: %w", channel, err)
	}
	return nil
}

func (s *Socket) closedError() error {
	err := s.Err()
	if err == nil || errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, err)
}

func (s *Socket) readLoop() {
	var header [frameHeaderSize]byte
	for {
		if err := transport.RecvFull(s.transport, header[:]); err != nil {
			s.readFailed(err)
			return
		}
		id := int32(binary.LittleEndian.Uint32(header[0:4]))
		size := int(binary.LittleEndian.Uint32(header[4:8]))

		s.mu.Lock()
		channel := s.channels[id]
		s.mu.Unlock()

		limit := ChildWindow
		if channel != nil {
			limit = channel.window
		}
		if size < 0 || size > limit {
			s.readFailed(fmt.Errorf("frame of %d bytes on channel %d exceeds window %d", size, id, limit))
			return
		}
		payload := make([]byte, size)
		if err := transport.RecvFull(s.transport, payload); err != nil {
			s.readFailed(err)
			return
		}
		if channel == nil {
			s.logger.Debug("dropping frame for unopened channel", "channel", id, "size", size)
			continue
		}
		channel.deliver(payload)
	}
}

func (s *Socket) readFailed(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if netutil.IsExpectedCloseError(err) {
		s.logger.Debug("compute socket closed by peer", "error", err)
		err = io.EOF
	} else {
		s.logger.Warn("compute socket read failed", "error", err)
	}
	s.fail(err)
}

// Channel is one logical stream on a socket.
type Channel struct {
	id     int32
	window int
	socket *Socket

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
}

// ID returns the channel number.
func (c *Channel) ID() int32 {
	return c.id
}

// Send encodes and sends one message.
func (c *Channel) Send(messageType MessageType, body any) error {
	payload, err := EncodeMessage(messageType, body)
	if err != nil {
		return err
	}
	return c.socket.send(c.id, c.window, payload)
}

func (c *Channel) deliver(payload []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, payload)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) pop() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	payload := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return payload, true
}

// TryReceive returns the next queued message without blocking. The
// boolean is false when nothing is queued. Queued messages are still
// returned after the socket closes; the error is set only once the
// queue is empty.
func (c *Channel) TryReceive() (Message, bool, error) {
	if payload, ok := c.pop(); ok {
		message, err := DecodeMessage(payload)
		return message, err == nil, err
	}
	select {
	case <-c.socket.done:
		return Message{}, false, c.socket.closedError()
	default:
		return Message{}, false, nil
	}
}

// Receive waits up to timeout for the next message.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	deadline := c.socket.clock.After(timeout)
	for {
		message, ok, err := c.TryReceive()
		if err != nil {
			return Message{}, err
		}
		if ok {
			return message, nil
		}
		select {
		case <-c.notify:
		case <-c.socket.done:
		case <-deadline:
			return Message{}, fmt.Errorf("%w on channel %d after %s", ErrTimeout, c.id, timeout)
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Expect waits for a message of the given type and decodes it into v
// (which may be nil).
func (c *Channel) Expect(ctx context.Context, timeout time.Duration, messageType MessageType, v any) error {
	message, err := c.Receive(ctx, timeout)
	if err != nil {
		return err
	}
	if message.Type != messageType {
		return fmt.Errorf("%w: got %s, want %s on channel %d", ErrUnexpectedMessage, message.Type, messageType, c.id)
	}
	if v == nil {
		return nil
	}
	return message.Decode(v)
}

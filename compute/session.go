// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bureau-foundation/buildaccel/lib/bundle"
	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/transport"
)

// NonceSize is the size of the lease nonce written at connect.
const NonceSize = 64

// DefaultAttachTimeout bounds each handshake wait.
const DefaultAttachTimeout = 5 * time.Second

// BlobSource serves ranged reads of stored blobs.
type BlobSource interface {
	ReadBlob(locator bundle.Locator, offset, length int64) ([]byte, error)
}

var _ BlobSource = (*bundle.Store)(nil)

// SessionOptions configures Dial.
type SessionOptions struct {
	// Nonce is the lease nonce; it must be NonceSize bytes.
	Nonce []byte
	// Key enables AES framing when non-empty.
	Key []byte
	// AttachTimeout bounds every wait for a message from the agent.
	// Zero means DefaultAttachTimeout.
	AttachTimeout time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Session is the controller side of one agent connection.
type Session struct {
	socket  *Socket
	primary *Channel
	child   *Channel
	timeout time.Duration
	logger  *slog.Logger
}

// Dial performs the agent handshake over conn. On failure conn is
// closed. Errors wrap ErrTimeout or ErrUnexpectedMessage when the agent
// misbehaves during attach.
func Dial(ctx context.Context, conn net.Conn, options SessionOptions) (*Session, error) {
	if len(options.Nonce) != NonceSize {
		conn.Close()
		return nil, fmt.Errorf("compute: lease nonce is %d bytes, want %d", len(options.Nonce), NonceSize)
	}
	if options.AttachTimeout <= 0 {
		options.AttachTimeout = DefaultAttachTimeout
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	plain := transport.NewPlain(conn)
	if err := plain.Send(options.Nonce); err != nil {
		plain.Close()
		return nil, fmt.Errorf("compute: sending nonce: %w", err)
	}
	var stream transport.Transport = plain
	if len(options.Key) > 0 {
		encrypted, err := transport.NewAES(plain, options.Key)
		if err != nil {
			plain.Close()
			return nil, err
		}
		stream = encrypted
	}

	socket := NewSocket(stream, options.Clock, options.Logger)
	session := &Session{
		socket:  socket,
		primary: socket.Channel(PrimaryChannel, PrimaryWindow),
		child:   socket.Channel(ChildChannel, ChildWindow),
		timeout: options.AttachTimeout,
		logger:  options.Logger,
	}
	if err := session.handshake(ctx); err != nil {
		socket.Close()
		return nil, err
	}
	return session, nil
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.primary.Expect(ctx, s.timeout, MessageAttach, nil); err != nil {
		return fmt.Errorf("waiting for primary attach: %w", err)
	}
	if err := s.primary.Send(MessageFork, Fork{Channel: ChildChannel, WindowSize: ChildWindow}); err != nil {
		return err
	}
	if err := s.child.Expect(ctx, s.timeout, MessageAttach, nil); err != nil {
		return fmt.Errorf("waiting for child attach: %w", err)
	}
	return nil
}

// Upload asks the agent to write the bundle named name at locator and
// serves its blob reads until it confirms. Any other outcome aborts the
// upload; the caller should drop the agent rather than retry.
func (s *Session) Upload(ctx context.Context, source BlobSource, name string, locator bundle.Locator) error {
	if err := s.child.Send(MessageWriteFiles, WriteFiles{Name: name, Locator: string(locator)}); err != nil {
		return err
	}
	for {
		message, err := s.child.Receive(ctx, s.timeout)
		if err != nil {
			return fmt.Errorf("uploading %s: %w", name, err)
		}
		switch message.Type {
		case MessageReadBlob:
			var request ReadBlob
			if err := message.Decode(&request); err != nil {
				return err
			}
			if err := s.serveBlob(source, request); err != nil {
				return fmt.Errorf("uploading %s: %w", name, err)
			}
		case MessageWriteFilesResponse:
			return nil
		case MessageException:
			var exception Exception
			message.Decode(&exception)
			return fmt.Errorf("uploading %s: agent exception: %s: %s", name, exception.Message, exception.Description)
		default:
			return fmt.Errorf("uploading %s: %w: %s", name, ErrUnexpectedMessage, message.Type)
		}
	}
}

// responseOverhead leaves room for the envelope and CBOR framing of a
// ReadBlobResponse around its data.
const responseOverhead = 512

func (s *Session) serveBlob(source BlobSource, request ReadBlob) error {
	if request.Length < 0 || request.Length > ChildWindow-responseOverhead {
		return fmt.Errorf("blob read of %d bytes exceeds channel window", request.Length)
	}
	data, err := source.ReadBlob(bundle.Locator(request.Locator), request.Offset, request.Length)
	if err != nil {
		return err
	}
	s.logger.Debug("serving blob range", "locator", request.Locator, "offset", request.Offset, "length", request.Length)
	return s.child.Send(MessageReadBlobResponse, ReadBlobResponse{
		Locator: request.Locator,
		Offset:  request.Offset,
		Data:    data,
	})
}

// Execute launches a process on the agent without waiting for it.
func (s *Session) Execute(command Execute) error {
	return s.child.Send(MessageExecute, command)
}

// EventKind classifies agent output.
type EventKind int

const (
	EventOutput EventKind = iota
	EventExit
	EventException
)

// Event is one message streamed back by a running agent process.
type Event struct {
	Kind        EventKind
	Line        string
	ExitCode    int
	Message     string
	Description string
}

// Poll drains queued agent output without blocking. It returns an
// error once the socket is closed and nothing remains queued.
func (s *Session) Poll() ([]Event, error) {
	var events []Event
	for {
		message, ok, err := s.child.TryReceive()
		if err != nil {
			return events, err
		}
		if !ok {
			return events, nil
		}
		event, err := toEvent(message)
		if err != nil {
			s.logger.Warn("ignoring agent message", "type", message.Type.String(), "error", err)
			continue
		}
		events = append(events, event)
	}
}

func toEvent(message Message) (Event, error) {
	switch message.Type {
	case MessageExecuteOutput:
		var output ExecuteOutput
		if err := message.Decode(&output); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventOutput, Line: output.Line}, nil
	case MessageExecuteResult:
		var result ExecuteResult
		if err := message.Decode(&result); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventExit, ExitCode: result.ExitCode}, nil
	case MessageException:
		var exception Exception
		if err := message.Decode(&exception); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventException, Message: exception.Message, Description: exception.Description}, nil
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, message.Type)
	}
}

// Valid reports whether the connection is still up.
func (s *Session) Valid() bool {
	select {
	case <-s.socket.Done():
		return false
	default:
		return true
	}
}

// Done is closed when the connection drops.
func (s *Session) Done() <-chan struct{} {
	return s.socket.Done()
}

// Close drops the connection.
func (s *Session) Close() error {
	return s.socket.Close()
}

// IsRetryable reports whether err is a handshake timeout rather than a
// protocol violation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) && !errors.Is(err, ErrUnexpectedMessage)
}

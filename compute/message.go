// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/buildaccel/lib/codec"
)

// MessageType tags a message body.
type MessageType uint8

const (
	MessageAttach MessageType = iota + 1
	MessageFork
	MessageWriteFiles
	MessageWriteFilesResponse
	MessageReadBlob
	MessageReadBlobResponse
	MessageExecute
	MessageExecuteOutput
	MessageExecuteResult
	MessageException
)

func (t MessageType) String() string {
	switch t {
	case MessageAttach:
		return "attach"
	case MessageFork:
		return "fork"
	case MessageWriteFiles:
		return "write-files"
	case MessageWriteFilesResponse:
		return "write-files-response"
	case MessageReadBlob:
		return "read-blob"
	case MessageReadBlobResponse:
		return "read-blob-response"
	case MessageExecute:
		return "execute"
	case MessageExecuteOutput:
		return "execute-output"
	case MessageExecuteResult:
		return "execute-result"
	case MessageException:
		return "exception"
	default:
		return fmt.Sprintf("message(%d)", uint8(t))
	}
}

// Attach announces that a peer is ready on a channel.
type Attach struct{}

// Fork asks the agent to open a child channel.
type Fork struct {
	Channel    int32 `cbor:"1,keyasint"`
	WindowSize int32 `cbor:"2,keyasint"`
}

// WriteFiles asks the agent to materialize the bundle at Locator.
type WriteFiles struct {
	Name    string `cbor:"1,keyasint"`
	Locator string `cbor:"2,keyasint"`
}

// WriteFilesResponse reports that a WriteFiles request completed.
type WriteFilesResponse struct {
	Name string `cbor:"1,keyasint"`
}

// ReadBlob is the agent's request for a byte range of a blob.
type ReadBlob struct {
	Locator string `cbor:"1,keyasint"`
	Offset  int64  `cbor:"2,keyasint"`
	Length  int64  `cbor:"3,keyasint"`
}

// ReadBlobResponse answers ReadBlob with exactly the requested bytes.
type ReadBlobResponse struct {
	Locator string `cbor:"1,keyasint"`
	Offset  int64  `cbor:"2,keyasint"`
	Data    []byte `cbor:"3,keyasint"`
}

// Execute launches a process on the agent.
type Execute struct {
	Exe                   string            `cbor:"1,keyasint"`
	Args                  []string          `cbor:"2,keyasint"`
	WorkingDir            string            `cbor:"3,keyasint"`
	Env                   map[string]string `cbor:"4,keyasint,omitempty"`
	UseCompatibilityLayer bool              `cbor:"5,keyasint"`
}

// ExecuteOutput is one line of process output.
type ExecuteOutput struct {
	Line string `cbor:"1,keyasint"`
}

// ExecuteResult reports process exit.
type ExecuteResult struct {
	ExitCode int `cbor:"1,keyasint"`
}

// Exception reports a structured failure on the agent.
type Exception struct {
	Message     string `cbor:"1,keyasint"`
	Description string `cbor:"2,keyasint"`
}

const envelopeHeaderSize = 5

// Message is a decoded envelope with its body still encoded.
type Message struct {
	Type MessageType
	Body []byte
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	if err := codec.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", m.Type, err)
	}
	return nil
}

// EncodeMessage builds an envelope for body.
func EncodeMessage(messageType MessageType, body any) ([]byte, error) {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", messageType, err)
	}
	envelope := make([]byte, envelopeHeaderSize+len(encoded))
	envelope[0] = byte(messageType)
	binary.LittleEndian.PutUint32(envelope[1:5], uint32(len(encoded)))
	copy(envelope[envelopeHeaderSize:], encoded)
	return envelope, nil
}

// DecodeMessage parses an envelope.
func DecodeMessage(payload []byte) (Message, error) {
	if len(payload) < envelopeHeaderSize {
		return Message{}, fmt.Errorf("message envelope is %d bytes", len(payload))
	}
	length := binary.LittleEndian.Uint32(payload[1:5])
	if int64(length) != int64(len(payload)-envelopeHeaderSize) {
		return Message{}, fmt.Errorf("message declares %d body bytes, frame holds %d", length, len(payload)-envelopeHeaderSize)
	}
	return Message{Type: MessageType(payload[0]), Body: payload[envelopeHeaderSize:]}, nil
}

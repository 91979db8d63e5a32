// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Frame layout sizes.
const (
	KeySize     = 32
	NonceSize   = 12
	TagSize     = 16
	headerSize  = 4 + NonceSize
	frameExtras = headerSize + TagSize

	// MaxFrameSize bounds the plaintext carried by one frame. Larger
	// sends are split; larger received lengths are rejected before
	// allocating.
	MaxFrameSize = 4 << 20
)

// ErrAuthentication is returned by Recv when a frame fails GCM
// authentication. The transport is unusable afterwards.
var ErrAuthentication = errors.New("transport: frame authentication failed")

var _ Transport = (*AES)(nil)

// AES seals traffic over an inner transport with AES-256-GCM.
type AES struct {
	inner Transport
	aead  cipher.AEAD

	sendMu sync.Mutex
	nonce  [NonceSize]byte

	recvMu  sync.Mutex
	pending []byte
	failed  error
}

// NewAES wraps inner using a 32-byte key.
func NewAES(inner Transport, key []byte) (*AES, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("transport: AES key is %d bytes, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("transport: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("transport: creating GCM: %w", err)
	}
	a := &AES{inner: inner, aead: aead}
	if _, err := rand.Read(a.nonce[:]); err != nil {
		return nil, fmt.Errorf("transport: seeding nonce: %w", err)
	}
	return a, nil
}

// Send seals data into frames and writes them to the inner transport.
func (a *AES) Send(data []byte) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	for len(data) > 0 {
		size := min(len(data), MaxFrameSize)
		frame := sealFrame(a.aead, a.nonce, data[:size])
		advanceNonce(&a.nonce)
		if err := a.inner.Send(frame); err != nil {
			return err
		}
		data = data[size:]
	}
	return nil
}

// Recv returns decrypted bytes, reading a new frame when the previous
// one has been consumed.
func (a *AES) Recv(buf []byte) (int, error) {
	a.recvMu.Lock()
	defer a.recvMu.Unlock()

	if a.failed != nil {
		return 0, a.failed
	}
	for len(a.pending) == 0 {
		plaintext, err := a.readFrame()
		if err != nil {
			if errors.Is(err, ErrAuthentication) {
				a.failed = err
			}
			return 0, err
		}
		a.pending = plaintext
	}
	n := copy(buf, a.pending)
	a.pending = a.pending[n:]
	return n, nil
}

func (a *AES) readFrame() ([]byte, error) {
	var header [headerSize]byte
	if err := RecvFull(a.inner, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:4])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}
	sealed := make([]byte, int(size)+TagSize)
	if err := RecvFull(a.inner, sealed); err != nil {
		return nil, err
	}
	return openFrame(a.aead, header, sealed)
}

// Close closes the inner transport.
func (a *AES) Close() error {
	return a.inner.Close()
}

func sealFrame(aead cipher.AEAD, nonce [NonceSize]byte, plaintext []byte) []byte {
	frame := make([]byte, headerSize, len(plaintext)+frameExtras)
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(plaintext)))
	copy(frame[4:headerSize], nonce[:])
	return aead.Seal(frame, nonce[:], plaintext, nil)
}

func openFrame(aead cipher.AEAD, header [headerSize]byte, sealed []byte) ([]byte, error) {
	plaintext, err := aead.Open(nil, header[4:headerSize], sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	if len(plaintext) != int(binary.LittleEndian.Uint32(header[:4])) {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func advanceNonce(nonce *[NonceSize]byte) {
	first := binary.LittleEndian.Uint32(nonce[0:4]) + 1
	second := binary.LittleEndian.Uint32(nonce[4:8]) - 1
	third := binary.LittleEndian.Uint32(nonce[8:12]) ^ first
	binary.LittleEndian.PutUint32(nonce[0:4], first)
	binary.LittleEndian.PutUint32(nonce[4:8], second)
	binary.LittleEndian.PutUint32(nonce[8:12], third)
}

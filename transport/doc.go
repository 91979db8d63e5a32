// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries compute traffic between the controller and
// one remote agent.
//
// A [Transport] is a byte stream with Send, Recv and Close. [Plain]
// wraps a net.Conn directly. [AES] wraps another Transport and seals
// every Send into one or more AES-256-GCM frames:
//
//	[4-byte plaintext length][12-byte nonce][ciphertext][16-byte tag]
//
// The length is little-endian. The first nonce is random; each later
// frame perturbs it (first word incremented, second decremented, third
// XORed with the new first word) so no nonce repeats for the life of a
// connection without drawing fresh randomness per frame. Frame
// boundaries are invisible to Recv callers: decrypted bytes are
// buffered and handed out as a stream.
//
// The agent session picks the variant from the lease's encryption mode
// using [New]. [TCPDialer] opens the underlying connection.
package transport

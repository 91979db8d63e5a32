// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compute speaks the agent protocol over a compute transport.
//
// A [Socket] multiplexes numbered channels over one
// [transport.Transport]. Every socket frame is
//
//	[int32 channel][int32 size][payload]
//
// little-endian, with size bounded by the receiving channel's window.
// Each payload carries exactly one message:
//
//	[uint8 type][int32 length][CBOR body]
//
// A [Session] is the controller's side of one leased agent. [Dial]
// writes the lease nonce in the clear, switches to AES framing when
// the lease carries a key, then waits for the agent to attach on the
// primary channel (0), forks the child channel (100, 4 MiB window),
// and waits for the agent to attach there as well. Both waits are
// bounded: silence is [ErrTimeout], which callers may retry, and any
// other message is [ErrUnexpectedMessage], which they should not.
//
// After the handshake the child channel carries everything else.
// [Session.Upload] announces a bundle locator and answers the agent's
// ranged blob reads until the agent confirms the write.
// [Session.Execute] launches a process without waiting for it, and
// [Session.Poll] drains the output, exit and exception messages the
// agent streams back.
package compute

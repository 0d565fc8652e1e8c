// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlswire decodes just enough of the TLS wire format to find the
// Server Name Indication in a ClientHello without terminating TLS.
//
// All parsing happens over untrusted bytes through a Cursor. Byte payloads
// extracted from the input are copied into a per-connection Arena so that the
// whole parse tree is released in one operation when SNI detection finishes.
// Record payloads returned by ExtractRecord borrow from the input buffer and
// are only valid while it is.
//
// Handshake messages may legally span multiple TLS records, so callers
// reassemble: walk all records, keep the handshake ones, size the
// concatenated message first, then fill and parse it. ExtractServerName
// implements that pipeline end to end.
package tlswire

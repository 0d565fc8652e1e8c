// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server is the data plane: it accepts raw TCP connections, reads
// an optional PROXY header and the unencrypted TLS ClientHello, resolves
// the SNI hostname to a backend set, dials a health-selected location, and
// splices the two connections together. The TLS bytes themselves are never
// modified; the buffered handshake is forwarded to the backend verbatim.
package server

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

// State is a session's position in its lifecycle. ShutdownRead and
// ShutdownWrite are independent partial states; reaching both, in either
// order, collapses to Shutdown, which is terminal.
type State int

const (
	Handshaking State = iota
	BackendConnecting
	Connected
	ShutdownRead
	ShutdownWrite
	Shutdown
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case BackendConnecting:
		return "backend-connecting"
	case Connected:
		return "connected"
	case ShutdownRead:
		return "shutdown-read"
	case ShutdownWrite:
		return "shutdown-write"
	case Shutdown:
		return "shutdown"
	default:
		return "invalid"
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/segmentio/ksuid"
)

// Command mutates one session's state through the Manager.
type Command struct {
	SessionID ksuid.KSUID
	Data      CommandData
}

// CommandData is the payload of one Command variant.
type CommandData interface {
	isCommandData()
}

// Create inserts a new session in Handshaking state. A duplicate Create for
// a live id overwrites; idempotency is the caller's responsibility.
type Create struct {
	ClientConn AddrPair

	// Cancel aborts everything running on the session's behalf; invoked
	// on Destroy.
	Cancel context.CancelFunc
}

// MarkBackendConnecting records the resolved backend name and moves the
// session to BackendConnecting.
type MarkBackendConnecting struct {
	BackendName string
}

// MarkConnected records the dialed backend address and connect latency and
// moves the session to Connected.
type MarkConnected struct {
	BackendAddr string
	Latency     time.Duration
}

// XmitClientToBackend accounts bytes relayed from the client.
type XmitClientToBackend struct {
	Bytes uint64
}

// XmitBackendToClient accounts bytes relayed from the backend.
type XmitBackendToClient struct {
	Bytes uint64
}

// MarkShutdownRead records EOF on the backend-to-client direction.
type MarkShutdownRead struct{}

// MarkShutdownWrite records EOF on the client-to-backend direction.
type MarkShutdownWrite struct{}

// MarkShutdown forces the terminal state regardless of partial shutdowns.
type MarkShutdown struct{}

// Destroy cancels the session's work and removes it immediately. Unlike
// every other command it is a no-op for an id that is already gone.
type Destroy struct{}

func (Create) isCommandData()                {}
func (MarkBackendConnecting) isCommandData() {}
func (MarkConnected) isCommandData()         {}
func (XmitClientToBackend) isCommandData()   {}
func (XmitBackendToClient) isCommandData()   {}
func (MarkShutdownRead) isCommandData()      {}
func (MarkShutdownWrite) isCommandData()     {}
func (MarkShutdown) isCommandData()          {}
func (Destroy) isCommandData()               {}

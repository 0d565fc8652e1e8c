// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the multiplexor.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrProtocolViolation indicates structurally invalid input on the wire.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrBackendUnavailable indicates no usable backend location was found.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUnrecognizedName indicates the presented server name has no
	// configured backend set.
	ErrUnrecognizedName = errors.New("unrecognized server name")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSessionNotFound indicates the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// ProxyError wraps an error with additional context.
type ProxyError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

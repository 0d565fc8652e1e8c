// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlswire

import (
	"errors"
	"fmt"
)

// TLS alert descriptions used to classify fatal parse failures. The proxy
// never holds session keys, so these are reported in logs and metrics rather
// than sent on the wire.
const (
	AlertInternalError    uint8 = 80
	AlertUnrecognizedName uint8 = 112
)

// ErrorKind partitions parse errors into retryable and fatal.
type ErrorKind int

const (
	// Truncated means the input ended before a declared length was
	// satisfied. More bytes may fix it; it is never user-visible.
	Truncated ErrorKind = iota

	// ProtocolViolation means the input is structurally invalid and the
	// connection cannot proceed.
	ProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case ProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Error is the parse error type for this package.
type Error struct {
	kind    ErrorKind
	message string
	alert   uint8
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Kind returns the error kind.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Alert returns the TLS alert description classifying this error.
func (e *Error) Alert() uint8 {
	return e.alert
}

func errTruncated() *Error {
	return &Error{kind: Truncated, message: "message truncated", alert: AlertInternalError}
}

func errProtocolViolation(message string) *Error {
	return &Error{kind: ProtocolViolation, message: message, alert: AlertInternalError}
}

func errUnrecognizedName(message string) *Error {
	return &Error{kind: ProtocolViolation, message: message, alert: AlertUnrecognizedName}
}

// IsTruncated reports whether err is a Truncated parse error.
func IsTruncated(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == Truncated
}

// IsProtocolViolation reports whether err is a ProtocolViolation parse error.
func IsProtocolViolation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == ProtocolViolation
}

// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package vmlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoIsolate reports that the link has not yet resolved a main
// isolate, or the previous one exited and no replacement has started.
// Callers retry after the next isolate event.
var ErrNoIsolate = errors.New("vmlink: no main isolate resolved")

// ConnectError reports a failed dial attempt. It is recoverable: the
// run loop backs off and retries.
type ConnectError struct {
	URI string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("vmlink: connecting to %s: %v", e.URI, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DisconnectedError resolves pending calls when the link drops, and
// answers calls issued while the link is down. The run loop is
// already reconnecting when callers see it.
type DisconnectedError struct {
	Err error
}

func (e *DisconnectedError) Error() string {
	if e.Err == nil {
		return "vmlink: disconnected"
	}
	return fmt.Sprintf("vmlink: disconnected: %v", e.Err)
}

func (e *DisconnectedError) Unwrap() error { return e.Err }

// ProtocolError reports a frame or payload the client could not
// decode. The connection survives: the frame is logged and dropped.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vmlink: protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("vmlink: protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError resolves a pending call that the stale sweep found
// older than the request threshold.
type TimeoutError struct {
	Method string
	Age    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("vmlink: %s request unanswered after %s", e.Method, e.Age)
}

// RPCError is a structured error response from the service. Callers
// branch on Code with errors.As:
//
//	var rpcErr *vmlink.RPCError
//	if errors.As(err, &rpcErr) && rpcErr.Code == vmlink.CodeIsolateGone { ... }
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("vmlink: service error %d: %s", e.Code, e.Message)
}

// Service error codes callers branch on. The numbering follows the
// runtime service protocol.
const (
	// CodeStreamAlreadySubscribed: the stream is already being
	// listened to. Subscribe treats this as success.
	CodeStreamAlreadySubscribed = 103

	// CodeIsolateGone: the addressed isolate has exited or been
	// collected. Mapped to StaleIsolateError.
	CodeIsolateGone = 105
)

// StaleIsolateError reports a request addressed to an isolate that
// no longer exists, typically one cached from before a hot restart.
// It is recoverable: re-resolve the main isolate and retry.
type StaleIsolateError struct {
	IsolateID string
}

func (e *StaleIsolateError) Error() string {
	return fmt.Sprintf("vmlink: isolate %s no longer exists", e.IsolateID)
}

// staleFromRPC converts an isolate-gone service error into a
// StaleIsolateError, passing other errors through.
func staleFromRPC(err error, isolateID string) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == CodeIsolateGone {
		return &StaleIsolateError{IsolateID: isolateID}
	}
	return err
}

// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package vmlink

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is one JSON-RPC 2.0 frame on the inspection link. A
// request carries ID, Method, and Params; a response carries ID and
// exactly one of Result or Error; a server-initiated event carries
// Method and Params with no ID.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Service method names.
const (
	methodGetVM        = "getVM"
	methodGetMemory    = "getMemoryUsage"
	methodStreamListen = "streamListen"
	methodStreamCancel = "streamCancel"
	methodReload       = "reloadSources"
	methodRestart      = "hotRestart"
	methodHTTPProfile  = "ext.dart.io.getHttpProfile"
)

// Event stream identifiers. These are the streams a session needs to
// supervise an app: isolate lifecycle, app-side log lines, extension
// events (frame and widget-tree notifications), and GC activity.
const (
	StreamIsolate   = "Isolate"
	StreamLogging   = "Logging"
	StreamExtension = "Extension"
	StreamGC        = "GC"
)

// RequiredStreams lists every stream the protocol task subscribes to
// when a session's link comes up.
var RequiredStreams = []string{StreamIsolate, StreamLogging, StreamExtension, StreamGC}

// Isolate lifecycle event kinds observed on StreamIsolate.
const (
	EventIsolateStart    = "IsolateStart"
	EventIsolateRunnable = "IsolateRunnable"
	EventIsolateExit     = "IsolateExit"
)

// streamParams is the parameter shape for streamListen/streamCancel.
type streamParams struct {
	StreamID string `json:"streamId"`
}

// notifyParams is the parameter shape of a streamNotify event frame.
type notifyParams struct {
	StreamID string          `json:"streamId"`
	Event    json.RawMessage `json:"event"`
}

// isolateRef identifies an isolate in service responses and events.
type isolateRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// isolateParams addresses a request to one isolate.
type isolateParams struct {
	IsolateID string `json:"isolateId"`
}

// vmInfo is the subset of a getVM response the client consumes.
type vmInfo struct {
	Isolates []isolateRef `json:"isolates"`
}

// Event is one decoded stream event, delivered to the session's
// event sink.
type Event struct {
	// Stream is the stream the event arrived on.
	Stream string

	// Kind is the event kind discriminator, e.g. "IsolateStart",
	// "GC", or an extension kind like "Flutter.Frame".
	Kind string

	// IsolateID is the originating isolate, when the event names one.
	IsolateID string

	// Timestamp is the event time reported by the service.
	Timestamp time.Time

	// Body is the full event object for consumers that need more
	// than the common fields.
	Body json.RawMessage
}

// rawEvent is the wire shape of an event body.
type rawEvent struct {
	Kind      string      `json:"kind"`
	Isolate   *isolateRef `json:"isolate"`
	Timestamp int64       `json:"timestamp"`
}

// parseEvent decodes a streamNotify params blob into an Event.
func parseEvent(params json.RawMessage) (Event, error) {
	var notify notifyParams
	if err := json.Unmarshal(params, &notify); err != nil {
		return Event{}, fmt.Errorf("vmlink: malformed streamNotify params: %w", err)
	}
	var raw rawEvent
	if err := json.Unmarshal(notify.Event, &raw); err != nil {
		return Event{}, fmt.Errorf("vmlink: malformed event on stream %s: %w", notify.StreamID, err)
	}
	event := Event{
		Stream: notify.StreamID,
		Kind:   raw.Kind,
		Body:   notify.Event,
	}
	if raw.Isolate != nil {
		event.IsolateID = raw.Isolate.ID
	}
	if raw.Timestamp > 0 {
		event.Timestamp = time.UnixMilli(raw.Timestamp)
	}
	return event, nil
}

// MemorySample is one memory-usage poll result.
type MemorySample struct {
	IsolateID    string
	HeapUsage    int64
	HeapCapacity int64
	External     int64
	At           time.Time
}

// memoryUsage is the wire shape of a getMemoryUsage result.
type memoryUsage struct {
	HeapUsage     int64 `json:"heapUsage"`
	HeapCapacity  int64 `json:"heapCapacity"`
	ExternalUsage int64 `json:"externalUsage"`
}

// NetworkSample is one network-profile poll result.
type NetworkSample struct {
	IsolateID string
	Requests  int
	Active    int
	At        time.Time
}

// httpProfile is the wire shape of an ext.dart.io.getHttpProfile
// result.
type httpProfile struct {
	Requests []struct {
		EndTime int64 `json:"endTime"`
	} `json:"requests"`
}

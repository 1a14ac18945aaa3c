// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmlink maintains a session's connection to its app
// process's inspection service: a persistent JSON-RPC link over a
// local WebSocket. The client correlates requests with responses,
// tracks the app's main isolate across hot restarts, reconnects with
// backoff when the link drops, re-issues event-stream subscriptions
// after every reconnect, and sweeps stale requests so no caller
// waits forever on a response that will never come.
package vmlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flightdeck-dev/flightdeck/lib/clock"
)

// State is the connection state, readable at any time without
// blocking.
type State int

const (
	// StateIdle means Run has not been started.
	StateIdle State = iota
	// StateConnecting means the first dial is in progress.
	StateConnecting
	// StateConnected means the link is up.
	StateConnected
	// StateReconnecting means the link dropped and the run loop is
	// backing off before redialing.
	StateReconnecting
	// StateClosed means the run loop has exited or Close was called.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Default tunables, overridable through Options.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	// Dial overrides the WebSocket dialer. Tests inject scripted
	// connections here.
	Dial DialFunc

	// OnEvent receives every decoded stream event, in arrival order,
	// from the read goroutine. It must not block.
	OnEvent func(Event)

	// OnState is invoked on every connection state change.
	OnState func(State)

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	SweepInterval  time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// Client is one session's inspection link.
type Client struct {
	uri    string
	clock  clock.Clock
	logger *slog.Logger

	dial    DialFunc
	onEvent func(Event)
	onState func(State)

	connectTimeout time.Duration
	requestTimeout time.Duration
	sweepInterval  time.Duration
	reconnectMin   time.Duration
	reconnectMax   time.Duration

	// state holds a State. Reads take no lock so the UI can render
	// connection status whatever the run loop is doing.
	state   atomic.Value
	running atomic.Bool
	nextID  atomic.Uint64

	writeMu sync.Mutex // serializes WriteFrame on the current conn

	mu        sync.Mutex
	conn      Conn
	pending   map[string]*pendingCall
	subs      map[string]struct{}
	isolateID string

	closed    chan struct{}
	closeOnce sync.Once
}

type pendingCall struct {
	method string
	sent   time.Time
	ch     chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// New returns a Client for the given service URI. Run must be
// started (normally as the session's protocol task) before calls
// succeed.
func New(uri string, clk clock.Clock, logger *slog.Logger, opts Options) *Client {
	c := &Client{
		uri:            uri,
		clock:          clk,
		logger:         logger,
		dial:           opts.Dial,
		onEvent:        opts.OnEvent,
		onState:        opts.OnState,
		connectTimeout: opts.ConnectTimeout,
		requestTimeout: opts.RequestTimeout,
		sweepInterval:  opts.SweepInterval,
		reconnectMin:   opts.ReconnectMin,
		reconnectMax:   opts.ReconnectMax,
		pending:        make(map[string]*pendingCall),
		subs:           make(map[string]struct{}),
		closed:         make(chan struct{}),
	}
	if c.dial == nil {
		c.dial = dialWebSocket
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = defaultConnectTimeout
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = defaultSweepInterval
	}
	if c.reconnectMin <= 0 {
		c.reconnectMin = defaultReconnectMin
	}
	if c.reconnectMax <= 0 {
		c.reconnectMax = defaultReconnectMax
	}
	c.state.Store(StateIdle)
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.Load().(State)
}

func (c *Client) setState(s State) {
	prev := c.state.Swap(s).(State)
	if prev != s && c.onState != nil {
		c.onState(s)
	}
}

// URI returns the service URI this client dials.
func (c *Client) URI() string { return c.uri }

// Run drives the connection until ctx is cancelled or Close is
// called: dial, resubscribe, pump frames, reconnect with doubling
// backoff on failure. It is the body of the session's protocol task.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("vmlink: run loop already active")
	}
	defer c.running.Store(false)
	defer c.setState(StateClosed)
	if c.isClosed() {
		return nil
	}

	go c.sweepLoop(ctx)

	c.setState(StateConnecting)
	backoff := c.reconnectMin
	for {
		conn, err := c.dialOnce(ctx)
		switch {
		case err == nil:
			backoff = c.reconnectMin
			c.attach(conn)
			c.setState(StateConnected)
			c.logger.Info("link connected", "uri", c.uri)

			// Setup runs beside the read loop: subscriptions and
			// isolate resolution are themselves calls, and their
			// responses only arrive once frames are being pumped.
			go func() {
				c.resubscribe(ctx)
				c.resolveMainIsolate(ctx)
			}()

			// Cancellation unblocks the read by closing the conn.
			stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
			readErr := c.readLoop(conn)
			stopWatch()
			c.detach(conn, readErr)
			c.logger.Warn("link lost", "uri", c.uri, "error", readErr)
		case ctx.Err() != nil:
			return ctx.Err()
		case c.isClosed():
			return nil
		default:
			c.logger.Warn("link connect failed", "uri", c.uri, "error", err, "retry_in", backoff)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		c.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case <-c.clock.After(backoff):
		}
		backoff = min(backoff*2, c.reconnectMax)
	}
}

func (c *Client) dialOnce(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	conn, err := c.dial(dialCtx, c.uri)
	if err != nil {
		return nil, &ConnectError{URI: c.uri, Err: err}
	}
	return conn, nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// attach installs conn as the live connection.
func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// detach clears the live connection and fails every pending call
// with a DisconnectedError, so no waiter outlives the link that
// carried its request.
func (c *Client) detach(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	orphaned := c.takePendingLocked()
	c.mu.Unlock()

	_ = conn.Close()
	for _, p := range orphaned {
		p.ch <- callResult{err: &DisconnectedError{Err: cause}}
	}
	if len(orphaned) > 0 {
		c.logger.Warn("failed pending requests on disconnect", "count", len(orphaned))
	}
}

// takePendingLocked empties the pending map. Caller holds c.mu.
func (c *Client) takePendingLocked() []*pendingCall {
	orphaned := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		orphaned = append(orphaned, p)
		delete(c.pending, id)
	}
	return orphaned
}

// readLoop pumps frames from conn until it fails.
func (c *Client) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame: responses resolve exactly one
// pending call, streamNotify frames become events, anything
// malformed is logged and dropped without disturbing the link.
func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		perr := &ProtocolError{Reason: "undecodable frame", Err: err}
		c.logger.Warn("dropping frame", "error", perr, "frame", truncateForLog(data))
		return
	}

	switch {
	case env.ID != "":
		c.resolvePending(env)
	case env.Method == "streamNotify":
		event, err := parseEvent(env.Params)
		if err != nil {
			c.logger.Warn("dropping event", "error", &ProtocolError{Reason: "bad streamNotify", Err: err})
			return
		}
		if event.Stream == StreamIsolate {
			c.trackIsolate(event)
		}
		if c.onEvent != nil {
			c.onEvent(event)
		}
	default:
		c.logger.Debug("ignoring unexpected frame", "method", env.Method)
	}
}

// resolvePending delivers a response to its waiter. The delete under
// lock guarantees each id resolves at most one caller; responses
// with no matching entry (already swept, or never ours) are logged
// and dropped.
func (c *Client) resolvePending(env envelope) {
	c.mu.Lock()
	p, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response with unknown correlation id", "id", env.ID)
		return
	}
	if env.Error != nil {
		p.ch <- callResult{err: env.Error}
		return
	}
	p.ch <- callResult{result: env.Result}
}

// trackIsolate follows the main isolate across restarts: an exit
// clears it, the next start claims it. Ids are never reused, so a
// cached id from before a restart simply stops matching.
func (c *Client) trackIsolate(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch event.Kind {
	case EventIsolateStart, EventIsolateRunnable:
		if c.isolateID == "" && event.IsolateID != "" {
			c.isolateID = event.IsolateID
			c.logger.Info("main isolate retargeted", "isolate", event.IsolateID)
		}
	case EventIsolateExit:
		if c.isolateID == event.IsolateID {
			c.isolateID = ""
			c.logger.Info("main isolate exited", "isolate", event.IsolateID)
		}
	}
}

// resolveMainIsolate asks the service which isolates exist and
// records the main one. Failures are logged; isolate events fill the
// gap later.
func (c *Client) resolveMainIsolate(ctx context.Context) {
	raw, err := c.Call(ctx, methodGetVM, nil)
	if err != nil {
		c.logger.Warn("resolving main isolate failed", "error", err)
		return
	}
	var info vmInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		c.logger.Warn("resolving main isolate failed",
			"error", &ProtocolError{Reason: "bad getVM result", Err: err})
		return
	}
	if len(info.Isolates) == 0 {
		return
	}
	chosen := info.Isolates[0]
	for _, ref := range info.Isolates {
		if ref.Name == "main" {
			chosen = ref
			break
		}
	}

	c.mu.Lock()
	changed := c.isolateID != chosen.ID
	c.isolateID = chosen.ID
	c.mu.Unlock()
	if changed {
		c.logger.Info("main isolate resolved", "isolate", chosen.ID, "name", chosen.Name)
	}
}

// MainIsolate returns the currently tracked main isolate id.
func (c *Client) MainIsolate() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isolateID == "" {
		return "", ErrNoIsolate
	}
	return c.isolateID, nil
}

// CheckIsolate fails fast when id is not the current main isolate,
// which is how callers holding ids from before a hot restart find
// out without a round trip.
func (c *Client) CheckIsolate(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isolateID == "" {
		return ErrNoIsolate
	}
	if id != c.isolateID {
		return &StaleIsolateError{IsolateID: id}
	}
	return nil
}

// Call issues one request and waits for its response, ctx
// cancellation, disconnect, or the stale sweep. params may be nil.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("vmlink: encoding %s params: %w", method, err)
		}
		rawParams = encoded
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	frame, err := json.Marshal(envelope{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("vmlink: encoding %s request: %w", method, err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, &DisconnectedError{}
	}
	p := &pendingCall{method: method, sent: c.clock.Now(), ch: make(chan callResult, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	c.writeMu.Lock()
	writeErr := conn.WriteFrame(frame)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &DisconnectedError{Err: writeErr}
	}

	select {
	case r := <-p.ch:
		return r.result, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe records stream in the subscription set and issues
// streamListen. The set survives the call failing: once a stream is
// wanted, every future reconnect re-issues it until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, stream string) error {
	c.mu.Lock()
	c.subs[stream] = struct{}{}
	c.mu.Unlock()

	_, err := c.Call(ctx, methodStreamListen, streamParams{StreamID: stream})
	var rpcErr *RPCError
	if err != nil && errors.As(err, &rpcErr) && rpcErr.Code == CodeStreamAlreadySubscribed {
		return nil
	}
	return err
}

// Unsubscribe removes stream from the subscription set and issues
// streamCancel.
func (c *Client) Unsubscribe(ctx context.Context, stream string) error {
	c.mu.Lock()
	delete(c.subs, stream)
	c.mu.Unlock()

	_, err := c.Call(ctx, methodStreamCancel, streamParams{StreamID: stream})
	return err
}

// resubscribe re-issues streamListen for every recorded stream.
// Runs after every successful connect; without it, a reconnected
// link would be silently deaf.
func (c *Client) resubscribe(ctx context.Context) {
	c.mu.Lock()
	streams := make([]string, 0, len(c.subs))
	for stream := range c.subs {
		streams = append(streams, stream)
	}
	c.mu.Unlock()

	for _, stream := range streams {
		if _, err := c.Call(ctx, methodStreamListen, streamParams{StreamID: stream}); err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) && rpcErr.Code == CodeStreamAlreadySubscribed {
				continue
			}
			c.logger.Warn("resubscribe failed", "stream", stream, "error", err)
		}
	}
	if len(streams) > 0 {
		c.logger.Info("resubscribed event streams", "count", len(streams))
	}
}

// sweepLoop periodically resolves pending calls older than the
// request timeout, so a lost response never strands its caller.
func (c *Client) sweepLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C():
			c.sweepStale()
		}
	}
}

func (c *Client) sweepStale() {
	now := c.clock.Now()

	type expiredCall struct {
		p   *pendingCall
		age time.Duration
	}
	var expired []expiredCall
	c.mu.Lock()
	for id, p := range c.pending {
		age := now.Sub(p.sent)
		if age >= c.requestTimeout {
			delete(c.pending, id)
			expired = append(expired, expiredCall{p, age})
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.logger.Warn("request timed out", "method", e.p.method, "age", e.age)
		e.p.ch <- callResult{err: &TimeoutError{Method: e.p.method, Age: e.age}}
	}
}

// PendingCalls returns the number of requests awaiting responses.
func (c *Client) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears the client down: pending calls fail, the run loop
// exits, the state reads closed. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		orphaned := c.takePendingLocked()
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		for _, p := range orphaned {
			p.ch <- callResult{err: &DisconnectedError{}}
		}
		c.setState(StateClosed)
	})
	return nil
}

// MemoryUsage fetches a memory sample from one isolate.
func (c *Client) MemoryUsage(ctx context.Context, isolateID string) (MemorySample, error) {
	if err := c.CheckIsolate(isolateID); err != nil {
		return MemorySample{}, err
	}
	raw, err := c.Call(ctx, methodGetMemory, isolateParams{IsolateID: isolateID})
	if err != nil {
		return MemorySample{}, staleFromRPC(err, isolateID)
	}
	var usage memoryUsage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return MemorySample{}, &ProtocolError{Reason: "bad getMemoryUsage result", Err: err}
	}
	return MemorySample{
		IsolateID:    isolateID,
		HeapUsage:    usage.HeapUsage,
		HeapCapacity: usage.HeapCapacity,
		External:     usage.ExternalUsage,
		At:           c.clock.Now(),
	}, nil
}

// HTTPProfile fetches a network sample from one isolate.
func (c *Client) HTTPProfile(ctx context.Context, isolateID string) (NetworkSample, error) {
	if err := c.CheckIsolate(isolateID); err != nil {
		return NetworkSample{}, err
	}
	raw, err := c.Call(ctx, methodHTTPProfile, isolateParams{IsolateID: isolateID})
	if err != nil {
		return NetworkSample{}, staleFromRPC(err, isolateID)
	}
	var profile httpProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return NetworkSample{}, &ProtocolError{Reason: "bad getHttpProfile result", Err: err}
	}
	active := 0
	for _, request := range profile.Requests {
		if request.EndTime == 0 {
			active++
		}
	}
	return NetworkSample{
		IsolateID: isolateID,
		Requests:  len(profile.Requests),
		Active:    active,
		At:        c.clock.Now(),
	}, nil
}

// Reload asks the main isolate to hot-reload changed sources.
func (c *Client) Reload(ctx context.Context) error {
	isolateID, err := c.MainIsolate()
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, methodReload, isolateParams{IsolateID: isolateID})
	return staleFromRPC(err, isolateID)
}

// Restart asks the app to hot-restart. The current isolate exits and
// a fresh one starts; isolate tracking follows the transition.
func (c *Client) Restart(ctx context.Context) error {
	_, err := c.Call(ctx, methodRestart, nil)
	return err
}

// truncateForLog bounds frame bytes included in log records.
func truncateForLog(data []byte) string {
	const limit = 200
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}

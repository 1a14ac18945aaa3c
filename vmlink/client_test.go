// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package vmlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flightdeck-dev/flightdeck/lib/clock"
	"github.com/flightdeck-dev/flightdeck/lib/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errFakeConnClosed = errors.New("fake conn closed")

// fakeConn is a scripted in-memory Conn. Frames pushed with deliver
// reach the client's read loop; frames the client writes are recorded
// and announced on wrote. Attach a fakeService to answer requests
// automatically, or consume wrote directly with awaitWrite, never
// both on the same conn.
type fakeConn struct {
	incoming  chan []byte
	wrote     chan envelope
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		wrote:    make(chan envelope, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, errFakeConnClosed
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return errFakeConnClosed
	default:
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unparseable frame written: %w", err)
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	c.wrote <- env
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// deliver injects one frame into the client's read loop.
func (c *fakeConn) deliver(t *testing.T, env envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	select {
	case c.incoming <- data:
	case <-c.closed:
		t.Fatalf("deliver on closed conn")
	}
}

// awaitWrite blocks until the client writes a frame for method and
// returns it. Frames for other methods arriving first are discarded,
// so await in the order the test issues calls.
func (c *fakeConn) awaitWrite(t *testing.T, method string) envelope {
	t.Helper()
	for {
		select {
		case env := <-c.wrote:
			if env.Method == method {
				return env
			}
		case <-c.closed:
			t.Fatalf("conn closed while waiting for %s write", method)
		}
	}
}

// writtenByMethod snapshots the recorded frames for one method.
func (c *fakeConn) writtenByMethod(method string) []envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []envelope
	for _, env := range c.written {
		if env.Method == method {
			out = append(out, env)
		}
	}
	return out
}

// fakeService answers requests arriving on a fakeConn the way the
// inspection service would. Every request method is announced on
// seen, including ones configured to stay silent.
type fakeService struct {
	conn   *fakeConn
	seen   chan string
	silent map[string]bool
	errs   map[string]*RPCError
}

func newFakeService(conn *fakeConn) *fakeService {
	return &fakeService{
		conn:   conn,
		seen:   make(chan string, 64),
		silent: make(map[string]bool),
		errs:   make(map[string]*RPCError),
	}
}

func (s *fakeService) start() {
	go s.loop()
}

func (s *fakeService) loop() {
	for {
		select {
		case <-s.conn.closed:
			return
		case env := <-s.conn.wrote:
			if env.ID == "" {
				continue
			}
			s.seen <- env.Method
			if s.silent[env.Method] {
				continue
			}
			data, err := json.Marshal(s.replyTo(env))
			if err != nil {
				continue
			}
			select {
			case s.conn.incoming <- data:
			case <-s.conn.closed:
				return
			}
		}
	}
}

func (s *fakeService) replyTo(env envelope) envelope {
	reply := envelope{JSONRPC: "2.0", ID: env.ID}
	if rpcErr, ok := s.errs[env.Method]; ok {
		reply.Error = rpcErr
		return reply
	}
	switch env.Method {
	case methodGetVM:
		reply.Result = json.RawMessage(`{"isolates":[{"id":"isolates/1","name":"main"}]}`)
	case methodStreamListen, methodStreamCancel, methodReload, methodRestart:
		reply.Result = json.RawMessage(`{"type":"Success"}`)
	case methodGetMemory:
		reply.Result = json.RawMessage(`{"heapUsage":1048576,"heapCapacity":4194304,"externalUsage":2048}`)
	case methodHTTPProfile:
		reply.Result = json.RawMessage(`{"requests":[{"endTime":0},{"endTime":1700000000}]}`)
	default:
		reply.Error = &RPCError{Code: -32601, Message: "method not found"}
	}
	return reply
}

// waitFor blocks until the service has observed a request for method.
func (s *fakeService) waitFor(t *testing.T, method string) {
	t.Helper()
	for seen := range s.seen {
		if seen == method {
			return
		}
	}
}

// startClient runs a client against a scripted sequence of
// connections. The returned stop function cancels the run loop and
// waits for it to exit; it is also registered as cleanup.
func startClient(t *testing.T, clk *clock.FakeClock, opts Options, conns ...*fakeConn) (*Client, func()) {
	t.Helper()
	next := 0
	var mu sync.Mutex
	opts.Dial = func(ctx context.Context, uri string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(conns) {
			return nil, errors.New("no scripted connection left")
		}
		conn := conns[next]
		next++
		return conn, nil
	}

	client := New("ws://127.0.0.1:8181/abc=/ws", clk, testLogger(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "client run loop exit")
	}
	t.Cleanup(stop)
	return client, stop
}

// awaitState consumes state changes until want appears.
func awaitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	for s := range states {
		if s == want {
			return
		}
	}
}

// isolateEvent builds a streamNotify frame for an isolate lifecycle
// event.
func isolateEvent(kind, isolateID string) envelope {
	params := fmt.Sprintf(
		`{"streamId":"Isolate","event":{"kind":%q,"isolate":{"id":%q,"name":"main"},"timestamp":1767225600000}}`,
		kind, isolateID)
	return envelope{JSONRPC: "2.0", Method: "streamNotify", Params: json.RawMessage(params)}
}

func TestCallCorrelatesOutOfOrderResponses(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn)
	awaitState(t, states, StateConnected)
	conn.awaitWrite(t, methodGetVM) // link setup; left unanswered

	type callOut struct {
		raw json.RawMessage
		err error
	}
	outAlpha := make(chan callOut, 1)
	go func() {
		raw, err := client.Call(context.Background(), "probe.alpha", nil)
		outAlpha <- callOut{raw, err}
	}()
	envAlpha := conn.awaitWrite(t, "probe.alpha")

	outBeta := make(chan callOut, 1)
	go func() {
		raw, err := client.Call(context.Background(), "probe.beta", nil)
		outBeta <- callOut{raw, err}
	}()
	envBeta := conn.awaitWrite(t, "probe.beta")

	// Answer in reverse order of issuance.
	conn.deliver(t, envelope{JSONRPC: "2.0", ID: envBeta.ID, Result: json.RawMessage(`{"from":"beta"}`)})
	conn.deliver(t, envelope{JSONRPC: "2.0", ID: envAlpha.ID, Result: json.RawMessage(`{"from":"alpha"}`)})

	beta := <-outBeta
	if beta.err != nil {
		t.Fatalf("beta call: %v", beta.err)
	}
	if got := string(beta.raw); got != `{"from":"beta"}` {
		t.Fatalf("beta got %s", got)
	}
	alpha := <-outAlpha
	if alpha.err != nil {
		t.Fatalf("alpha call: %v", alpha.err)
	}
	if got := string(alpha.raw); got != `{"from":"alpha"}` {
		t.Fatalf("alpha got %s", got)
	}
}

func TestUnknownAndDuplicateResponsesAreDropped(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn)
	awaitState(t, states, StateConnected)
	conn.awaitWrite(t, methodGetVM)

	// A response nobody asked for.
	conn.deliver(t, envelope{JSONRPC: "2.0", ID: "999", Result: json.RawMessage(`{}`)})

	out := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "probe.echo", nil)
		out <- err
	}()
	env := conn.awaitWrite(t, "probe.echo")
	conn.deliver(t, envelope{JSONRPC: "2.0", ID: env.ID, Result: json.RawMessage(`{}`)})
	if err := <-out; err != nil {
		t.Fatalf("call after unknown response: %v", err)
	}

	// The same response again: its waiter is gone, so it must be
	// dropped without disturbing the link.
	conn.deliver(t, envelope{JSONRPC: "2.0", ID: env.ID, Result: json.RawMessage(`{}`)})

	go func() {
		_, err := client.Call(context.Background(), "probe.echo", nil)
		out <- err
	}()
	env = conn.awaitWrite(t, "probe.echo")
	conn.deliver(t, envelope{JSONRPC: "2.0", ID: env.ID, Result: json.RawMessage(`{}`)})
	if err := <-out; err != nil {
		t.Fatalf("call after duplicate response: %v", err)
	}
}

func TestCallCancelledByCaller(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn)
	awaitState(t, states, StateConnected)
	conn.awaitWrite(t, methodGetVM)

	callCtx, cancelCall := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := client.Call(callCtx, "probe.hang", nil)
		out <- err
	}()
	conn.awaitWrite(t, "probe.hang")
	cancelCall()
	if err := <-out; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Only the unanswered getVM from link setup may remain pending.
	if got := client.PendingCalls(); got != 1 {
		t.Fatalf("pending after cancel = %d, want 1", got)
	}
}

func TestCallWithoutConnectionFailsFast(t *testing.T) {
	t.Parallel()
	client := New("ws://127.0.0.1:8181/abc=/ws", clock.Fake(testEpoch), testLogger(), Options{})
	_, err := client.Call(context.Background(), "probe.echo", nil)
	var disc *DisconnectedError
	if !errors.As(err, &disc) {
		t.Fatalf("expected DisconnectedError, got %v", err)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	service := newFakeService(conn)
	service.silent[methodGetVM] = true
	service.silent["probe.hang"] = true
	service.start()

	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn)
	awaitState(t, states, StateConnected)

	out := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "probe.hang", nil)
		out <- err
	}()
	service.waitFor(t, "probe.hang")

	conn.Close()
	var disc *DisconnectedError
	if err := <-out; !errors.As(err, &disc) {
		t.Fatalf("expected DisconnectedError, got %v", err)
	}
	if got := client.PendingCalls(); got != 0 {
		t.Fatalf("pending after disconnect = %d, want 0", got)
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	t.Parallel()
	conn1, conn2 := newFakeConn(), newFakeConn()
	service1 := newFakeService(conn1)
	service1.start()
	service2 := newFakeService(conn2)
	service2.start()

	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn1, conn2)
	awaitState(t, states, StateConnected)

	ctx := context.Background()
	if err := client.Subscribe(ctx, StreamIsolate); err != nil {
		t.Fatalf("Subscribe(Isolate): %v", err)
	}
	if err := client.Subscribe(ctx, StreamLogging); err != nil {
		t.Fatalf("Subscribe(Logging): %v", err)
	}
	if err := client.Unsubscribe(ctx, StreamLogging); err != nil {
		t.Fatalf("Unsubscribe(Logging): %v", err)
	}

	// Drop the link. The run loop backs off, then dials the second
	// scripted connection.
	conn1.Close()
	awaitState(t, states, StateReconnecting)
	clk.WaitForTimers(2) // stale sweep ticker plus the backoff timer
	clk.Advance(time.Second)
	awaitState(t, states, StateConnected)

	// Link setup on the new connection resubscribes before resolving
	// the main isolate, so once getVM is seen the listen calls are
	// all on the wire.
	service2.waitFor(t, methodGetVM)
	listens := conn2.writtenByMethod(methodStreamListen)
	if len(listens) != 1 {
		t.Fatalf("streamListen calls on reconnect = %d, want 1", len(listens))
	}
	var params streamParams
	if err := json.Unmarshal(listens[0].Params, &params); err != nil {
		t.Fatalf("unmarshal listen params: %v", err)
	}
	if params.StreamID != StreamIsolate {
		t.Fatalf("resubscribed stream = %q, want %q", params.StreamID, StreamIsolate)
	}
}

func TestSubscribeTreatsAlreadySubscribedAsSuccess(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	service := newFakeService(conn)
	service.errs[methodStreamListen] = &RPCError{Code: CodeStreamAlreadySubscribed, Message: "stream already subscribed"}
	service.start()

	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn)
	awaitState(t, states, StateConnected)

	if err := client.Subscribe(context.Background(), StreamLogging); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func TestSweepTimesOutStaleRequests(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{
		OnState:        func(s State) { states <- s },
		SweepInterval:  30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}, conn)
	awaitState(t, states, StateConnected)
	conn.awaitWrite(t, methodGetVM)

	out := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "probe.hang", nil)
		out <- err
	}()
	conn.awaitWrite(t, "probe.hang")

	clk.WaitForTimers(1)
	clk.Advance(30 * time.Second)

	var timeout *TimeoutError
	err := <-out
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Method != "probe.hang" {
		t.Fatalf("timed-out method = %q, want probe.hang", timeout.Method)
	}
	if got := client.PendingCalls(); got != 0 {
		t.Fatalf("pending after sweep = %d, want 0", got)
	}
}

func TestIsolateTrackingAcrossRestart(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	events := make(chan Event, 64)
	client, _ := startClient(t, clk, Options{
		OnState: func(s State) { states <- s },
		OnEvent: func(e Event) { events <- e },
	}, conn)
	awaitState(t, states, StateConnected)
	conn.awaitWrite(t, methodGetVM) // left unanswered; events drive tracking

	if _, err := client.MainIsolate(); !errors.Is(err, ErrNoIsolate) {
		t.Fatalf("expected ErrNoIsolate before any event, got %v", err)
	}

	conn.deliver(t, isolateEvent(EventIsolateStart, "isolates/7"))
	<-events
	if id, err := client.MainIsolate(); err != nil || id != "isolates/7" {
		t.Fatalf("MainIsolate = %q, %v; want isolates/7", id, err)
	}

	// The old isolate dies during a hot restart.
	conn.deliver(t, isolateEvent(EventIsolateExit, "isolates/7"))
	<-events
	if _, err := client.MainIsolate(); !errors.Is(err, ErrNoIsolate) {
		t.Fatalf("expected ErrNoIsolate after exit, got %v", err)
	}

	conn.deliver(t, isolateEvent(EventIsolateRunnable, "isolates/8"))
	<-events
	if err := client.CheckIsolate("isolates/8"); err != nil {
		t.Fatalf("CheckIsolate(current): %v", err)
	}
	var stale *StaleIsolateError
	if err := client.CheckIsolate("isolates/7"); !errors.As(err, &stale) {
		t.Fatalf("expected StaleIsolateError for pre-restart id, got %v", err)
	}

	// A secondary isolate starting must not displace the main one.
	conn.deliver(t, isolateEvent(EventIsolateStart, "isolates/9"))
	<-events
	if id, _ := client.MainIsolate(); id != "isolates/8" {
		t.Fatalf("MainIsolate displaced to %q", id)
	}
}

func TestMemoryUsageSample(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	service := newFakeService(conn)
	service.silent[methodGetVM] = true
	service.start()

	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	events := make(chan Event, 64)
	client, _ := startClient(t, clk, Options{
		OnState: func(s State) { states <- s },
		OnEvent: func(e Event) { events <- e },
	}, conn)
	awaitState(t, states, StateConnected)
	conn.deliver(t, isolateEvent(EventIsolateStart, "isolates/1"))
	<-events

	sample, err := client.MemoryUsage(context.Background(), "isolates/1")
	if err != nil {
		t.Fatalf("MemoryUsage: %v", err)
	}
	if sample.HeapUsage != 1048576 || sample.HeapCapacity != 4194304 || sample.External != 2048 {
		t.Fatalf("unexpected sample: %+v", sample)
	}
	if !sample.At.Equal(testEpoch) {
		t.Fatalf("sample time = %v, want %v", sample.At, testEpoch)
	}

	// A stale id fails fast without touching the wire.
	before := len(conn.writtenByMethod(methodGetMemory))
	var stale *StaleIsolateError
	if _, err := client.MemoryUsage(context.Background(), "isolates/0"); !errors.As(err, &stale) {
		t.Fatalf("expected StaleIsolateError, got %v", err)
	}
	if after := len(conn.writtenByMethod(methodGetMemory)); after != before {
		t.Fatalf("stale check hit the wire: %d calls, want %d", after, before)
	}
}

func TestHTTPProfileSample(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	service := newFakeService(conn)
	service.silent[methodGetVM] = true
	service.start()

	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	events := make(chan Event, 64)
	client, _ := startClient(t, clk, Options{
		OnState: func(s State) { states <- s },
		OnEvent: func(e Event) { events <- e },
	}, conn)
	awaitState(t, states, StateConnected)
	conn.deliver(t, isolateEvent(EventIsolateStart, "isolates/1"))
	<-events

	sample, err := client.HTTPProfile(context.Background(), "isolates/1")
	if err != nil {
		t.Fatalf("HTTPProfile: %v", err)
	}
	if sample.Requests != 2 || sample.Active != 1 {
		t.Fatalf("requests=%d active=%d, want 2 and 1", sample.Requests, sample.Active)
	}
}

func TestIsolateGoneBecomesStaleError(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	service := newFakeService(conn)
	service.silent[methodGetVM] = true
	service.errs[methodGetMemory] = &RPCError{Code: CodeIsolateGone, Message: "isolate must be runnable"}
	service.start()

	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	events := make(chan Event, 64)
	client, _ := startClient(t, clk, Options{
		OnState: func(s State) { states <- s },
		OnEvent: func(e Event) { events <- e },
	}, conn)
	awaitState(t, states, StateConnected)
	conn.deliver(t, isolateEvent(EventIsolateStart, "isolates/1"))
	<-events

	var stale *StaleIsolateError
	if _, err := client.MemoryUsage(context.Background(), "isolates/1"); !errors.As(err, &stale) {
		t.Fatalf("expected StaleIsolateError from code 105, got %v", err)
	}
}

func TestMalformedFrameKeepsLinkAlive(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn)
	awaitState(t, states, StateConnected)
	conn.awaitWrite(t, methodGetVM)

	conn.incoming <- []byte("not json at all")
	conn.deliver(t, envelope{JSONRPC: "2.0", Method: "streamNotify", Params: json.RawMessage(`{"streamId":"Isolate","event":"bogus"}`)})

	out := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "probe.echo", nil)
		out <- err
	}()
	env := conn.awaitWrite(t, "probe.echo")
	conn.deliver(t, envelope{JSONRPC: "2.0", ID: env.ID, Result: json.RawMessage(`{}`)})
	if err := <-out; err != nil {
		t.Fatalf("call after malformed frames: %v", err)
	}
	if got := client.State(); got != StateConnected {
		t.Fatalf("state after malformed frames = %v, want connected", got)
	}
}

func TestRunTwiceFails(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, _ := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn)
	awaitState(t, states, StateConnected)

	if err := client.Run(context.Background()); err == nil {
		t.Fatal("second Run did not fail")
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	clk := clock.Fake(testEpoch)
	states := make(chan State, 16)
	client, stop := startClient(t, clk, Options{OnState: func(s State) { states <- s }}, conn)
	awaitState(t, states, StateConnected)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := client.State(); got != StateClosed {
		t.Fatalf("state after Close = %v, want closed", got)
	}

	var disc *DisconnectedError
	if _, err := client.Call(context.Background(), "probe.echo", nil); !errors.As(err, &disc) {
		t.Fatalf("expected DisconnectedError after Close, got %v", err)
	}
	stop()
}

func TestRunAfterCloseReturnsImmediately(t *testing.T) {
	t.Parallel()
	client := New("ws://127.0.0.1:8181/abc=/ws", clock.Fake(testEpoch), testLogger(), Options{})
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run after Close: %v", err)
	}
}

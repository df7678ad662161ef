package las

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type readResult struct {
	chunk string
	err   error
}

// fakeTransport scripts transport behavior: each read pulls one result from
// the queue and blocks when it is empty.
type fakeTransport struct {
	mu      sync.Mutex
	opens   int
	closes  int
	openErr error
	sent    []*Command

	reads chan readResult
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan readResult, 16)}
}

func (f *fakeTransport) open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

// refuseOpens makes every subsequent open fail, like a backend that went down.
func (f *fakeTransport) refuseOpens(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) read(ctx context.Context) (string, error) {
	select {
	case r := <-f.reads:
		return r.chunk, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeTransport) send(ctx context.Context, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cmd, ok := v.(*Command); ok {
		f.sent = append(f.sent, cmd)
	}
	return nil
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) sentCommands() []*Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Command{}, f.sent...)
}

// fakeClock captures scheduled retry timers so tests fire them explicitly.
type fakeClock struct {
	mu        sync.Mutex
	fns       []func()
	stops     int
	scheduled chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{scheduled: make(chan time.Duration, 16)}
}

func (c *fakeClock) newTimer(d time.Duration, f func()) retryTimer {
	c.mu.Lock()
	c.fns = append(c.fns, f)
	c.mu.Unlock()
	c.scheduled <- d
	return &fakeTimer{clock: c}
}

func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	f := c.fns[i]
	c.mu.Unlock()
	f()
}

func (c *fakeClock) timerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

func (c *fakeClock) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

type fakeTimer struct {
	clock *fakeClock
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	t.clock.stops++
	t.clock.mu.Unlock()
	return true
}

func newTestManager(tr transport) *ConnectionManager {
	return newManager(tr, defaultBackoff(), NewEventDispatcher(), zerolog.Nop())
}

func waitForState(t *testing.T, m *ConnectionManager, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", want, m.State())
}

func awaitDelay(t *testing.T, clock *fakeClock) time.Duration {
	t.Helper()
	select {
	case d := <-clock.scheduled:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a retry timer")
		return 0
	}
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

func TestConnectIdempotent(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(tr)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.State(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error on repeat connect: %v", err)
	}
	if got := tr.openCount(); got != 1 {
		t.Fatalf("expected a single transport open, got %d", got)
	}
	m.Disconnect()
}

func TestStateTransitions(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(tr)

	var mu sync.Mutex
	var seen []ConnectionState
	m.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	if got := m.State(); got != StateIdle {
		t.Fatalf("expected idle, got %s", got)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Disconnect()
	if got := m.State(); got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	// Repeat disconnects change nothing.
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []ConnectionState{StateConnecting, StateOpen, StateClosed}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
}

// ============================================================================
// Reconnect & Backoff
// ============================================================================

func TestReconnectBackoffAndExhaustion(t *testing.T) {
	tr := newFakeTransport()
	d := NewEventDispatcher()
	m := newManager(tr, defaultBackoff(), d, zerolog.Nop())
	clock := newFakeClock()
	m.newTimer = clock.newTimer

	tr.reads <- readResult{err: errors.New("connection reset")}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := awaitDelay(t, clock); got != 1*time.Second {
		t.Fatalf("expected first delay 1s, got %v", got)
	}

	// The backend stays down, so every redial fails and the delays escalate.
	tr.refuseOpens(errors.New("connection refused"))
	clock.fire(0)
	if got := awaitDelay(t, clock); got != 2*time.Second {
		t.Fatalf("expected second delay 2s, got %v", got)
	}
	clock.fire(1)
	if got := awaitDelay(t, clock); got != 4*time.Second {
		t.Fatalf("expected third delay 4s, got %v", got)
	}
	clock.fire(2)

	// The next failure exhausts the budget: terminal failure, no fourth timer.
	waitForState(t, m, StateFailed)
	if got := clock.timerCount(); got != 3 {
		t.Fatalf("expected exactly 3 scheduled retries, got %d", got)
	}
	attempt, last := m.RetryState()
	if attempt != 3 || last != 4*time.Second {
		t.Fatalf("unexpected retry state: attempt=%d lastDelay=%v", attempt, last)
	}

	events := d.Events()
	if len(events) == 0 {
		t.Fatal("expected a terminal error event")
	}
	final := events[len(events)-1]
	if final.Kind != EventError || final.Err != ErrBackendUnavailable.Error() {
		t.Fatalf("expected backend unavailable error, got %+v", final)
	}
}

func TestRetryBudgetResetsOnReopen(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(tr)
	clock := newFakeClock()
	m.newTimer = clock.newTimer

	tr.reads <- readResult{err: errors.New("dropped")}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := awaitDelay(t, clock); got != 1*time.Second {
		t.Fatalf("expected first delay 1s, got %v", got)
	}

	// The redial succeeds and restores the budget in full.
	clock.fire(0)
	waitForState(t, m, StateOpen)
	if attempt, _ := m.RetryState(); attempt != 0 {
		t.Fatalf("expected a fresh budget after reopening, got attempt %d", attempt)
	}

	// The next drop starts over at the base delay.
	tr.reads <- readResult{err: errors.New("dropped again")}
	if got := awaitDelay(t, clock); got != 1*time.Second {
		t.Fatalf("expected the delay to start over at 1s, got %v", got)
	}
	attempt, last := m.RetryState()
	if attempt != 1 || last != 1*time.Second {
		t.Fatalf("unexpected retry state: attempt=%d lastDelay=%v", attempt, last)
	}
	m.Disconnect()
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	tr := newFakeTransport()
	tr.reads <- readResult{err: errors.New("dropped")}
	m := newTestManager(tr)
	clock := newFakeClock()
	m.newTimer = clock.newTimer

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	awaitDelay(t, clock)
	if got := m.State(); got != StateConnecting {
		t.Fatalf("expected connecting while the retry is pending, got %s", got)
	}

	m.Disconnect()
	if got := m.State(); got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	if clock.stopCount() == 0 {
		t.Fatal("expected the pending retry timer to be stopped")
	}

	// Even a timer that fires anyway must not redial after disconnect.
	clock.fire(0)
	time.Sleep(20 * time.Millisecond)
	if got := tr.openCount(); got != 1 {
		t.Fatalf("expected no redial after disconnect, got %d opens", got)
	}
}

func TestConnectResetsFailedState(t *testing.T) {
	tr := newFakeTransport()
	tr.reads <- readResult{err: errors.New("dropped")}
	d := NewEventDispatcher()
	m := newManager(tr, BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxRetries: 0}, d, zerolog.Nop())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForState(t, m, StateFailed)

	// An explicit connect leaves the terminal state and dials again.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error reconnecting: %v", err)
	}
	if got := m.State(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}
	if attempt, _ := m.RetryState(); attempt != 0 {
		t.Fatalf("expected a fresh retry budget, got attempt %d", attempt)
	}
	m.Disconnect()
}

func TestPersistentStreamDispatch(t *testing.T) {
	tr := newFakeTransport()
	d := NewEventDispatcher()
	m := newManager(tr, defaultBackoff(), d, zerolog.Nop())

	tokens := make(chan string, 4)
	d.OnToken(func(s string) { tokens <- s })
	tr.reads <- readResult{chunk: "data: {\"type\":\"token\",\"data\":\"live\"}\n\n"}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case s := <-tokens:
		if s != "live" {
			t.Fatalf("expected live, got %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a broadcast token")
	}
	m.Disconnect()
}

// ============================================================================
// Control Messages
// ============================================================================

func TestControlCommands(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(tr)

	if err := m.Ping(context.Background()); err == nil {
		t.Fatal("expected an error before connecting")
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Query(context.Background(), "hello", "gpt-4o", "openai"); err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := m.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := m.Subscribe(context.Background(), "alerts", "jobs"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := tr.sentCommands()
	if len(sent) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(sent))
	}
	q := sent[0]
	if q.Type != "query" || q.Content != "hello" || q.Model != "gpt-4o" || q.Provider != "openai" {
		t.Fatalf("unexpected query command: %+v", q)
	}
	if q.RequestID == "" {
		t.Fatal("expected a request id on query commands")
	}
	if sent[1].Type != "ping" {
		t.Fatalf("expected ping, got %+v", sent[1])
	}
	if sent[2].Type != "subscribe" || fmt.Sprint(sent[2].Channels) != fmt.Sprint([]string{"alerts", "jobs"}) {
		t.Fatalf("unexpected subscribe command: %+v", sent[2])
	}
	m.Disconnect()
}

// ============================================================================
// WebSocket Transport
// ============================================================================

func TestWSTransport(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wsStreamPath {
			t.Errorf("unexpected path %s", r.URL.Path)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"token","content":"ws"}`))

		if _, data, err := conn.Read(ctx); err == nil {
			received <- string(data)
		}
		conn.Read(ctx) // hold the connection until the client leaves
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithTransportMode(TransportWS))
	tokens := make(chan string, 2)
	client.Dispatcher().OnToken(func(s string) { tokens <- s })

	if err := client.Realtime().Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case s := <-tokens:
		// The pong frame is absorbed by the transport, so the first token
		// is the real one.
		if s != "ws" {
			t.Fatalf("expected ws, got %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a token over websocket")
	}

	if err := client.Realtime().Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	select {
	case msg := <-received:
		if !strings.Contains(msg, `"type":"ping"`) {
			t.Fatalf("expected a ping command, got %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to receive the command")
	}

	client.Realtime().Disconnect()
	if got := client.Realtime().State(); got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
}

// ============================================================================
// SSE Transport
// ============================================================================

func TestSSETransport(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != streamPath {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("unexpected Accept header %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		fmt.Fprint(w, "event: message\n")
		fmt.Fprint(w, "data: {\"type\":\"token\",\"data\":\"sse\"}\n\n")
		f.Flush()
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	client := NewClient(srv.URL)
	tokens := make(chan string, 1)
	client.Dispatcher().OnToken(func(s string) {
		select {
		case tokens <- s:
		default:
		}
	})

	if err := client.Realtime().Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := client.Realtime().State(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}
	select {
	case s := <-tokens:
		if s != "sse" {
			t.Fatalf("expected sse, got %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a token over sse")
	}

	// The SSE strategy cannot carry commands upstream.
	if err := client.Realtime().Ping(context.Background()); err == nil {
		t.Fatal("expected an error sending over sse")
	}

	client.Realtime().Disconnect()
	if got := client.Realtime().State(); got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
}

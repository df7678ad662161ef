package las

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport Strategies
// ============================================================================

// TransportMode selects how the persistent subscription is delivered.
type TransportMode string

const (
	TransportSSE TransportMode = "sse"
	TransportWS  TransportMode = "ws"
)

// transport is the minimal strategy surface the Connection Manager drives.
// read returns raw stream data in wire line format; strategies that receive
// discrete messages adapt them to it.
type transport interface {
	open(ctx context.Context) error
	close() error
	read(ctx context.Context) (string, error)
	send(ctx context.Context, v interface{}) error
}

// Command is a client-to-server control message (WebSocket only).
type Command struct {
	Type      string   `json:"type"`
	Content   string   `json:"content,omitempty"`
	Model     string   `json:"model,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// retryTimer lets tests drive reconnect timing without sleeping.
type retryTimer interface {
	Stop() bool
}

func stdTimer(d time.Duration, f func()) retryTimer {
	return time.AfterFunc(d, f)
}

// ============================================================================
// Connection Manager
// ============================================================================

// ConnectionManager owns the single persistent transport: it opens it,
// reconnects with exponential backoff after unclean closes, and feeds every
// inbound frame through the parser into the dispatcher. Per-request sessions
// are independent of it and never touch the transport.
type ConnectionManager struct {
	backoff    BackoffPolicy
	dispatcher *EventDispatcher
	logger     zerolog.Logger
	newTimer   func(time.Duration, func()) retryTimer

	mu          sync.Mutex
	state       ConnectionState
	tr          transport
	retry       retryState
	intentional bool
	timer       retryTimer
	cancelFn    context.CancelFunc
	// gen guards against a stale read loop of a replaced connection
	// reporting a drop.
	gen int

	onState []func(ConnectionState)
}

func newConnectionManager(c *Client) *ConnectionManager {
	logger := c.logger.With().Str("component", "realtime").Logger()

	var tr transport
	switch c.mode {
	case TransportWS:
		tr = &wsTransport{baseURL: c.baseURL, logger: logger}
	default:
		tr = &sseTransport{baseURL: c.baseURL, httpClient: c.streamClient}
	}
	return newManager(tr, c.backoff, c.dispatcher, logger)
}

func newManager(tr transport, backoff BackoffPolicy, d *EventDispatcher, logger zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		backoff:    backoff,
		dispatcher: d,
		logger:     logger,
		newTimer:   stdTimer,
		state:      StateIdle,
		tr:         tr,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryState returns the reconnect attempt count and the last scheduled delay.
func (m *ConnectionManager) RetryState() (attempt int, lastDelay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry.attempt, m.retry.lastDelay
}

// OnStateChange registers a handler for connection state transitions.
func (m *ConnectionManager) OnStateChange(h func(ConnectionState)) {
	m.mu.Lock()
	m.onState = append(m.onState, h)
	m.mu.Unlock()
}

func (m *ConnectionManager) stateHandlersLocked() []func(ConnectionState) {
	return append([]func(ConnectionState){}, m.onState...)
}

func notifyState(handlers []func(ConnectionState), s ConnectionState) {
	for _, h := range handlers {
		h(s)
	}
}

// Connect opens the persistent transport. It is a no-op while a connection
// attempt is in flight or the transport is already open. Connecting out of
// the failed state resets the retry budget.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.intentional = false
	m.retry.reset()
	handlers := m.stateHandlersLocked()
	m.mu.Unlock()
	notifyState(handlers, StateConnecting)

	return m.dial(ctx)
}

// Disconnect cancels any pending retry timer, closes the transport, and
// settles in the closed state. Idempotent.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.intentional = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	changed := m.state != StateClosed
	m.state = StateClosed
	handlers := m.stateHandlersLocked()
	m.mu.Unlock()

	err := m.tr.close()
	if changed {
		notifyState(handlers, StateClosed)
		m.logger.Debug().Msg("disconnected")
	}
	return err
}

// dial performs one open attempt and starts the read loop on success.
// Failures hand off to the retry scheduler.
func (m *ConnectionManager) dial(ctx context.Context) error {
	if err := m.tr.open(ctx); err != nil {
		m.logger.Debug().Err(err).Msg("transport open failed")
		m.scheduleRetry()
		return fmt.Errorf("failed to open transport: %w", err)
	}

	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		m.tr.close()
		return fmt.Errorf("connection closed during open")
	}
	m.gen++
	gen := m.gen
	// A successful open restores the full retry budget.
	m.retry.reset()
	m.state = StateOpen
	connCtx, cancel := context.WithCancel(ctx)
	m.cancelFn = cancel
	handlers := m.stateHandlersLocked()
	m.mu.Unlock()
	notifyState(handlers, StateOpen)
	m.logger.Debug().Msg("transport open")

	go m.readLoop(connCtx, gen)
	return nil
}

func (m *ConnectionManager) readLoop(ctx context.Context, gen int) {
	parser := NewFrameParser(m.logger)
	for {
		chunk, err := m.tr.read(ctx)
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		for _, ev := range parser.Feed(chunk) {
			m.dispatcher.dispatch(ev)
		}
	}
}

// handleDrop reacts to an unclean close of the current connection.
func (m *ConnectionManager) handleDrop(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return
	}
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	m.mu.Unlock()
	m.tr.close()

	m.logger.Debug().Err(err).Msg("persistent stream dropped")
	m.scheduleRetry()
}

// scheduleRetry either arms the next reconnect timer or, once the budget is
// exhausted, settles in the terminal failed state.
func (m *ConnectionManager) scheduleRetry() {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return
	}
	if m.backoff.Exhausted(m.retry.attempt) {
		attempts := m.retry.attempt
		m.state = StateFailed
		handlers := m.stateHandlersLocked()
		m.mu.Unlock()
		notifyState(handlers, StateFailed)
		m.logger.Warn().Int("attempts", attempts).Msg("reconnect budget exhausted")
		m.dispatcher.dispatch(StreamEvent{Kind: EventError, Err: ErrBackendUnavailable.Error()})
		return
	}
	delay := m.backoff.NextDelay(m.retry.attempt)
	m.retry.attempt++
	m.retry.lastDelay = delay
	attempt := m.retry.attempt
	changed := m.state != StateConnecting
	m.state = StateConnecting
	handlers := m.stateHandlersLocked()
	m.mu.Unlock()
	if changed {
		notifyState(handlers, StateConnecting)
	}

	t := m.newTimer(delay, func() {
		m.mu.Lock()
		m.timer = nil
		stale := m.intentional
		m.mu.Unlock()
		if stale {
			return
		}
		if err := m.dial(context.Background()); err != nil {
			m.logger.Debug().Err(err).Msg("reconnect attempt failed")
		}
	})

	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		t.Stop()
		return
	}
	m.timer = t
	m.mu.Unlock()
	m.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

// ============================================================================
// Control Messages
// ============================================================================

// Send forwards a raw control command over the transport. Only the WebSocket
// strategy supports sending.
func (m *ConnectionManager) Send(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open {
		return fmt.Errorf("not connected")
	}
	return m.tr.send(ctx, cmd)
}

// Query submits a chat query over the persistent connection.
func (m *ConnectionManager) Query(ctx context.Context, content, model, provider string) error {
	return m.Send(ctx, &Command{
		Type:      "query",
		Content:   content,
		Model:     model,
		Provider:  provider,
		RequestID: uuid.NewString(),
	})
}

// Ping checks connection liveness. The pong reply is absorbed by the
// transport and never reaches the event log.
func (m *ConnectionManager) Ping(ctx context.Context) error {
	return m.Send(ctx, &Command{Type: "ping"})
}

// Subscribe asks the backend to scope broadcasts to the given channels.
func (m *ConnectionManager) Subscribe(ctx context.Context, channels ...string) error {
	return m.Send(ctx, &Command{Type: "subscribe", Channels: channels})
}

// ============================================================================
// SSE Transport
// ============================================================================

// sseTransport holds the long-lived streaming GET. It is receive-only.
type sseTransport struct {
	baseURL    string
	httpClient *http.Client

	mu   sync.Mutex
	resp *http.Response
	buf  []byte
}

func (t *sseTransport) open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", t.baseURL+streamPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("stream returned HTTP %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.resp = resp
	t.buf = make([]byte, 4096)
	t.mu.Unlock()
	return nil
}

func (t *sseTransport) read(ctx context.Context) (string, error) {
	t.mu.Lock()
	resp := t.resp
	buf := t.buf
	t.mu.Unlock()
	if resp == nil {
		return "", fmt.Errorf("stream not open")
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			return string(buf[:n]), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (t *sseTransport) close() error {
	t.mu.Lock()
	resp := t.resp
	t.resp = nil
	t.mu.Unlock()
	if resp != nil {
		return resp.Body.Close()
	}
	return nil
}

func (t *sseTransport) send(ctx context.Context, v interface{}) error {
	return fmt.Errorf("sse transport is receive-only")
}

// ============================================================================
// WebSocket Transport
// ============================================================================

type wsTransport struct {
	baseURL string
	logger  zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) open(ctx context.Context) error {
	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += wsStreamPath

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// read returns the next server message framed as a data line so that both
// strategies feed the same parser. Pong replies are absorbed here.
func (t *wsTransport) read(ctx context.Context) (string, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("websocket not open")
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", err
		}
		if gjson.GetBytes(data, "type").String() == "pong" {
			t.logger.Debug().Msg("pong")
			continue
		}
		return dataPrefix + string(data) + "\n\n", nil
	}
}

func (t *wsTransport) close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *wsTransport) send(ctx context.Context, v interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not open")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

package las

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Stream Session
// ============================================================================

// StreamSession is one outstanding send/receive exchange. It owns the
// cancellation handle for its read loop and accumulates the token text it
// has produced. Sessions never touch the persistent connection.
type StreamSession struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.Mutex
	status SessionStatus
	text   strings.Builder
}

// ID returns the session identifier.
func (s *StreamSession) ID() string { return s.id }

// Status returns the current session status.
func (s *StreamSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Text returns the token text accumulated so far.
func (s *StreamSession) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Cancel aborts the session. The read loop observes the cancellation at the
// next chunk boundary and stops without emitting further events.
func (s *StreamSession) Cancel() {
	s.cancel()
}

// Done returns a channel closed once the read loop has fully stopped.
func (s *StreamSession) Done() <-chan struct{} { return s.done }

// Wait blocks until the read loop has stopped and returns the final status.
func (s *StreamSession) Wait() SessionStatus {
	<-s.done
	return s.Status()
}

// ============================================================================
// Sending
// ============================================================================

// Send issues a one-shot streaming chat request and returns the session
// reading its response. At most one session feeds the event log at a time:
// a still-active session is cancelled and drained before the new request
// goes out.
func (c *Client) Send(ctx context.Context, messages []ChatMessage) (*StreamSession, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	c.sessMu.Lock()
	prev := c.session
	c.sessMu.Unlock()
	if prev != nil {
		prev.Cancel()
		<-prev.Done()
	}

	body, err := json.Marshal(&ChatRequest{
		Model:    c.model,
		Provider: c.provider,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sessCtx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		var detail errorDetail
		if json.Unmarshal(raw, &detail) == nil && detail.Detail != "" {
			return nil, fmt.Errorf("chat request rejected: %s", detail.Detail)
		}
		return nil, fmt.Errorf("chat request failed: HTTP %d", resp.StatusCode)
	}

	id := uuid.NewString()
	sess := &StreamSession{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		status: SessionActive,
		logger: c.logger.With().Str("component", "session").Str("session", id).Logger(),
	}

	c.sessMu.Lock()
	c.session = sess
	c.sessMu.Unlock()

	sess.logger.Debug().Int("messages", len(messages)).Msg("session started")
	go sess.readLoop(sessCtx, resp.Body, NewFrameParser(c.logger), c.dispatcher)

	return sess, nil
}

// SendText sends a single user turn.
func (c *Client) SendText(ctx context.Context, content string) (*StreamSession, error) {
	return c.Send(ctx, []ChatMessage{{Role: "user", Content: content}})
}

// Session returns the most recently created session, or nil.
func (c *Client) Session() *StreamSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session
}

// Cancel aborts the active session, if any.
func (c *Client) Cancel() {
	c.sessMu.Lock()
	sess := c.session
	c.sessMu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
}

// ============================================================================
// Read Loop
// ============================================================================

func (s *StreamSession) readLoop(ctx context.Context, body io.ReadCloser, parser *FrameParser, d *EventDispatcher) {
	defer close(s.done)
	defer body.Close()

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			// Cancellation is observed at chunk boundaries only; a chunk read
			// before the cancel is dropped undecoded, never half-dispatched.
			if ctx.Err() != nil {
				s.abort(d)
				return
			}
			for _, ev := range parser.Feed(string(buf[:n])) {
				s.track(ev)
				d.dispatch(ev)
			}
			if parser.Done() {
				s.finish(SessionCompleted)
				s.logger.Debug().Msg("session completed")
				return
			}
		}
		if err != nil {
			switch {
			case ctx.Err() != nil || errors.Is(err, context.Canceled):
				s.abort(d)
			case errors.Is(err, io.EOF):
				for _, ev := range parser.Flush() {
					s.track(ev)
					d.dispatch(ev)
				}
				if !parser.Done() {
					// The backend may end the stream without a sentinel.
					s.logger.Debug().Msg("stream ended without sentinel, treating as implicit completion")
					d.dispatch(StreamEvent{Kind: EventComplete})
				}
				s.finish(SessionCompleted)
				s.logger.Debug().Msg("session completed")
			default:
				d.dispatch(StreamEvent{Kind: EventError, Err: err.Error()})
				s.finish(SessionErrored)
				s.logger.Debug().Err(err).Msg("session errored")
			}
			return
		}
	}
}

func (s *StreamSession) track(ev StreamEvent) {
	if ev.Kind != EventToken {
		return
	}
	s.mu.Lock()
	s.text.WriteString(ev.Text)
	s.mu.Unlock()
}

func (s *StreamSession) abort(d *EventDispatcher) {
	s.finish(SessionAborted)
	d.noteBoundary()
	s.logger.Debug().Msg("session aborted")
}

// finish records the terminal status; the first terminal transition wins.
func (s *StreamSession) finish(status SessionStatus) {
	s.mu.Lock()
	if s.status == SessionActive {
		s.status = status
	}
	s.mu.Unlock()
}

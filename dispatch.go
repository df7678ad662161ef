package las

import (
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventDispatcher is the append-only sink both delivery modes feed into. It
// keeps the ordered event log, the aggregate token text, and the last
// surfaced error message. Reads return snapshots; events are never reordered
// or dropped. Handlers run synchronously in registration order so callbacks
// observe events exactly as they were decoded.
type EventDispatcher struct {
	mu        sync.RWMutex
	log       []StreamEvent
	text      strings.Builder
	lastErr   string
	resetNext bool

	onEvent    []func(StreamEvent)
	onToken    []func(string)
	onThought  []func(string)
	onTool     []func(ToolCall)
	onComplete []func(StreamEvent)
	onError    []func(string)
}

// NewEventDispatcher returns an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{}
}

// dispatch stamps ev with its log position and time, appends it, and updates
// the derived aggregate. A complete or error boundary leaves the aggregate
// readable and resets it when the next session's first event arrives.
func (d *EventDispatcher) dispatch(ev StreamEvent) {
	var (
		onEvent    []func(StreamEvent)
		onToken    []func(string)
		onThought  []func(string)
		onTool     []func(ToolCall)
		onComplete []func(StreamEvent)
		onError    []func(string)
	)

	d.mu.Lock()
	if d.resetNext {
		d.text.Reset()
		d.resetNext = false
	}
	ev.Seq = len(d.log) + 1
	ev.At = time.Now()
	d.log = append(d.log, ev)
	switch ev.Kind {
	case EventToken:
		d.text.WriteString(ev.Text)
	case EventComplete:
		d.resetNext = true
	case EventError:
		d.lastErr = ev.Err
		d.resetNext = true
	}
	onEvent = append(onEvent, d.onEvent...)
	switch ev.Kind {
	case EventToken:
		onToken = append(onToken, d.onToken...)
	case EventThought:
		onThought = append(onThought, d.onThought...)
	case EventTool:
		onTool = append(onTool, d.onTool...)
	case EventComplete:
		onComplete = append(onComplete, d.onComplete...)
	case EventError:
		onError = append(onError, d.onError...)
	}
	d.mu.Unlock()

	for _, h := range onEvent {
		h(ev)
	}
	switch ev.Kind {
	case EventToken:
		for _, h := range onToken {
			h(ev.Text)
		}
	case EventThought:
		for _, h := range onThought {
			h(ev.Text)
		}
	case EventTool:
		if ev.Tool != nil {
			for _, h := range onTool {
				h(*ev.Tool)
			}
		}
	case EventComplete:
		for _, h := range onComplete {
			h(ev)
		}
	case EventError:
		for _, h := range onError {
			h(ev.Err)
		}
	}
}

// noteBoundary marks a session boundary that produced no event, such as a
// user abort, so the next session starts with a fresh aggregate.
func (d *EventDispatcher) noteBoundary() {
	d.mu.Lock()
	d.resetNext = true
	d.mu.Unlock()
}

// ============================================================================
// Reads
// ============================================================================

// Events returns a copy of the ordered event log.
func (d *EventDispatcher) Events() []StreamEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]StreamEvent, len(d.log))
	copy(out, d.log)
	return out
}

// Text returns the aggregate token text of the current session.
func (d *EventDispatcher) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text.String()
}

// LastError returns the most recently surfaced error message, or "".
func (d *EventDispatcher) LastError() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Clear wipes the log, aggregate, and last error. Intended for an explicit
// new-conversation action in the consumer; the core never clears on its own.
func (d *EventDispatcher) Clear() {
	d.mu.Lock()
	d.log = nil
	d.text.Reset()
	d.lastErr = ""
	d.resetNext = false
	d.mu.Unlock()
}

// ============================================================================
// Handler Registration
// ============================================================================

// OnEvent registers a handler invoked for every dispatched event.
func (d *EventDispatcher) OnEvent(h func(StreamEvent)) {
	d.mu.Lock()
	d.onEvent = append(d.onEvent, h)
	d.mu.Unlock()
}

// OnToken registers a handler for token text fragments.
func (d *EventDispatcher) OnToken(h func(string)) {
	d.mu.Lock()
	d.onToken = append(d.onToken, h)
	d.mu.Unlock()
}

// OnThought registers a handler for reasoning fragments.
func (d *EventDispatcher) OnThought(h func(string)) {
	d.mu.Lock()
	d.onThought = append(d.onThought, h)
	d.mu.Unlock()
}

// OnTool registers a handler for tool-call events.
func (d *EventDispatcher) OnTool(h func(ToolCall)) {
	d.mu.Lock()
	d.onTool = append(d.onTool, h)
	d.mu.Unlock()
}

// OnComplete registers a handler for completion events.
func (d *EventDispatcher) OnComplete(h func(StreamEvent)) {
	d.mu.Lock()
	d.onComplete = append(d.onComplete, h)
	d.mu.Unlock()
}

// OnError registers a handler for error events.
func (d *EventDispatcher) OnError(h func(string)) {
	d.mu.Lock()
	d.onError = append(d.onError, h)
	d.mu.Unlock()
}

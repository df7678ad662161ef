package las

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Wire Framing
// ============================================================================

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// FrameParser decodes the newline-delimited wire stream into events.
// Chunks may split a line anywhere; the trailing partial line is retained
// until the rest arrives. One parser serves exactly one stream; the
// completion sentinel latches it closed and later input is discarded.
type FrameParser struct {
	buf    string
	done   bool
	logger zerolog.Logger
}

// NewFrameParser returns a parser with an empty buffer.
func NewFrameParser(logger zerolog.Logger) *FrameParser {
	return &FrameParser{logger: logger.With().Str("component", "frames").Logger()}
}

// Feed appends chunk to the buffer and returns the events decoded from every
// complete line. Malformed payloads never produce an error; they surface as
// raw token events.
func (p *FrameParser) Feed(chunk string) []StreamEvent {
	if p.done {
		if chunk != "" {
			p.logger.Debug().Int("bytes", len(chunk)).Msg("discarding data after completion sentinel")
		}
		return nil
	}
	p.buf += chunk

	var events []StreamEvent
	for !p.done {
		nl := strings.IndexByte(p.buf, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSuffix(p.buf[:nl], "\r")
		p.buf = p.buf[nl+1:]
		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
	}
	if p.done && p.buf != "" {
		p.logger.Debug().Int("bytes", len(p.buf)).Msg("discarding buffered data after completion sentinel")
		p.buf = ""
	}
	return events
}

// Flush decodes a line still buffered when the stream ends without a
// trailing newline.
func (p *FrameParser) Flush() []StreamEvent {
	if p.done || p.buf == "" {
		return nil
	}
	line := strings.TrimSuffix(p.buf, "\r")
	p.buf = ""
	if ev, ok := p.parseLine(line); ok {
		return []StreamEvent{ev}
	}
	return nil
}

// Done reports whether the completion sentinel has been seen.
func (p *FrameParser) Done() bool { return p.done }

func (p *FrameParser) parseLine(line string) (StreamEvent, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return StreamEvent{}, false
	}
	payload := strings.TrimPrefix(line, dataPrefix)
	if strings.TrimSpace(payload) == doneSentinel {
		p.done = true
		return StreamEvent{Kind: EventComplete}, true
	}
	return decodeFrame(payload)
}

// ============================================================================
// Payload Decoding
// ============================================================================

// decodeFrame sniffs the payload shape: a typed envelope, the vendor delta
// shape, a bare tool-call envelope, a compat error chunk, and finally raw
// text. The backend mixes these conventions on the same stream, so all of
// them are recognized unconditionally.
func decodeFrame(payload string) (StreamEvent, bool) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return StreamEvent{}, false
	}
	if !gjson.Valid(trimmed) {
		return StreamEvent{Kind: EventToken, Text: trimmed}, true
	}
	v := gjson.Parse(trimmed)

	if t := v.Get("type"); t.Exists() {
		return decodeEnvelope(t.String(), v)
	}

	if v.Get("choices").IsArray() {
		if content := v.Get("choices.0.delta.content"); content.Exists() && content.String() != "" {
			return StreamEvent{Kind: EventToken, Text: content.String()}, true
		}
		// Role announcements and finish chunks carry no text.
		return StreamEvent{}, false
	}

	if calls := v.Get("tool_calls"); calls.IsArray() {
		return StreamEvent{Kind: EventTool, Tool: decodeToolCalls(calls)}, true
	}

	if msg := v.Get("error.message"); msg.Exists() {
		return StreamEvent{Kind: EventError, Err: msg.String()}, true
	}

	// Valid JSON matching no known shape still surfaces rather than vanishing.
	return StreamEvent{Kind: EventToken, Text: trimmed}, true
}

func decodeEnvelope(typ string, v gjson.Result) (StreamEvent, bool) {
	switch typ {
	case "token":
		// Per-request frames carry content; broadcast frames carry data as a bare string.
		if c := v.Get("content"); c.Exists() {
			return StreamEvent{Kind: EventToken, Text: c.String()}, true
		}
		return StreamEvent{Kind: EventToken, Text: v.Get("data").String()}, true

	case "thought":
		if c := v.Get("data.content"); c.Exists() {
			return StreamEvent{Kind: EventThought, Text: c.String()}, true
		}
		return StreamEvent{Kind: EventThought, Text: v.Get("content").String()}, true

	case "tool_call":
		return StreamEvent{Kind: EventTool, Tool: decodeToolCalls(v.Get("tool_calls"))}, true

	case "tool":
		d := v.Get("data")
		return StreamEvent{Kind: EventTool, Tool: &ToolCall{
			Name:      d.Get("name").String(),
			Arguments: rawOrString(d.Get("arguments")),
			Result:    rawOrString(d.Get("result")),
		}}, true

	case "complete":
		ev := StreamEvent{Kind: EventComplete}
		if r := v.Get("data.response"); r.Exists() && r.Type == gjson.String {
			ev.Text = r.String()
		}
		if u := v.Get("data.usage"); u.IsObject() {
			ev.Usage = &Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}
		return ev, true

	case "error":
		if e := v.Get("error"); e.Exists() {
			return StreamEvent{Kind: EventError, Err: e.String()}, true
		}
		if d := v.Get("data"); d.Type == gjson.String {
			return StreamEvent{Kind: EventError, Err: d.String()}, true
		}
		return StreamEvent{Kind: EventError, Err: v.Get("data.message").String()}, true

	default:
		// Meta frames (connected, pong, subscribed) produce no event.
		return StreamEvent{}, false
	}
}

// decodeToolCalls reads the first entry of a tool_calls array, accepting both
// the function-nested vendor shape and a flat name/arguments shape.
func decodeToolCalls(calls gjson.Result) *ToolCall {
	first := calls.Get("0")
	tc := &ToolCall{
		ID:        first.Get("id").String(),
		Name:      first.Get("function.name").String(),
		Arguments: first.Get("function.arguments").String(),
	}
	if tc.Name == "" {
		tc.Name = first.Get("name").String()
	}
	if tc.Arguments == "" {
		tc.Arguments = rawOrString(first.Get("arguments"))
	}
	return tc
}

// rawOrString renders a JSON value as display text: bare strings unquoted,
// everything else as raw JSON.
func rawOrString(r gjson.Result) string {
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	if r.Type == gjson.String {
		return r.String()
	}
	return r.Raw
}

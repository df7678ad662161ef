package las

import (
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a structured error returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrBackendUnavailable is surfaced when the persistent connection has
// exhausted its retry budget.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ============================================================================
// Connection & Session States
// ============================================================================

// ConnectionState represents the persistent connection lifecycle.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
	StateFailed     ConnectionState = "failed"
)

// SessionStatus represents the lifecycle of one send/receive exchange.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
	SessionErrored   SessionStatus = "errored"
)

// ============================================================================
// Stream Events
// ============================================================================

// EventKind identifies the type of a decoded stream event.
type EventKind string

const (
	EventToken    EventKind = "token"
	EventTool     EventKind = "tool"
	EventThought  EventKind = "thought"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// StreamEvent is one decoded unit of the wire protocol. Events are values
// and are never mutated after being appended to the event log.
type StreamEvent struct {
	Kind  EventKind
	Text  string    // token/thought fragment; final response text on complete when reported
	Tool  *ToolCall // set for tool events
	Err   string    // set for error events
	Usage *Usage    // set on complete when the backend reports usage

	// Seq and At are stamped by the dispatcher when the event is appended:
	// Seq is the 1-based position in the event log.
	Seq int
	At  time.Time
}

// ToolCall describes a tool invocation reported by the agent.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

// Usage holds token accounting reported on completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ============================================================================
// Chat Types
// ============================================================================

// ChatMessage is one conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of a streaming chat request.
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ============================================================================
// Catalog & Health Types
// ============================================================================

// ModelInfo describes one available model.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextLength int      `json:"context_length"`
	Features      []string `json:"features"`
	LiteLLMModel  string   `json:"litellm_model"`
}

// ProviderInfo describes an LLM provider and its configuration status.
type ProviderInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Configured bool     `json:"configured"`
	Features   []string `json:"features"`
	KeyEnv     string   `json:"key_env,omitempty"`
}

// HealthInfo is the backend liveness report.
type HealthInfo struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
}

// errorDetail is the error body shape the backend returns on non-2xx responses.
type errorDetail struct {
	Detail string `json:"detail"`
}

// Package las provides the Go client for the LAS (Local Agent System)
// agent backend.
//
// Chat responses stream over a one-shot request per send; the client can
// additionally hold one persistent subscription (SSE or WebSocket) for
// broadcast events. Both delivery modes decode the same frame format and
// feed one ordered event log.
//
// Example:
//
//	client := las.NewClient("http://localhost:8000")
//	client.Dispatcher().OnToken(func(text string) { fmt.Print(text) })
//
//	sess, err := client.SendText(ctx, "What's 2+2?")
//	if err != nil {
//		log.Fatal(err)
//	}
//	sess.Wait()
//
//	// Persistent subscription
//	rt := client.Realtime()
//	_ = rt.Connect(ctx)
//	defer rt.Disconnect()
package las

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Defaults & Endpoints
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

const (
	chatCompletionsPath = "/api/v1/litellm/chat/completions"
	modelsPath          = "/api/v1/litellm/models"
	providersPath       = "/api/v1/litellm/providers"
	healthPath          = "/health"
	streamPath          = "/stream"
	wsStreamPath        = "/ws/stream"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to a LAS backend.
type Client struct {
	baseURL      string
	model        string
	provider     string
	mode         TransportMode
	httpClient   *http.Client
	streamClient *http.Client
	logger       zerolog.Logger
	backoff      BackoffPolicy

	dispatcher *EventDispatcher
	realtime   *ConnectionManager

	sessMu  sync.Mutex
	session *StreamSession
}

type ClientOption func(*Client)

// WithBaseURL overrides the backend URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the timeout for non-streaming requests.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client. Streaming requests use
// a copy with the timeout cleared, since their lifetime is context-governed.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
		sc := *client
		sc.Timeout = 0
		c.streamClient = &sc
	}
}

// WithLogger enables debug logging. The client is silent by default.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithModel sets the default model for chat requests, in provider/model form.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithProvider sets the default provider override for chat requests.
func WithProvider(provider string) ClientOption {
	return func(c *Client) { c.provider = provider }
}

// WithTransportMode selects the persistent delivery strategy.
func WithTransportMode(mode TransportMode) ClientOption {
	return func(c *Client) { c.mode = mode }
}

// WithBackoff tunes the reconnect policy for the persistent connection.
func WithBackoff(base, cap time.Duration, maxRetries int) ClientOption {
	return func(c *Client) {
		c.backoff = BackoffPolicy{Base: base, Cap: cap, MaxRetries: maxRetries}
	}
}

// NewClient creates a new LAS client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		// Streaming responses are open-ended; their lifetime is governed by
		// context, not a client timeout.
		streamClient: &http.Client{},
		logger:       zerolog.Nop(),
		backoff:      defaultBackoff(),
		mode:         TransportSSE,
	}
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}

	for _, opt := range opts {
		opt(c)
	}

	c.dispatcher = NewEventDispatcher()
	c.realtime = newConnectionManager(c)
	return c
}

// Dispatcher returns the event sink shared by both delivery modes.
func (c *Client) Dispatcher() *EventDispatcher {
	return c.dispatcher
}

// Realtime returns the persistent connection manager.
func (c *Client) Realtime() *ConnectionManager {
	return c.realtime
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var detail errorDetail
		if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
			return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: detail.Detail}
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Health & Catalog Methods
// ============================================================================

// Health checks backend liveness.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	data, err := c.doRequest(ctx, "GET", healthPath, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthInfo](data)
}

// ListModels lists available models, optionally filtered by provider.
func (c *Client) ListModels(ctx context.Context, provider string) ([]ModelInfo, error) {
	var query map[string]string
	if provider != "" {
		query = map[string]string{"provider": provider}
	}
	data, err := c.doRequest(ctx, "GET", modelsPath, nil, query)
	if err != nil {
		return nil, err
	}
	models, err := decodeJSON[[]ModelInfo](data)
	if err != nil {
		return nil, err
	}
	return *models, nil
}

// ListProviders lists LLM providers and their configuration status.
func (c *Client) ListProviders(ctx context.Context) ([]ProviderInfo, error) {
	data, err := c.doRequest(ctx, "GET", providersPath, nil, nil)
	if err != nil {
		return nil, err
	}
	providers, err := decodeJSON[[]ProviderInfo](data)
	if err != nil {
		return nil, err
	}
	return *providers, nil
}

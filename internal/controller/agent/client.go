// Package agent provides an HTTP client for the in-container agent API.
//
// Each agent container runs a small HTTP server on a fixed port. The
// controller uses this client to check health, create conversations, discover
// providers and forward chat prompts.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentdock/agentdock/common/trace"
)

const (
	// defaultTimeout bounds control calls (health, session, providers).
	defaultTimeout = 10 * time.Second
	// defaultChatTimeout bounds a chat send. Model inference is slow, so this
	// is deliberately generous; the caller's context can always cut it short.
	defaultChatTimeout = 120 * time.Second
)

// Client talks to a single agent container's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	chatClient *http.Client
}

// Options tunes client timeouts. Zero values take defaults.
type Options struct {
	Timeout     time.Duration
	ChatTimeout time.Duration
}

// New creates an agent client targeting the given base URL
// (e.g. "http://agent_abc123:4096").
func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = defaultChatTimeout
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: opts.Timeout},
		chatClient: &http.Client{Timeout: opts.ChatTimeout},
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SessionRequest is the body for POST /session.
type SessionRequest struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// SessionResponse is returned by POST /session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

// ProviderInfo describes one LLM provider the agent can use.
type ProviderInfo struct {
	Name         string   `json:"name"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model,omitempty"`
}

// ProvidersResponse is returned by GET /config/providers.
type ProvidersResponse struct {
	DefaultProvider string         `json:"default_provider"`
	Providers       []ProviderInfo `json:"providers"`
}

// MessageRequest is the body for POST /message.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

// MessageResponse is returned by POST /message.
type MessageResponse struct {
	SessionID string `json:"session_id"`
	Parts     []Part `json:"parts"`
}

// ErrorResponse is returned by the agent on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &resp, nil
}

// CreateSession asks the agent to open a new conversation and returns the
// agent-assigned session ID.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*SessionResponse, error) {
	var resp SessionResponse
	if err := c.post(ctx, c.httpClient, "/session", req, &resp); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("create session: agent returned no session_id")
	}
	return &resp, nil
}

// Providers calls GET /config/providers.
func (c *Client) Providers(ctx context.Context) (*ProvidersResponse, error) {
	var resp ProvidersResponse
	if err := c.get(ctx, "/config/providers", &resp); err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	return &resp, nil
}

// SendMessage forwards a prompt to the agent and returns its structured
// response parts. The call uses the chat timeout.
func (c *Client) SendMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	var resp MessageResponse
	if err := c.post(ctx, c.chatClient, "/message", req, &resp); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &resp, nil
}

// --- internal helpers ---

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	setTraceHeader(req, ctx)
	return do(c.httpClient, req, out)
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setTraceHeader(req, ctx)
	return do(client, req, out)
}

// setTraceHeader injects the trace ID from ctx into the request header.
func setTraceHeader(req *http.Request, ctx context.Context) {
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}
}

func do(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
			return fmt.Errorf("agent %s %s → %d: %s", req.Method, req.URL.Path, resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("agent %s %s → %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

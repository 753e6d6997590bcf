package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// httpClient implements the HTTP/SSE MCP transport: POST /sessions to
// establish a session, GET /tools for the (cached) catalogue, and
// POST /tools/call per invocation.
type httpClient struct {
	cfg    ServerConfig
	logger *slog.Logger
	http   *http.Client

	mu        sync.Mutex
	sessionID string
	tools     []ToolDescriptor
	toolsSet  bool
}

func newHTTPClient(cfg ServerConfig) *httpClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &httpClient{
		cfg:    cfg,
		logger: slog.Default().With("mcp_server", cfg.ID, "transport", "http"),
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *httpClient) Start(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return fmt.Errorf("mcpclient: base URL is required for http transport")
	}

	body := map[string]any{
		"id":           uuid.NewString(),
		"capabilities": map[string]any{"tools": map[string]any{}},
	}
	resp, err := c.do(ctx, http.MethodPost, "/sessions", body)
	if err != nil {
		return fmt.Errorf("mcpclient: create session: %w", err)
	}

	var sessResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp, &sessResp); err != nil {
		return fmt.Errorf("mcpclient: parse session response: %w", err)
	}
	if sessResp.SessionID == "" {
		return fmt.Errorf("mcpclient: server did not return a sessionId")
	}

	c.mu.Lock()
	c.sessionID = sessResp.SessionID
	c.mu.Unlock()

	c.logger.Info("http MCP session established", "url", c.cfg.BaseURL, "session_id", sessResp.SessionID)
	return nil
}

func (c *httpClient) Stop() error {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	return nil
}

func (c *httpClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	c.mu.Lock()
	if c.toolsSet {
		tools := c.tools
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	resp, err := c.do(ctx, http.MethodGet, "/tools", nil)
	if err != nil {
		return nil, err
	}
	var parsed listToolsResult
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("mcpclient: parse tools response: %w", err)
	}

	c.mu.Lock()
	c.tools = parsed.Tools
	c.toolsSet = true
	c.mu.Unlock()
	return parsed.Tools, nil
}

func (c *httpClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil, fmt.Errorf("mcpclient: session not established")
	}

	body := map[string]any{
		"sessionId": sessionID,
		"name":      name,
		"arguments": arguments,
	}
	resp, err := c.do(ctx, http.MethodPost, "/tools/call", body)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp, &wrapper); err == nil && wrapper.Result != nil {
		return wrapper.Result, nil
	}
	return resp, nil
}

// do issues an HTTP request against the MCP server and returns the raw
// body on 200; anything else is an HTTP error that fails the call.
func (c *httpClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + path

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("mcpclient: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcpclient: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

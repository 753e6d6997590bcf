package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client is the polymorphic MCP client contract. Both transports
// (stdio subprocess, HTTP/SSE) implement it identically: list_tools is
// cached after the first call, call_tool raises only on a transport or
// protocol failure — a tool's own error payload comes back as a normal
// result so the agent loop can observe and react to it.
type Client interface {
	// Start establishes the session: spawns the subprocess or opens the
	// HTTP session and performs the initialize handshake. The tool cache
	// is filled by the first ListTools call.
	Start(ctx context.Context) error

	// Stop tears the session down. It is safe to call multiple times and
	// after a failed Start.
	Stop() error

	// ListTools returns the server's tool catalogue, caching it after the
	// first successful call.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool invokes a tool. arguments may be nil. The returned
	// json.RawMessage is the tool's result payload (including tool-level
	// error payloads); err is non-nil only for transport/protocol
	// failures, which leave the session unusable.
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error)
}

// New constructs the transport-appropriate Client for cfg.
func New(cfg ServerConfig) (Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		return newStdioClient(cfg), nil
	case TransportHTTP:
		return newHTTPClient(cfg), nil
	default:
		return nil, fmt.Errorf("mcpclient: unknown transport %q", cfg.Transport)
	}
}

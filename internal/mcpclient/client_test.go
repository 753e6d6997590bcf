package mcpclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestNewUnknownTransport(t *testing.T) {
	if _, err := New(ServerConfig{ID: "x", Transport: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestNewDispatchesByTransport(t *testing.T) {
	stdio, err := New(ServerConfig{ID: "a", Transport: TransportStdio, Command: "echo"})
	if err != nil {
		t.Fatalf("stdio: %v", err)
	}
	if _, ok := stdio.(*stdioClient); !ok {
		t.Fatalf("expected *stdioClient, got %T", stdio)
	}

	httpC, err := New(ServerConfig{ID: "b", Transport: TransportHTTP, BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if _, ok := httpC.(*httpClient); !ok {
		t.Fatalf("expected *httpClient, got %T", httpC)
	}
}

// TestStdioClientRoundTrip spawns a tiny shell "server" that replies to the
// initialize handshake and a tools/list call with canned JSON-RPC lines,
// verifying the framing, ID matching, and tool cache.
func TestStdioClientRoundTrip(t *testing.T) {
	script := `
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"0.1"}}}'
      ;;
    *'"method":"tools/list"'*)
      echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}'
      ;;
  esac
done
`
	c, err := New(ServerConfig{
		ID:        "fake",
		Transport: TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", script},
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	// Cached the second time; the fake server's canned replies carry fixed
	// ids, so a second tools/list request would never be matched.
	cached, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools (cached): %v", err)
	}
	if len(cached) != 1 {
		t.Fatalf("expected cached tools, got %+v", cached)
	}
}

func TestStdioClientStartRequiresCommand(t *testing.T) {
	c, err := New(ServerConfig{ID: "x", Transport: TransportStdio})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error when command is empty")
	}
}

func TestHTTPClientRequiresSessionBeforeCallTool(t *testing.T) {
	c, err := New(ServerConfig{ID: "h", Transport: TransportHTTP, BaseURL: "http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.CallTool(context.Background(), "anything", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error calling a tool before Start")
	}
}

package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// stdioClient speaks line-delimited JSON-RPC 2.0 over a child process's
// stdin/stdout. A single outstanding-request model is used: Call blocks
// until its response line arrives, times out, or the session dies.
type stdioClient struct {
	cfg    ServerConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	nextID  atomic.Int64
	pending sync.Map // int64 -> chan *jsonRPCResponse

	mu        sync.Mutex
	tools     []ToolDescriptor
	toolsSet  bool
	unusable  error
	doneRead  chan struct{}
	stopOnce  sync.Once
}

func newStdioClient(cfg ServerConfig) *stdioClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStdioTimeout
	}
	return &stdioClient{
		cfg:      cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "stdio"),
		doneRead: make(chan struct{}),
	}
}

func (c *stdioClient) Start(ctx context.Context) error {
	if c.cfg.Command == "" {
		return fmt.Errorf("mcpclient: command is required for stdio transport")
	}

	c.cmd = exec.Command(c.cfg.Command, c.cfg.Args...)
	c.cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		c.cmd.Env = append(c.cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if c.cfg.WorkDir != "" {
		c.cmd.Dir = c.cfg.WorkDir
	}

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcpclient: stdin pipe: %w", err)
	}
	c.stdin = stdin

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcpclient: stdout pipe: %w", err)
	}
	c.stdout = bufio.NewScanner(stdout)
	c.stdout.Buffer(make([]byte, 64*1024), 4*1024*1024)

	stderr, _ := c.cmd.StderrPipe()

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("mcpclient: start process: %w", err)
	}
	c.logger.Info("started MCP server process", "command", c.cfg.Command, "pid", c.cmd.Process.Pid)

	go c.readLoop()
	if stderr != nil {
		go c.logStderr(stderr)
	}

	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	}
	result, err := c.call(ctx, "initialize", initParams)
	if err != nil {
		_ = c.Stop()
		return fmt.Errorf("mcpclient: initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		_ = c.Stop()
		return fmt.Errorf("mcpclient: parse initialize result: %w", err)
	}

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	return nil
}

func (c *stdioClient) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd == nil || c.cmd.Process == nil {
			close(c.doneRead)
			return
		}
		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()

		_ = c.cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = c.cmd.Process.Kill()
			<-done
		}
		close(c.doneRead)
	})
	return err
}

func (c *stdioClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	c.mu.Lock()
	if c.toolsSet {
		tools := c.tools
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var resp listToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		c.markUnusable(err)
		return nil, fmt.Errorf("mcpclient: parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.toolsSet = true
	c.mu.Unlock()
	return resp.Tools, nil
}

func (c *stdioClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	params := callToolParams{Name: name, Arguments: arguments}
	return c.call(ctx, "tools/call", params)
}

// call sends a JSON-RPC request and blocks for its matching response.
func (c *stdioClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.unusableErr(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcpclient: marshal params: %w", err)
		}
		req.Params = encoded
	}

	respCh := make(chan *jsonRPCResponse, 1)
	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: marshal request: %w", err)
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		c.markUnusable(err)
		return nil, fmt.Errorf("mcpclient: write request: %w", err)
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStdioTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcpclient: mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("mcpclient: request %q timed out after %s", method, timeout)
	case <-c.doneRead:
		return nil, fmt.Errorf("mcpclient: transport closed")
	}
}

func (c *stdioClient) notify(method string, params any) error {
	notif := jsonRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		notif.Params = encoded
	}
	line, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	_, err = c.stdin.Write(append(line, '\n'))
	return err
}

func (c *stdioClient) readLoop() {
	for c.stdout.Scan() {
		line := c.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		c.processLine(line)
	}
	if err := c.stdout.Err(); err != nil {
		c.markUnusable(err)
	}
}

// processLine parses one JSON-RPC line. A line that fails to parse fails
// the in-flight call (there is exactly one: we never pipeline beyond what
// the correctness contract requires) and leaves the session unusable.
func (c *stdioClient) processLine(line []byte) {
	var resp jsonRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		c.markUnusable(fmt.Errorf("mcpclient: parse response line: %w", err))
		return
	}
	if resp.ID == nil {
		// Notification; this harness does not act on server notifications.
		return
	}
	if ch, ok := c.pending.LoadAndDelete(*resp.ID); ok {
		ch.(chan *jsonRPCResponse) <- &resp
	}
}

func (c *stdioClient) logStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			c.logger.Debug("server stderr", "message", line)
		}
	}
}

func (c *stdioClient) markUnusable(err error) {
	c.mu.Lock()
	if c.unusable == nil {
		c.unusable = err
	}
	c.mu.Unlock()
	c.pending.Range(func(key, value any) bool {
		if ch, ok := c.pending.LoadAndDelete(key); ok {
			select {
			case ch.(chan *jsonRPCResponse) <- &jsonRPCResponse{Error: &jsonRPCError{Code: -32700, Message: err.Error()}}:
			default:
			}
		}
		return true
	})
}

func (c *stdioClient) unusableErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unusable
}

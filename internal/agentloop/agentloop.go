// Package agentloop implements AgentLoop (spec.md §4.4): the iterative
// process that interleaves LLM completions and MCP tool invocations under
// a turn/iteration budget, recording a canonical transcript and token
// usage. Two variants share the external contract Execute(ctx, instruction,
// logPath) (AgentOutcome, error): a direct tool-calling loop and a ReAct
// loop driven by hand-parsed JSON.
//
// Grounded on the teacher's internal/agent.AgenticLoop (loop.go): the same
// phase-by-phase turn structure (stream → execute tools → continue) and
// LoopConfig-with-sane-defaults idiom, collapsed from a streaming,
// channel-based design to a synchronous one since neither variant needs
// token-level streaming (internal/llm.Provider.Complete is one round trip).
package agentloop

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mcpmark/mcpmark/internal/llm"
	"github.com/mcpmark/mcpmark/internal/mcpclient"
	"github.com/mcpmark/mcpmark/internal/observability"
	"github.com/mcpmark/mcpmark/internal/transcript"
)

// Loop is the common external contract both variants satisfy (spec.md
// §4.4: "execute(instruction, log_path) -> AgentOutcome"). taskTimeout
// lets ReActLoop derive its per-step half-timeout; DirectLoop ignores it.
type Loop interface {
	Execute(ctx context.Context, p Params, taskTimeout time.Duration) (AgentOutcome, error)
}

var (
	_ Loop = (*DirectLoop)(nil)
	_ Loop = (*ReActLoop)(nil)
)

// TokenUsage accumulates token accounting across every turn/step of one
// task execution (spec.md §3 TaskResult.token_usage).
type TokenUsage struct {
	In        int
	Out       int
	Total     int
	Reasoning int
}

func (u *TokenUsage) add(usage llm.Usage) {
	u.In += usage.PromptTokens
	u.Out += usage.CompletionTokens
	u.Total += usage.TotalTokens
	u.Reasoning += usage.ReasoningTokens
}

// AgentOutcome is what every AgentLoop variant's Execute returns (spec.md
// §4.4 "Common contract").
type AgentOutcome struct {
	Success      bool
	Transcript   transcript.Transcript
	TokenUsage   TokenUsage
	TurnCount    int
	ExecutionTime time.Duration
	Error        string
	ActualModel  string
}

// ConfigProvider is the "provider callback" spec.md §4.2/§4.4 describes:
// StateManager.ServiceConfigForAgent re-read before every request, since
// service runtime parameters (test directories, DB URLs, tokens) can
// change across turns within one task.
type ConfigProvider func() (map[string]string, error)

// Params bundles everything one Execute call needs: the rendered
// instruction, the MCP server to drive, the model to call, and the
// service-config callback. Logger is a structured logger and is the only
// sink for this package's per-turn events; they are not written to
// execution.log, which receives only the caller's start and finish lines.
type Params struct {
	Instruction string
	Model       string
	APIKey      string
	BaseURL     string
	ServerConfig mcpclient.ServerConfig
	GetServiceConfig ConfigProvider
	Logger      *slog.Logger

	// ProviderName labels LLM request metrics (e.g. "anthropic", "openai");
	// purely cosmetic, defaults to "" when unset.
	ProviderName string
	// Metrics is optional; nil disables per-call instrumentation.
	Metrics *observability.Metrics
}

// recordLLMRequest is a nil-safe Metrics helper shared by both loop variants.
func recordLLMRequest(p Params, status string, durationSeconds float64, usage llm.Usage) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.RecordLLMRequest(p.ProviderName, p.Model, status, durationSeconds, usage.PromptTokens, usage.CompletionTokens, usage.ReasoningTokens)
}

// recordToolCall is a nil-safe Metrics helper shared by both loop variants.
func recordToolCall(p Params, toolName, status string, durationSeconds float64) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.RecordToolCall(p.ServerConfig.ID, toolName, status, durationSeconds)
}

// renderTools converts the MCP tool catalogue into the LLM provider's
// function-tool schema — shared by both loop variants.
func renderTools(tools []mcpclient.ToolDescriptor) []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// toolByName indexes a tool catalogue for the ReAct loop's "tool ∈
// catalog" validation (spec.md §4.4).
func toolByName(tools []mcpclient.ToolDescriptor) map[string]mcpclient.ToolDescriptor {
	out := make(map[string]mcpclient.ToolDescriptor, len(tools))
	for _, t := range tools {
		out[t.Name] = t
	}
	return out
}

// refreshServiceConfig calls the provider callback once per turn/step,
// tolerating a nil callback (tests, or services with static config).
func refreshServiceConfig(p Params) {
	if p.GetServiceConfig == nil {
		return
	}
	if _, err := p.GetServiceConfig(); err != nil && p.Logger != nil {
		p.Logger.Warn("service config refresh failed", "error", err)
	}
}

// compactJSON re-marshals raw into a minimal JSON encoding, used when
// building ToolResult transcript entries from arbitrary tool payloads.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf []byte
	buf, err := json.Marshal(json.RawMessage(raw))
	if err != nil {
		return string(raw)
	}
	return string(buf)
}

package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcpmark/mcpmark/internal/llm"
	"github.com/mcpmark/mcpmark/internal/mcpclient"
	"github.com/mcpmark/mcpmark/internal/transcript"
)

// DirectLoop is the direct tool-calling AgentLoop variant (spec.md §4.4):
// renders MCP tools to the provider's function-tool schema and runs up to
// MaxTurns turns, dispatching every tool call the model requests through
// MCPClient.CallTool.
type DirectLoop struct {
	Provider llm.Provider
	MaxTurns int // hard default 2 in the reference; configurable (Open Question (a))
}

// NewDirectLoop constructs a DirectLoop, defaulting MaxTurns to the
// reference's literal 2 when maxTurns <= 0.
func NewDirectLoop(provider llm.Provider, maxTurns int) *DirectLoop {
	if maxTurns <= 0 {
		maxTurns = 2
	}
	return &DirectLoop{Provider: provider, MaxTurns: maxTurns}
}

// Execute drives the direct loop to completion or exhaustion of MaxTurns,
// whichever comes first, honoring ctx's deadline as the task-level
// cancellation point (spec.md §5). taskTimeout is accepted to satisfy the
// Loop interface shared with ReActLoop; the direct loop has no per-step
// half-timeout rule so it is unused here.
func (l *DirectLoop) Execute(ctx context.Context, p Params, taskTimeout time.Duration) (AgentOutcome, error) {
	started := time.Now()
	outcome := AgentOutcome{ActualModel: p.Model}

	client, err := mcpclient.New(p.ServerConfig)
	if err != nil {
		return outcome, fmt.Errorf("agentloop: construct mcp client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return outcome, fmt.Errorf("agentloop: start mcp session: %w", err)
	}
	defer client.Stop()

	mcpTools, err := client.ListTools(ctx)
	if err != nil {
		return outcome, fmt.Errorf("agentloop: list tools: %w", err)
	}
	tools := renderTools(mcpTools)
	toolIndex := toolByName(mcpTools)

	tr := transcript.Transcript{transcript.UserText(p.Instruction)}
	messages := []llm.Message{{Role: "user", Content: p.Instruction}}

	for turn := 0; turn < l.MaxTurns; turn++ {
		outcome.TurnCount = turn + 1

		if ctx.Err() != nil {
			outcome.Transcript = tr
			outcome.ExecutionTime = time.Since(started)
			outcome.Error = "task deadline exceeded"
			return outcome, nil
		}

		refreshServiceConfig(p)

		llmStart := time.Now()
		resp, err := l.Provider.Complete(ctx, llm.Request{
			Model:    p.Model,
			Messages: messages,
			Tools:    tools,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
		})
		if err != nil {
			recordLLMRequest(p, "error", time.Since(llmStart).Seconds(), llm.Usage{})
			outcome.Transcript = tr
			outcome.ExecutionTime = time.Since(started)
			outcome.Error = err.Error()
			return outcome, nil
		}
		recordLLMRequest(p, "success", time.Since(llmStart).Seconds(), resp.Usage)
		if resp.Model != "" {
			outcome.ActualModel = resp.Model
		}
		outcome.TokenUsage.add(resp.Usage)

		if len(resp.Choices) == 0 {
			outcome.Transcript = tr
			outcome.ExecutionTime = time.Since(started)
			outcome.Error = "provider returned no choices"
			return outcome, nil
		}
		reply := resp.Choices[0].Message

		if reply.Content != "" {
			tr = append(tr, transcript.AssistantText(reply.Content))
		}
		for _, tc := range reply.ToolCalls {
			tr = append(tr, transcript.AssistantToolCall(tc.ID, tc.Name, tc.Arguments))
		}

		if len(reply.ToolCalls) == 0 {
			outcome.Success = true
			outcome.Transcript = tr
			outcome.ExecutionTime = time.Since(started)
			return outcome, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: reply.Content, ToolCalls: reply.ToolCalls})

		for _, tc := range reply.ToolCalls {
			toolStart := time.Now()
			var result json.RawMessage
			var err error
			if validateErr := validateToolArguments(toolIndex[tc.Name], tc.Arguments); validateErr != nil {
				err = validateErr
			} else {
				result, err = client.CallTool(ctx, tc.Name, tc.Arguments)
			}
			var resultText string
			if err != nil {
				resultText = fmt.Sprintf("error: %s", err.Error())
				recordToolCall(p, tc.Name, "error", time.Since(toolStart).Seconds())
			} else {
				resultText = compactJSON(result)
				recordToolCall(p, tc.Name, "success", time.Since(toolStart).Seconds())
			}
			tr = append(tr, transcript.ToolResult(tc.ID, resultText))
			messages = append(messages, llm.Message{Role: "tool", Content: resultText, ToolCallID: tc.ID})

			if err != nil {
				outcome.Transcript = tr
				outcome.ExecutionTime = time.Since(started)
				outcome.Error = fmt.Sprintf("tool call %s failed: %s", tc.Name, err.Error())
				return outcome, nil
			}
		}
	}

	outcome.Transcript = tr
	outcome.ExecutionTime = time.Since(started)
	outcome.Error = fmt.Sprintf("reached max turns (%d) without a final answer", l.MaxTurns)
	return outcome, nil
}

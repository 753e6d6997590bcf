// Package llm — Anthropic provider.
//
// Grounded on the teacher's streaming AnthropicProvider (internal/agent/
// providers/anthropic.go): per-call client construction with the request's
// own API key, the same retry/backoff shape via BaseProvider, and the same
// message/tool conversion approach — collapsed to the SDK's non-streaming
// Messages.New, since chat.complete is a single round trip here.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements Provider against Anthropic's Messages API.
type AnthropicProvider struct {
	base BaseProvider
}

func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{base: NewBaseProvider("anthropic", 3, time.Second)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete issues one non-streaming Messages.New call. req.ExtraBody is
// not read: no native-MCP passthrough is sent, and the direct tool-calling
// loop drives MCP itself with one request per turn for this vendor too.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if req.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(req.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	system, messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("llm: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(anthropicMaxTokens(req.MaxTokens)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("llm: convert tools: %w", err)
		}
		params.Tools = tools
	}

	var message *anthropic.Message
	err = p.base.Retry(ctx, p.isRetryableError, func() error {
		var callErr error
		message, callErr = client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, p.wrapError(err)
	}

	return anthropicToResponse(message, req.Model), nil
}

func convertAnthropicMessages(messages []Message) (string, []anthropic.MessageParam, error) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return "", nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return system, out, nil
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
		}
		out = append(out, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
		}, t.Name))
	}
	return out, nil
}

func anthropicToResponse(msg *anthropic.Message, model string) *Response {
	var text strings.Builder
	var calls []ToolCall
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			calls = append(calls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: json.RawMessage(variant.Input),
			})
		}
	}
	return &Response{
		Model: model,
		Choices: []Choice{{Message: Message{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: calls,
		}}},
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func anthropicMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return anthropicDefaultMaxTokens
	}
	return maxTokens
}

// isRetryableError classifies Anthropic API failures for BaseProvider.Retry:
// rate limits and 5xx are transient, auth/validation errors are not.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate_limit", "429", "too many requests", "500", "502", "503", "504", "overloaded", "timeout", "connection reset", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (p *AnthropicProvider) wrapError(err error) error {
	return fmt.Errorf("llm: anthropic: %w", err)
}

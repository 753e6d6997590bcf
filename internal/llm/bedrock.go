// Package llm — AWS Bedrock provider, serving Claude-on-Bedrock models in
// the ModelCatalog.
//
// Grounded on the teacher's BedrockProvider (internal/agent/providers/
// bedrock.go): AWS SDK v2 config loading, the same message/tool conversion
// approach — collapsed from ConverseStream to the non-streaming Converse
// operation.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type BedrockProvider struct {
	base BaseProvider
}

func NewBedrockProvider() (*BedrockProvider, error) {
	return &BedrockProvider{base: NewBaseProvider("bedrock", 3, time.Second)}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("llm: bedrock: load aws config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg)

	system, messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("llm: bedrock: convert messages: %w", err)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		toolConfig, err := convertBedrockTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("llm: bedrock: convert tools: %w", err)
		}
		input.ToolConfig = toolConfig
	}

	var out *bedrockruntime.ConverseOutput
	err = p.base.Retry(ctx, p.isRetryableError, func() error {
		var callErr error
		out, callErr = client.Converse(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("llm: bedrock: %w", err)
	}

	return bedrockToResponse(out, req.Model), nil
}

func convertBedrockMessages(messages []Message) (string, []types.Message, error) {
	var system string
	out := make([]types.Message, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "user":
			out = append(out, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case "tool":
			out = append(out, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
				}}},
			})
		case "assistant":
			var blocks []types.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input bedrockDocument
				if len(tc.Arguments) > 0 {
					var decoded map[string]any
					if err := json.Unmarshal(tc.Arguments, &decoded); err != nil {
						return "", nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
					}
					input = bedrockDocument{decoded}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     input,
				}})
			}
			out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
		}
	}
	return system, out, nil
}

func convertBedrockTools(tools []ToolSpec) (*types.ToolConfiguration, error) {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: bedrockDocument{schema}},
		}})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func bedrockToResponse(out *bedrockruntime.ConverseOutput, model string) *Response {
	msg := Message{Role: "assistant"}
	if output, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range output.Value.Content {
			switch variant := block.(type) {
			case *types.ContentBlockMemberText:
				msg.Content += variant.Value
			case *types.ContentBlockMemberToolUse:
				var args json.RawMessage
				if variant.Value.Input != nil {
					if encoded, err := variant.Value.Input.MarshalSmithyDocument(); err == nil {
						args = encoded
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:        aws.ToString(variant.Value.ToolUseId),
					Name:      aws.ToString(variant.Value.Name),
					Arguments: args,
				})
			}
		}
	}

	usage := Usage{}
	if out.Usage != nil {
		usage.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int(aws.ToInt32(out.Usage.TotalTokens))
	}

	return &Response{
		Model:   model,
		Choices: []Choice{{Message: msg}},
		Usage:   usage,
	}
}

func (p *BedrockProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"throttl", "rate exceed", "too many requests", "timeout", "serviceunavailable", "internalserver", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// bedrockDocument adapts a plain Go value to the smithy document.Interface
// the Bedrock Converse API expects for free-form tool input/schema JSON.
type bedrockDocument struct {
	v any
}

func (d bedrockDocument) MarshalSmithyDocument() ([]byte, error) {
	return json.Marshal(d.v)
}

func (d bedrockDocument) UnmarshalSmithyDocument(bytes []byte) error {
	return json.Unmarshal(bytes, &d.v)
}

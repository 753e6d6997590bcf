package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mcpmark/mcpmark/internal/llm"
	"github.com/mcpmark/mcpmark/internal/mcpclient"
	"github.com/mcpmark/mcpmark/internal/transcript"
)

// reactStep is the strict JSON shape the model is instructed to emit every
// step (spec.md §4.4): either {thought, action:{tool,arguments}} or
// {thought, answer}.
type reactStep struct {
	Thought string `json:"thought"`
	Action  *struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"action"`
	Answer *string `json:"answer"`
}

const reactSystemPrompt = `You must respond with a single strict JSON object on each turn, with no
surrounding text. Either:
  {"thought": "...", "action": {"tool": "<tool name>", "arguments": {...}}}
or, once you have the final answer:
  {"thought": "...", "answer": "..."}
Do not wrap the JSON in markdown fences and do not emit anything else.`

const maxMalformedRetries = 3

// ReActLoop is the ReAct AgentLoop variant (spec.md §4.4): the model
// reasons and acts through hand-parsed JSON steps rather than native
// function-tool calls, bounded by MaxIterations and a per-step wall clock
// of half the task timeout.
type ReActLoop struct {
	Provider      llm.Provider
	MaxIterations int // default 100
	ToolTimeout   time.Duration // default 60s per call
}

// NewReActLoop constructs a ReActLoop, applying the reference's literal
// defaults (100 iterations, 60s per tool call) for non-positive values.
func NewReActLoop(provider llm.Provider, maxIterations int, toolTimeout time.Duration) *ReActLoop {
	if maxIterations <= 0 {
		maxIterations = 100
	}
	if toolTimeout <= 0 {
		toolTimeout = 60 * time.Second
	}
	return &ReActLoop{Provider: provider, MaxIterations: maxIterations, ToolTimeout: toolTimeout}
}

// Execute drives the ReAct loop. taskTimeout, if non-zero, bounds each
// step's completion call at half its value per spec.md §4.4/§5.
func (l *ReActLoop) Execute(ctx context.Context, p Params, taskTimeout time.Duration) (AgentOutcome, error) {
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
	catalog := toolByName(mcpTools)

	stepTimeout := time.Duration(0)
	if taskTimeout > 0 {
		stepTimeout = taskTimeout / 2
	}

	tr := transcript.Transcript{transcript.SystemText(reactSystemPrompt), transcript.UserText(p.Instruction)}
	messages := []llm.Message{
		{Role: "system", Content: reactSystemPrompt},
		{Role: "user", Content: p.Instruction},
	}

	malformedStreak := 0

	for iter := 0; iter < l.MaxIterations; iter++ {
		outcome.TurnCount = iter + 1

		if ctx.Err() != nil {
			outcome.Transcript = tr
			outcome.ExecutionTime = time.Since(started)
			outcome.Error = "task deadline exceeded"
			return outcome, nil
		}

		refreshServiceConfig(p)

		stepCtx := ctx
		var cancel context.CancelFunc
		if stepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, stepTimeout)
		}
		llmStart := time.Now()
		resp, err := l.Provider.Complete(stepCtx, llm.Request{
			Model:    p.Model,
			Messages: messages,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
		})
		if cancel != nil {
			cancel()
		}
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
		reply := resp.Choices[0].Message.Content
		tr = append(tr, transcript.AssistantText(reply))
		messages = append(messages, llm.Message{Role: "assistant", Content: reply})

		step, parseErr := parseReactStep(reply)
		if parseErr != nil {
			if p.Metrics != nil {
				p.Metrics.RecordMalformedResponse(p.ServerConfig.ID)
			}
			malformedStreak++
			if malformedStreak >= maxMalformedRetries {
				outcome.Transcript = tr
				outcome.ExecutionTime = time.Since(started)
				outcome.Error = "Model produced an invalid response format."
				return outcome, nil
			}
			correction := "Your last reply was not valid JSON in the required shape. " + reactSystemPrompt
			tr = append(tr, transcript.UserText(correction))
			messages = append(messages, llm.Message{Role: "user", Content: correction})
			continue
		}
		malformedStreak = 0

		if step.Answer != nil {
			outcome.Success = true
			outcome.Transcript = tr
			outcome.ExecutionTime = time.Since(started)
			return outcome, nil
		}

		if _, ok := catalog[step.Action.Tool]; !ok {
			correction := fmt.Sprintf("Tool %q is not in the catalog. Choose one of the listed tools.", step.Action.Tool)
			tr = append(tr, transcript.UserText(correction))
			messages = append(messages, llm.Message{Role: "user", Content: correction})
			continue
		}

		toolStart := time.Now()
		var result json.RawMessage
		var callErr error
		if validateErr := validateToolArguments(catalog[step.Action.Tool], step.Action.Arguments); validateErr != nil {
			callErr = validateErr
		} else {
			callCtx, callCancel := context.WithTimeout(ctx, l.ToolTimeout)
			result, callErr = client.CallTool(callCtx, step.Action.Tool, step.Action.Arguments)
			callCancel()
		}

		var observation string
		if callErr != nil {
			observation = fmt.Sprintf("Observation:\nerror: %s", callErr.Error())
			recordToolCall(p, step.Action.Tool, "error", time.Since(toolStart).Seconds())
		} else {
			observation = "Observation:\n" + compactJSON(result)
			recordToolCall(p, step.Action.Tool, "success", time.Since(toolStart).Seconds())
		}
		tr = append(tr, transcript.UserText(observation))
		messages = append(messages, llm.Message{Role: "user", Content: observation})

		if callErr != nil {
			outcome.Transcript = tr
			outcome.ExecutionTime = time.Since(started)
			outcome.Error = fmt.Sprintf("tool call %s failed: %s", step.Action.Tool, callErr.Error())
			return outcome, nil
		}
	}

	outcome.Transcript = tr
	outcome.ExecutionTime = time.Since(started)
	outcome.Error = fmt.Sprintf("reached max iterations (%d) without an answer", l.MaxIterations)
	return outcome, nil
}

// parseReactStep extracts the strict JSON object from reply, tolerating
// leading/trailing whitespace but not prose wrapping — a model that emits
// commentary around the JSON is treated as malformed, matching scenario 4
// ("Here is my plan: ..." is rejected, not salvaged).
func parseReactStep(reply string) (*reactStep, error) {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, fmt.Errorf("agentloop: reply is not a bare JSON object")
	}
	var step reactStep
	if err := json.Unmarshal([]byte(trimmed), &step); err != nil {
		return nil, fmt.Errorf("agentloop: parse react step: %w", err)
	}
	if step.Action == nil && step.Answer == nil {
		return nil, fmt.Errorf("agentloop: reply has neither action nor answer")
	}
	return &step, nil
}

// Package transcript defines the canonical TranscriptMessage shape that
// both AgentLoop variants normalise into before persistence, independent
// of which LLM protocol (direct tool-calling or ReAct) produced them.
package transcript

import "encoding/json"

// Role tags the variant of a TranscriptMessage. Exactly one of the
// corresponding fields on Message is populated for a given Role.
type Role string

const (
	RoleUserText         Role = "user_text"
	RoleAssistantText    Role = "assistant_text"
	RoleAssistantToolCall Role = "assistant_tool_call"
	RoleToolResult       Role = "tool_result"
	RoleSystemText       Role = "system_text"
)

// ToolResultPayload is the JSON-encoded content of a ToolResult message,
// per spec §4.4's "Transcript normalisation" clause.
type ToolResultPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message is the single canonical, tagged-variant transcript record.
// messages.json persists an ordered sequence of these.
type Message struct {
	Role Role `json:"role"`

	// UserText, AssistantText, SystemText.
	Text string `json:"text,omitempty"`

	// AssistantToolCall.
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// ToolResult. CallID above carries the matching call id.
	Result *ToolResultPayload `json:"result,omitempty"`
}

func UserText(text string) Message {
	return Message{Role: RoleUserText, Text: text}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistantText, Text: text}
}

func SystemText(text string) Message {
	return Message{Role: RoleSystemText, Text: text}
}

func AssistantToolCall(callID, name string, arguments json.RawMessage) Message {
	return Message{Role: RoleAssistantToolCall, CallID: callID, Name: name, Arguments: arguments}
}

func ToolResult(callID, text string) Message {
	return Message{Role: RoleToolResult, CallID: callID, Result: &ToolResultPayload{Type: "text", Text: text}}
}

// Transcript is a prefix-closed ordered sequence (invariant I2): any
// prefix of a valid transcript is itself a valid transcript, so a crashed
// run's partially-written messages.json is always well-formed.
type Transcript []Message

// PendingToolCalls returns call ids from AssistantToolCall messages that
// have no matching ToolResult later in the sequence — used to check
// invariant I3 (every tool call is eventually answered, absent abnormal
// termination) and by loops that need to know what is still outstanding.
func (t Transcript) PendingToolCalls() []string {
	pending := map[string]bool{}
	var order []string
	for _, m := range t {
		switch m.Role {
		case RoleAssistantToolCall:
			if !pending[m.CallID] {
				order = append(order, m.CallID)
			}
			pending[m.CallID] = true
		case RoleToolResult:
			delete(pending, m.CallID)
		}
	}
	out := order[:0:0]
	for _, id := range order {
		if pending[id] {
			out = append(out, id)
		}
	}
	return out
}

// Package config owns the ModelCatalog and per-service run defaults,
// loaded from YAML with environment-variable expansion and $include
// composition, the way the teacher's internal/config/loader.go does it.
// Out of scope per spec.md §1 (".env / model-catalogue loading" is an
// external collaborator referenced only through the interface it
// exposes) — but the interface itself, and the struct it decodes into,
// are specified here since something in the repo has to define the
// shape ModelCatalog.Resolve hands to the LLM provider and AgentLoop.
package config

import "time"

// ServiceDefaults holds the per-service timeouts and deadlines spec.md
// §4.2/§5 name as configurable. Only StdioCallTimeout, HTTPSessionTimeout
// and ToolCallTimeout are read by the run command; WebArenaReadyDeadline,
// WebArenaPollInterval, ReactStepTimeout and VerifierTimeout are decoded
// but not applied (the WebArena manager and the verifier use their own
// built-in 600s/2s and 300s values).
type ServiceDefaults struct {
	StdioCallTimeout     time.Duration `yaml:"stdio_call_timeout"`
	HTTPSessionTimeout   time.Duration `yaml:"http_session_timeout"`
	WebArenaReadyDeadline time.Duration `yaml:"webarena_ready_deadline"`
	WebArenaPollInterval  time.Duration `yaml:"webarena_poll_interval"`
	ToolCallTimeout      time.Duration `yaml:"tool_call_timeout"`
	ReactStepTimeout     time.Duration `yaml:"react_step_timeout"`
	VerifierTimeout      time.Duration `yaml:"verifier_timeout"`
}

// DefaultServiceDefaults mirrors the literal defaults spec.md states:
// stdio 120s, HTTP session 30s, WebArena 600s/2s, tool call 60s,
// verifier 300s.
func DefaultServiceDefaults() ServiceDefaults {
	return ServiceDefaults{
		StdioCallTimeout:      120 * time.Second,
		HTTPSessionTimeout:    30 * time.Second,
		WebArenaReadyDeadline: 600 * time.Second,
		WebArenaPollInterval:  2 * time.Second,
		ToolCallTimeout:       60 * time.Second,
		ReactStepTimeout:      0, // the ReAct loop uses half of the task timeout
		VerifierTimeout:       300 * time.Second,
	}
}

// AgentLoopDefaults carries the spec.md §9 Open Question (a) decision:
// both MAX_TURNS (direct loop) and max_iterations (ReAct loop) are
// configurable, defaulting to the reference's asymmetric values (2 and
// 100 respectively) without silently reconciling them.
type AgentLoopDefaults struct {
	MaxTurns         int `yaml:"max_turns"`
	ReactMaxIterations int `yaml:"react_max_iterations"`
}

func DefaultAgentLoopDefaults() AgentLoopDefaults {
	return AgentLoopDefaults{MaxTurns: 2, ReactMaxIterations: 100}
}

// RunConfig is the top-level decoded shape of a run's YAML configuration
// file: model catalogue entries plus service/loop defaults.
type RunConfig struct {
	Models        []ModelEntry      `yaml:"models"`
	Services      ServiceDefaults   `yaml:"services"`
	AgentLoop     AgentLoopDefaults `yaml:"agent_loop"`
	MCPServer     MCPServerConfig   `yaml:"mcp_server"`
	ServiceConfig ServiceConfig     `yaml:"service_config"`
}

// Package observability provides Prometheus metrics for the evaluation
// engine, grounded on the teacher's internal/observability/metrics.go
// (NewMetrics/promauto registration idiom), collapsed from the teacher's
// chat-channel domain to MCPMark's task-evaluation domain: tokens,
// pass rates, tool-call latency, verifier duration, LLM request cost.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting evaluation
// metrics. Tracks:
//   - Task outcomes by service, category, and result (success|fail)
//   - LLM request performance, token consumption, and estimated cost
//   - Tool-call latency and outcome, broken down by MCP server
//   - Verifier process duration and exit behavior
//   - StateManager setup/cleanup latency and resume-policy decisions
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTaskResult("notion", "pages", "success", 12.3)
//	defer metrics.ToolCallDuration.WithLabelValues("notion")
type Metrics struct {
	// TaskCounter tracks completed tasks by service, category, and outcome.
	// Labels: service, category, outcome (success|fail)
	TaskCounter *prometheus.CounterVec

	// TaskDuration measures end-to-end task execution time in seconds
	// (Setup through Cleanup).
	// Labels: service
	// Buckets: 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s
	TaskDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion|reasoning)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ToolCallCounter counts MCP tool invocations.
	// Labels: service, tool_name, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures MCP tool call latency in seconds.
	// Labels: service
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolCallDuration *prometheus.HistogramVec

	// AgentTurnCounter tracks the number of turns/iterations an agent loop
	// took before terminating, one observation per completed task.
	// Labels: loop_kind (direct|react)
	// Buckets: 1, 2, 5, 10, 25, 50, 100
	AgentTurnCounter *prometheus.HistogramVec

	// MalformedResponseCounter counts ReAct loop responses rejected as
	// not-bare-JSON and retried.
	// Labels: service
	MalformedResponseCounter *prometheus.CounterVec

	// VerifierDuration measures verifier subprocess wall-clock time.
	// Labels: service
	// Buckets: 0.5s, 1s, 5s, 15s, 30s, 60s, 120s, 300s
	VerifierDuration *prometheus.HistogramVec

	// VerifierCounter counts verifier runs by outcome.
	// Labels: service, outcome (pass|fail|timeout|error)
	VerifierCounter *prometheus.CounterVec

	// StateSetupDuration measures StateManager.Setup latency.
	// Labels: service
	// Buckets: 0.1s, 0.5s, 1s, 5s, 15s, 30s, 60s, 120s
	StateSetupDuration *prometheus.HistogramVec

	// StateCleanupCounter counts StateManager.Cleanup outcomes.
	// Labels: service, status (success|error)
	StateCleanupCounter *prometheus.CounterVec

	// ResumeDecisionCounter counts resume-policy decisions made while
	// replaying a prior run's meta.json (spec.md §4.5).
	// Labels: service, decision (fresh|skip_success|skip_nonretryable|retry)
	ResumeDecisionCounter *prometheus.CounterVec

	// ActiveTasks is a gauge tracking tasks currently mid-execution.
	// Labels: service
	ActiveTasks *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default
// registry and will be available at the /metrics endpoint when using the
// prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		TaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_tasks_total",
				Help: "Total number of tasks completed by service, category, and outcome",
			},
			[]string{"service", "category", "outcome"},
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpmark_task_duration_seconds",
				Help:    "End-to-end task execution duration (Setup through Cleanup)",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"service"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpmark_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ToolCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_tool_calls_total",
				Help: "Total number of MCP tool calls by service, tool name, and status",
			},
			[]string{"service", "tool_name", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpmark_tool_call_duration_seconds",
				Help:    "Duration of MCP tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"service"},
		),

		AgentTurnCounter: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpmark_agent_turns",
				Help:    "Number of turns/iterations an agent loop took before terminating",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"loop_kind"},
		),

		MalformedResponseCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_react_malformed_responses_total",
				Help: "Total number of ReAct loop responses rejected as malformed and retried",
			},
			[]string{"service"},
		),

		VerifierDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpmark_verifier_duration_seconds",
				Help:    "Duration of verifier subprocess runs in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"service"},
		),

		VerifierCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_verifier_runs_total",
				Help: "Total number of verifier runs by service and outcome",
			},
			[]string{"service", "outcome"},
		),

		StateSetupDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpmark_state_setup_duration_seconds",
				Help:    "Duration of StateManager.Setup calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"service"},
		),

		StateCleanupCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_state_cleanup_total",
				Help: "Total number of StateManager.Cleanup calls by service and status",
			},
			[]string{"service", "status"},
		),

		ResumeDecisionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpmark_resume_decisions_total",
				Help: "Total number of resume-policy decisions by service and decision kind",
			},
			[]string{"service", "decision"},
		),

		ActiveTasks: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpmark_active_tasks",
				Help: "Current number of tasks mid-execution by service",
			},
			[]string{"service"},
		),
	}
}

// RecordTaskResult increments the task counter for a given service,
// category, and outcome, and observes the task's total duration.
func (m *Metrics) RecordTaskResult(service, category, outcome string, durationSeconds float64) {
	m.TaskCounter.WithLabelValues(service, category, outcome).Inc()
	m.TaskDuration.WithLabelValues(service).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens, reasoningTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
	if reasoningTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "reasoning").Add(float64(reasoningTokens))
	}
}

// RecordLLMCost records estimated API cost for a completed request.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordToolCall records metrics for a single MCP tool invocation.
func (m *Metrics) RecordToolCall(service, toolName, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(service, toolName, status).Inc()
	m.ToolCallDuration.WithLabelValues(service).Observe(durationSeconds)
}

// RecordAgentTurns records the turn/iteration count an agent loop used
// before terminating, one observation per completed task.
func (m *Metrics) RecordAgentTurns(loopKind string, turns int) {
	m.AgentTurnCounter.WithLabelValues(loopKind).Observe(float64(turns))
}

// RecordMalformedResponse records a ReAct step rejected as not-bare-JSON.
func (m *Metrics) RecordMalformedResponse(service string) {
	m.MalformedResponseCounter.WithLabelValues(service).Inc()
}

// RecordVerifierRun records a verifier subprocess's outcome and duration.
func (m *Metrics) RecordVerifierRun(service, outcome string, durationSeconds float64) {
	m.VerifierCounter.WithLabelValues(service, outcome).Inc()
	m.VerifierDuration.WithLabelValues(service).Observe(durationSeconds)
}

// RecordStateSetup records StateManager.Setup latency.
func (m *Metrics) RecordStateSetup(service string, durationSeconds float64) {
	m.StateSetupDuration.WithLabelValues(service).Observe(durationSeconds)
}

// RecordStateCleanup records a StateManager.Cleanup outcome.
func (m *Metrics) RecordStateCleanup(service, status string) {
	m.StateCleanupCounter.WithLabelValues(service, status).Inc()
}

// RecordResumeDecision records a resume-policy decision made while
// replaying a prior run's stored result.
func (m *Metrics) RecordResumeDecision(service, decision string) {
	m.ResumeDecisionCounter.WithLabelValues(service, decision).Inc()
}

// TaskStarted increments the active-tasks gauge.
func (m *Metrics) TaskStarted(service string) {
	m.ActiveTasks.WithLabelValues(service).Inc()
}

// TaskFinished decrements the active-tasks gauge.
func (m *Metrics) TaskFinished(service string) {
	m.ActiveTasks.WithLabelValues(service).Dec()
}

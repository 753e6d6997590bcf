// Package evaluator implements the Evaluator state machine (spec.md
// §4.5): Setup → Execute → Verify → Cleanup → Persist per task, plus the
// resume/retry policy and the cross-task summary merge. It is the only
// component that spans stages — every other component (MCPClient,
// StateManager, TaskCatalog, AgentLoop, ResultStore) is stateless across
// tasks except StateManager, which owns the service session for the
// whole run (spec.md §2).
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mcpmark/mcpmark/internal/agentloop"
	"github.com/mcpmark/mcpmark/internal/errkinds"
	"github.com/mcpmark/mcpmark/internal/mcpclient"
	"github.com/mcpmark/mcpmark/internal/observability"
	"github.com/mcpmark/mcpmark/internal/resultstore"
	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/task"
)

// verifierArgsProvider is implemented by StateManager backends that must
// pass extra positional arguments to verify.py, e.g. notion.Manager's
// duplicated_initial_state_id (spec.md §8 scenario 6). Checked with a
// type assertion since it is not part of the universal five-hook
// contract.
type verifierArgsProvider interface {
	VerifierArgs(t *task.Task) []string
}

// Evaluator runs every task matching a filter through the four
// Setup/Execute/Verify/Cleanup stages and persists a TaskResult for each.
type Evaluator struct {
	Model           string
	Service         string
	Timeout         time.Duration
	ExpName         string
	OutputDir       string
	ReasoningEffort string

	ResolvedModel ResolvedModel
	ProviderName  string // labels LLM request metrics, e.g. "anthropic"

	Catalog      *task.Catalog
	StateManager state.Manager
	Loop         agentloop.Loop

	// ServerConfigTemplate carries the fixed MCP transport parameters
	// (command, args, base URL) for this service; per-task runtime
	// parameters from StateManager.ServiceConfigForAgent are merged into
	// its Env on every task.
	ServerConfigTemplate mcpclient.ServerConfig

	Store  *resultstore.Store
	Logger *slog.Logger

	// Metrics is optional; when nil the evaluator records nothing. Set it
	// to observability.NewMetrics() to expose a /metrics endpoint.
	Metrics *observability.Metrics
}

// ResolvedModel is the subset of config.ResolvedModel the evaluator needs,
// kept as its own type so this package does not import internal/config
// (the model catalogue is an external collaborator per spec.md §1; the
// Evaluator only needs the already-resolved credentials).
type ResolvedModel struct {
	CanonicalModel string
	APIKey         string
	BaseURL        string
}

// New wires a Store rooted at <outputDir>/<modelSlug>__<service>/<expName>/.
func New(e Evaluator) *Evaluator {
	e.Store = resultstore.New(e.OutputDir, Slug(e.Model), e.Service, e.ExpName)
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return &e
}

var slugPattern = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Slug turns a model short name into a filesystem-safe path component.
func Slug(shortName string) string {
	return slugPattern.ReplaceAllString(shortName, "_")
}

// Run executes every task the filter selects, sequentially (spec.md §5:
// "one evaluation process runs tasks sequentially"), applies the resume
// policy, and returns the merged RunSummary.
func (e *Evaluator) Run(ctx context.Context, filter string) (resultstore.Summary, error) {
	if err := e.StateManager.Initialize(ctx); err != nil {
		return resultstore.Summary{}, fmt.Errorf("evaluator: state manager initialize: %w", err)
	}

	tasks := e.Catalog.Filter(filter)
	fresh := map[string]resultstore.TaskResult{}

	for _, t := range tasks {
		taskName := t.Name()

		prior, err := e.Store.ReadMeta(taskName)
		if err != nil {
			e.Logger.Warn("unreadable prior meta.json, re-executing", "task", taskName, "error", err)
			prior = nil
		}

		switch {
		case prior != nil && prior.ExecutionResult.Success:
			e.recordResumeDecision("skip_success")
			e.Logger.Info("skipping: already succeeded", "task", taskName)
			continue
		case prior != nil && !errkinds.IsRetryable(errors.New(prior.ExecutionResult.ErrorMessage)):
			e.recordResumeDecision("skip_nonretryable")
			e.Logger.Info("skipping: non-retryable prior failure", "task", taskName)
			continue
		case prior != nil:
			e.recordResumeDecision("retry")
			e.Logger.Info("re-executing: retryable prior failure", "task", taskName)
			if err := e.Store.DeleteTaskDir(taskName); err != nil {
				return resultstore.Summary{}, fmt.Errorf("evaluator: delete stale result dir %s: %w", taskName, err)
			}
		default:
			e.recordResumeDecision("fresh")
		}

		result := e.runTask(ctx, t)
		if err := e.Store.EnsureTaskDir(taskName); err != nil {
			return resultstore.Summary{}, fmt.Errorf("evaluator: ensure task dir %s: %w", taskName, err)
		}
		if err := e.Store.WriteMeta(taskName, result); err != nil {
			return resultstore.Summary{}, fmt.Errorf("evaluator: write meta %s: %w", taskName, err)
		}
		fresh[taskName] = result
	}

	merged, err := e.mergeResults(fresh, filter)
	if err != nil {
		return resultstore.Summary{}, err
	}

	summary := summarize(e.Model, e.ResolvedModel.CanonicalModel, merged)
	if err := e.Store.WriteSummary(summary); err != nil {
		return resultstore.Summary{}, fmt.Errorf("evaluator: write summary: %w", err)
	}
	return summary, nil
}

// mergeResults combines this run's freshly produced results with every
// on-disk meta.json under the filter's scope, giving precedence to the
// fresh one for any task present in both (spec.md §4.5).
func (e *Evaluator) mergeResults(fresh map[string]resultstore.TaskResult, filter string) ([]resultstore.TaskResult, error) {
	names, err := e.Store.ListTaskNames()
	if err != nil {
		return nil, fmt.Errorf("evaluator: list task names: %w", err)
	}

	selected := map[string]bool{}
	for _, t := range e.Catalog.Filter(filter) {
		selected[t.Name()] = true
	}

	var merged []resultstore.TaskResult
	seen := map[string]bool{}
	for _, name := range names {
		if !selected[name] {
			continue
		}
		if r, ok := fresh[name]; ok {
			merged = append(merged, r)
			seen[name] = true
			continue
		}
		r, err := e.Store.ReadMeta(name)
		if err != nil || r == nil {
			continue
		}
		merged = append(merged, *r)
		seen[name] = true
	}
	for name, r := range fresh {
		if !seen[name] {
			merged = append(merged, r)
		}
	}
	return merged, nil
}

// runTask drives one task through Setup → Execute → Verify → Cleanup,
// never returning an error itself: every failure mode is recorded on the
// returned TaskResult so Persist always has something to write.
func (e *Evaluator) runTask(ctx context.Context, t task.Task) resultstore.TaskResult {
	taskStart := time.Now()
	if e.Metrics != nil {
		e.Metrics.TaskStarted(e.Service)
		defer e.Metrics.TaskFinished(e.Service)
	}
	result := resultstore.TaskResult{
		TaskName:        t.Name(),
		CategoryID:      t.CategoryID,
		TaskID:          t.TaskID,
		ActualModelName: e.ResolvedModel.CanonicalModel,
		ModelConfig: map[string]any{
			"model":            e.Model,
			"reasoning_effort": e.ReasoningEffort,
			"timeout_seconds":  e.Timeout.Seconds(),
		},
	}
	defer func() {
		if e.Metrics == nil {
			return
		}
		outcome := "fail"
		if result.ExecutionResult.Success {
			outcome = "success"
		}
		e.Metrics.RecordTaskResult(e.Service, t.CategoryID, outcome, time.Since(taskStart).Seconds())
	}()

	// 1. Setup.
	setupStart := time.Now()
	info, err := e.StateManager.Setup(ctx, &t)
	if e.Metrics != nil {
		e.Metrics.RecordStateSetup(e.Service, time.Since(setupStart).Seconds())
	}
	if err != nil {
		result.ExecutionResult = resultstore.ExecutionResult{
			Success:      false,
			ErrorMessage: "State Duplication Error: " + err.Error(),
		}
		result.TaskExecutionTime = time.Since(taskStart).Seconds()
		return result
	}
	t.StateID = info.StateID
	t.StateURL = info.StateURL
	t.StateMeta = info.Metadata

	// 2. Execute.
	instruction, err := e.Catalog.Instruction(t)
	if err != nil {
		result.ExecutionResult = resultstore.ExecutionResult{Success: false, ErrorMessage: err.Error()}
		e.cleanup(ctx, &t)
		result.TaskExecutionTime = time.Since(taskStart).Seconds()
		return result
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	serverConfig, err := e.buildServerConfig(ctx, &t)
	if err != nil {
		result.ExecutionResult = resultstore.ExecutionResult{Success: false, ErrorMessage: err.Error()}
		e.cleanup(ctx, &t)
		result.TaskExecutionTime = time.Since(taskStart).Seconds()
		return result
	}

	logWriter := e.Store.ExecutionLog(t.Name())
	_ = logWriter.Writeln("task %s starting, model=%s", t.Name(), e.ResolvedModel.CanonicalModel)

	params := agentloop.Params{
		Instruction:      instruction,
		Model:            e.ResolvedModel.CanonicalModel,
		APIKey:           e.ResolvedModel.APIKey,
		BaseURL:          e.ResolvedModel.BaseURL,
		ServerConfig:     serverConfig,
		GetServiceConfig: func() (map[string]string, error) { return e.StateManager.ServiceConfigForAgent(ctx, &t) },
		Logger:           e.Logger,
		Metrics:          e.Metrics,
		ProviderName:     e.ProviderName,
	}

	outcome, loopErr := e.Loop.Execute(execCtx, params, e.Timeout)
	_ = logWriter.Writeln("task %s finished: turns=%d success=%v error=%q", t.Name(), outcome.TurnCount, outcome.Success, outcome.Error)
	if e.Metrics != nil {
		e.Metrics.RecordAgentTurns(e.loopKind(), outcome.TurnCount)
	}

	if err := e.Store.WriteMessages(t.Name(), outcome.Transcript); err != nil {
		e.Logger.Warn("failed to write messages.json", "task", t.Name(), "error", err)
	}

	result.TokenUsage = resultstore.FromOutcome(outcome.TokenUsage)
	result.TurnCount = outcome.TurnCount
	result.AgentExecutionTime = outcome.ExecutionTime.Seconds()
	if outcome.ActualModel != "" {
		result.ActualModelName = outcome.ActualModel
	}

	if loopErr != nil {
		result.ExecutionResult = resultstore.ExecutionResult{Success: false, ErrorMessage: loopErr.Error()}
		e.cleanup(ctx, &t)
		result.TaskExecutionTime = time.Since(taskStart).Seconds()
		return result
	}

	// 3. Verify. Runs regardless of the agent's own success signal: the
	// verifier checks the actual mutated state, not the agent's self-report.
	verifyResult, agentErrorMessage := e.verify(ctx, &t, outcome)

	result.ExecutionResult = resultstore.ExecutionResult{
		Success:            verifyResult.Success,
		ErrorMessage:       agentErrorMessage,
		VerificationOutput: verifyResult.VerificationOutput,
		VerificationError:  verifyResult.VerificationError,
	}

	// 4. Cleanup. Logged but non-fatal to the recorded success (spec.md §4.5).
	e.cleanup(ctx, &t)

	result.TaskExecutionTime = time.Since(taskStart).Seconds()
	return result
}

func (e *Evaluator) cleanup(ctx context.Context, t *task.Task) {
	ok, err := e.StateManager.Cleanup(ctx, t)
	status := "success"
	if err != nil || !ok {
		status = "error"
		e.Logger.Warn("cleanup reported failure", "task", t.Name(), "error", err)
	}
	if e.Metrics != nil {
		e.Metrics.RecordStateCleanup(e.Service, status)
	}
}

// recordResumeDecision is a nil-safe wrapper since Metrics is optional.
func (e *Evaluator) recordResumeDecision(decision string) {
	if e.Metrics != nil {
		e.Metrics.RecordResumeDecision(e.Service, decision)
	}
}

// verify sets the verifier's environment (scoped acquisition: set on
// enter, clear on exit, per spec.md §9 "Global mutable state"), runs it,
// and returns the parsed result plus the agent-loop error message to
// carry forward (if the agent itself reported one, e.g. a timeout).
func (e *Evaluator) verify(ctx context.Context, t *task.Task, outcome agentloop.AgentOutcome) (task.VerifyResult, string) {
	env, err := e.StateManager.SetVerificationEnvironment(ctx, t, e.Store.MessagesPath(t.Name()))
	if err != nil {
		return task.VerifyResult{}, fmt.Sprintf("failed to set verification environment: %s", err.Error())
	}

	restore := setEnv(env)
	defer restore()

	var extraArgs []string
	if vp, ok := e.StateManager.(verifierArgsProvider); ok {
		extraArgs = vp.VerifierArgs(t)
	}

	verifyStart := time.Now()
	verifyResult, err := e.Catalog.ExecuteTask(ctx, *t, extraArgs)
	if e.Metrics != nil {
		outcomeLabel := "fail"
		switch {
		case err != nil:
			outcomeLabel = "error"
		case verifyResult.TimedOut:
			outcomeLabel = "timeout"
		case verifyResult.Success:
			outcomeLabel = "pass"
		}
		e.Metrics.RecordVerifierRun(e.Service, outcomeLabel, time.Since(verifyStart).Seconds())
	}
	if err != nil {
		return task.VerifyResult{}, fmt.Sprintf("verifier failed to run: %s", err.Error())
	}
	if verifyResult.TimedOut {
		verifyResult.VerificationError = "timeout"
	}
	return verifyResult, outcome.Error
}

// loopKind names the configured AgentLoop variant for metric labelling.
func (e *Evaluator) loopKind() string {
	switch e.Loop.(type) {
	case *agentloop.ReActLoop:
		return "react"
	case *agentloop.DirectLoop:
		return "direct"
	default:
		return "unknown"
	}
}

// buildServerConfig merges the StateManager's latest runtime parameters
// into a copy of ServerConfigTemplate's Env, leaving the template itself
// untouched so the next task starts from the same baseline.
func (e *Evaluator) buildServerConfig(ctx context.Context, t *task.Task) (mcpclient.ServerConfig, error) {
	cfg := e.ServerConfigTemplate
	svcConfig, err := e.StateManager.ServiceConfigForAgent(ctx, t)
	if err != nil {
		return cfg, fmt.Errorf("evaluator: service config for agent: %w", err)
	}

	env := make(map[string]string, len(cfg.Env)+len(svcConfig))
	for k, v := range cfg.Env {
		env[k] = v
	}
	for k, v := range svcConfig {
		env[k] = v
	}
	cfg.Env = env
	return cfg, nil
}

// setEnv applies kvs ("KEY=value" pairs) to the process environment and
// returns a function that restores whatever was there before — including
// unsetting a variable that did not previously exist.
func setEnv(kvs []string) func() {
	prior := map[string]*string{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if old, exists := os.LookupEnv(k); exists {
			oldCopy := old
			prior[k] = &oldCopy
		} else {
			prior[k] = nil
		}
		os.Setenv(k, v)
	}
	return func() {
		for k, v := range prior {
			if v == nil {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, *v)
			}
		}
	}
}

// summarize computes this run's RunSummary as a single-run aggregation —
// multi-run comparisons (pass@k, pass^k) are the Aggregator's job over
// several runs' per-task meta.json files (spec.md §4.7).
func summarize(model, actualModel string, results []resultstore.TaskResult) resultstore.Summary {
	total := len(results)
	successes := 0
	totals := map[string]any{"in": 0, "out": 0, "total": 0, "reasoning": 0}
	for _, r := range results {
		if r.ExecutionResult.Success {
			successes++
		}
		totals["in"] = totals["in"].(int) + r.TokenUsage.In
		totals["out"] = totals["out"].(int) + r.TokenUsage.Out
		totals["total"] = totals["total"].(int) + r.TokenUsage.Total
		totals["reasoning"] = totals["reasoning"].(int) + r.TokenUsage.Reasoning
	}

	avg := 0.0
	if total > 0 {
		avg = float64(successes) / float64(total)
	}

	averages := map[string]any{}
	if total > 0 {
		averages["in"] = float64(totals["in"].(int)) / float64(total)
		averages["out"] = float64(totals["out"].(int)) / float64(total)
		averages["total"] = float64(totals["total"].(int)) / float64(total)
	}

	return resultstore.Summary{
		Model:       model,
		ActualModel: actualModel,
		Runs:        1,
		TotalTasks:  total,
		Pass1: resultstore.Pass1Stats{
			Avg:    round4(avg),
			Std:    0,
			PerRun: []float64{round4(avg)},
		},
		Totals:   totals,
		Averages: averages,
	}
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

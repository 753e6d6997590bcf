// Package resultstore persists one run's artifacts to disk (spec.md §4.6):
// meta.json, messages.json, execution.log per task, and summary.json at
// the run root, in the exact layout spec.md §6 "Persisted state layout"
// specifies.
package resultstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mcpmark/mcpmark/internal/agentloop"
	"github.com/mcpmark/mcpmark/internal/transcript"
)

// TokenUsage mirrors agentloop.TokenUsage in the on-disk meta.json shape.
type TokenUsage struct {
	In        int `json:"in"`
	Out       int `json:"out"`
	Total     int `json:"total"`
	Reasoning int `json:"reasoning"`
}

// ExecutionResult is the verifier-facing half of TaskResult.
type ExecutionResult struct {
	Success            bool   `json:"success"`
	ErrorMessage       string `json:"error_message,omitempty"`
	VerificationError  string `json:"verification_error,omitempty"`
	VerificationOutput string `json:"verification_output,omitempty"`
}

// TaskResult is spec.md §3's TaskResult record, as persisted to meta.json.
type TaskResult struct {
	TaskName          string          `json:"task_name"`
	CategoryID        string          `json:"category_id"`
	TaskID            string          `json:"task_id"`
	ExecutionResult   ExecutionResult `json:"execution_result"`
	TokenUsage        TokenUsage      `json:"token_usage"`
	TurnCount         int             `json:"turn_count"`
	AgentExecutionTime float64        `json:"agent_execution_time"`
	TaskExecutionTime  float64        `json:"task_execution_time"`
	ActualModelName   string          `json:"actual_model_name"`
	ModelConfig       map[string]any  `json:"model_config,omitempty"`
}

// Retryable reports whether this result's recorded failure is one the
// Evaluator's resume policy should re-execute (spec.md §4.5).
func (r TaskResult) Retryable(isRetryable func(error string) bool) bool {
	if r.ExecutionResult.Success {
		return false
	}
	return isRetryable(r.ExecutionResult.ErrorMessage)
}

// Store roots every path under <output>/<model_slug>__<service>/<exp_name>/.
type Store struct {
	Root string
}

func New(outputDir, modelSlug, service, expName string) *Store {
	root := filepath.Join(outputDir, fmt.Sprintf("%s__%s", modelSlug, service), expName)
	return &Store{Root: root}
}

// TaskDir is <root>/<category>__<task>/.
func (s *Store) TaskDir(taskName string) string {
	return filepath.Join(s.Root, taskName)
}

func (s *Store) MetaPath(taskName string) string {
	return filepath.Join(s.TaskDir(taskName), "meta.json")
}

func (s *Store) MessagesPath(taskName string) string {
	return filepath.Join(s.TaskDir(taskName), "messages.json")
}

func (s *Store) ExecutionLogPath(taskName string) string {
	return filepath.Join(s.TaskDir(taskName), "execution.log")
}

func (s *Store) SummaryPath() string {
	return filepath.Join(s.Root, "summary.json")
}

// EnsureTaskDir creates <root>/<category>__<task>/ if it does not exist;
// existing contents are left in place. Stale results from a retryable
// prior failure are removed separately with DeleteTaskDir.
func (s *Store) EnsureTaskDir(taskName string) error {
	return os.MkdirAll(s.TaskDir(taskName), 0o755)
}

// DeleteTaskDir removes a task's entire result directory, the resume
// policy's action for a retryable prior failure (spec.md §4.5).
func (s *Store) DeleteTaskDir(taskName string) error {
	return os.RemoveAll(s.TaskDir(taskName))
}

// ReadMeta loads a task's prior meta.json, if any. A missing file is not
// an error: it returns (nil, nil) so callers can distinguish "never ran"
// from "ran and failed to parse".
func (s *Store) ReadMeta(taskName string) (*TaskResult, error) {
	data, err := os.ReadFile(s.MetaPath(taskName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resultstore: read meta %s: %w", taskName, err)
	}
	var result TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("resultstore: parse meta %s: %w", taskName, err)
	}
	return &result, nil
}

// WriteMeta persists TaskResult atomically: write to a temp file, then
// rename, so a crash never leaves a half-written meta.json a resumed run
// could misread as a valid result.
func (s *Store) WriteMeta(taskName string, result TaskResult) error {
	return writeJSONAtomic(s.MetaPath(taskName), result)
}

// WriteMessages persists the normalised transcript (spec.md §3
// TranscriptMessage, invariant I2: prefix-closed).
func (s *Store) WriteMessages(taskName string, tr transcript.Transcript) error {
	if tr == nil {
		tr = transcript.Transcript{}
	}
	return writeJSONAtomic(s.MessagesPath(taskName), tr)
}

// ExecutionLog appends human-readable lines to execution.log as the task
// runs, so a crashed run still leaves a diagnostic trace (spec.md
// §4.6). Each call opens, appends, and closes — no log handle is held
// across the whole task, so a panic mid-task does not lose prior lines.
func (s *Store) ExecutionLog(taskName string) *ExecutionLogWriter {
	return &ExecutionLogWriter{path: s.ExecutionLogPath(taskName)}
}

type ExecutionLogWriter struct {
	path string
}

func (w *ExecutionLogWriter) Writeln(format string, args ...any) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	_, err = f.WriteString(line)
	return err
}

// Summary is spec.md §3's RunSummary.
type Summary struct {
	Model       string         `json:"model"`
	ActualModel string         `json:"actual_model"`
	Runs        int            `json:"runs"`
	TotalTasks  int            `json:"total_tasks"`
	Pass1       Pass1Stats     `json:"pass1"`
	PassAtK     *float64       `json:"pass@k,omitempty"`
	PassCaretK  *float64       `json:"pass^k,omitempty"`
	PerRunCost  *float64       `json:"per_run_cost,omitempty"`
	Totals      map[string]any `json:"totals"`
	Averages    map[string]any `json:"averages"`
}

type Pass1Stats struct {
	Avg    float64   `json:"avg"`
	Std    float64   `json:"std"`
	PerRun []float64 `json:"per_run"`
}

// WriteSummary persists the run's aggregated RunSummary.
func (s *Store) WriteSummary(summary Summary) error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(s.SummaryPath(), summary)
}

// ListTaskNames returns every "<category>__<task>" directory present under
// Root, sorted, used by the Evaluator to merge fresh results with on-disk
// meta.json records matching the filter (spec.md §4.5).
func (s *Store) ListTaskNames() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resultstore: read root %s: %w", s.Root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("resultstore: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("resultstore: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// FromOutcome converts an agentloop.AgentOutcome's token usage into the
// on-disk TokenUsage shape.
func FromOutcome(u agentloop.TokenUsage) TokenUsage {
	return TokenUsage{In: u.In, Out: u.Out, Total: u.Total, Reasoning: u.Reasoning}
}

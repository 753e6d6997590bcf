// Package task implements TaskCatalog: on-disk task discovery, filtering,
// instruction rendering, and verifier-process execution (spec.md §4.3).
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mcpmark/mcpmark/internal/execsafe"
)

// Task is the immutable record spec.md §3 defines, identified by
// (Service, CategoryID, TaskID) — invariant I1.
type Task struct {
	Service           string
	CategoryID        string
	TaskID            string
	InstructionPath   string
	VerificationPath  string
	PrepareScriptPath string // optional
	Meta              map[string]any

	// Mutable fields populated during evaluation (spec.md §3:
	// "Stored on the mutable task record so the verifier and the agent
	// can reach the mutated resource").
	StateID    string
	StateURL   string
	StateMeta  map[string]any
}

// Name is the on-disk directory name convention, "<category>__<task>".
func (t Task) Name() string {
	return fmt.Sprintf("%s__%s", t.CategoryID, t.TaskID)
}

// VerifyResult is what TaskCatalog.ExecuteTask returns to the Evaluator.
type VerifyResult struct {
	Success             bool
	VerificationOutput  string
	VerificationError   string
	ExitCode            int
	TimedOut            bool
}

const verifierWallClock = 300 * time.Second

// Catalog discovers and filters tasks rooted at <root>/tasks/<service>/.
// Read-only after Discover (spec.md §5: "process-wide TaskCatalog [is]
// read-only after initialisation").
type Catalog struct {
	root  string
	tasks []Task
}

// Discover walks root/tasks/<service>/ identifying either one directory
// per task (description.md + verify.py, optionally prepare_environment.py
// / meta.json) or sibling files (xxx_description.md / xxx_verify.py).
func Discover(root, service string) (*Catalog, error) {
	serviceDir := filepath.Join(root, "tasks", service)
	entries, err := os.ReadDir(serviceDir)
	if err != nil {
		return nil, fmt.Errorf("task: read service dir %s: %w", serviceDir, err)
	}

	var tasks []Task
	for _, categoryEntry := range entries {
		if !categoryEntry.IsDir() {
			continue
		}
		categoryDir := filepath.Join(serviceDir, categoryEntry.Name())
		found, err := discoverCategory(service, categoryEntry.Name(), categoryDir)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, found...)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CategoryID != tasks[j].CategoryID {
			return tasks[i].CategoryID < tasks[j].CategoryID
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
	return &Catalog{root: root, tasks: tasks}, nil
}

func discoverCategory(service, categoryID, categoryDir string) ([]Task, error) {
	entries, err := os.ReadDir(categoryDir)
	if err != nil {
		return nil, fmt.Errorf("task: read category dir %s: %w", categoryDir, err)
	}

	var tasks []Task
	seenTaskDirs := map[string]bool{}
	siblingDescriptions := map[string]string{}
	siblingVerifiers := map[string]string{}

	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(categoryDir, name)

		if e.IsDir() {
			desc := filepath.Join(full, "description.md")
			verify := filepath.Join(full, "verify.py")
			if fileExists(desc) && fileExists(verify) {
				t := Task{
					Service:          service,
					CategoryID:       categoryID,
					TaskID:           name,
					InstructionPath:  desc,
					VerificationPath: verify,
				}
				if p := filepath.Join(full, "prepare_environment.py"); fileExists(p) {
					t.PrepareScriptPath = p
				}
				if m := filepath.Join(full, "meta.json"); fileExists(m) {
					meta, err := readMeta(m)
					if err != nil {
						return nil, err
					}
					t.Meta = meta
				}
				tasks = append(tasks, t)
				seenTaskDirs[name] = true
			}
			continue
		}

		switch {
		case strings.HasSuffix(name, "_description.md"):
			taskID := strings.TrimSuffix(name, "_description.md")
			siblingDescriptions[taskID] = full
		case strings.HasSuffix(name, "_verify.py"):
			taskID := strings.TrimSuffix(name, "_verify.py")
			siblingVerifiers[taskID] = full
		}
	}

	for taskID, desc := range siblingDescriptions {
		verify, ok := siblingVerifiers[taskID]
		if !ok {
			continue
		}
		tasks = append(tasks, Task{
			Service:          service,
			CategoryID:       categoryID,
			TaskID:           taskID,
			InstructionPath:  desc,
			VerificationPath: verify,
		})
	}

	return tasks, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func readMeta(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("task: read meta.json %s: %w", path, err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("task: parse meta.json %s: %w", path, err)
	}
	return meta, nil
}

// Filter accepts "all", "<category>", or "<category>/<task>".
func (c *Catalog) Filter(filter string) []Task {
	if filter == "" || filter == "all" {
		return append([]Task(nil), c.tasks...)
	}
	category, taskID, hasTask := strings.Cut(filter, "/")

	var out []Task
	for _, t := range c.tasks {
		if t.CategoryID != category {
			continue
		}
		if hasTask && t.TaskID != taskID {
			continue
		}
		out = append(out, t)
	}
	return out
}

// boilerplate is appended to every instruction, keyed by service. Matches
// spec.md §4.3's "may append service-specific boilerplate".
var boilerplate = map[string]string{
	"notion": "\n\nWork only within the duplicated page provided to you; do not navigate to other Notion pages.",
	"github": "\n\nWork only within the forked repository provided to you.",
}

// Instruction reads the instruction file and appends any service-specific
// boilerplate.
func (c *Catalog) Instruction(t Task) (string, error) {
	data, err := os.ReadFile(t.InstructionPath)
	if err != nil {
		return "", fmt.Errorf("task: read instruction %s: %w", t.InstructionPath, err)
	}
	text := string(data)
	if suffix, ok := boilerplate[t.Service]; ok {
		text += suffix
	}
	return text, nil
}

// ExecuteTask runs the verifier as a child process with a 300s wall-clock
// limit, inheriting the environment StateManager has set. Exit code 0
// means success; stdout/stderr are captured regardless of outcome.
func (c *Catalog) ExecuteTask(ctx context.Context, t Task, extraArgs []string) (VerifyResult, error) {
	sanitizedArgs, err := execsafe.SanitizeArguments(extraArgs)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("task: unsafe verifier arguments: %w", err)
	}

	deadline := verifierWallClock
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	args := append([]string{t.VerificationPath}, sanitizedArgs...)
	cmd := exec.CommandContext(callCtx, "python3", args...)
	cmd.Env = os.Environ()
	cmd.Dir = filepath.Dir(t.VerificationPath)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := VerifyResult{
		VerificationOutput: stdout.String(),
		VerificationError:  stderr.String(),
	}

	if callCtx.Err() != nil {
		result.TimedOut = true
		result.VerificationError = "timeout"
		return result, nil
	}

	if runErr == nil {
		result.Success = true
		return result, nil
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("task: run verifier: %w", runErr)
}

// RunPrepareScript invokes the task's optional prepare_environment.py,
// used by the Postgres-family StateManager specialisations (spec.md
// §4.2): "optionally runs a task-supplied prepare_environment script".
func RunPrepareScript(ctx context.Context, scriptPath string, env []string) ([]byte, error) {
	if scriptPath == "" {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, "python3", scriptPath)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("task: prepare_environment failed: %w", err)
	}
	return out, nil
}

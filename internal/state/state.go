// Package state defines the StateManager contract (spec.md §4.2):
// service-polymorphic setup/teardown around one task's mutated resource.
// Every backend (filesystem, postgres-family, webarena, playwright,
// notion, github) implements the same five hooks; variants are explicit
// tags, not inheritance, per spec.md §9 "Dynamic dispatch across
// services".
package state

import (
	"context"

	"github.com/mcpmark/mcpmark/internal/task"
)

// InitialStateInfo is produced by setup and stored on the task record
// (spec.md §3) so the verifier and the agent can reach the mutated
// resource.
type InitialStateInfo struct {
	StateID  string
	StateURL string
	Metadata map[string]any
}

// TrackedResource is appended during setup and drained during cleanup in
// LIFO order (invariant I4). Cleanup must be idempotent and tolerant of
// partial prior cleanup.
type TrackedResource struct {
	Type     string
	ID       string
	Metadata map[string]any
}

// Manager is the five-hook contract every backend implements.
type Manager interface {
	// Initialize performs one-time process-wide setup: connectivity
	// check, credential validation. Failures here are configuration
	// errors (spec.md §7) and propagate out of Evaluator.run.
	Initialize(ctx context.Context) error

	// Setup creates a fresh initial state for t, returning the info to
	// store on the task record. Must be idempotent across retries: any
	// state a prior attempt left behind is cleaned first. If setup
	// fails the task is recorded as StateDuplicationError with zero
	// agent time and is retryable (spec.md §4.2).
	Setup(ctx context.Context, t *task.Task) (InitialStateInfo, error)

	// ServiceConfigForAgent returns the latest runtime parameters the
	// MCP tool server needs. Re-read before every request via the
	// AgentLoop's provider callback.
	ServiceConfigForAgent(ctx context.Context, t *task.Task) (map[string]string, error)

	// SetVerificationEnvironment returns the environment variables the
	// verifier script should inherit, including MCP_MESSAGES pointed at
	// messagesPath.
	SetVerificationEnvironment(ctx context.Context, t *task.Task, messagesPath string) ([]string, error)

	// Cleanup drains TrackedResources in reverse (LIFO) order and
	// restores baseline. Non-fatal on a single resource's failure; the
	// aggregate boolean reports overall success.
	Cleanup(ctx context.Context, t *task.Task) (bool, error)
}

// DrainLIFO calls release on each resource from last-registered to
// first, tolerating and collecting (rather than aborting on) individual
// failures — shared by every backend's Cleanup.
func DrainLIFO(resources []TrackedResource, release func(TrackedResource) error) (bool, []error) {
	ok := true
	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := release(resources[i]); err != nil {
			ok = false
			errs = append(errs, err)
		}
	}
	return ok, errs
}

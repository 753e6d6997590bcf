// Package filesystem implements the StateManager specialisation for
// filesystem tasks (spec.md §4.2): setup copies a read-only template
// directory into a unique per-task backup directory the agent operates
// on; cleanup removes the backup tree.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/task"
)

// Manager implements state.Manager for the filesystem service.
type Manager struct {
	// TemplateRoot is the base directory holding read-only per-category
	// template trees (e.g. TemplateRoot/<category>/...).
	TemplateRoot string
	// WorkRoot is where per-task backup directories are created.
	WorkRoot string

	logger *slog.Logger

	mu        sync.Mutex
	resources map[string][]state.TrackedResource
}

func New(templateRoot, workRoot string) *Manager {
	return &Manager{
		TemplateRoot: templateRoot,
		WorkRoot:     workRoot,
		logger:       slog.Default().With("service", "filesystem"),
		resources:    map[string][]state.TrackedResource{},
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	info, err := os.Stat(m.TemplateRoot)
	if err != nil {
		return fmt.Errorf("filesystem: template root %s: %w", m.TemplateRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("filesystem: template root %s is not a directory", m.TemplateRoot)
	}
	return nil
}

// Setup copies TemplateRoot/<category> into
// backup_filesystem_<category>_<task>_<pid> under WorkRoot. Idempotent:
// a pre-existing backup from a prior failed attempt is removed first.
func (m *Manager) Setup(ctx context.Context, t *task.Task) (state.InitialStateInfo, error) {
	templateDir := filepath.Join(m.TemplateRoot, t.CategoryID)
	if _, err := os.Stat(templateDir); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("filesystem: template dir %s: %w", templateDir, err)
	}

	backupName := fmt.Sprintf("backup_filesystem_%s_%s_%d", t.CategoryID, t.TaskID, os.Getpid())
	backupDir := filepath.Join(m.WorkRoot, backupName)
	if !isWithin(m.WorkRoot, backupDir) {
		return state.InitialStateInfo{}, fmt.Errorf("filesystem: task id escapes work root: %s/%s", t.CategoryID, t.TaskID)
	}

	if err := os.RemoveAll(backupDir); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("filesystem: clear stale backup: %w", err)
	}
	if err := copyTree(templateDir, backupDir); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("filesystem: copy template: %w", err)
	}

	m.mu.Lock()
	m.resources[t.Name()] = []state.TrackedResource{{Type: "directory", ID: backupDir}}
	m.mu.Unlock()

	return state.InitialStateInfo{
		StateID:  backupName,
		StateURL: backupDir,
		Metadata: map[string]any{"backup_dir": backupDir},
	}, nil
}

func (m *Manager) ServiceConfigForAgent(ctx context.Context, t *task.Task) (map[string]string, error) {
	return map[string]string{"FILESYSTEM_TEST_DIR": t.StateURL}, nil
}

func (m *Manager) SetVerificationEnvironment(ctx context.Context, t *task.Task, messagesPath string) ([]string, error) {
	return []string{
		"MCP_MESSAGES=" + messagesPath,
		"FILESYSTEM_TEST_DIR=" + t.StateURL,
	}, nil
}

func (m *Manager) Cleanup(ctx context.Context, t *task.Task) (bool, error) {
	m.mu.Lock()
	resources := m.resources[t.Name()]
	delete(m.resources, t.Name())
	m.mu.Unlock()

	ok, errs := state.DrainLIFO(resources, func(r state.TrackedResource) error {
		if err := os.RemoveAll(r.ID); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if !ok {
		m.logger.Warn("filesystem cleanup had failures", "task", t.Name(), "errors", errs)
		return false, fmt.Errorf("filesystem: cleanup: %v", errs)
	}
	return true, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// isWithin reports whether path is rooted under root, guarding against a
// backup name containing path separators from an adversarial task id.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

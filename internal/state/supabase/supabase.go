// Package supabase specialises the Postgres-family StateManager for
// Supabase: when a per-category backup dump is present it is restored
// via pg_restore before the usual schema/table diff runs, recovered from
// _examples/original_source/supabase_state_manager.py per SPEC_FULL.md §3.
package supabase

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mcpmark/mcpmark/internal/execsafe"
	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/state/postgres"
	"github.com/mcpmark/mcpmark/internal/task"
)

// Manager wraps postgres.Manager, trying a category backup restore
// before falling back to the plain diff-and-drop setup path.
type Manager struct {
	*postgres.Manager
	// BackupDir holds one pg_restore-compatible dump per category, named
	// "<category>.dump", if present.
	BackupDir string
}

func New(dsn, backupDir string) *Manager {
	return &Manager{Manager: postgres.New(dsn, "SUPABASE"), BackupDir: backupDir}
}

func (m *Manager) Setup(ctx context.Context, t *task.Task) (state.InitialStateInfo, error) {
	backupPath := filepath.Join(m.BackupDir, t.CategoryID+".dump")
	if _, err := os.Stat(backupPath); err == nil {
		if err := m.restoreBackup(ctx, backupPath); err != nil {
			return state.InitialStateInfo{}, fmt.Errorf("supabase: restore category backup: %w", err)
		}
	}
	return m.Manager.Setup(ctx, t)
}

func (m *Manager) restoreBackup(ctx context.Context, backupPath string) error {
	if _, err := execsafe.SanitizeExecutableValue(backupPath); err != nil {
		return fmt.Errorf("unsafe backup path: %w", err)
	}
	cmd := exec.CommandContext(ctx, "pg_restore", "--clean", "--if-exists", "--no-owner", "--dbname", m.DSN, backupPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_restore: %w: %s", err, string(out))
	}
	return nil
}

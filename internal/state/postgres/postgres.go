// Package postgres implements the StateManager specialisation shared by
// every PostgreSQL-backed service (spec.md §4.2): baseline is "the set of
// tables existing before any evaluation"; setup drops a per-task schema
// if present, optionally runs a task-supplied prepare_environment
// script, then diffs tables-after vs tables-before to compute
// created_tables; cleanup drops every table not in the baseline plus the
// per-task schema.
//
// Grounded on the teacher's internal/storage/cockroach.go for the
// database/sql + lib/pq idiom (connection pooling, context-scoped
// queries); lib/pq is imported only to register the driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/task"
)

// Manager implements state.Manager for Postgres-family services. It is
// reused verbatim (different DSN, different env var names) by Supabase
// and Insforge, which embed it and override credential acquisition.
type Manager struct {
	DSN          string
	EnvPrefix    string // "POSTGRES", "SUPABASE", "INSFORGE"
	ConnectTimeout time.Duration

	logger *slog.Logger

	db *sql.DB

	mu             sync.Mutex
	baselineTables map[string]bool
	createdTables  map[string][]string // task name -> tables created for it
	taskSchemas    map[string]string
}

func New(dsn, envPrefix string) *Manager {
	return &Manager{
		DSN:            dsn,
		EnvPrefix:      envPrefix,
		ConnectTimeout: 10 * time.Second,
		logger:         slog.Default().With("service", "postgres", "env_prefix", envPrefix),
		createdTables:  map[string][]string{},
		taskSchemas:    map[string]string{},
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	db, err := sql.Open("postgres", m.DSN)
	if err != nil {
		return fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, m.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("postgres: ping: %w", err)
	}
	m.db = db

	tables, err := m.listPublicTables(ctx)
	if err != nil {
		return fmt.Errorf("postgres: capture baseline tables: %w", err)
	}
	m.baselineTables = tables
	m.logger.Info("captured baseline tables", "count", len(tables))
	return nil
}

func (m *Manager) listPublicTables(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables[name] = true
	}
	return tables, rows.Err()
}

// Setup drops the per-task schema if one already exists from a prior
// attempt, optionally runs the task's prepare_environment script, then
// diffs tables-after against the baseline to compute created_tables.
func (m *Manager) Setup(ctx context.Context, t *task.Task) (state.InitialStateInfo, error) {
	schemaName := fmt.Sprintf("task_%s_%s", t.CategoryID, t.TaskID)

	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schemaName)); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("postgres: drop stale schema: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schemaName)); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("postgres: create schema: %w", err)
	}

	if t.PrepareScriptPath != "" {
		env := []string{
			fmt.Sprintf("%s_URL=%s", m.EnvPrefix, m.DSN),
			fmt.Sprintf("%s_SCHEMA=%s", m.EnvPrefix, schemaName),
		}
		if _, err := task.RunPrepareScript(ctx, t.PrepareScriptPath, env); err != nil {
			return state.InitialStateInfo{}, fmt.Errorf("postgres: prepare_environment: %w", err)
		}
	}

	afterTables, err := m.listPublicTables(ctx)
	if err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("postgres: diff tables: %w", err)
	}
	var created []string
	for name := range afterTables {
		if !m.baselineTables[name] {
			created = append(created, name)
		}
	}

	m.mu.Lock()
	m.createdTables[t.Name()] = created
	m.taskSchemas[t.Name()] = schemaName
	m.mu.Unlock()

	return state.InitialStateInfo{
		StateID:  schemaName,
		Metadata: map[string]any{"schema": schemaName, "created_tables": created},
	}, nil
}

func (m *Manager) ServiceConfigForAgent(ctx context.Context, t *task.Task) (map[string]string, error) {
	return map[string]string{
		m.EnvPrefix + "_URL":    m.DSN,
		m.EnvPrefix + "_SCHEMA": t.StateID,
	}, nil
}

func (m *Manager) SetVerificationEnvironment(ctx context.Context, t *task.Task, messagesPath string) ([]string, error) {
	return []string{
		"MCP_MESSAGES=" + messagesPath,
		m.EnvPrefix + "_URL=" + m.DSN,
		m.EnvPrefix + "_SCHEMA=" + t.StateID,
	}, nil
}

// Cleanup drops every table not in the baseline (both setup-created and
// agent-created) plus the per-task schema — spec.md §4.2 and the §9 Open
// Question (c) note: this also reaps tables the agent legitimately
// created as its task answer, which is by design for isolation and is
// not changed here.
func (m *Manager) Cleanup(ctx context.Context, t *task.Task) (bool, error) {
	m.mu.Lock()
	schemaName := m.taskSchemas[t.Name()]
	delete(m.taskSchemas, t.Name())
	delete(m.createdTables, t.Name())
	m.mu.Unlock()

	afterTables, err := m.listPublicTables(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: list tables for cleanup: %w", err)
	}

	var toDrop []string
	for name := range afterTables {
		if !m.baselineTables[name] {
			toDrop = append(toDrop, name)
		}
	}

	resources := make([]state.TrackedResource, 0, len(toDrop)+1)
	for _, name := range toDrop {
		resources = append(resources, state.TrackedResource{Type: "table", ID: name})
	}
	if schemaName != "" {
		resources = append(resources, state.TrackedResource{Type: "schema", ID: schemaName})
	}

	ok, errs := state.DrainLIFO(resources, func(r state.TrackedResource) error {
		var stmt string
		switch r.Type {
		case "table":
			stmt = fmt.Sprintf(`DROP TABLE IF EXISTS %q CASCADE`, r.ID)
		case "schema":
			stmt = fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, r.ID)
		}
		_, err := m.db.ExecContext(ctx, stmt)
		return err
	})
	if !ok {
		m.logger.Warn("postgres cleanup had failures", "task", t.Name(), "errors", errs)
		return false, fmt.Errorf("postgres: cleanup: %v", errs)
	}
	return true, nil
}

func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Package webarena implements the containerised-web StateManager
// specialisation (spec.md §4.2): setup selects a category-specific
// image/container/port triple, runs a fresh Docker container (or uses a
// remote endpoint if configured), polls readiness, and for shopping
// images runs the Magento bootstrap recovered from
// _examples/original_source/playwright_webarena/playwright_state_manager.py
// (SPEC_FULL.md §3). Cleanup stops and removes the container.
package webarena

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mcpmark/mcpmark/internal/execsafe"
	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/task"
)

// CategorySpec is the image/container/port/readiness-path triple for one
// task category, e.g. {"shopping", "shopping_final_0712", "shopping", 7770, "/"}.
type CategorySpec struct {
	Category     string
	Image        string
	ContainerName string
	Port         int
	ReadinessPath string
	// ExternalURL, if set, is used instead of launching a container —
	// spec.md §4.2: "if an external-endpoints file is provided, uses the
	// remote URL instead".
	ExternalURL string
}

type Manager struct {
	Specs        map[string]CategorySpec
	ReadyDeadline time.Duration
	PollInterval  time.Duration
	SkipCleanup   bool

	logger *slog.Logger
	http   *http.Client

	mu        sync.Mutex
	containers map[string]string // task name -> container name
	baseURLs   map[string]string
}

func New(specs map[string]CategorySpec) *Manager {
	return &Manager{
		Specs:         specs,
		ReadyDeadline: 600 * time.Second,
		PollInterval:  2 * time.Second,
		logger:        slog.Default().With("service", "webarena"),
		http:          &http.Client{Timeout: 10 * time.Second},
		containers:    map[string]string{},
		baseURLs:      map[string]string{},
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	if out, err := exec.CommandContext(ctx, "docker", "version").CombinedOutput(); err != nil {
		return fmt.Errorf("webarena: docker not available: %w: %s", err, string(out))
	}
	return nil
}

func (m *Manager) Setup(ctx context.Context, t *task.Task) (state.InitialStateInfo, error) {
	spec, ok := m.Specs[t.CategoryID]
	if !ok {
		return state.InitialStateInfo{}, fmt.Errorf("webarena: no container spec for category %q", t.CategoryID)
	}

	if !execsafe.IsSafeExecutableValue(spec.Image) {
		return state.InitialStateInfo{}, fmt.Errorf("webarena: unsafe image name for category %q: %q", t.CategoryID, spec.Image)
	}

	baseURL := spec.ExternalURL
	containerName := ""
	if baseURL == "" {
		containerName = fmt.Sprintf("%s_%s_%s", spec.ContainerName, t.CategoryID, t.TaskID)
		if !execsafe.IsSafeExecutableValue(containerName) {
			return state.InitialStateInfo{}, fmt.Errorf("webarena: unsafe container name: %q", containerName)
		}
		_ = exec.CommandContext(ctx, "docker", "rm", "-f", containerName).Run()

		runArgs := []string{"run", "-d", "--name", containerName, "-p", fmt.Sprintf("%d:%d", spec.Port, spec.Port), spec.Image}
		if out, err := exec.CommandContext(ctx, "docker", runArgs...).CombinedOutput(); err != nil {
			return state.InitialStateInfo{}, fmt.Errorf("webarena: docker run: %w: %s", err, string(out))
		}
		baseURL = fmt.Sprintf("http://localhost:%d", spec.Port)

		if err := m.waitReady(ctx, baseURL+spec.ReadinessPath); err != nil {
			_ = exec.CommandContext(context.Background(), "docker", "rm", "-f", containerName).Run()
			return state.InitialStateInfo{}, fmt.Errorf("webarena: readiness: %w", err)
		}
	}

	if strings.Contains(spec.Image, "shopping") {
		if err := m.bootstrapMagento(ctx, containerName, baseURL); err != nil {
			return state.InitialStateInfo{}, fmt.Errorf("webarena: magento bootstrap: %w", err)
		}
	}

	m.mu.Lock()
	m.containers[t.Name()] = containerName
	m.baseURLs[t.Name()] = baseURL
	m.mu.Unlock()

	return state.InitialStateInfo{StateURL: baseURL, Metadata: map[string]any{"container": containerName}}, nil
}

// waitReady polls readinessURL until it returns HTTP 200 or the deadline
// elapses (default 600s, 2s interval, per spec.md §4.2/§8).
func (m *Manager) waitReady(ctx context.Context, readinessURL string) error {
	deadline := time.Now().Add(m.ReadyDeadline)
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, readinessURL, nil)
		if err == nil {
			if resp, err := m.http.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("webarena: readiness deadline (%s) exceeded", m.ReadyDeadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// bootstrapMagento runs the CLI/SQL sequence that sets base_url and
// flushes Magento caches, as the shopping category requires.
func (m *Manager) bootstrapMagento(ctx context.Context, containerName, baseURL string) error {
	if containerName == "" {
		return nil // external endpoint: assume it is already configured
	}
	commands := [][]string{
		{"docker", "exec", containerName, "/var/www/magento2/bin/magento", "setup:store-config:set", "--base-url=" + baseURL},
		{"docker", "exec", containerName, "mysql", "-u", "magentouser", "-pMyPassword", "magentodb",
			"-e", fmt.Sprintf("UPDATE core_config_data SET value='%s' WHERE path = 'web/secure/base_url';", baseURL)},
		{"docker", "exec", containerName, "/var/www/magento2/bin/magento", "cache:flush"},
	}
	for _, c := range commands {
		if out, err := exec.CommandContext(ctx, c[0], c[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%v: %w: %s", c, err, string(out))
		}
	}
	return nil
}

func (m *Manager) ServiceConfigForAgent(ctx context.Context, t *task.Task) (map[string]string, error) {
	return map[string]string{"WEBARENA_BASE_URL": t.StateURL}, nil
}

func (m *Manager) SetVerificationEnvironment(ctx context.Context, t *task.Task, messagesPath string) ([]string, error) {
	return []string{"MCP_MESSAGES=" + messagesPath, "WEBARENA_BASE_URL=" + t.StateURL}, nil
}

func (m *Manager) Cleanup(ctx context.Context, t *task.Task) (bool, error) {
	m.mu.Lock()
	containerName := m.containers[t.Name()]
	delete(m.containers, t.Name())
	delete(m.baseURLs, t.Name())
	m.mu.Unlock()

	if containerName == "" || m.SkipCleanup {
		return true, nil
	}
	if out, err := exec.CommandContext(ctx, "docker", "rm", "-f", containerName).CombinedOutput(); err != nil {
		m.logger.Warn("webarena cleanup failed", "container", containerName, "error", err, "output", string(out))
		return false, fmt.Errorf("webarena: remove container: %w", err)
	}
	return true, nil
}

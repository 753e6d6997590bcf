// Package playwrightweb implements the standalone Playwright StateManager
// specialisation (spec.md §4.2): setup resolves the category's test URL;
// a singleton process-wide Playwright instance is kept so other
// components can retrieve the last active page; cleanup closes open
// pages and contexts.
//
// Grounded on the teacher's internal/tools/browser Pool (browser/pool.go):
// same playwright-go install/Run/Launch idiom, collapsed from a
// multi-instance pool to the single long-lived browser this harness
// needs (one page at a time, reused across setup/cleanup of one task).
package playwrightweb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/task"
)

type Manager struct {
	// CategoryURLs maps a task category to the URL its agent session
	// should start from.
	CategoryURLs map[string]string
	Headless     bool

	logger *slog.Logger

	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser
	contexts map[string]playwright.BrowserContext
	pages    map[string]playwright.Page
	lastPage playwright.Page
}

func New(categoryURLs map[string]string) *Manager {
	return &Manager{
		CategoryURLs: categoryURLs,
		logger:       slog.Default().With("service", "playwright"),
		contexts:     map[string]playwright.BrowserContext{},
		pages:        map[string]playwright.Page{},
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
		return fmt.Errorf("playwright: install: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("playwright: run: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("playwright: launch chromium: %w", err)
	}

	m.mu.Lock()
	m.pw = pw
	m.browser = browser
	m.mu.Unlock()
	return nil
}

func (m *Manager) Setup(ctx context.Context, t *task.Task) (state.InitialStateInfo, error) {
	url, ok := m.CategoryURLs[t.CategoryID]
	if !ok {
		return state.InitialStateInfo{}, fmt.Errorf("playwright: no url configured for category %q", t.CategoryID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bctx, err := m.browser.NewContext()
	if err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("playwright: new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return state.InitialStateInfo{}, fmt.Errorf("playwright: new page: %w", err)
	}
	if _, err := page.Goto(url); err != nil {
		_ = bctx.Close()
		return state.InitialStateInfo{}, fmt.Errorf("playwright: goto %s: %w", url, err)
	}

	m.contexts[t.Name()] = bctx
	m.pages[t.Name()] = page
	m.lastPage = page

	return state.InitialStateInfo{StateURL: url}, nil
}

// LastActivePage exposes the current task's page to other components
// (e.g. a diagnostic screenshot tool), matching the "singleton
// process-wide instance ... so other components can retrieve the last
// active page" clause in spec.md §4.2.
func (m *Manager) LastActivePage() playwright.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPage
}

func (m *Manager) ServiceConfigForAgent(ctx context.Context, t *task.Task) (map[string]string, error) {
	return map[string]string{"PLAYWRIGHT_URL": t.StateURL}, nil
}

func (m *Manager) SetVerificationEnvironment(ctx context.Context, t *task.Task, messagesPath string) ([]string, error) {
	return []string{"MCP_MESSAGES=" + messagesPath, "PLAYWRIGHT_URL=" + t.StateURL}, nil
}

func (m *Manager) Cleanup(ctx context.Context, t *task.Task) (bool, error) {
	m.mu.Lock()
	bctx := m.contexts[t.Name()]
	delete(m.contexts, t.Name())
	delete(m.pages, t.Name())
	m.mu.Unlock()

	if bctx == nil {
		return true, nil
	}
	if err := bctx.Close(); err != nil {
		m.logger.Warn("playwright cleanup failed", "task", t.Name(), "error", err)
		return false, fmt.Errorf("playwright: close context: %w", err)
	}
	return true, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		_ = m.browser.Close()
	}
	if m.pw != nil {
		return m.pw.Stop()
	}
	return nil
}

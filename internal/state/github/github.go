// Package github implements the GitHub StateManager specialisation
// (spec.md §4.2): setup forks a reference repository and configures a
// token; cleanup deletes the fork.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/task"
)

type Manager struct {
	Token string
	Org   string // GITHUB_EVAL_ORG: where forks are created
	// ReferenceRepos maps a task category to "owner/repo" to fork.
	ReferenceRepos map[string]string

	logger *slog.Logger
	http   *http.Client

	mu    sync.Mutex
	forks map[string]string // task name -> "org/repo" fork full name
}

func New(token, org string, referenceRepos map[string]string) *Manager {
	return &Manager{
		Token:          token,
		Org:            org,
		ReferenceRepos: referenceRepos,
		logger:         slog.Default().With("service", "github"),
		http:           &http.Client{Timeout: 30 * time.Second},
		forks:          map[string]string{},
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	if m.Token == "" {
		return fmt.Errorf("github: token is required")
	}
	_, err := m.request(ctx, http.MethodGet, "https://api.github.com/user", nil)
	return err
}

func (m *Manager) Setup(ctx context.Context, t *task.Task) (state.InitialStateInfo, error) {
	reference, ok := m.ReferenceRepos[t.CategoryID]
	if !ok {
		return state.InitialStateInfo{}, fmt.Errorf("github: no reference repo for category %q", t.CategoryID)
	}

	forkName := fmt.Sprintf("%s-%s-%s", lastSegment(reference), t.CategoryID, t.TaskID)
	body, _ := json.Marshal(map[string]any{"organization": m.Org, "name": forkName})

	if _, err := m.request(ctx, http.MethodPost, fmt.Sprintf("https://api.github.com/repos/%s/forks", reference), body); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("github: fork %s: %w", reference, err)
	}

	fullName := m.Org + "/" + forkName
	if err := m.waitForFork(ctx, fullName); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("github: fork not ready: %w", err)
	}

	m.mu.Lock()
	m.forks[t.Name()] = fullName
	m.mu.Unlock()

	return state.InitialStateInfo{
		StateID:  fullName,
		StateURL: "https://github.com/" + fullName,
	}, nil
}

func (m *Manager) waitForFork(ctx context.Context, fullName string) error {
	deadline := time.Now().Add(60 * time.Second)
	for {
		if _, err := m.request(ctx, http.MethodGet, "https://api.github.com/repos/"+fullName, nil); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for fork %s", fullName)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (m *Manager) ServiceConfigForAgent(ctx context.Context, t *task.Task) (map[string]string, error) {
	return map[string]string{"GITHUB_REPO": t.StateID, "MCP_GITHUB_TOKEN": m.Token}, nil
}

func (m *Manager) SetVerificationEnvironment(ctx context.Context, t *task.Task, messagesPath string) ([]string, error) {
	return []string{
		"MCP_MESSAGES=" + messagesPath,
		"MCP_GITHUB_TOKEN=" + m.Token,
		"GITHUB_EVAL_ORG=" + m.Org,
	}, nil
}

func (m *Manager) Cleanup(ctx context.Context, t *task.Task) (bool, error) {
	m.mu.Lock()
	fullName := m.forks[t.Name()]
	delete(m.forks, t.Name())
	m.mu.Unlock()

	if fullName == "" {
		return true, nil
	}
	if _, err := m.request(ctx, http.MethodDelete, "https://api.github.com/repos/"+fullName, nil); err != nil {
		m.logger.Warn("github cleanup failed", "repo", fullName, "error", err)
		return false, fmt.Errorf("github: delete fork: %w", err)
	}
	return true, nil
}

func (m *Manager) request(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("github: http %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func lastSegment(repoFullName string) string {
	for i := len(repoFullName) - 1; i >= 0; i-- {
		if repoFullName[i] == '/' {
			return repoFullName[i+1:]
		}
	}
	return repoFullName
}

// Package insforge specialises the Postgres-family StateManager for
// Insforge, a managed-Postgres service fronted by a bearer-token login
// exchange — recovered from
// _examples/original_source/insforge_login_helper.py per SPEC_FULL.md §3,
// since spec.md's distillation only mentions Insforge in passing.
package insforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/state/postgres"
	"github.com/mcpmark/mcpmark/internal/task"
)

// Manager wraps postgres.Manager; Initialize first exchanges credentials
// for a bearer token against the Insforge control-plane API, which the
// agent-facing config then carries alongside the raw DSN.
type Manager struct {
	*postgres.Manager
	LoginURL string
	Email    string
	Password string

	token string
	http  *http.Client
}

func New(dsn, loginURL, email, password string) *Manager {
	return &Manager{
		Manager:  postgres.New(dsn, "INSFORGE"),
		LoginURL: loginURL,
		Email:    email,
		Password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	token, err := m.login(ctx)
	if err != nil {
		return fmt.Errorf("insforge: login: %w", err)
	}
	m.token = token
	return m.Manager.Initialize(ctx)
}

func (m *Manager) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"email": m.Email, "password": m.Password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.LoginURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("insforge: login http %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse login response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("insforge: login response had no access_token")
	}
	return parsed.AccessToken, nil
}

func (m *Manager) ServiceConfigForAgent(ctx context.Context, t *task.Task) (map[string]string, error) {
	cfg, err := m.Manager.ServiceConfigForAgent(ctx, t)
	if err != nil {
		return nil, err
	}
	cfg["INSFORGE_TOKEN"] = m.token
	return cfg, nil
}

func (m *Manager) SetVerificationEnvironment(ctx context.Context, t *task.Task, messagesPath string) ([]string, error) {
	env, err := m.Manager.SetVerificationEnvironment(ctx, t, messagesPath)
	if err != nil {
		return nil, err
	}
	return append(env, "INSFORGE_TOKEN="+m.token), nil
}

var _ state.Manager = (*Manager)(nil)

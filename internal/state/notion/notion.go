// Package notion implements the Notion StateManager specialisation
// (spec.md §4.2): baseline is a template page; setup duplicates it and
// stores duplicated_initial_state_id; cleanup archives it. The verifier
// receives the duplicated id on its command line, per
// _examples/original_source/notion_task_manager.py's argv[1] convention.
package notion

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

const notionAPIVersion = "2022-06-28"

type Manager struct {
	Token string
	// TemplatePageID per task category.
	TemplatePageIDs map[string]string

	logger *slog.Logger
	http   *http.Client

	mu          sync.Mutex
	duplicates map[string]string // task name -> duplicated page id
}

func New(token string, templatePageIDs map[string]string) *Manager {
	return &Manager{
		Token:           token,
		TemplatePageIDs: templatePageIDs,
		logger:          slog.Default().With("service", "notion"),
		http:            &http.Client{Timeout: 30 * time.Second},
		duplicates:      map[string]string{},
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	if m.Token == "" {
		return fmt.Errorf("notion: token is required")
	}
	_, err := m.request(ctx, http.MethodGet, "https://api.notion.com/v1/users/me", nil)
	return err
}

// Setup duplicates the category's template page. Notion has no native
// "duplicate" endpoint via the public API, so this mirrors the reference
// implementation's approach of creating a new page that copies the
// template's blocks.
func (m *Manager) Setup(ctx context.Context, t *task.Task) (state.InitialStateInfo, error) {
	templateID, ok := m.TemplatePageIDs[t.CategoryID]
	if !ok {
		return state.InitialStateInfo{}, fmt.Errorf("notion: no template page for category %q", t.CategoryID)
	}

	template, err := m.request(ctx, http.MethodGet, "https://api.notion.com/v1/pages/"+templateID, nil)
	if err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("notion: fetch template page: %w", err)
	}
	var parent struct {
		Parent json.RawMessage `json:"parent"`
	}
	if err := json.Unmarshal(template, &parent); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("notion: parse template page: %w", err)
	}

	blocks, err := m.request(ctx, http.MethodGet, "https://api.notion.com/v1/blocks/"+templateID+"/children", nil)
	if err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("notion: fetch template blocks: %w", err)
	}
	var blockList struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(blocks, &blockList); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("notion: parse template blocks: %w", err)
	}

	createBody := map[string]any{
		"parent":     json.RawMessage(parent.Parent),
		"properties": map[string]any{},
		"children":   json.RawMessage(blockList.Results),
	}
	encoded, err := json.Marshal(createBody)
	if err != nil {
		return state.InitialStateInfo{}, err
	}
	created, err := m.request(ctx, http.MethodPost, "https://api.notion.com/v1/pages", encoded)
	if err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("notion: duplicate page: %w", err)
	}
	var createdPage struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(created, &createdPage); err != nil {
		return state.InitialStateInfo{}, fmt.Errorf("notion: parse duplicated page: %w", err)
	}

	m.mu.Lock()
	m.duplicates[t.Name()] = createdPage.ID
	m.mu.Unlock()

	return state.InitialStateInfo{
		StateID:  createdPage.ID,
		Metadata: map[string]any{"duplicated_initial_state_id": createdPage.ID},
	}, nil
}

func (m *Manager) ServiceConfigForAgent(ctx context.Context, t *task.Task) (map[string]string, error) {
	return map[string]string{"NOTION_PAGE_ID": t.StateID, "NOTION_TOKEN": m.Token}, nil
}

func (m *Manager) SetVerificationEnvironment(ctx context.Context, t *task.Task, messagesPath string) ([]string, error) {
	return []string{"MCP_MESSAGES=" + messagesPath, "NOTION_TOKEN=" + m.Token}, nil
}

// VerifierArgs returns the duplicated_initial_state_id argv that
// TaskCatalog.ExecuteTask must pass to verify.py, per spec.md §8
// scenario 6: "python verify.py <duplicated_id>".
func (m *Manager) VerifierArgs(t *task.Task) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.duplicates[t.Name()]; ok {
		return []string{id}
	}
	return nil
}

func (m *Manager) Cleanup(ctx context.Context, t *task.Task) (bool, error) {
	m.mu.Lock()
	pageID := m.duplicates[t.Name()]
	delete(m.duplicates, t.Name())
	m.mu.Unlock()

	if pageID == "" {
		return true, nil
	}

	body, _ := json.Marshal(map[string]any{"archived": true})
	if _, err := m.request(ctx, http.MethodPatch, "https://api.notion.com/v1/pages/"+pageID, body); err != nil {
		m.logger.Warn("notion cleanup failed", "page_id", pageID, "error", err)
		return false, fmt.Errorf("notion: archive page: %w", err)
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
	req.Header.Set("Notion-Version", notionAPIVersion)
	req.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("notion: http %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

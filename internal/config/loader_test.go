package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnvAndIncludes(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("MCPMARK_TEST_KEY_ENV", "ANTHROPIC_API_KEY")
	defer os.Unsetenv("MCPMARK_TEST_KEY_ENV")

	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte("agent_loop:\n  max_turns: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mainPath := filepath.Join(dir, "main.yaml")
	mainContent := `
$include: base.yaml
models:
  - short_name: claude-fast
    provider: anthropic
    canonical_model: claude-3-5-sonnet
    api_key_env: ${MCPMARK_TEST_KEY_ENV}
`
	if err := os.WriteFile(mainPath, []byte(mainContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentLoop.MaxTurns != 3 {
		t.Fatalf("expected included max_turns=3, got %d", cfg.AgentLoop.MaxTurns)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].APIKeyEnv != "ANTHROPIC_API_KEY" {
		t.Fatalf("expected expanded api_key_env, got %+v", cfg.Models)
	}
	if cfg.Services.VerifierTimeout != DefaultServiceDefaults().VerifierTimeout {
		t.Fatalf("services omitted from yaml should fall back to defaults, got %v", cfg.Services.VerifierTimeout)
	}
}

func TestModelCatalogResolveMissingEnv(t *testing.T) {
	os.Unsetenv("MCPMARK_MISSING_KEY")
	catalog := NewModelCatalog([]ModelEntry{
		{ShortName: "gpt-mini", Provider: "openai", CanonicalModel: "gpt-4o-mini", APIKeyEnv: "MCPMARK_MISSING_KEY"},
	})
	if _, err := catalog.Resolve("gpt-mini"); err == nil {
		t.Fatal("expected error when credential env var is unset")
	}
}

func TestIsAnthropicModelForgivingSubstring(t *testing.T) {
	if !IsAnthropicModel("claude-3-5-sonnet") {
		t.Fatal("expected claude-3-5-sonnet to match")
	}
	if !IsAnthropicModel("ClaudInstant") {
		t.Fatal("expected the forgiving claud substring (missing e) to still match")
	}
	if IsAnthropicModel("gpt-4o") {
		t.Fatal("did not expect gpt-4o to match")
	}
}

package main

import (
	"fmt"

	"github.com/mcpmark/mcpmark/internal/config"
	"github.com/mcpmark/mcpmark/internal/state"
	"github.com/mcpmark/mcpmark/internal/state/filesystem"
	"github.com/mcpmark/mcpmark/internal/state/github"
	"github.com/mcpmark/mcpmark/internal/state/insforge"
	"github.com/mcpmark/mcpmark/internal/state/notion"
	"github.com/mcpmark/mcpmark/internal/state/playwrightweb"
	"github.com/mcpmark/mcpmark/internal/state/postgres"
	"github.com/mcpmark/mcpmark/internal/state/supabase"
	"github.com/mcpmark/mcpmark/internal/state/webarena"
)

// buildStateManager dispatches on the service name to construct the
// matching StateManager backend (spec.md §4.2's "explicit tags, not
// inheritance" dispatch rule), reading that backend's parameters from the
// run configuration's service_config block.
func buildStateManager(service string, cfg config.ServiceConfig) (state.Manager, error) {
	switch service {
	case "filesystem":
		return filesystem.New(cfg.Filesystem.TemplateRoot, cfg.Filesystem.WorkRoot), nil
	case "postgres", "employees", "lego":
		return postgres.New(cfg.Postgres.DSN, "POSTGRES"), nil
	case "supabase":
		return supabase.New(cfg.Supabase.DSN, cfg.Supabase.BackupDir), nil
	case "insforge":
		return insforge.New(cfg.Insforge.DSN, cfg.Insforge.LoginURL, cfg.Insforge.Email, cfg.Insforge.Password), nil
	case "webarena":
		specs := map[string]webarena.CategorySpec{}
		for _, s := range cfg.WebArena.Categories {
			specs[s.Category] = webarena.CategorySpec{
				Category:      s.Category,
				Image:         s.Image,
				ContainerName: s.ContainerName,
				Port:          s.Port,
				ReadinessPath: s.ReadinessPath,
				ExternalURL:   s.ExternalURL,
			}
		}
		mgr := webarena.New(specs)
		mgr.SkipCleanup = cfg.WebArena.SkipCleanup
		return mgr, nil
	case "playwright":
		mgr := playwrightweb.New(cfg.Playwright.CategoryURLs)
		mgr.Headless = cfg.Playwright.Headless
		return mgr, nil
	case "notion":
		return notion.New(cfg.Notion.Token, cfg.Notion.TemplatePageIDs), nil
	case "github":
		return github.New(cfg.GitHub.Token, cfg.GitHub.Org, cfg.GitHub.ReferenceRepos), nil
	default:
		return nil, fmt.Errorf("unknown service %q", service)
	}
}

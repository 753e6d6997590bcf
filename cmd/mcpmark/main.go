// Package main is the mcpmark CLI entry point. The core evaluation engine
// (MCPClient, StateManager, TaskCatalog, AgentLoop, Evaluator, ResultStore,
// Aggregator) is exposed programmatically per spec.md §6; this binary is
// the thin, out-of-scope CLI surface wrapping it, in the teacher's cobra
// idiom (cmd/nexus/commands.go).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpmark",
		Short: "Evaluate LLM agents against MCP-server-backed tasks",
	}
	root.AddCommand(buildRunCmd())
	root.AddCommand(buildAggregateCmd())
	root.AddCommand(buildDoctorCmd())
	return root
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

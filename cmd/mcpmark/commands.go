package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mcpmark/mcpmark/internal/aggregator"
	"github.com/mcpmark/mcpmark/internal/agentloop"
	"github.com/mcpmark/mcpmark/internal/config"
	"github.com/mcpmark/mcpmark/internal/evaluator"
	"github.com/mcpmark/mcpmark/internal/llm"
	"github.com/mcpmark/mcpmark/internal/mcpclient"
	"github.com/mcpmark/mcpmark/internal/observability"
	"github.com/mcpmark/mcpmark/internal/task"
)

// buildRunCmd wires the programmatic Evaluator(model, service, timeout,
// exp_name, output_dir, reasoning_effort).run(filter) surface spec.md §6
// names, binding it to flags.
func buildRunCmd() *cobra.Command {
	var (
		configPath      string
		tasksRoot       string
		model           string
		service         string
		filter          string
		expName         string
		outputDir       string
		reasoningEffort string
		loopKind        string
		timeoutSeconds  int
		debug           bool
		metricsAddr     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a model against a service's task suite",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(debug)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			catalog, err := task.Discover(tasksRoot, service)
			if err != nil {
				return fmt.Errorf("discover tasks: %w", err)
			}

			modelCatalog := config.NewModelCatalog(cfg.Models)
			resolved, err := modelCatalog.Resolve(model)
			if err != nil {
				return fmt.Errorf("resolve model: %w", err)
			}

			provider, err := llm.NewProvider(resolved.Provider)
			if err != nil {
				return fmt.Errorf("construct provider: %w", err)
			}

			stateManager, err := buildStateManager(service, cfg.ServiceConfig)
			if err != nil {
				return fmt.Errorf("construct state manager: %w", err)
			}

			timeout := time.Duration(timeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = 10 * time.Minute
			}

			serverConfig := mcpclient.ServerConfig{
				ID:        service,
				Transport: mcpclient.TransportType(cfg.MCPServer.Transport),
				Command:   cfg.MCPServer.Command,
				Args:      cfg.MCPServer.Args,
				BaseURL:   cfg.MCPServer.BaseURL,
				Token:     cfg.MCPServer.Token,
				Headers:   cfg.MCPServer.Headers,
				Timeout:   cfg.Services.StdioCallTimeout,
			}
			if serverConfig.Transport == mcpclient.TransportHTTP {
				serverConfig.Timeout = cfg.Services.HTTPSessionTimeout
			}

			var loop agentloop.Loop
			switch loopKind {
			case "react":
				loop = agentloop.NewReActLoop(provider, cfg.AgentLoop.ReactMaxIterations, cfg.Services.ToolCallTimeout)
			default:
				loop = agentloop.NewDirectLoop(provider, cfg.AgentLoop.MaxTurns)
			}

			metrics := observability.NewMetrics()
			if metricsAddr != "" {
				serveMetrics(metricsAddr, logger)
			}

			ev := evaluator.New(evaluator.Evaluator{
				Model:           model,
				Service:         service,
				Timeout:         timeout,
				ExpName:         expName,
				OutputDir:       outputDir,
				ReasoningEffort: reasoningEffort,
				ResolvedModel: evaluator.ResolvedModel{
					CanonicalModel: resolved.CanonicalModel,
					APIKey:         resolved.APIKey,
					BaseURL:        resolved.BaseURL,
				},
				ProviderName:         resolved.Provider,
				Catalog:              catalog,
				StateManager:         stateManager,
				Loop:                 loop,
				ServerConfigTemplate: serverConfig,
				Logger:               logger,
				Metrics:              metrics,
			})

			summary, err := ev.Run(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("evaluate: %w", err)
			}
			return printJSON(summary)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mcpmark.yaml", "Path to YAML run configuration")
	cmd.Flags().StringVar(&tasksRoot, "tasks-root", ".", "Root directory containing tasks/<service>/")
	cmd.Flags().StringVar(&model, "model", "", "Short model name from the model catalogue")
	cmd.Flags().StringVar(&service, "service", "", "Service to evaluate (filesystem, postgres, supabase, insforge, webarena, playwright, notion, github)")
	cmd.Flags().StringVar(&filter, "filter", "all", `Task filter: "all", "<category>", or "<category>/<task>"`)
	cmd.Flags().StringVar(&expName, "exp-name", "default", "Experiment name (results subdirectory)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "./results", "Root directory for result artifacts")
	cmd.Flags().StringVar(&reasoningEffort, "reasoning-effort", "", "Reasoning effort label recorded in each task's meta.json model_config (not sent to the provider)")
	cmd.Flags().StringVar(&loopKind, "loop", "direct", `AgentLoop variant: "direct" or "react"`)
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 600, "Per-task wall-clock deadline in seconds")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", `Serve Prometheus metrics at "/metrics" on this address (e.g. ":9090"); disabled when empty`)

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("service")

	return cmd
}

// buildAggregateCmd exposes the Aggregator over a directory of prior runs.
func buildAggregateCmd() *cobra.Command {
	var (
		configPath string
		resultDir  string
		model      string
		k          int
	)

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Compute pass@1, pass@k, pass^k over k prior runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			modelCatalog := config.NewModelCatalog(cfg.Models)

			summary, err := aggregator.Aggregate(resultDir, k, model, modelCatalog.Pricing)
			if err != nil {
				return fmt.Errorf("aggregate: %w", err)
			}
			return printJSON(summary)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mcpmark.yaml", "Path to YAML run configuration (for pricing lookups)")
	cmd.Flags().StringVar(&resultDir, "result-dir", "", "Directory containing run_1..run_k subdirectories")
	cmd.Flags().StringVar(&model, "model", "", "Short model name (for cost lookups)")
	cmd.Flags().IntVar(&k, "k", 1, "Number of runs to aggregate over")

	_ = cmd.MarkFlagRequired("result-dir")

	return cmd
}

// buildDoctorCmd runs per-service connectivity checks: StateManager
// Initialize plus a Start/Stop round trip against the configured MCP
// server, grounded on the teacher's internal/doctor probe idiom
// (probe.go) collapsed to this harness's two dependencies.
func buildDoctorCmd() *cobra.Command {
	var (
		configPath string
		service    string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check connectivity for a service's StateManager and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			results := map[string]string{}

			stateManager, err := buildStateManager(service, cfg.ServiceConfig)
			if err != nil {
				results["state_manager"] = "error: " + err.Error()
			} else if err := stateManager.Initialize(ctx); err != nil {
				results["state_manager"] = "error: " + err.Error()
			} else {
				results["state_manager"] = "ok"
			}

			serverConfig := mcpclient.ServerConfig{
				ID:        service,
				Transport: mcpclient.TransportType(cfg.MCPServer.Transport),
				Command:   cfg.MCPServer.Command,
				Args:      cfg.MCPServer.Args,
				BaseURL:   cfg.MCPServer.BaseURL,
				Token:     cfg.MCPServer.Token,
				Headers:   cfg.MCPServer.Headers,
				Timeout:   cfg.Services.StdioCallTimeout,
			}
			client, err := mcpclient.New(serverConfig)
			if err != nil {
				results["mcp_server"] = "error: " + err.Error()
			} else if err := client.Start(ctx); err != nil {
				results["mcp_server"] = "error: " + err.Error()
			} else {
				_, listErr := client.ListTools(ctx)
				_ = client.Stop()
				if listErr != nil {
					results["mcp_server"] = "error: " + listErr.Error()
				} else {
					results["mcp_server"] = "ok"
				}
			}

			return printJSON(results)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mcpmark.yaml", "Path to YAML run configuration")
	cmd.Flags().StringVar(&service, "service", "", "Service to check")
	_ = cmd.MarkFlagRequired("service")

	return cmd
}

// serveMetrics starts a background HTTP server exposing Prometheus metrics
// at /metrics; it does not block the run and logs, rather than fails, on
// listener errors since metrics export is incidental to the evaluation run.
func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatewright/gatewright/internal/agent"
	"github.com/gatewright/gatewright/internal/agent/providers"
	"github.com/gatewright/gatewright/internal/approvals"
	"github.com/gatewright/gatewright/internal/audit"
	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/gateway"
	"github.com/gatewright/gatewright/internal/observability"
	"github.com/gatewright/gatewright/internal/tools"
	"github.com/gatewright/gatewright/internal/tools/builtin"
	"github.com/gatewright/gatewright/internal/turns"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Gatewright gateway server",
		Long: `Start the gateway: load configuration, register tools, connect the LLM
provider, and serve the turn API over HTTP.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  gatewright serve

  # Start with custom config
  gatewright serve --config /etc/gatewright/production.yaml

  # Exercise the stack without a model API key
  gatewright serve --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug, dryRun)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use a scripted provider instead of a real model")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runServe(ctx context.Context, configPath string, debug, dryRun bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "gatewright",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		EnableInsecure: true,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	auditLog, err := audit.NewLogger(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		Output:     cfg.Audit.Output,
		HashInputs: cfg.Audit.HashInputs,
	})
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	defer auditLog.Close()

	registry := tools.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	provider, err := buildProvider(cfg, dryRun)
	if err != nil {
		return err
	}
	logger.Info("llm provider ready", "provider", provider.Name())

	loopCfg := &agent.LoopConfig{
		MaxSteps:        cfg.Turns.MaxSteps,
		PerStepTimeout:  cfg.Turns.PerStepTimeout,
		TotalTimeout:    cfg.Turns.TotalTimeout,
		ApprovalTimeout: cfg.Approvals.Timeout,
		MaxPreviewLen:   cfg.Runner.MaxPreviewLen,
		VerboseFooter:   cfg.Turns.VerboseFooter,
	}
	manager := turns.NewManager(provider, registry, approvals.NewRegistry(logger), auditLog, turns.Config{
		Loop:                  loopCfg,
		PostTerminalRetention: cfg.Turns.PostTerminalRetention,
		EventQueueSoftCap:     cfg.Turns.EventQueueSoftCap,
		Metrics:               metrics,
		Tracer:                tracer,
	}, logger)

	server := gateway.NewServer(manager, metrics, gateway.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.HTTPPort,
		AuthToken: cfg.Server.AuthToken,
	}, logger)
	if err := server.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Stop(shutdownCtx)
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("turns did not drain before shutdown deadline", "error", err)
	}
	return nil
}

// buildProvider selects the configured LLM provider. Dry-run mode
// installs a scripted provider that exercises the builtin tools without
// a model API key.
func buildProvider(cfg *config.Config, dryRun bool) (agent.Provider, error) {
	if dryRun {
		return providers.NewScriptedProvider(
			agent.Reply{Kind: agent.ReplyCode, Code: `tools.math.add({a: 2, b: 3})`},
			agent.Reply{Kind: agent.ReplyFinal, Text: "Dry run complete: 2 + 3 = 5."},
		), nil
	}

	name := cfg.LLM.DefaultProvider
	pc := cfg.LLM.Providers[name]
	switch name {
	case "anthropic":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  apiKey,
			BaseURL: pc.BaseURL,
			Model:   pc.DefaultModel,
		})
	case "openai":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  apiKey,
			BaseURL: pc.BaseURL,
			Model:   pc.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

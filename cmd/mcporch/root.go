package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcporch/internal/app"
	"mcporch/internal/infra/broker"
	"mcporch/internal/infra/registry"
	"mcporch/internal/infra/telemetry"
)

type cliOptions struct {
	registryPath string
	logLevel     string
	jsonOutput   bool
	logger       *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{
		registryPath: "registry.yaml",
		logLevel:     "info",
		logger:       zap.NewNop(),
	}

	root := &cobra.Command{
		Use:   "mcporch",
		Short: "Dynamic MCP capability orchestrator",
		Long:  "mcporch fronts a registry of MCP servers: agents discover capabilities, inspect tool schemas lazily, and call tools through per-server execution policies.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := buildLogger(opts.logLevel)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	registerGlobalFlags(root.PersistentFlags(), &opts)

	root.AddCommand(
		newServeCmd(&opts),
		newValidateCmd(&opts),
		newDiscoverCmd(&opts),
		newDescribeCmd(&opts),
		newCallCmd(&opts),
		newExecCmd(&opts),
	)

	return root
}

func registerGlobalFlags(flags *pflag.FlagSet, opts *cliOptions) {
	flags.StringVar(&opts.registryPath, "registry", opts.registryPath, "path to the server registry file")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output JSON")
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	// Stdout carries MCP traffic when serving; logs stay on stderr.
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func loadRegistry(opts *cliOptions) (*registry.Registry, error) {
	loader := registry.NewLoader(opts.logger)
	return loader.Load(opts.registryPath)
}

func buildOrchestrator(opts *cliOptions, registerer prometheus.Registerer) (*app.Orchestrator, error) {
	reg, err := loadRegistry(opts)
	if err != nil {
		return nil, err
	}
	return app.New(app.Options{
		Registry:        reg,
		Logger:          opts.logger,
		Metrics:         telemetry.NewMetrics(registerer),
		CodeExecEnabled: broker.EnabledFromEnv(),
	}), nil
}

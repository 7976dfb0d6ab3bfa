package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcporch/internal/app"
	"mcporch/internal/infra/broker"
	"mcporch/internal/infra/telemetry"
)

func newServeCmd(opts *cliOptions) *cobra.Command {
	var metricsListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the orchestrator as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			registry := prometheus.NewRegistry()
			orch, err := buildOrchestrator(opts, registry)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				orch.Shutdown(shutdownCtx)
			}()

			go orch.Prefetch(ctx)
			go orch.RunIdleReaper(ctx)

			if metricsListen != "" {
				go func() {
					err := telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
						Addr:     metricsListen,
						Registry: registry,
						Health:   orch.ConnStates,
					}, opts.logger)
					if err != nil {
						opts.logger.Error("observability server exited", zap.Error(err))
					}
				}()
			}

			server := app.NewServer(app.ServerOptions{
				Orchestrator:    orch,
				Logger:          opts.logger,
				CodeExecEnabled: broker.EnabledFromEnv(),
			})
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address for /metrics and /healthz (disabled when empty)")

	return cmd
}

func newValidateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the registry file without starting any servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := loadRegistry(opts)
			if err != nil {
				return err
			}
			return printValidation(reg, opts.jsonOutput)
		},
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mcporch/internal/app"
	"mcporch/internal/infra/broker"
)

func newCallCmd(opts *cliOptions) *cobra.Command {
	var (
		argsJSON string
		optIn    bool
	)

	cmd := &cobra.Command{
		Use:   "call <server-id> <tool>",
		Short: "Invoke one tool under the server's execution policy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			orch, err := buildOrchestrator(opts, nil)
			if err != nil {
				return err
			}
			defer orch.Shutdown(cmd.Context())

			var callOpts app.CallOptions
			if optIn {
				callOpts.OptIn = []string{args[0]}
			}
			result, err := orch.CallTool(cmd.Context(), args[0], args[1], toolArgs, callOpts)
			if err != nil {
				return err
			}
			return printCallResult(result, opts.jsonOutput)
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	cmd.Flags().BoolVar(&optIn, "opt-in", false, "explicitly allow a server whose policy requires opt-in")

	return cmd
}

func newExecCmd(opts *cliOptions) *cobra.Command {
	var (
		allow         []string
		maxRuntimeMs  int
		maxLogEntries int
	)

	cmd := &cobra.Command{
		Use:   "exec <file>",
		Short: "Run a JavaScript snippet against allow-listed servers",
		Long:  "Reads a JavaScript snippet from the given file (or stdin when the file is \"-\") and evaluates it with servers[id].callTool(...) proxies for each --allow id. Requires MCPORCH_ENABLE_CODE_EXEC=1.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(args[0])
			if err != nil {
				return err
			}

			orch, err := buildOrchestrator(opts, nil)
			if err != nil {
				return err
			}
			defer orch.Shutdown(cmd.Context())

			result, err := orch.Execute(cmd.Context(), broker.Request{
				Code:             code,
				AllowedServerIDs: allow,
				MaxRuntime:       time.Duration(maxRuntimeMs) * time.Millisecond,
				MaxLogEntries:    maxLogEntries,
			})
			if err != nil {
				// Partial logs still matter on failure.
				printExecLogs(result.Logs, result.DroppedLogs)
				return err
			}
			return printExecResult(result, opts.jsonOutput)
		},
	}

	cmd.Flags().StringArrayVar(&allow, "allow", nil, "server id the code may call (repeatable)")
	cmd.Flags().IntVar(&maxRuntimeMs, "max-runtime-ms", 0, "wall-clock budget in milliseconds (0 uses the default)")
	cmd.Flags().IntVar(&maxLogEntries, "max-log-entries", 0, "log lines kept before dropping (0 uses the default)")

	return cmd
}

func readSource(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

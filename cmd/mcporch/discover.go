package main

import (
	"strings"

	"github.com/spf13/cobra"

	"mcporch/internal/domain"
)

func newDiscoverCmd(opts *cliOptions) *cobra.Command {
	var visibilityFlag string

	cmd := &cobra.Command{
		Use:   "discover [query...]",
		Short: "Rank registered servers against a free-text query",
		RunE: func(cmd *cobra.Command, args []string) error {
			visibility, err := domain.ParseVisibility(visibilityFlag)
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(opts, nil)
			if err != nil {
				return err
			}
			results := orch.Discover(strings.Join(args, " "), visibility)
			return printDiscovery(results, opts.jsonOutput)
		},
	}

	cmd.Flags().StringVar(&visibilityFlag, "visibility", "", "restrict to one visibility tier (default, opt_in, experimental)")

	return cmd
}

func newDescribeCmd(opts *cliOptions) *cobra.Command {
	var detailFlag string

	cmd := &cobra.Command{
		Use:   "describe <server-id>",
		Short: "List a server's tools and schemas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := domain.ParseDetailLevel(detailFlag)
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(opts, nil)
			if err != nil {
				return err
			}
			defer orch.Shutdown(cmd.Context())

			description, err := orch.Describe(cmd.Context(), args[0], detail)
			if err != nil {
				return err
			}
			return printDescription(description, opts.jsonOutput)
		},
	}

	cmd.Flags().StringVar(&detailFlag, "detail", "", "detail level (summary, schema, full)")

	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ha1tch/flowcompile/internal/job"
	"github.com/ha1tch/flowcompile/internal/workspace"
)

func newPrecompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "precompile",
		Short: "Warm the native compiler's dependency cache and exit",
		Long: `precompile builds a stub project through the native compiler once,
populating its dependency cache and lockfile so the first real
compilation isn't slowed down by a cold build. Useful for warming a
container image at build time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			mat := workspace.New(&cfg.Layout)
			if err := job.Precompile(cmd.Context(), &cfg.Layout, mat); err != nil {
				return fmt.Errorf("precompile: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "precompile: dependency cache warmed")
			return nil
		},
	}
}

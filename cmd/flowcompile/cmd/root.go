// Package cmd implements flowcompile's command-line interface: serve,
// precompile, and version subcommands built on cobra, with configuration
// resolved through internal/config.
package cmd

import (
	"github.com/spf13/cobra"

	flowconfig "github.com/ha1tch/flowcompile/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "flowcompile",
	Short: "Two-stage SQL program compilation orchestrator",
	Long: `flowcompile polls a program catalog for queued SQL programs and drives
each one through a two-stage compilation pipeline: a SQL-to-dataflow
compiler, then a native compiler, writing status back to the catalog
as each stage completes. It reconciles its on-disk artifacts with the
catalog at startup and garbage-collects artifacts the catalog no
longer references.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (YAML/TOML/JSON)")
	flowconfig.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPrecompileCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command) (flowconfig.Config, error) {
	return flowconfig.Load(cmd.Flags(), configFile)
}

package main

import (
	"fmt"
	"os"

	"github.com/joeydtaylor/steeze-hotload/pkg/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "steeze-hotload",
	Short: "HTTP host that mounts HCL handler units from a directory at runtime",
	Long: "steeze-hotload serves every unit under the modules directory at a route prefix\n" +
		"derived from its path, and picks up uploads, edits and Git pulls without a restart.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default $"+config.EnvConfig+" or "+config.DefaultPath+")")
}

func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return config.PathFromEnv()
}

package main

import (
	"fmt"

	"github.com/joeydtaylor/steeze-hotload/pkg/config"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys <path>...",
	Short: "Show the namespace key and route prefix for unit paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath(cmd))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		m := cfg.Mapper()

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Path", "Key", "Prefix"})
		table.SetBorder(false)
		table.SetCenterSeparator("")
		bad := 0
		for _, p := range args {
			key, err := m.ToKey(p)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "✗ %v\n", err)
				bad++
				continue
			}
			prefix, _ := m.ToPrefix(p)
			table.Append([]string{p, key, prefix})
		}
		table.Render()
		if bad > 0 {
			return fmt.Errorf("%d invalid unit path(s)", bad)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
}

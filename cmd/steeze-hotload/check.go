package main

import (
	"context"
	"fmt"
	"io"

	"github.com/joeydtaylor/steeze-hotload/pkg/config"
	"github.com/joeydtaylor/steeze-hotload/pkg/core"
	"github.com/joeydtaylor/steeze-hotload/pkg/serverfx"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load every unit once and report what would be mounted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath(cmd))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var rc *core.Reconciler
		app := fx.New(
			fx.Supply(cfg),
			fx.Supply(zap.NewNop()),
			serverfx.Components,
			fx.Populate(&rc),
			fx.NopLogger,
		)
		if err := app.Err(); err != nil {
			return err
		}

		results, err := rc.ReconcileAll(context.Background())
		if err != nil {
			return err
		}
		printResults(cmd.OutOrStdout(), results)

		if s := core.Summarize(results); s.Failed > 0 {
			return fmt.Errorf("%d unit(s) failed to load", s.Failed)
		}
		return nil
	},
}

func printResults(w io.Writer, results []core.LoadResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Result", "Path", "Prefix", "Detail"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetAutoWrapText(false)

	for _, r := range results {
		detail := r.Reason
		if r.Err != nil {
			detail = r.Err.Error()
		}
		for _, wn := range r.Warnings {
			if detail != "" {
				detail += "; "
			}
			detail += "warning: " + wn
		}
		table.Append([]string{r.Kind.String(), r.Path, r.Prefix, detail})
	}

	s := core.Summarize(results)
	table.SetFooter([]string{
		fmt.Sprintf("%d mounted", s.Mounted),
		fmt.Sprintf("%d skipped", s.Skipped),
		fmt.Sprintf("%d failed", s.Failed),
		"",
	})
	table.Render()
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

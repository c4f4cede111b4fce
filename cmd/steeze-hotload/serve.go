package main

import (
	"time"

	"github.com/joeydtaylor/steeze-hotload/pkg/serverfx"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Reconcile the modules directory and start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		startTimeout, _ := cmd.Flags().GetDuration("start-timeout")
		app := fx.New(
			serverfx.Module(serverfx.WithConfigPath(configPath(cmd))),
			fx.StartTimeout(startTimeout),
			fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: l.Named("fx")}
			}),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().Duration("start-timeout", 2*time.Minute, "time allowed for the initial git sync and reconcile")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/client"
	"github.com/devicelink/devicelink/internal/logging"
	"github.com/devicelink/devicelink/internal/protocol"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream telemetry until interrupted",
	Long:  "Stream telemetry frames, keeping the session alive with pings and reconnecting on loss.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := resolvePassword()
		if err != nil {
			return err
		}
		level := "warn"
		if verbose {
			level = "debug"
		}
		log, err := logging.New(level, "console")
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w := &client.Watcher{
			Addr:      addr,
			Password:  pw,
			Log:       log,
			OnConnect: func() { log.Info("watching", zap.String("addr", addr)) },
		}
		out := cmd.OutOrStdout()
		return w.Run(ctx, func(st protocol.Telemetry) {
			printTelemetry(out, st)
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

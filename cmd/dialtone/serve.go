package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/dialtone"
	"github.com/aretw0/dialtone/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the IVR service",
	Long: `Starts the webhook and media HTTP API, the transcript streams and the
metrics endpoint. When nats.url is configured, call events are also consumed
from JetStream and actions are published back on the bus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if tui.IsTerminal(os.Stdout) {
			tui.PrintBanner(os.Stdout)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := dialtone.New(ctx, cfg)
		if err != nil {
			return err
		}
		return svc.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address, overrides server.addr")
}

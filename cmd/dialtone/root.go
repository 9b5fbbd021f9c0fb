package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aretw0/dialtone"
	"github.com/aretw0/dialtone/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dialtone",
	Short: "Dialtone is a conversational IVR orchestrator",
	Long: `Dialtone runs versioned call flows against speech and language providers,
one call at a time per call id, and keeps an ordered transcript of every call.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration (default $DIALTONE_CONFIG)")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return dialtone.LoadConfig(path)
}

// openService builds a service for one-shot commands. The bus stays
// disconnected so that inspecting a store never consumes live events.
func openService(ctx context.Context, cmd *cobra.Command) (*dialtone.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.NATS.URL = ""
	return dialtone.New(ctx, cfg)
}

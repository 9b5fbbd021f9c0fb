package main

import (
	"os"

	"github.com/aretw0/dialtone/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript <call-id>",
	Short: "Print the transcript of a call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx, cmd)
		if err != nil {
			return err
		}
		defer svc.Close(ctx)

		sess, err := svc.Store().GetSession(ctx, args[0])
		if err != nil {
			return err
		}
		entries, err := allEntries(cmd, svc.Store(), args[0])
		if err != nil {
			return err
		}

		plain, _ := cmd.Flags().GetBool("plain")
		styled := !plain && cmd.OutOrStdout() == os.Stdout && tui.IsTerminal(os.Stdout)
		return tui.WriteTranscript(cmd.OutOrStdout(), sess, entries, styled)
	},
}

func init() {
	rootCmd.AddCommand(transcriptCmd)
	transcriptCmd.Flags().Bool("plain", false, "Print markdown without styling")
}

package main

import (
	"fmt"
	"os"

	"github.com/aretw0/dialtone/internal/presentation/graph"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/aretw0/dialtone/pkg/ports"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph <flow-file | flow-id>",
	Short: "Export the flow graph visualization",
	Long: `Outputs a Mermaid diagram (graph TD) of a flow, read from a file or from
the configured store. With --call, the path the call took is highlighted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callID, _ := cmd.Flags().GetString("call")
		version, _ := cmd.Flags().GetInt("version")
		ctx := cmd.Context()

		if _, err := os.Stat(args[0]); err == nil && callID == "" {
			def, err := flow.ParseFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(def, nil))
			return nil
		}

		svc, err := openService(ctx, cmd)
		if err != nil {
			return err
		}
		defer svc.Close(ctx)

		var overlay *graph.Overlay
		var sess *domain.Session
		if callID != "" {
			sess, err = svc.Store().GetSession(ctx, callID)
			if err != nil {
				return err
			}
			entries, err := allEntries(cmd, svc.Store(), callID)
			if err != nil {
				return err
			}
			overlay = graph.OverlayFromTranscript(sess, entries)
			if version == 0 {
				version = sess.FlowVersion
			}
		}

		id := args[0]
		if sess != nil && sess.FlowID != id {
			return fmt.Errorf("call %s runs flow %s, not %s", callID, sess.FlowID, id)
		}
		def, err := svc.Flows().Get(ctx, id, version)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(def, overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().String("call", "", "Highlight the path taken by this call id")
	graphCmd.Flags().Int("version", 0, "Flow version (default latest, or the call's version)")
}

func allEntries(cmd *cobra.Command, store ports.SessionStore, callID string) ([]domain.TranscriptEntry, error) {
	var all []domain.TranscriptEntry
	q := ports.TranscriptQuery{Limit: ports.DefaultTranscriptLimit}
	for {
		page, err := store.QueryTranscript(cmd.Context(), callID, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < q.PageLimit() {
			return all, nil
		}
		q.AfterSeq = page[len(page)-1].Seq
	}
}

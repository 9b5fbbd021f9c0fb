package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <flow-file>...",
	Short: "Publish flow definitions",
	Long: `Validates and publishes flow files. With --server the flows are posted to
a running dialtone; otherwise they go straight to the configured store, which
must be sqlite or postgres for them to outlive this command.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs := make([]*domain.FlowDefinition, 0, len(args))
		for _, path := range args {
			def, err := flow.ParseFile(path)
			if err != nil {
				return err
			}
			defs = append(defs, def)
		}

		out := cmd.OutOrStdout()
		if server, _ := cmd.Flags().GetString("server"); server != "" {
			for _, def := range defs {
				ref, err := postFlow(server, def)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "published %s v%d\n", ref.ID, ref.Version)
			}
			return nil
		}

		ctx := cmd.Context()
		svc, err := openService(ctx, cmd)
		if err != nil {
			return err
		}
		defer svc.Close(ctx)
		for _, def := range defs {
			ref, err := svc.Flows().Publish(ctx, def)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "published %s v%d\n", ref.ID, ref.Version)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().String("server", "", "Base URL of a running dialtone, e.g. http://localhost:8080")
}

func postFlow(server string, def *domain.FlowDefinition) (domain.FlowRef, error) {
	body, err := flow.Encode(def)
	if err != nil {
		return domain.FlowRef{}, err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(server, "/")+"/v1/flows", bytes.NewReader(body))
	if err != nil {
		return domain.FlowRef{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return domain.FlowRef{}, fmt.Errorf("publish %s: %w", def.ID, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return domain.FlowRef{}, fmt.Errorf("publish %s: %s: %s", def.ID, resp.Status, strings.TrimSpace(string(data)))
	}
	var ref domain.FlowRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return domain.FlowRef{}, fmt.Errorf("publish %s: decode response: %w", def.ID, err)
	}
	return ref, nil
}

package main

import (
	"errors"
	"fmt"

	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <flow-file>...",
	Short: "Check flow definitions before publishing them",
	Long: `Parses every JSON or YAML flow file and reports every structural problem:
dangling targets, duplicate ids, missing fallbacks. Unreachable nodes are
reported as warnings.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		failed := 0
		for _, path := range args {
			def, err := flow.ParseFile(path)
			if err == nil {
				err = flow.Validate(def)
			}
			if err != nil {
				failed++
				fmt.Fprintf(out, "✗ %s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(out, "✓ %s (%s, %d nodes)\n", path, def.ID, len(def.Nodes))
			for _, id := range flow.Unreachable(def) {
				fmt.Fprintf(out, "  warning: node %q is unreachable from %q\n", id, def.StartNode)
			}
		}
		if failed > 0 {
			return errors.New(plural(failed, "invalid flow"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

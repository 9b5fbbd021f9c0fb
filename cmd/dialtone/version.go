package main

import (
	"fmt"

	"github.com/aretw0/dialtone"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of dialtone",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dialtone version %s\n", dialtone.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

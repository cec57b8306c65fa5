package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dominiquefastus/mxproc/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and commit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mxproc %s (%s)\n", version.Version, version.Commit)
	},
}

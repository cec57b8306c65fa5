package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dominiquefastus/mxproc/internal/supervisor"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List registered task types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		for _, name := range supervisor.Types() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dominiquefastus/mxproc/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <file.yaml>",
	Short: "Run a pipeline definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipeline,
}

func runPipeline(cmd *cobra.Command, args []string) error {
	def, err := pipeline.Load(args[0])
	if err != nil {
		return err
	}
	results, err := pipeline.New(cfg).Run(cmd.Context(), def)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pipeline %s: %d stages finished\n", def.Name, len(results))
	for _, st := range def.Stages {
		res, ok := results[st.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %-20s %s\n", st.Name, res.WorkingDirectory)
	}
	return nil
}

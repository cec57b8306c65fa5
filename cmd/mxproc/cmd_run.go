package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/supervisor"
)

// exit codes for failed invocations; timeouts get the conventional 124.
const (
	exitFailure = 1
	exitTimeout = 124
)

var runFlags struct {
	inDataPath string
	suffix     string
	timeout    time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run <task-type>",
	Short: "Run one task invocation and print its output payload",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.inDataPath, "in-data", "", "Input payload JSON file (required)")
	f.StringVar(&runFlags.suffix, "suffix", "", "Deterministic working directory suffix")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "Wall-clock budget, e.g. 30m (overrides payload and config)")

	_ = runCmd.MarkFlagRequired("in-data")
}

func runRun(cmd *cobra.Command, args []string) error {
	taskType := args[0]
	inData, err := payload.FromFile(runFlags.inDataPath)
	if err != nil {
		return fmt.Errorf("read input payload: %w", err)
	}

	opts := []supervisor.Option{supervisor.WithConfig(cfg)}
	if runFlags.suffix != "" {
		opts = append(opts, supervisor.WithSuffix(runFlags.suffix))
	}
	if runFlags.timeout > 0 {
		opts = append(opts, supervisor.WithTimeout(runFlags.timeout))
	}
	sv, err := supervisor.New(taskType, inData, opts...)
	if err != nil {
		return err
	}
	if err := sv.Execute(); err != nil {
		return err
	}

	if sv.IsFailure() {
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", taskType, sv.Message())
		if sv.WorkingDirectory() != "" {
			fmt.Fprintf(os.Stderr, "working directory: %s\n", sv.WorkingDirectory())
		}
		teardown(cmd, nil)
		if sv.IsTimedOut() {
			os.Exit(exitTimeout)
		}
		os.Exit(exitFailure)
	}

	out, err := sv.OutData().Encode()
	if err != nil {
		return fmt.Errorf("encode output payload: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dominiquefastus/mxproc/internal/config"
	"github.com/dominiquefastus/mxproc/internal/logging"
	"github.com/dominiquefastus/mxproc/internal/telemetry"
	"github.com/dominiquefastus/mxproc/internal/version"
)

var rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	workingDir string
}

// cfg is the effective configuration, resolved in the persistent pre-run.
var cfg config.Config

// telemetryShutdown flushes spans on exit, nil when telemetry is disabled.
var telemetryShutdown func(context.Context) error

var rootCmd = &cobra.Command{
	Use:   "mxproc",
	Short: "Supervised MX data processing tasks and pipelines",
	Long: "mxproc runs crystallography processing tasks (XDS, CCP4 scaling,\n" +
		"AlphaFold prediction) in isolated child processes with timeouts,\n" +
		"working directories and SLURM submission.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", "mxproc.toml", "Configuration file path")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format (text, json)")
	pf.StringVar(&rootFlags.workingDir, "working-dir", "", "Parent directory for task working directories")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(stagesCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	logging.Init(logging.ParseLevel(rootFlags.logLevel), rootFlags.logFormat)

	var err error
	cfg, err = config.Load(rootFlags.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if rootFlags.workingDir != "" {
		cfg.WorkingDirectory = rootFlags.workingDir
	}

	if cfg.Telemetry.Enabled {
		telemetryShutdown, err = telemetry.Init(cmd.Context(), telemetry.Config{
			ServiceName:    "mxproc",
			ServiceVersion: version.Version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       true,
		})
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
	}
	return nil
}

func teardown(cmd *cobra.Command, _ []string) {
	if telemetryShutdown != nil {
		_ = telemetryShutdown(cmd.Context())
	}
}

// mxproc runs MX data processing tasks in supervised child processes,
// locally or through SLURM, and chains them into pipelines.
//
// Usage:
//
//	mxproc run <task-type> --in-data <file.json> [--suffix <s>] [--timeout <d>]
//	mxproc pipeline <file.yaml>
//	mxproc stages
//	mxproc version
package main

import (
	"fmt"
	"os"

	"github.com/docker/docker/pkg/reexec"
	"github.com/joho/godotenv"

	_ "github.com/dominiquefastus/mxproc/internal/stages"
)

func main() {
	// Task workers re-execute this binary under their entrypoint name.
	if reexec.Init() {
		return
	}
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command lagopusd runs the pipeline stage runtime and callout task
// scheduler as a standalone process.
//
// Usage:
//
//	lagopusd run                 # start every configured stage and the scheduler
//	lagopusd stage list          # show the stages a config file would create
//	lagopusd task submit         # submit a demo task to an ephemeral scheduler
//	lagopusd task cancel         # submit and immediately cancel a demo task
package main

import (
	"fmt"
	"os"

	"github.com/lagopus-project/pipeline-runtime/internal/cli"
)

// Build-time version injection via ldflags, e.g.
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "lagopusd: fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lagopusd: %v\n", err)
		os.Exit(1)
	}
}

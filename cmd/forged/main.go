// Forged is the orchestration daemon: it routes capability calls
// across registered backends, drives queued tasks through the phased
// improvement workflow and runs the timer-driven evolution loop.
//
// Configuration is loaded from an optional YAML file and FORGED_*
// environment variables. See internal/config for the full surface.
//
// Usage:
//
//	# Start with defaults
//	forged serve
//
//	# Start with a config file
//	forged serve --config /etc/forged/forged.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "forged",
	Short: "Orchestration daemon for capability backends",
	Long: `forged hosts the orchestration engine: a capability registry with
health probing, a weighted round-robin router, a deduplicating task
queue, the phased improvement workflow with quality gates, and the
evolution scheduler.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("forged by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Command hoststackd is the application-hosting daemon: it loads a YAML
// manifest of applications, builds one engine per application, persists
// the manifest across restarts, and exposes a Prometheus metrics and
// health endpoint. The control-plane JSON API that starts and stops
// individual applications is out of scope; this binary wires every
// application named in the manifest at startup.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
	flagDataDir  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hoststackd",
	Short: "hoststackd is a multi-tenant application-hosting daemon",
	Long: `hoststackd accepts remote invocations for a named application, routes
each invocation to a worker process belonging to that application, streams
request and response payloads between client and worker, and manages the
lifecycle of those workers (spawning, health checking, draining, killing).`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hoststackd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "/etc/hoststack/hoststack.yaml", "application manifest path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the manifest's data_dir")

	cobra.OnInitialize(initLogging)
}

// Command nasmon runs the NAS monitoring alarm service. The serve subcommand
// starts the scheduled detector and the REST API; detect runs one pass
// against the configured store and prints what it created; verify-audit
// checks the operator journal's hash chain.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nasmon",
		Short: "NAS monitoring alarm service",
		Long: `nasmon samples host utilisation, container state and client addresses,
raises alarms from user-defined rules and serves them over a REST API.

Configuration is read from a YAML file (--config) and NASMON_* environment
variables.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")

	rootCmd.AddCommand(
		newServeCmd(),
		newDetectCmd(),
		newVerifyAuditCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}

// Isolab — control plane for disposable sandboxed dev labs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "isolab",
	Short: "Isolab — control plane for disposable sandboxed dev labs.",
	Long: `Isolab provisions short-lived dev containers ("labs") behind a
session-gated dashboard and JSON API. Each lab gets its own SSH port and a
network isolation mode enforced through Docker attachment and an optional
host firewall helper.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, setupCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

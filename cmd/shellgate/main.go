// Shellgate — session-sandbox gateway for browser terminals.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shellgate",
	Short: "Shellgate — WebSocket gateway for disposable sandboxed terminals.",
	Long: `Shellgate lets untrusted browser clients drive interactive shells running in
hardened, network-isolated Docker containers. Each session gets a single-use
token, one container, and one scratch directory, all torn down when the
session ends.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

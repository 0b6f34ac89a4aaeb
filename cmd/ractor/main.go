// Command ractor runs the sandbox lifecycle and task execution engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ractor",
	Short: "Sandbox lifecycle and task execution engine",
	Long: `Ractor manages isolated sandbox containers, schedules tasks into them
one at a time, reaps idle and stuck sandboxes, tracks context-window
consumption, and snapshots sandbox filesystems for cloning and restore.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

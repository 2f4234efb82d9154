// Package commands provides the CLI commands for the converse server.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel  string
	prettyLog bool
)

var rootCmd = &cobra.Command{
	Use:   "converse-server",
	Short: "Converse - multi-backend conversational session server",
	Long: `Converse serves conversational sessions over WebSocket, dispatching
turns to hosted completion APIs, coding-agent CLIs, or external HTTP
agents, with optional streamed voice output.

Run 'converse-server serve' to start the server.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLog, "pretty-log", false, "Human-readable console logs")

	rootCmd.SetVersionTemplate(fmt.Sprintf("converse-server %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

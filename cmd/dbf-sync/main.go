// Command dbf-sync copies DBF tables from a Google Drive folder into Firestore.
// CI runs "dbf-sync run"; "serve" keeps the workflow triggers alive in-process.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Lllllllleong/dbfsync/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "dbf-sync",
	Short:         "Synchronize DBF files from Google Drive into Firestore",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil {
			if cmd.Flags().Changed("env-file") {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
		level := os.Getenv("LOG_LEVEL")
		if logLevel != "" {
			level = logLevel
		}
		logging.New(level, os.Getenv("LOG_FORMAT"))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, serveCmd, inspectCmd, triggersCmd, runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("dbf-sync failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

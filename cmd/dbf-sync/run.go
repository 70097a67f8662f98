package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lllllllleong/dbfsync/internal/config"
	"github.com/Lllllllleong/dbfsync/internal/models"
	"github.com/Lllllllleong/dbfsync/internal/services"
	"github.com/spf13/cobra"
)

var runOpts struct {
	dryRun  bool
	window  string
	files   []string
	trigger string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one synchronization and exit",
	Long: `Run one synchronization of the Drive folder into Firestore.

The exit status is non-zero when configuration is missing or any file
fails to sync. The run summary is printed to stdout as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		req := &models.SyncRequest{
			Trigger: runOpts.trigger,
			Files:   runOpts.files,
			Window:  runOpts.window,
			DryRun:  runOpts.dryRun,
		}
		if req.Trigger == "" {
			req.Trigger = triggerFromCI()
		}
		return runSync(ctx, req)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOpts.dryRun, "dry-run", false, "read and compare without writing to Firestore")
	runCmd.Flags().StringVar(&runOpts.window, "window", "", "modification window, e.g. 5h; 0 syncs every file (default SYNC_WINDOW)")
	runCmd.Flags().StringSliceVar(&runOpts.files, "file", nil, "limit the run to these file names (repeatable)")
	runCmd.Flags().StringVar(&runOpts.trigger, "trigger", "", "trigger recorded in the run log (default from GITHUB_EVENT_NAME)")
}

// runSync builds a syncer from the environment and runs req once.
func runSync(ctx context.Context, req *models.SyncRequest) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	syncer, err := services.NewSyncer(ctx, cfg)
	if err != nil {
		return err
	}
	defer syncer.Close()

	res, runErr := syncer.Process(ctx, req)
	if res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	}
	return runErr
}

func triggerFromCI() string {
	if ev := os.Getenv("GITHUB_EVENT_NAME"); ev != "" {
		return ev
	}
	return "manual"
}

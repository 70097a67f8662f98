package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Lllllllleong/dbfsync/internal/models"
	"github.com/Lllllllleong/dbfsync/internal/trigger"
	"github.com/spf13/cobra"
)

var serveOpts struct {
	workflow string
	root     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run syncs on the workflow's schedules and file changes",
	Long: `Load the trigger block of a workflow file and keep it running:
cron schedules fire in UTC and changes to the push paths under --root
fire after a short debounce. Only one sync runs at a time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := trigger.Load(serveOpts.workflow)
		if err != nil {
			return err
		}
		root, err := filepath.Abs(serveOpts.root)
		if err != nil {
			return err
		}

		disp := trigger.NewDispatcher(def, func(ctx context.Context, ev trigger.Event) error {
			return runSync(ctx, &models.SyncRequest{Trigger: string(ev.Kind)})
		})
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("Serving workflow triggers.", "workflow", def.Name, "schedules", len(def.Schedules), "root", root)
		return trigger.NewService(def, disp, root).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.workflow, "workflow", ".github/workflows/etl_firestore.yml", "workflow file declaring the triggers")
	serveCmd.Flags().StringVar(&serveOpts.root, "root", ".", "repository root that push paths are relative to")
}

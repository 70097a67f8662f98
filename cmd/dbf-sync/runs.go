package main

import (
	"fmt"
	"time"

	"github.com/Lllllllleong/dbfsync/internal/config"
	"github.com/Lllllllleong/dbfsync/internal/gcp"
	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the most recent sync runs from the run log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequireSecrets(); err != nil {
			return err
		}
		client, err := gcp.NewFirestoreClient(cmd.Context(), cfg.ProjectID, []byte(cfg.FirebaseKey))
		if err != nil {
			return err
		}
		defer client.Close()

		runs, err := gcp.NewFirestoreStore(client).RecentRuns(cmd.Context(), cfg.RunsCollection, runsLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range runs {
			written := 0
			for _, f := range r.Files {
				written += f.Written
			}
			took := "-"
			if !r.FinishedAt.IsZero() {
				took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(out, "%s  %-20s %-9s %-17s files=%d written=%d took=%s\n",
				r.StartedAt.UTC().Format(time.RFC3339), r.RunID, r.Status, r.Trigger, len(r.Files), written, took)
			if r.ErrorDetails != "" {
				fmt.Fprintf(out, "    %s\n", r.ErrorDetails)
			}
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 10, "number of runs to show")
}

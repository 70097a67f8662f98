package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Lllllllleong/dbfsync/internal/trigger"
	"github.com/spf13/cobra"
)

var triggersOpts struct {
	workflow string
	push     []string
}

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Show when the workflow fires",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := trigger.Load(triggersOpts.workflow)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "workflow: %s\n", def.Name)
		for _, s := range def.Schedules {
			fmt.Fprintf(out, "schedule %-14q next %s\n", s.Expr, s.Next(time.Now()).Format(time.RFC3339))
		}
		fmt.Fprintf(out, "workflow_dispatch: %t\n", def.Dispatch)
		if def.Push != nil {
			fmt.Fprintf(out, "push paths: %v\n", def.Push.Paths)
		}
		if len(triggersOpts.push) > 0 {
			fires := def.Accepts(trigger.Event{Kind: trigger.EventPush, Paths: triggersOpts.push})
			fmt.Fprintf(out, "push of %v fires: %t\n", triggersOpts.push, fires)
		}
		if err := def.RequiredEnv(os.LookupEnv); err != nil {
			fmt.Fprintf(out, "warning: %v\n", err)
		}
		return nil
	},
}

func init() {
	triggersCmd.Flags().StringVar(&triggersOpts.workflow, "workflow", ".github/workflows/etl_firestore.yml", "workflow file declaring the triggers")
	triggersCmd.Flags().StringSliceVar(&triggersOpts.push, "push", nil, "changed paths to test against the push filter")
}

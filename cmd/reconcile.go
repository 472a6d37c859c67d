package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-poll unfinished scrape tasks once and ingest finished ones",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.reconciler.Run(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(sum)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

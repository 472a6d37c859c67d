package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "GitHub relay commands",
}

var relayDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send pending GitHub API calls once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx, "relay")
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.dispatcher.DispatchPending(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(sum)
	},
}

func init() {
	relayCmd.AddCommand(relayDispatchCmd)
	rootCmd.AddCommand(relayCmd)
}

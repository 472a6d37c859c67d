package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/portal-connector/internal/ingest"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape one position and ingest its candidates",
	Long:  "Runs a single scrape-and-ingest job and prints the report as JSON. The password may be given with --password or PORTAL_SCRAPE_PASSWORD.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req := ingest.Request{}
		req.PortalURL, _ = cmd.Flags().GetString("portal-url")
		req.Username, _ = cmd.Flags().GetString("username")
		req.Password, _ = cmd.Flags().GetString("password")
		req.PositionName, _ = cmd.Flags().GetString("position")
		req.CompanyName, _ = cmd.Flags().GetString("company")
		req.PositionExternalID, _ = cmd.Flags().GetString("external-id")
		if req.Password == "" {
			req.Password = os.Getenv("PORTAL_SCRAPE_PASSWORD")
		}

		a, err := initApp(ctx, "scrape")
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.ingest.Run(ctx, req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	f := scrapeCmd.Flags()
	f.String("portal-url", "", "job portal login URL")
	f.String("username", "", "portal username")
	f.String("password", "", "portal password")
	f.String("position", "", "position name")
	f.String("company", "", "company name")
	f.String("external-id", "", "portal job id for the position (optional)")
	for _, name := range []string{"portal-url", "username", "position", "company"} {
		_ = scrapeCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(scrapeCmd)
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the scrape task audit log",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scrape tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		states, _ := cmd.Flags().GetStringSlice("state")
		position, _ := cmd.Flags().GetString("position-id")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.TaskFilter{PositionID: position, Limit: limit}
		for _, s := range states {
			filter.States = append(filter.States, model.TaskState(strings.TrimSpace(s)))
		}

		tasks, err := st.ListTasks(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "tasks list")
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}

		formatTasksList(os.Stdout, tasks)
		return nil
	},
}

// formatTasksList writes a tabular list of tasks to out.
func formatTasksList(out io.Writer, tasks []model.ScrapeTask) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEXTERNAL_ID\tSTATE\tRAW\tINSERTED\tSKIPPED\tUPDATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-----------\t-----\t---\t--------\t-------\t-------\t-----")

	for _, t := range tasks {
		errMsg := t.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			t.ID, t.ExternalID, t.State, t.RawCount, t.InsertedCount, t.SkippedCount,
			t.UpdatedAt.Format("2006-01-02 15:04:05"), errMsg)
	}
	_ = w.Flush()
}

func init() {
	tasksListCmd.Flags().StringSlice("state", nil, "filter by state (repeatable or comma-separated)")
	tasksListCmd.Flags().String("position-id", "", "filter by position id")
	tasksListCmd.Flags().Int("limit", 50, "maximum rows")
	tasksCmd.AddCommand(tasksListCmd)
	rootCmd.AddCommand(tasksCmd)
}

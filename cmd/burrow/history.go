package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently completed jobs",
	Long: `List jobs this agent has completed, newest first.

The job history lives in the agent's state database, which the running
agent holds open; stop the agent first or wait for the open to time out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		limit, _ := cmd.Flags().GetInt("limit")

		settings, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(settings.StatePath())
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListJobs(limit)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No jobs recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tREQUEST\tNAME\tRESULT\tEXIT\tFINISHED\tDURATION")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
				r.JobID, r.RequestID, r.Name, r.Result, r.ExitCode,
				r.FinishedAt.Local().Format(time.DateTime),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "Maximum number of jobs to show (0 for all)")
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/config"
	"github.com/snapguard/snapguard/internal/store/jobstore"
	"github.com/snapguard/snapguard/internal/store/types"
)

func newJobsCommand() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List job records",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}

			// The daemon may hold the writer lock; listing is read-only.
			// Name enrichment is skipped when the config is unreadable.
			var provider config.Provider
			if fileProvider, err := config.NewFileProvider(settings.DeviceConfig); err == nil {
				provider = fileProvider
			}
			store, err := jobstore.NewReadOnlyStore(filepath.Join(settings.DataDir, "jobs"), provider)
			if err != nil {
				return err
			}

			var jobs []types.Job
			if statusFilter != "" {
				jobs, err = store.ListJobsByStatus(types.JobStatus(statusFilter))
			} else {
				jobs, err = store.ListJobs()
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tDEVICE\tSHARE\tSTATUS\tSTARTED\tERROR")
			for _, job := range jobs {
				started := ""
				if job.StartedAt != nil {
					started = job.StartedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					job.ID, job.Type, job.DeviceName, job.ShareName,
					job.Status, started, job.ErrorMessage)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")

	return cmd
}

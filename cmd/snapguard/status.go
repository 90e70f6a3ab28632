package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/config"
	"github.com/snapguard/snapguard/internal/engine"
	"github.com/snapguard/snapguard/internal/statuscache"
	"github.com/snapguard/snapguard/internal/store/jobstore"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backup coverage and the latest backup per share",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}

			provider, err := config.NewFileProvider(settings.DeviceConfig)
			if err != nil {
				return fmt.Errorf("load device configuration: %w", err)
			}

			// Job outcomes enrich the overview; a missing store just means
			// no execution history yet.
			var jobs statuscache.JobLister
			if store, err := jobstore.NewReadOnlyStore(filepath.Join(settings.DataDir, "jobs"), provider); err == nil {
				jobs = store
			}

			engineClient := engine.NewClient(settings.EngineBinary, settings.EngineRepo, settings.BackupTimeout)
			cache := statuscache.New(provider, engineClient, jobs, settings.CacheTTL)

			ctx := cmd.Context()
			stats, err := cache.Overview(ctx)
			if err != nil {
				return fmt.Errorf("query backup overview: %w", err)
			}

			fmt.Printf("Devices: %d  Shares: %d  Files: %d  Protected bytes: %d\n",
				stats.TotalDevices, stats.TotalShares, stats.TotalFiles, stats.TotalProtectedBytes)
			fmt.Printf("Devices with failures: %d  Stale devices: %d\n\n",
				stats.DevicesWithFailures, stats.StaleDevices)

			devices, err := provider.GetAllDevices()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tSHARE\tLAST BACKUP\tRESULT\tSNAPSHOT")
			for _, device := range devices {
				shares, err := provider.GetSharesForDevice(device.ID)
				if err != nil {
					return err
				}
				for _, share := range shares {
					if !share.Enabled {
						continue
					}

					summary, err := cache.GetLatest(ctx, device.ID, share.ID)
					if errors.Is(err, statuscache.ErrNotCached) {
						fmt.Fprintf(w, "%s\t%s\tnever\t-\t-\n", device.Name, share.Name)
						continue
					}
					if err != nil {
						return err
					}

					result := "ok"
					if !summary.Succeeded {
						result = "failed"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						device.Name, share.Name,
						summary.Time.Format(time.RFC3339), result, summary.SnapshotID)
				}
			}
			return w.Flush()
		},
	}
}

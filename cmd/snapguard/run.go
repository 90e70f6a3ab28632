package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/backend/orchestrator"
	"github.com/snapguard/snapguard/internal/config"
	"github.com/snapguard/snapguard/internal/engine"
	"github.com/snapguard/snapguard/internal/store/jobstore"
	"github.com/snapguard/snapguard/internal/store/types"
)

// newRunCommand executes one backup in the foreground, outside the daemon.
func newRunCommand() *cobra.Command {
	var deviceID, shareID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a single backup and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}

			provider, err := config.NewFileProvider(settings.DeviceConfig)
			if err != nil {
				return err
			}

			store, err := jobstore.NewStore(filepath.Join(settings.DataDir, "jobs"), provider)
			if err != nil {
				return err
			}
			defer store.Close()

			engineClient := engine.NewClient(settings.EngineBinary, settings.EngineRepo, settings.BackupTimeout)
			// Foreground one-shot: an interrupt is meant to cancel this
			// very backup, so the job derives from the command context.
			orch := orchestrator.New(cmd.Context(), store, provider, engineClient, orchestrator.NoRetry{})
			defer orch.Close()

			jobID, err := orch.ExecuteBackup(deviceID, shareID, types.JobTypeManual)
			if err != nil {
				return err
			}
			orch.Wait()

			job, err := store.GetJob(jobID)
			if err != nil {
				return err
			}
			fmt.Printf("job %s finished: %s\n", job.ID, job.Status)
			if job.ErrorMessage != "" {
				fmt.Printf("error: %s\n", job.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID to back up")
	cmd.Flags().StringVar(&shareID, "share", "", "Share ID to back up (default: all enabled shares)")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/backend/orchestrator"
	"github.com/snapguard/snapguard/internal/config"
	"github.com/snapguard/snapguard/internal/engine"
	"github.com/snapguard/snapguard/internal/plugins"
	"github.com/snapguard/snapguard/internal/recovery"
	"github.com/snapguard/snapguard/internal/scheduler"
	"github.com/snapguard/snapguard/internal/statuscache"
	"github.com/snapguard/snapguard/internal/store/jobstore"
	"github.com/snapguard/snapguard/internal/syslog"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backup daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}

	provider, err := config.NewFileProvider(settings.DeviceConfig)
	if err != nil {
		return fmt.Errorf("load device configuration: %w", err)
	}

	store, err := jobstore.NewStore(filepath.Join(settings.DataDir, "jobs"), provider)
	if err != nil {
		return err
	}
	defer store.Close()

	// Reclassify crash artifacts before any trigger can fire.
	recovery.SweepCrashedJobs(store)

	registry := plugins.NewRegistry()
	probeDevices(ctx, registry, provider)

	engineClient := engine.NewClient(settings.EngineBinary, settings.EngineRepo, settings.BackupTimeout)

	// The orchestrator's lifecycle is independent of the stop signal: a
	// running job keeps its drain window after SIGTERM, and only the
	// supervisor's force-cancel step reaches into job contexts.
	orch := orchestrator.New(context.Background(), store, provider, engineClient, orchestrator.NoRetry{})
	cache := statuscache.New(provider, engineClient, store, settings.CacheTTL)

	sched := scheduler.New(provider, orch)
	if err := sched.ScheduleAllBackups(); err != nil {
		return fmt.Errorf("install triggers: %w", err)
	}
	sched.Start()

	syslog.L.Info().WithMessage("snapguard started").
		WithField("version", Version).
		WithField("triggers", len(sched.ListTriggers())).
		Write()

	// Configuration edits reinstall triggers and invalidate the overview.
	go func() {
		err := provider.Watch(ctx, func() {
			syslog.L.Info().WithMessage("device configuration changed, rescheduling").Write()
			if err := sched.ScheduleAllBackups(); err != nil {
				syslog.L.Error(err).WithMessage("failed to reschedule backups").Write()
			}
			cache.Invalidate()
		})
		if err != nil && ctx.Err() == nil {
			syslog.L.Error(err).WithMessage("config watcher stopped").Write()
		}
	}()

	// Single consumer of the progress stream. A transport layer would fan
	// these out to clients; the daemon logs terminal transitions.
	go func() {
		for progress := range orch.Events() {
			if progress.Terminal {
				syslog.L.Info().WithJob(progress.JobID).
					WithMessage("job finished").
					WithField("status", string(progress.Status)).
					Write()
			}
		}
	}()

	<-ctx.Done()
	syslog.L.Info().WithMessage("shutdown requested, draining jobs").Write()

	supervisor := recovery.NewSupervisor(sched, orch)
	supervisor.PollInterval = settings.DrainPollInterval
	supervisor.DrainWindow = settings.DrainWindow
	supervisor.CancelGrace = settings.CancelGrace
	supervisor.Shutdown(context.Background())
	orch.Close()

	return nil
}

// probeDevices runs a connectivity test per enabled device at startup.
// Failures are diagnostics, not fatal.
func probeDevices(ctx context.Context, registry *plugins.Registry, provider config.Provider) {
	devices, err := provider.GetAllDevices()
	if err != nil {
		syslog.L.Error(err).WithMessage("device probe: enumeration failed").Write()
		return
	}

	for _, device := range devices {
		if !device.Enabled {
			continue
		}
		plugin, err := registry.GetPlugin(device.Protocol)
		if err != nil {
			syslog.L.Error(err).WithField("device", device.ID).Write()
			continue
		}
		if err := plugin.TestConnection(ctx, device); err != nil {
			syslog.L.Warn().WithMessage("device unreachable").
				WithField("device", device.ID).
				WithField("protocol", string(device.Protocol)).
				WithField("error", err.Error()).
				Write()
		}
	}
}

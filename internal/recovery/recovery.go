// Package recovery holds the startup crash sweep and the shutdown
// supervisor's bounded drain protocol.
package recovery

import (
	"context"
	"time"

	"github.com/snapguard/snapguard/internal/store/jobstore"
	"github.com/snapguard/snapguard/internal/store/types"
	"github.com/snapguard/snapguard/internal/syslog"
)

// CrashErrorMessage marks jobs reclassified by the startup sweep.
const CrashErrorMessage = "job was interrupted by an unexpected shutdown (crash recovery)"

// SweepCrashedJobs runs once at startup, before the scheduler installs any
// trigger. A stored Running job is conclusively a crash artifact, since no
// liveness check is possible across restarts, and is failed with a crash
// message.
// Individual record errors are logged and never block startup.
func SweepCrashedJobs(store *jobstore.Store) {
	jobs, err := store.ListJobsByStatus(types.JobStatusRunning)
	if err != nil {
		syslog.L.Error(err).WithMessage("crash recovery sweep could not list jobs").Write()
		return
	}

	for _, job := range jobs {
		now := time.Now()
		job.Status = types.JobStatusFailed
		job.ErrorMessage = CrashErrorMessage
		job.CompletedAt = &now

		if err := store.SaveJob(job); err != nil {
			syslog.L.Error(err).WithJob(job.ID).
				WithMessage("crash recovery sweep could not update job").
				Write()
			continue
		}
		syslog.L.Warn().WithJob(job.ID).
			WithMessage("reclassified stale running job as failed").
			Write()
	}
}

// Drainable is the orchestrator surface the supervisor shuts down against.
type Drainable interface {
	GetActiveJobCount() int
	CancelAllJobs()
	Wait()
}

// Stopper is the scheduler surface: Stop must not return while a fired
// trigger has yet to register its job.
type Stopper interface {
	Stop()
}

// Supervisor implements stop-intake → bounded-drain → force-cancel. A job is
// never abandoned mid-write to the job store while the process exits.
type Supervisor struct {
	Scheduler    Stopper
	Orchestrator Drainable

	PollInterval time.Duration
	DrainWindow  time.Duration
	CancelGrace  time.Duration
}

func NewSupervisor(scheduler Stopper, orchestrator Drainable) *Supervisor {
	return &Supervisor{
		Scheduler:    scheduler,
		Orchestrator: orchestrator,
		PollInterval: time.Second,
		DrainWindow:  8 * time.Second,
		CancelGrace:  5 * time.Second,
	}
}

// Shutdown runs the drain protocol. It returns true if every job settled
// within the drain window without force-cancellation.
func (s *Supervisor) Shutdown(ctx context.Context) bool {
	// No new triggers may fire during the drain.
	s.Scheduler.Stop()

	drained := s.pollUntilIdle(ctx, s.DrainWindow)
	if drained {
		syslog.L.Info().WithMessage("all jobs drained before shutdown").Write()
		return true
	}

	remaining := s.Orchestrator.GetActiveJobCount()
	syslog.L.Warn().WithMessage("drain window elapsed, force-cancelling jobs").
		WithField("active", remaining).
		Write()

	s.Orchestrator.CancelAllJobs()

	settled := make(chan struct{})
	go func() {
		s.Orchestrator.Wait()
		close(settled)
	}()

	select {
	case <-settled:
	case <-time.After(s.CancelGrace):
		syslog.L.Error(nil).WithMessage("jobs still active after cancellation grace").
			WithField("active", s.Orchestrator.GetActiveJobCount()).
			Write()
	case <-ctx.Done():
	}
	return false
}

func (s *Supervisor) pollUntilIdle(ctx context.Context, window time.Duration) bool {
	if s.Orchestrator.GetActiveJobCount() == 0 {
		return true
	}

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	deadline := time.After(window)

	for {
		select {
		case <-ticker.C:
			if s.Orchestrator.GetActiveJobCount() == 0 {
				return true
			}
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

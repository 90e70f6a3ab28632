// Package orchestrator drives backup jobs through their lifecycle:
// Pending → Running → {Completed, Failed, Cancelled}. Terminal states are set
// exactly once and never left.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/snapguard/snapguard/internal/config"
	"github.com/snapguard/snapguard/internal/engine"
	"github.com/snapguard/snapguard/internal/store/jobstore"
	"github.com/snapguard/snapguard/internal/store/types"
	"github.com/snapguard/snapguard/internal/syslog"
)

// Sentinel error values.
var (
	ErrNoEnabledShares = errors.New("no enabled shares")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
)

const (
	progressInterval = time.Second
	eventBuffer      = 256
)

// RetryPolicy decides whether a failed execution gets another attempt. The
// default policy declines, leaving failed jobs terminal with no further
// automatic action.
type RetryPolicy interface {
	NextRetry(job types.Job, cause error) (time.Duration, bool)
}

type NoRetry struct{}

func (NoRetry) NextRetry(types.Job, error) (time.Duration, bool) {
	return 0, false
}

type activeJob struct {
	cancel  context.CancelFunc
	limiter *rate.Limiter
}

// Orchestrator executes backups against the external engine and tracks how
// many are concurrently active. There is deliberately no concurrency cap
// here; admission control can wrap ExecuteBackup without changing callers.
type Orchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *jobstore.Store
	provider config.Provider
	engine   engine.Engine
	retry    RetryPolicy

	events chan types.BackupProgress
	done   chan struct{}

	// queueMu guards the pending event queue. Progress updates are evicted
	// oldest-first when the queue is over capacity; terminal events are
	// never evicted.
	queueMu sync.Mutex
	queue   []types.BackupProgress
	wake    chan struct{}

	active      *xsync.MapOf[string, *activeJob]
	activeCount atomic.Int32
	wg          sync.WaitGroup
}

func New(ctx context.Context, store *jobstore.Store, provider config.Provider, eng engine.Engine, retry RetryPolicy) *Orchestrator {
	if retry == nil {
		retry = NoRetry{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		ctx:      runCtx,
		cancel:   cancel,
		store:    store,
		provider: provider,
		engine:   eng,
		retry:    retry,
		events:   make(chan types.BackupProgress),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		active:   xsync.NewMapOf[string, *activeJob](),
	}
	go o.pump()
	return o
}

// Events is the progress stream. Exactly one consumer is expected to drain
// it; under backpressure the oldest buffered progress update is dropped,
// never a terminal event. The channel closes after Close.
func (o *Orchestrator) Events() <-chan types.BackupProgress {
	return o.events
}

// ExecuteBackup creates a job record and returns its id immediately; the
// engine invocation runs asynchronously. An empty shareID targets every
// enabled share on the device.
func (o *Orchestrator) ExecuteBackup(deviceID, shareID string, jobType types.JobType) (string, error) {
	return o.execute(deviceID, shareID, jobType, 0)
}

func (o *Orchestrator) execute(deviceID, shareID string, jobType types.JobType, retryAttempt int) (string, error) {
	if o.ctx.Err() != nil {
		return "", ErrShuttingDown
	}

	device, err := o.provider.GetDevice(deviceID)
	if err != nil {
		return "", err
	}

	job := types.Job{
		ID:           uuid.NewString(),
		Type:         jobType,
		DeviceID:     device.ID,
		ShareID:      shareID,
		Status:       types.JobStatusPending,
		RetryAttempt: retryAttempt,
		DeviceName:   device.Name,
	}

	var targets []types.Share
	if shareID != "" {
		share, err := o.provider.GetShare(shareID)
		if err != nil {
			return "", err
		}
		job.ShareName = share.Name
		targets = []types.Share{share}
	} else {
		shares, err := o.provider.GetSharesForDevice(device.ID)
		if err != nil {
			return "", err
		}
		for _, share := range shares {
			if share.Enabled {
				targets = append(targets, share)
			}
		}
		// Failed jobs are first-class: a device with nothing to back up
		// still yields a queryable job id.
		if len(targets) == 0 {
			now := time.Now()
			job.Status = types.JobStatusFailed
			job.ErrorMessage = fmt.Sprintf("%s on device %s", ErrNoEnabledShares, device.ID)
			job.CompletedAt = &now
			if err := o.store.SaveJob(job); err != nil {
				return "", err
			}
			return job.ID, nil
		}
	}

	if err := o.store.SaveJob(job); err != nil {
		return "", err
	}

	jobCtx, cancelJob := context.WithCancel(o.ctx)
	o.active.Store(job.ID, &activeJob{
		cancel:  cancelJob,
		limiter: rate.NewLimiter(rate.Every(progressInterval), 1),
	})
	o.activeCount.Add(1)

	o.wg.Add(1)
	go o.run(jobCtx, job, device, targets)

	return job.ID, nil
}

// GetActiveJobCount counts jobs currently Running or Pending awaiting engine
// invocation. The shutdown supervisor drains against this number.
func (o *Orchestrator) GetActiveJobCount() int {
	return int(o.activeCount.Load())
}

// CancelAllJobs requests cancellation of every active execution. The
// cancellation propagates through each job's context into the engine
// subprocess; affected jobs settle into Cancelled or Failed.
func (o *Orchestrator) CancelAllJobs() {
	o.active.Range(func(_ string, active *activeJob) bool {
		active.cancel()
		return true
	})
}

// Wait blocks until all in-flight executions have settled. Used by tests and
// the shutdown path after CancelAllJobs.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops accepting work, cancels anything still active, and closes the
// event stream once all in-flight executions have settled.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	close(o.done)
}

func (o *Orchestrator) run(ctx context.Context, job types.Job, device types.Device, targets []types.Share) {
	defer o.wg.Done()
	defer func() {
		if active, ok := o.active.LoadAndDelete(job.ID); ok {
			active.cancel()
		}
		o.activeCount.Add(-1)
	}()

	jobLogger := syslog.GetOrCreateJobLogger(job.ID)
	defer func() {
		if jobLogger != nil {
			_ = jobLogger.Close()
		}
	}()

	now := time.Now()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	if err := o.store.SaveJob(job); err != nil {
		syslog.L.Error(err).WithJob(job.ID).WithMessage("failed to persist running state").Write()
	}

	var (
		runErr         error
		filesProcessed int64
		bytesMoved     int64
		lastSnapshot   string
	)

	for _, share := range targets {
		if ctx.Err() != nil {
			runErr = context.Cause(ctx)
			break
		}

		req := engine.BackupRequest{
			DeviceID:   device.ID,
			ShareID:    share.ID,
			SourcePath: path.Join("/", device.Host, share.Path),
			Exclusions: share.Exclusions,
		}
		if prev, err := o.engine.LatestSnapshot(ctx, device.ID, share.ID); err == nil {
			req.ParentSnapshot = prev.ID
		}

		shareName := share.Name
		summary, err := o.engine.Backup(ctx, req, func(p engine.Progress) {
			o.emit(job.ID, types.BackupProgress{
				JobID:          job.ID,
				DeviceName:     device.Name,
				ShareName:      shareName,
				Percent:        p.Percent,
				FilesProcessed: filesProcessed + p.FilesDone,
				FilesTotal:     p.FilesTotal,
				BytesProcessed: bytesMoved + p.BytesDone,
				BytesTotal:     p.BytesTotal,
				CurrentFile:    p.CurrentFile,
			}, false)
		})
		if err != nil {
			runErr = fmt.Errorf("share %s: %w", share.ID, err)
			break
		}

		filesProcessed += summary.FilesProcessed
		bytesMoved += summary.BytesProcessed
		lastSnapshot = summary.SnapshotID
	}

	o.settle(job, runErr, filesProcessed, bytesMoved, lastSnapshot, ctx)
}

func (o *Orchestrator) settle(job types.Job, runErr error, files, bytes int64, snapshotID string, ctx context.Context) {
	done := time.Now()
	job.CompletedAt = &done
	job.FilesProcessed = files
	job.BytesTransferred = bytes

	switch {
	case runErr == nil:
		job.Status = types.JobStatusCompleted
		job.BackupID = snapshotID
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), context.Canceled):
		job.Status = types.JobStatusCancelled
		job.ErrorMessage = "backup cancelled"
	default:
		job.Status = types.JobStatusFailed
		job.ErrorMessage = runErr.Error()

		if delay, retry := o.retry.NextRetry(job, runErr); retry {
			nextAt := done.Add(delay)
			job.NextRetryAt = &nextAt
			o.scheduleRetry(job, delay)
		}
	}

	if err := o.store.SaveJob(job); err != nil {
		syslog.L.Error(err).WithJob(job.ID).WithMessage("failed to persist terminal state").Write()
	}

	o.emit(job.ID, types.BackupProgress{
		JobID:          job.ID,
		DeviceName:     job.DeviceName,
		ShareName:      job.ShareName,
		Percent:        100,
		FilesProcessed: files,
		BytesProcessed: bytes,
		Terminal:       true,
		Status:         job.Status,
	}, true)

	if job.Status == types.JobStatusCompleted {
		syslog.L.Info().WithJob(job.ID).WithMessage("backup completed").
			WithField("snapshot", snapshotID).
			WithField("bytes", bytes).
			Write()
	} else {
		syslog.L.Warn().WithJob(job.ID).WithMessage("backup did not complete").
			WithField("status", string(job.Status)).
			WithField("error", job.ErrorMessage).
			Write()
	}
}

func (o *Orchestrator) scheduleRetry(failed types.Job, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if o.ctx.Err() != nil {
			return
		}
		if _, err := o.execute(failed.DeviceID, failed.ShareID, failed.Type, failed.RetryAttempt+1); err != nil {
			syslog.L.Error(err).WithJob(failed.ID).WithMessage("retry attempt could not start").Write()
		}
	})
}

// emit queues a progress event for delivery. Non-terminal events are
// throttled to one per progressInterval per job and evicted oldest-first when
// the consumer falls behind; terminal events are queued unconditionally and
// never dropped.
func (o *Orchestrator) emit(jobID string, progress types.BackupProgress, terminal bool) {
	if !terminal {
		active, ok := o.active.Load(jobID)
		if !ok || !active.limiter.Allow() {
			return
		}
	}

	o.queueMu.Lock()
	if len(o.queue) >= eventBuffer {
		evicted := false
		for i := range o.queue {
			if !o.queue[i].Terminal {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				evicted = true
				break
			}
		}
		// A queue holding nothing but terminal events only sheds the
		// incoming progress update.
		if !evicted && !terminal {
			o.queueMu.Unlock()
			return
		}
	}
	o.queue = append(o.queue, progress)
	o.queueMu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events to the subscriber channel at the consumer's pace,
// so job goroutines never block on event delivery.
func (o *Orchestrator) pump() {
	for {
		o.queueMu.Lock()
		var next types.BackupProgress
		ok := len(o.queue) > 0
		if ok {
			next = o.queue[0]
			o.queue = o.queue[1:]
		}
		o.queueMu.Unlock()

		if !ok {
			select {
			case <-o.wake:
				continue
			case <-o.done:
				close(o.events)
				return
			}
		}

		select {
		case o.events <- next:
		case <-o.done:
			close(o.events)
			return
		}
	}
}

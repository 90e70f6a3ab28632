// Package statuscache serves latest-backup-per-share and overview queries
// from a TTL-bounded in-memory snapshot, decoupled from job execution.
//
// Rebuild policy: concurrent callers that find the snapshot stale block on
// the single in-flight rebuild and share its result. Callers never read a
// half-built snapshot; the generation swap is all-or-nothing.
package statuscache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/snapguard/snapguard/internal/config"
	"github.com/snapguard/snapguard/internal/engine"
	"github.com/snapguard/snapguard/internal/store/types"
	"github.com/snapguard/snapguard/internal/syslog"
)

var ErrNotCached = errors.New("no backup summary cached")

const (
	staleThreshold = 48 * time.Hour

	// rebuildTimeout bounds one rebuild pass independently of any caller.
	rebuildTimeout = time.Minute
)

type entryKey struct {
	deviceID string
	shareID  string
}

// generation is one immutable rebuild pass. Readers hold the pointer, never
// the map, so a concurrent rebuild can never interleave with them.
type generation struct {
	entries map[entryKey]types.BackupSummary
	builtAt time.Time

	deviceCount int
	shareCount  int
}

// OverviewStats are the aggregate numbers derived from one snapshot.
type OverviewStats struct {
	TotalDevices        int   `json:"total_devices"`
	TotalShares         int   `json:"total_shares"`
	TotalFiles          int64 `json:"total_files"`
	TotalProtectedBytes int64 `json:"total_protected_bytes"`
	DevicesWithFailures int   `json:"devices_with_failures"`
	StaleDevices        int   `json:"stale_devices"`
}

// JobLister supplies job records so the snapshot can reflect executions that
// failed after the engine's last successful artifact. Optional.
type JobLister interface {
	ListJobs() ([]types.Job, error)
}

type Cache struct {
	provider config.Provider
	engine   engine.Engine
	jobs     JobLister
	ttl      time.Duration

	mu      sync.RWMutex
	current *generation

	rebuild singleflight.Group
}

func New(provider config.Provider, eng engine.Engine, jobs JobLister, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		provider: provider,
		engine:   eng,
		jobs:     jobs,
		ttl:      ttl,
	}
}

// Invalidate discards the snapshot so the next query rebuilds.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// GetLatest returns the cached summary for one (device, share) pair,
// rebuilding the whole snapshot first if it is absent or expired.
func (c *Cache) GetLatest(ctx context.Context, deviceID, shareID string) (types.BackupSummary, error) {
	gen, err := c.fresh(ctx)
	if err != nil {
		return types.BackupSummary{}, err
	}

	summary, ok := gen.entries[entryKey{deviceID: deviceID, shareID: shareID}]
	if !ok {
		return types.BackupSummary{}, ErrNotCached
	}
	return summary, nil
}

// Overview derives the aggregate statistics from the current snapshot.
func (c *Cache) Overview(ctx context.Context) (OverviewStats, error) {
	gen, err := c.fresh(ctx)
	if err != nil {
		return OverviewStats{}, err
	}

	stats := OverviewStats{
		TotalDevices: gen.deviceCount,
		TotalShares:  gen.shareCount,
	}

	failedDevices := make(map[string]struct{})
	latestPerDevice := make(map[string]time.Time)
	for key, summary := range gen.entries {
		stats.TotalFiles += summary.FileCount
		stats.TotalProtectedBytes += summary.ByteCount

		if !summary.Succeeded {
			failedDevices[key.deviceID] = struct{}{}
		}
		if summary.Time.After(latestPerDevice[key.deviceID]) {
			latestPerDevice[key.deviceID] = summary.Time
		}
	}
	stats.DevicesWithFailures = len(failedDevices)

	cutoff := time.Now().Add(-staleThreshold)
	for _, latest := range latestPerDevice {
		if latest.Before(cutoff) {
			stats.StaleDevices++
		}
	}
	return stats, nil
}

// fresh returns the current generation, triggering at most one rebuild no
// matter how many callers arrive at an expired snapshot together.
func (c *Cache) fresh(ctx context.Context) (*generation, error) {
	c.mu.RLock()
	gen := c.current
	c.mu.RUnlock()

	if gen != nil && time.Since(gen.builtAt) < c.ttl {
		return gen, nil
	}

	rebuilt, err, _ := c.rebuild.Do("rebuild", func() (any, error) {
		// Another caller may have finished the rebuild while this one
		// waited on the singleflight lock.
		c.mu.RLock()
		existing := c.current
		c.mu.RUnlock()
		if existing != nil && time.Since(existing.builtAt) < c.ttl {
			return existing, nil
		}

		// The generation outlives the triggering caller and is served to
		// everyone for a full TTL, so the build runs detached from that
		// caller's deadline.
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebuildTimeout)
		defer cancel()

		fresh, err := c.build(buildCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.current = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return rebuilt.(*generation), nil
}

// build enumerates every device and enabled share and asks the engine for
// the most recent snapshot. A failed query for one share is logged and the
// entry omitted; it never aborts the rest of the rebuild.
func (c *Cache) build(ctx context.Context) (*generation, error) {
	devices, err := c.provider.GetAllDevices()
	if err != nil {
		return nil, err
	}

	gen := &generation{
		entries:     make(map[entryKey]types.BackupSummary),
		builtAt:     time.Now(),
		deviceCount: len(devices),
	}

	for _, device := range devices {
		shares, err := c.provider.GetSharesForDevice(device.ID)
		if err != nil {
			syslog.L.Error(err).WithMessage("cache rebuild: share enumeration failed").
				WithField("device", device.ID).Write()
			continue
		}

		for _, share := range shares {
			if !share.Enabled {
				continue
			}
			gen.shareCount++

			snapshot, err := c.engine.LatestSnapshot(ctx, device.ID, share.ID)
			if err != nil {
				if !errors.Is(err, engine.ErrNoSnapshot) {
					syslog.L.Error(err).WithMessage("cache rebuild: snapshot query failed").
						WithField("device", device.ID).
						WithField("share", share.ID).
						Write()
				}
				continue
			}

			gen.entries[entryKey{deviceID: device.ID, shareID: share.ID}] = types.BackupSummary{
				DeviceID:   device.ID,
				ShareID:    share.ID,
				SnapshotID: snapshot.ID,
				Time:       snapshot.Time,
				Succeeded:  true,
				FileCount:  snapshot.FileCount,
				ByteCount:  snapshot.ByteCount,
			}
		}
	}

	c.overlayJobOutcomes(gen)

	return gen, nil
}

// overlayJobOutcomes marks entries whose most recent execution failed after
// the engine's last successful artifact. Jobs arrive ordered newest-first,
// so the first terminal job per key wins.
func (c *Cache) overlayJobOutcomes(gen *generation) {
	if c.jobs == nil {
		return
	}

	jobs, err := c.jobs.ListJobs()
	if err != nil {
		syslog.L.Error(err).WithMessage("cache rebuild: job listing failed").Write()
		return
	}

	seen := make(map[entryKey]struct{})
	for _, job := range jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		key := entryKey{deviceID: job.DeviceID, shareID: job.ShareID}
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}

		if job.Status != types.JobStatusFailed {
			continue
		}
		entry, ok := gen.entries[key]
		if ok && entry.Time.After(*job.CompletedAt) {
			continue
		}
		entry.DeviceID = job.DeviceID
		entry.ShareID = job.ShareID
		entry.Time = *job.CompletedAt
		entry.Succeeded = false
		gen.entries[key] = entry
	}
}

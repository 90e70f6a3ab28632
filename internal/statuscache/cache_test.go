package statuscache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapguard/snapguard/internal/engine"
	"github.com/snapguard/snapguard/internal/store/types"
)

type fakeProvider struct {
	devices []types.Device
	shares  []types.Share
}

func (p *fakeProvider) GetAllDevices() ([]types.Device, error) { return p.devices, nil }

func (p *fakeProvider) GetDevice(id string) (types.Device, error) {
	for _, d := range p.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return types.Device{}, fmt.Errorf("device not found: %s", id)
}

func (p *fakeProvider) GetSharesForDevice(deviceID string) ([]types.Share, error) {
	var out []types.Share
	for _, s := range p.shares {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *fakeProvider) GetShare(id string) (types.Share, error) {
	for _, s := range p.shares {
		if s.ID == id {
			return s, nil
		}
	}
	return types.Share{}, fmt.Errorf("share not found: %s", id)
}

type snapshotKey struct{ device, share string }

// fakeEngine serves canned snapshots and counts queries so rebuild frequency
// is observable.
type fakeEngine struct {
	mu        sync.Mutex
	snapshots map[snapshotKey]*engine.Snapshot
	errs      map[snapshotKey]error
	queries   atomic.Int32

	// slow makes each query take this long, to widen the race window for
	// the single-flight assertion.
	slow time.Duration
}

func (f *fakeEngine) Backup(ctx context.Context, req engine.BackupRequest, onProgress func(engine.Progress)) (*engine.Summary, error) {
	return nil, errors.New("not used")
}

func (f *fakeEngine) LatestSnapshot(ctx context.Context, deviceID, shareID string) (*engine.Snapshot, error) {
	f.queries.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.slow > 0 {
		select {
		case <-time.After(f.slow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := snapshotKey{device: deviceID, share: shareID}
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if snap, ok := f.snapshots[key]; ok {
		return snap, nil
	}
	return nil, engine.ErrNoSnapshot
}

type fakeJobs struct {
	jobs []types.Job
	err  error
}

func (f *fakeJobs) ListJobs() ([]types.Job, error) { return f.jobs, f.err }

func twoShareProvider() *fakeProvider {
	return &fakeProvider{
		devices: []types.Device{
			{ID: "nas", Name: "NAS", Enabled: true},
		},
		shares: []types.Share{
			{ID: "docs", DeviceID: "nas", Enabled: true},
			{ID: "media", DeviceID: "nas", Enabled: true},
			{ID: "off", DeviceID: "nas", Enabled: false},
		},
	}
}

func TestGetLatest(t *testing.T) {
	now := time.Now()
	eng := &fakeEngine{
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}: {ID: "snap-1", Time: now, FileCount: 120, ByteCount: 9000},
		},
	}
	cache := New(twoShareProvider(), eng, nil, time.Minute)

	summary, err := cache.GetLatest(context.Background(), "nas", "docs")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", summary.SnapshotID)
	assert.True(t, summary.Succeeded)
	assert.EqualValues(t, 120, summary.FileCount)

	_, err = cache.GetLatest(context.Background(), "nas", "media")
	assert.ErrorIs(t, err, ErrNotCached, "a share without backups has no entry")
}

func TestCachedWithinTTL(t *testing.T) {
	eng := &fakeEngine{
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}: {ID: "snap-1", Time: time.Now()},
		},
	}
	cache := New(twoShareProvider(), eng, nil, time.Minute)

	for i := 0; i < 5; i++ {
		_, err := cache.GetLatest(context.Background(), "nas", "docs")
		require.NoError(t, err)
	}
	// One rebuild, two enabled shares queried once each.
	assert.EqualValues(t, 2, eng.queries.Load())
}

func TestExpiryTriggersRebuild(t *testing.T) {
	eng := &fakeEngine{
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}: {ID: "snap-1", Time: time.Now()},
		},
	}
	cache := New(twoShareProvider(), eng, nil, 20*time.Millisecond)

	_, err := cache.GetLatest(context.Background(), "nas", "docs")
	require.NoError(t, err)
	first := eng.queries.Load()

	time.Sleep(30 * time.Millisecond)

	_, err = cache.GetLatest(context.Background(), "nas", "docs")
	require.NoError(t, err)
	assert.Greater(t, eng.queries.Load(), first)
}

func TestInvalidate(t *testing.T) {
	eng := &fakeEngine{}
	cache := New(twoShareProvider(), eng, nil, time.Hour)

	_, err := cache.Overview(context.Background())
	require.NoError(t, err)
	first := eng.queries.Load()

	cache.Invalidate()

	_, err = cache.Overview(context.Background())
	require.NoError(t, err)
	assert.Greater(t, eng.queries.Load(), first, "invalidation forces a rebuild despite the TTL")
}

func TestSingleFlightRebuild(t *testing.T) {
	eng := &fakeEngine{
		slow: 50 * time.Millisecond,
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}: {ID: "snap-1", Time: time.Now()},
		},
	}
	cache := New(twoShareProvider(), eng, nil, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := cache.GetLatest(context.Background(), "nas", "docs")
			assert.NoError(t, err)
			assert.Equal(t, "snap-1", summary.SnapshotID)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, eng.queries.Load(),
		"concurrent cold readers share one rebuild")
}

func TestExpiredCallerDoesNotPoisonRebuild(t *testing.T) {
	eng := &fakeEngine{
		slow: 20 * time.Millisecond,
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}: {ID: "snap-1", Time: time.Now(), FileCount: 10},
		},
	}
	cache := New(twoShareProvider(), eng, nil, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	// The rebuild this caller triggers runs to completion regardless of
	// the caller's own deadline.
	summary, err := cache.GetLatest(ctx, "nas", "docs")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", summary.SnapshotID)

	// Later callers see the intact generation, not an emptied one.
	summary, err = cache.GetLatest(context.Background(), "nas", "docs")
	require.NoError(t, err)
	assert.True(t, summary.Succeeded)

	stats, err := cache.Overview(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 10, stats.TotalFiles)
}

func TestPartialFailureOmitsEntry(t *testing.T) {
	now := time.Now()
	eng := &fakeEngine{
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}: {ID: "snap-1", Time: now, FileCount: 10},
		},
		errs: map[snapshotKey]error{
			{device: "nas", share: "media"}: errors.New("repository unreachable"),
		},
	}
	cache := New(twoShareProvider(), eng, nil, time.Minute)

	summary, err := cache.GetLatest(context.Background(), "nas", "docs")
	require.NoError(t, err, "one failing share must not poison the rebuild")
	assert.Equal(t, "snap-1", summary.SnapshotID)

	_, err = cache.GetLatest(context.Background(), "nas", "media")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestOverviewStats(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{
		devices: []types.Device{
			{ID: "nas", Enabled: true},
			{ID: "laptop", Enabled: true},
		},
		shares: []types.Share{
			{ID: "docs", DeviceID: "nas", Enabled: true},
			{ID: "media", DeviceID: "nas", Enabled: true},
			{ID: "home", DeviceID: "laptop", Enabled: true},
		},
	}
	eng := &fakeEngine{
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}:    {ID: "s1", Time: now, FileCount: 100, ByteCount: 1000},
			{device: "nas", share: "media"}:   {ID: "s2", Time: now, FileCount: 50, ByteCount: 500},
			{device: "laptop", share: "home"}: {ID: "s3", Time: now.Add(-72 * time.Hour), FileCount: 7, ByteCount: 70},
		},
	}
	cache := New(provider, eng, nil, time.Minute)

	stats, err := cache.Overview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OverviewStats{
		TotalDevices:        2,
		TotalShares:         3,
		TotalFiles:          157,
		TotalProtectedBytes: 1570,
		DevicesWithFailures: 0,
		StaleDevices:        1,
	}, stats)
}

func TestFailedJobOverridesOlderSnapshot(t *testing.T) {
	snapTime := time.Now().Add(-2 * time.Hour)
	failTime := time.Now().Add(-1 * time.Hour)
	eng := &fakeEngine{
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}: {ID: "snap-1", Time: snapTime, FileCount: 10},
		},
	}
	jobs := &fakeJobs{jobs: []types.Job{
		{
			ID:          "job-1",
			DeviceID:    "nas",
			ShareID:     "docs",
			Status:      types.JobStatusFailed,
			StartedAt:   &failTime,
			CompletedAt: &failTime,
		},
	}}
	cache := New(twoShareProvider(), eng, jobs, time.Minute)

	summary, err := cache.GetLatest(context.Background(), "nas", "docs")
	require.NoError(t, err)
	assert.False(t, summary.Succeeded, "a failure newer than the last artifact surfaces")
	assert.Equal(t, failTime, summary.Time)

	stats, err := cache.Overview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DevicesWithFailures)
}

func TestNewerSnapshotShadowsOldFailure(t *testing.T) {
	failTime := time.Now().Add(-2 * time.Hour)
	snapTime := time.Now().Add(-1 * time.Hour)
	eng := &fakeEngine{
		snapshots: map[snapshotKey]*engine.Snapshot{
			{device: "nas", share: "docs"}: {ID: "snap-2", Time: snapTime},
		},
	}
	jobs := &fakeJobs{jobs: []types.Job{
		{
			ID:          "job-1",
			DeviceID:    "nas",
			ShareID:     "docs",
			Status:      types.JobStatusFailed,
			StartedAt:   &failTime,
			CompletedAt: &failTime,
		},
	}}
	cache := New(twoShareProvider(), eng, jobs, time.Minute)

	summary, err := cache.GetLatest(context.Background(), "nas", "docs")
	require.NoError(t, err)
	assert.True(t, summary.Succeeded, "a success after the failure clears it")
	assert.Equal(t, "snap-2", summary.SnapshotID)
}

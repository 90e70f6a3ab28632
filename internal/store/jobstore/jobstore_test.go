package jobstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapguard/snapguard/internal/store/types"
)

type stubProvider struct {
	devices map[string]types.Device
	shares  map[string]types.Share
}

func (p *stubProvider) GetAllDevices() ([]types.Device, error) {
	var all []types.Device
	for _, d := range p.devices {
		all = append(all, d)
	}
	return all, nil
}

func (p *stubProvider) GetDevice(id string) (types.Device, error) {
	d, ok := p.devices[id]
	if !ok {
		return types.Device{}, fmt.Errorf("device not found: %s", id)
	}
	return d, nil
}

func (p *stubProvider) GetSharesForDevice(deviceID string) ([]types.Share, error) {
	var shares []types.Share
	for _, s := range p.shares {
		if s.DeviceID == deviceID {
			shares = append(shares, s)
		}
	}
	return shares, nil
}

func (p *stubProvider) GetShare(id string) (types.Share, error) {
	s, ok := p.shares[id]
	if !ok {
		return types.Share{}, fmt.Errorf("share not found: %s", id)
	}
	return s, nil
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestJobRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	started := time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC)
	completed := started.Add(12 * time.Minute)
	job := types.Job{
		ID:               "job-1",
		Type:             types.JobTypeScheduled,
		DeviceID:         "dev-1",
		ShareID:          "share-1",
		Status:           types.JobStatusCompleted,
		StartedAt:        &started,
		CompletedAt:      &completed,
		BackupID:         "abc123",
		FilesProcessed:   1200,
		BytesTransferred: 1 << 30,
	}

	require.NoError(t, store.SaveJob(job))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestGetJobNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetJob("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSaveJobRejectsBadID(t *testing.T) {
	store := setupTestStore(t)

	for _, id := range []string{"", "../escape", `a\b`, "a/b"} {
		err := store.SaveJob(types.Job{ID: id, DeviceID: "dev-1"})
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
}

func TestSaveJobOverwrite(t *testing.T) {
	store := setupTestStore(t)

	job := types.Job{ID: "job-1", DeviceID: "dev-1", Status: types.JobStatusPending}
	require.NoError(t, store.SaveJob(job))

	job.Status = types.JobStatusRunning
	now := time.Now().UTC().Truncate(time.Second)
	job.StartedAt = &now
	require.NoError(t, store.SaveJob(job))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(now))
}

func TestListJobsOrdering(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	times := []*time.Time{nil}
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		times = append(times, &ts)
	}

	for i, ts := range times {
		require.NoError(t, store.SaveJob(types.Job{
			ID:        fmt.Sprintf("job-%d", i),
			DeviceID:  "dev-1",
			Status:    types.JobStatusPending,
			StartedAt: ts,
		}))
	}

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	// StartedAt descending, never-started jobs last.
	for i := 0; i < len(jobs)-1; i++ {
		if jobs[i].StartedAt == nil {
			assert.Nil(t, jobs[i+1].StartedAt)
			continue
		}
		if jobs[i+1].StartedAt != nil {
			assert.True(t, !jobs[i].StartedAt.Before(*jobs[i+1].StartedAt),
				"jobs[%d] started before jobs[%d]", i, i+1)
		}
	}
	assert.Nil(t, jobs[len(jobs)-1].StartedAt)
}

func TestListJobsFilters(t *testing.T) {
	store := setupTestStore(t)

	seed := []types.Job{
		{ID: "a", DeviceID: "dev-1", Status: types.JobStatusCompleted},
		{ID: "b", DeviceID: "dev-1", Status: types.JobStatusFailed},
		{ID: "c", DeviceID: "dev-2", Status: types.JobStatusFailed},
	}
	for _, job := range seed {
		require.NoError(t, store.SaveJob(job))
	}

	t.Run("ByDevice", func(t *testing.T) {
		jobs, err := store.ListJobsByDevice("dev-1")
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
		for _, job := range jobs {
			assert.Equal(t, "dev-1", job.DeviceID)
		}
	})

	t.Run("ByStatus", func(t *testing.T) {
		jobs, err := store.ListJobsByStatus(types.JobStatusFailed)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
		for _, job := range jobs {
			assert.Equal(t, types.JobStatusFailed, job.Status)
		}
	})
}

func TestDeleteJob(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.SaveJob(types.Job{ID: "job-1", DeviceID: "dev-1"}))

	deleted, err := store.DeleteJob("job-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteJob("job-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEnrichment(t *testing.T) {
	provider := &stubProvider{
		devices: map[string]types.Device{
			"dev-1": {ID: "dev-1", Name: "NAS Office"},
		},
		shares: map[string]types.Share{
			"share-1": {ID: "share-1", DeviceID: "dev-1", Name: "documents"},
		},
	}

	store, err := NewStore(t.TempDir(), provider)
	require.NoError(t, err)
	defer store.Close()

	t.Run("ResolvesNames", func(t *testing.T) {
		require.NoError(t, store.SaveJob(types.Job{ID: "job-1", DeviceID: "dev-1", ShareID: "share-1"}))

		got, err := store.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, "NAS Office", got.DeviceName)
		assert.Equal(t, "documents", got.ShareName)
	})

	t.Run("MissingDeviceDoesNotFailRead", func(t *testing.T) {
		require.NoError(t, store.SaveJob(types.Job{ID: "job-2", DeviceID: "gone", ShareID: "gone-too"}))

		got, err := store.GetJob("job-2")
		require.NoError(t, err)
		assert.Empty(t, got.DeviceName)
		assert.Empty(t, got.ShareName)
	})
}

func TestSecondWriterRejected(t *testing.T) {
	dir := t.TempDir()

	first, err := NewStore(dir, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = NewStore(dir, nil)
	assert.ErrorIs(t, err, ErrStoreLocked)
}

func TestReadOnlyStoreCoexists(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewStore(dir, nil)
	require.NoError(t, err)
	defer writer.Close()

	require.NoError(t, writer.SaveJob(types.Job{ID: "job-1", DeviceID: "dev-1"}))

	reader, err := NewReadOnlyStore(dir, nil)
	require.NoError(t, err)

	jobs, err := reader.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

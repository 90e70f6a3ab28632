// Package jobstore persists job records durably, one file per job. Writes go
// through a temp file and an atomic rename so readers never observe a partial
// record, and a crashed write leaves the previously committed record intact.
package jobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"

	"github.com/snapguard/snapguard/internal/config"
	"github.com/snapguard/snapguard/internal/store/types"
	"github.com/snapguard/snapguard/internal/syslog"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrInvalidID   = errors.New("invalid job id")
	ErrStoreLocked = errors.New("job store is locked by another process")
)

const recordSuffix = ".json"

// Store is a single-writer on-disk job store. The directory lock guards
// against a second process instance, not against goroutines; in-process
// writers serialize on the mutex.
type Store struct {
	dir      string
	dirLock  *flock.Flock
	provider config.Provider

	mu sync.Mutex
}

// NewStore opens (creating if needed) the store directory and takes the
// single-writer lock. provider may be nil; then no name enrichment happens.
func NewStore(dir string, provider config.Provider) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create job store dir: %w", err)
	}

	dirLock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire job store lock: %w", err)
	}
	if !locked {
		return nil, ErrStoreLocked
	}

	return &Store{
		dir:      dir,
		dirLock:  dirLock,
		provider: provider,
	}, nil
}

// NewReadOnlyStore opens the directory without the writer lock, for
// listing-only callers that coexist with a running daemon. Save and Delete
// must not be used on it.
func NewReadOnlyStore(dir string, provider config.Provider) (*Store, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("open job store dir: %w", err)
	}
	return &Store{dir: dir, provider: provider}, nil
}

func (s *Store) Close() error {
	if s.dirLock == nil {
		return nil
	}
	return s.dirLock.Unlock()
}

func validateID(id string) error {
	if id == "" ||
		strings.ContainsAny(id, `/\`) ||
		strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+recordSuffix)
}

// SaveJob writes the record atomically. A write failure leaves any prior
// record in place and removes the temp artifact.
func (s *Store) SaveJob(job types.Job) error {
	if err := validateID(job.ID); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, job.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record for job %s: %w", job.ID, err)
	}
	tmpPath := tmp.Name()

	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return cause
	}

	if _, err := tmp.Write(raw); err != nil {
		return cleanup(fmt.Errorf("write job %s: %w", job.ID, err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync job %s: %w", job.ID, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp record for job %s: %w", job.ID, err)
	}

	if err := os.Rename(tmpPath, s.recordPath(job.ID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(id string) (types.Job, error) {
	if err := validateID(id); err != nil {
		return types.Job{}, err
	}

	raw, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return types.Job{}, fmt.Errorf("read job %s: %w", id, err)
	}

	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return types.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}

	s.enrich(&job)
	return job, nil
}

// ListJobs returns every record ordered by StartedAt descending. Jobs that
// never started sort after all jobs that did.
func (s *Store) ListJobs() ([]types.Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list job store dir: %w", err)
	}

	jobs := make([]types.Job, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			syslog.L.Error(err).WithMessage("failed to read job record").
				WithField("file", entry.Name()).Write()
			continue
		}
		var job types.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			syslog.L.Error(err).WithMessage("skipping corrupt job record").
				WithField("file", entry.Name()).Write()
			continue
		}
		s.enrich(&job)
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i].StartedAt, jobs[j].StartedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return jobs, nil
}

func (s *Store) ListJobsByDevice(deviceID string) ([]types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	jobs := all[:0]
	for _, job := range all {
		if job.DeviceID == deviceID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *Store) ListJobsByStatus(status types.JobStatus) ([]types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	jobs := all[:0]
	for _, job := range all {
		if job.Status == status {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// DeleteJob removes a record. It reports whether a record existed.
func (s *Store) DeleteJob(id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	return true, nil
}

// enrich lazily fills the denormalized display names from configuration.
// Resolution failures (deleted device or share) leave the fields empty; a
// read never fails because of them.
func (s *Store) enrich(job *types.Job) {
	if s.provider == nil {
		return
	}

	if job.DeviceName == "" && job.DeviceID != "" {
		if device, err := s.provider.GetDevice(job.DeviceID); err == nil {
			job.DeviceName = device.Name
		}
	}
	if job.ShareName == "" && job.ShareID != "" {
		if share, err := s.provider.GetShare(job.ShareID); err == nil {
			job.ShareName = share.Name
		}
	}
}

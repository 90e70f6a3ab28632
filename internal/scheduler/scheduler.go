// Package scheduler owns the recurring cron triggers derived from device and
// share configuration, and the manual-trigger entry point. The trigger table
// is the sole authority for trigger existence.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/snapguard/snapguard/internal/config"
	"github.com/snapguard/snapguard/internal/store/types"
	"github.com/snapguard/snapguard/internal/syslog"
)

const (
	GroupRecurring = "backups"
	GroupManual    = "manual-backups"
)

// Executor is the orchestrator surface the scheduler fires into.
type Executor interface {
	ExecuteBackup(deviceID, shareID string, jobType types.JobType) (string, error)
}

// Trigger is one installed activation, recurring or one-shot.
type Trigger struct {
	Key      string
	Group    string
	DeviceID string
	ShareID  string
	Expr     string

	entryID cron.EntryID
}

type Scheduler struct {
	cron     *cron.Cron
	provider config.Provider
	executor Executor

	mu       sync.Mutex
	triggers map[string]*Trigger

	// manual one-shots run outside the cron engine; Stop waits for them to
	// have registered their job with the executor.
	manual sync.WaitGroup
}

func New(provider config.Provider, executor Executor) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		provider: provider,
		executor: executor,
		triggers: make(map[string]*Trigger),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts trigger evaluation. It returns only after trigger callbacks in
// flight have registered their work with the executor, so a just-fired
// trigger is never silently dropped.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.manual.Wait()
}

func deviceKey(deviceID string) string { return "device/" + deviceID }
func shareKey(shareID string) string   { return "share/" + shareID }

// ScheduleAllBackups rebuilds the recurring trigger set from configuration.
// A share with its own schedule gets an independent trigger; shares without
// one are covered by a single device-level trigger iff the device has a
// schedule and at least one such enabled share exists. Re-running with an
// unchanged configuration produces no trigger churn. Manual triggers are a
// separate namespace and are never touched here.
func (s *Scheduler) ScheduleAllBackups() error {
	devices, err := s.provider.GetAllDevices()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	desired := make(map[string]*Trigger)
	for _, device := range devices {
		if !device.Enabled {
			continue
		}

		shares, err := s.provider.GetSharesForDevice(device.ID)
		if err != nil {
			return fmt.Errorf("enumerate shares for device %s: %w", device.ID, err)
		}

		uncovered := 0
		for _, share := range shares {
			if !share.Enabled {
				continue
			}
			if share.Schedule == "" {
				uncovered++
				continue
			}
			desired[shareKey(share.ID)] = &Trigger{
				Key:      shareKey(share.ID),
				Group:    GroupRecurring,
				DeviceID: device.ID,
				ShareID:  share.ID,
				Expr:     share.Schedule,
			}
		}

		if device.Schedule != "" && uncovered > 0 {
			desired[deviceKey(device.ID)] = &Trigger{
				Key:      deviceKey(device.ID),
				Group:    GroupRecurring,
				DeviceID: device.ID,
				Expr:     device.Schedule,
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove recurring triggers whose key is gone from configuration.
	for key, installed := range s.triggers {
		if installed.Group != GroupRecurring {
			continue
		}
		if _, keep := desired[key]; !keep {
			s.removeLocked(key)
		}
	}

	for key, trigger := range desired {
		if err := s.installLocked(trigger); err != nil {
			return fmt.Errorf("install trigger %s: %w", key, err)
		}
	}
	return nil
}

// ScheduleDeviceBackup installs or replaces the device-level recurring
// trigger.
func (s *Scheduler) ScheduleDeviceBackup(device types.Device, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.installLocked(&Trigger{
		Key:      deviceKey(device.ID),
		Group:    GroupRecurring,
		DeviceID: device.ID,
		Expr:     schedule,
	})
}

// ScheduleShareBackup installs or replaces the share-level recurring trigger.
func (s *Scheduler) ScheduleShareBackup(device types.Device, share types.Share, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.installLocked(&Trigger{
		Key:      shareKey(share.ID),
		Group:    GroupRecurring,
		DeviceID: device.ID,
		ShareID:  share.ID,
		Expr:     schedule,
	})
}

func (s *Scheduler) UnscheduleDeviceBackup(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(deviceKey(deviceID))
}

func (s *Scheduler) UnscheduleShareBackup(shareID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(shareKey(shareID))
}

// TriggerImmediateBackup installs a one-shot trigger under the manual
// namespace and fires it at once. The key cannot collide with recurring
// trigger maintenance. It returns the fired job's id.
func (s *Scheduler) TriggerImmediateBackup(deviceID, shareID string) (string, error) {
	key := "manual/" + uuid.NewString()
	trigger := &Trigger{
		Key:      key,
		Group:    GroupManual,
		DeviceID: deviceID,
		ShareID:  shareID,
	}

	s.mu.Lock()
	s.triggers[key] = trigger
	s.mu.Unlock()

	s.manual.Add(1)
	defer s.manual.Done()
	defer func() {
		s.mu.Lock()
		delete(s.triggers, key)
		s.mu.Unlock()
	}()

	return s.executor.ExecuteBackup(deviceID, shareID, types.JobTypeManual)
}

// GetTrigger reports the installed trigger under a key, for diagnostics.
func (s *Scheduler) GetTrigger(key string) (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trigger, ok := s.triggers[key]
	if !ok {
		return Trigger{}, false
	}
	return *trigger, true
}

func (s *Scheduler) ListTriggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Trigger, 0, len(s.triggers))
	for _, trigger := range s.triggers {
		all = append(all, *trigger)
	}
	return all
}

// installLocked validates the expression, then replaces any existing trigger
// under the key. An identical expression is left untouched so idempotent
// rebuilds cause no churn.
func (s *Scheduler) installLocked(trigger *Trigger) error {
	if err := config.ValidateSchedule(trigger.Expr); err != nil {
		return err
	}
	if trigger.Expr == "" {
		return fmt.Errorf("trigger %s: empty schedule", trigger.Key)
	}

	if existing, ok := s.triggers[trigger.Key]; ok {
		if existing.Expr == trigger.Expr {
			return nil
		}
		s.removeLocked(trigger.Key)
	}

	deviceID, shareID := trigger.DeviceID, trigger.ShareID
	entryID, err := s.cron.AddFunc(trigger.Expr, func() {
		s.fire(deviceID, shareID)
	})
	if err != nil {
		return fmt.Errorf("trigger %s: %w", trigger.Key, err)
	}

	trigger.entryID = entryID
	s.triggers[trigger.Key] = trigger
	return nil
}

// removeLocked is a no-op for an absent key.
func (s *Scheduler) removeLocked(key string) {
	trigger, ok := s.triggers[key]
	if !ok {
		return
	}
	s.cron.Remove(trigger.entryID)
	delete(s.triggers, key)
}

func (s *Scheduler) fire(deviceID, shareID string) {
	jobID, err := s.executor.ExecuteBackup(deviceID, shareID, types.JobTypeScheduled)
	if err != nil {
		syslog.L.Error(err).WithMessage("scheduled trigger failed to start job").
			WithField("device", deviceID).
			WithField("share", shareID).
			Write()
		return
	}
	syslog.L.Info().WithJob(jobID).WithMessage("scheduled backup triggered").
		WithField("device", deviceID).
		Write()
}

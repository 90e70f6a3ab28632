package types

import "time"

type JobType string

const (
	JobTypeScheduled JobType = "scheduled"
	JobTypeManual    JobType = "manual"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state. A job never leaves a
// terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one scheduled or manual backup execution attempt. A job targets a
// device and optionally a single share; an empty ShareID means every enabled
// share on the device.
type Job struct {
	ID       string  `json:"id"`
	Type     JobType `json:"type"`
	DeviceID string  `json:"device_id"`
	ShareID  string  `json:"share_id,omitempty"`

	Status      JobStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	BackupID         string `json:"backup_id,omitempty"`
	FilesProcessed   int64  `json:"files_processed"`
	BytesTransferred int64  `json:"bytes_transferred"`

	ErrorMessage string     `json:"error_message,omitempty"`
	RetryAttempt int        `json:"retry_attempt"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`

	// Display names resolved lazily from configuration on read. Never a
	// source of truth; left empty when the device or share is gone.
	DeviceName string `json:"device_name,omitempty"`
	ShareName  string `json:"share_name,omitempty"`
}

// BackupProgress is the transient payload emitted while a job is running.
// It is never persisted.
type BackupProgress struct {
	JobID          string    `json:"job_id"`
	DeviceName     string    `json:"device_name"`
	ShareName      string    `json:"share_name,omitempty"`
	Percent        float64   `json:"percent"`
	FilesProcessed int64     `json:"files_processed"`
	FilesTotal     int64     `json:"files_total"`
	BytesProcessed int64     `json:"bytes_processed"`
	BytesTotal     int64     `json:"bytes_total"`
	CurrentFile    string    `json:"current_file,omitempty"`
	Terminal       bool      `json:"terminal"`
	Status         JobStatus `json:"status,omitempty"`
}

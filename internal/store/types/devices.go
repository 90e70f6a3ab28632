package types

import "time"

type Protocol string

const (
	ProtocolSMB   Protocol = "smb"
	ProtocolSSH   Protocol = "ssh"
	ProtocolRsync Protocol = "rsync"
)

// Device is a configured backup source endpoint.
type Device struct {
	ID       string   `json:"id" koanf:"id"`
	Name     string   `json:"name" koanf:"name"`
	Host     string   `json:"host" koanf:"host"`
	Port     int      `json:"port" koanf:"port"`
	Protocol Protocol `json:"protocol" koanf:"protocol"`
	Schedule string   `json:"schedule,omitempty" koanf:"schedule"`
	Enabled  bool     `json:"enabled" koanf:"enabled"`
}

// Share is a named sub-path under a device with its own enable flag and an
// optional individual schedule overriding the device-level one.
type Share struct {
	ID         string   `json:"id" koanf:"id"`
	DeviceID   string   `json:"device_id" koanf:"device_id"`
	Name       string   `json:"name" koanf:"name"`
	Path       string   `json:"path" koanf:"path"`
	Schedule   string   `json:"schedule,omitempty" koanf:"schedule"`
	Enabled    bool     `json:"enabled" koanf:"enabled"`
	Exclusions []string `json:"exclusions,omitempty" koanf:"exclusions"`
}

// BackupSummary is the latest known backup state for one (device, share)
// pair, as reported by the external engine.
type BackupSummary struct {
	DeviceID   string    `json:"device_id"`
	ShareID    string    `json:"share_id"`
	SnapshotID string    `json:"snapshot_id"`
	Time       time.Time `json:"time"`
	Succeeded  bool      `json:"succeeded"`
	FileCount  int64     `json:"file_count"`
	ByteCount  int64     `json:"byte_count"`
}

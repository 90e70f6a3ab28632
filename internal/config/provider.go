package config

import (
	"context"
	"errors"

	"github.com/snapguard/snapguard/internal/store/types"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrShareNotFound  = errors.New("share not found")
)

// Provider is the read-only lookup of device and share definitions. The
// scheduler computes triggers from it, the job store resolves display names
// through it, and the status cache enumerates it during rebuilds.
type Provider interface {
	GetAllDevices() ([]types.Device, error)
	GetDevice(id string) (types.Device, error)
	GetSharesForDevice(deviceID string) ([]types.Share, error)
	GetShare(id string) (types.Share, error)
}

// Watcher is implemented by providers that can report configuration changes.
// The serve loop uses it to reinstall scheduler triggers on edits.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

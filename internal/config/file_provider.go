package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	"github.com/zeebo/xxh3"

	"github.com/snapguard/snapguard/internal/store/types"
	"github.com/snapguard/snapguard/internal/syslog"
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateSchedule rejects malformed cron expressions. An empty schedule is
// valid and means "no recurring trigger".
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// FileProvider serves device and share definitions from a YAML file. Reads
// are served from an in-memory copy; Reload swaps it wholesale.
type FileProvider struct {
	path string

	mu      sync.RWMutex
	devices []types.Device
	shares  []types.Share

	contentHash uint64
}

type deviceFile struct {
	Devices []types.Device `koanf:"devices"`
	Shares  []types.Share  `koanf:"shares"`
}

func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the backing file. A file whose content hash is unchanged
// is skipped so watcher-triggered reloads do not churn.
func (p *FileProvider) Reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read device config: %w", err)
	}

	hash := xxh3.Hash(raw)
	p.mu.RLock()
	unchanged := hash == p.contentHash && p.contentHash != 0
	p.mu.RUnlock()
	if unchanged {
		return nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(p.path), yaml.Parser()); err != nil {
		return fmt.Errorf("parse device config: %w", err)
	}

	var parsed deviceFile
	if err := k.Unmarshal("", &parsed); err != nil {
		return fmt.Errorf("unmarshal device config: %w", err)
	}

	if err := validateDefinitions(parsed.Devices, parsed.Shares); err != nil {
		return err
	}

	p.mu.Lock()
	p.devices = parsed.Devices
	p.shares = parsed.Shares
	p.contentHash = hash
	p.mu.Unlock()

	return nil
}

func validateDefinitions(devices []types.Device, shares []types.Share) error {
	deviceIDs := make(map[string]struct{}, len(devices))
	for _, device := range devices {
		if device.ID == "" || device.Name == "" {
			return fmt.Errorf("device %q: id and name are required", device.ID)
		}
		switch device.Protocol {
		case types.ProtocolSMB, types.ProtocolSSH, types.ProtocolRsync:
		default:
			return fmt.Errorf("device %q: unsupported protocol %q", device.ID, device.Protocol)
		}
		if err := ValidateSchedule(device.Schedule); err != nil {
			return fmt.Errorf("device %q: %w", device.ID, err)
		}
		if _, dup := deviceIDs[device.ID]; dup {
			return fmt.Errorf("duplicate device id %q", device.ID)
		}
		deviceIDs[device.ID] = struct{}{}
	}

	shareIDs := make(map[string]struct{}, len(shares))
	for _, share := range shares {
		if share.ID == "" || share.DeviceID == "" {
			return fmt.Errorf("share %q: id and device_id are required", share.ID)
		}
		if _, ok := deviceIDs[share.DeviceID]; !ok {
			return fmt.Errorf("share %q: unknown device %q", share.ID, share.DeviceID)
		}
		if err := ValidateSchedule(share.Schedule); err != nil {
			return fmt.Errorf("share %q: %w", share.ID, err)
		}
		for _, pattern := range share.Exclusions {
			if _, err := glob.Compile(pattern); err != nil {
				return fmt.Errorf("share %q: invalid exclusion %q: %w", share.ID, pattern, err)
			}
		}
		if _, dup := shareIDs[share.ID]; dup {
			return fmt.Errorf("duplicate share id %q", share.ID)
		}
		shareIDs[share.ID] = struct{}{}
	}

	return nil
}

func (p *FileProvider) GetAllDevices() ([]types.Device, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	devices := make([]types.Device, len(p.devices))
	copy(devices, p.devices)
	return devices, nil
}

func (p *FileProvider) GetDevice(id string) (types.Device, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, device := range p.devices {
		if device.ID == id {
			return device, nil
		}
	}
	return types.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

func (p *FileProvider) GetSharesForDevice(deviceID string) ([]types.Share, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var shares []types.Share
	for _, share := range p.shares {
		if share.DeviceID == deviceID {
			shares = append(shares, share)
		}
	}
	return shares, nil
}

func (p *FileProvider) GetShare(id string) (types.Share, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, share := range p.shares {
		if share.ID == id {
			return share, nil
		}
	}
	return types.Share{}, fmt.Errorf("%w: %s", ErrShareNotFound, id)
}

// Watch reloads the backing file on filesystem events and invokes onChange
// after every effective reload. It blocks until the context is cancelled.
// Editors replace files rather than writing in place, so the watch is on the
// parent directory and re-arms across renames.
func (p *FileProvider) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	// Coalesce event bursts from editors that truncate then write.
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				before := p.snapshotHash()
				if err := p.Reload(); err != nil {
					syslog.L.Error(err).WithMessage("failed to reload device config").Write()
					return
				}
				if p.snapshotHash() != before {
					onChange()
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			syslog.L.Error(err).WithMessage("config watcher error").Write()
		}
	}
}

func (p *FileProvider) snapshotHash() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.contentHash
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Settings are the daemon's own knobs, as opposed to the device/share
// definitions served by a Provider.
type Settings struct {
	DataDir      string `koanf:"data_dir"`
	DeviceConfig string `koanf:"device_config"`
	EngineBinary string `koanf:"engine_binary"`
	EngineRepo   string `koanf:"engine_repo"`

	BackupTimeout     time.Duration `koanf:"backup_timeout"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	DrainWindow       time.Duration `koanf:"drain_window"`
	DrainPollInterval time.Duration `koanf:"drain_poll_interval"`
	CancelGrace       time.Duration `koanf:"cancel_grace"`
}

func DefaultSettings() Settings {
	return Settings{
		DataDir:           "/var/lib/snapguard",
		DeviceConfig:      "/etc/snapguard/devices.yaml",
		EngineBinary:      "restic",
		EngineRepo:        "/var/lib/snapguard/repo",
		BackupTimeout:     30 * time.Minute,
		CacheTTL:          30 * time.Second,
		DrainWindow:       8 * time.Second,
		DrainPollInterval: time.Second,
		CancelGrace:       5 * time.Second,
	}
}

// LoadSettings layers SNAPGUARD_-prefixed environment variables over the
// defaults. SNAPGUARD_DATA_DIR maps to data_dir, and so on.
func LoadSettings() (Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultSettings(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("load default settings: %w", err)
	}

	err := k.Load(env.Provider("SNAPGUARD_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SNAPGUARD_"))
	}), nil)
	if err != nil {
		return Settings{}, fmt.Errorf("load env settings: %w", err)
	}

	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return settings, nil
}

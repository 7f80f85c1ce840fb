package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents a profile's config.toml. The zero value of Sync gives
// sensible windows, so a minimal config only needs the account address.
type Config struct {
	// DefaultProfile selects the profile when none is given on the
	// command line. Only read from the global config file.
	DefaultProfile string `toml:"default_profile"`

	// Account is the bare JID whose archive this profile tracks.
	Account string `toml:"account"`

	Sync SyncConfig `toml:"sync"`
}

// SyncConfig holds archive sync-window settings, all in days.
type SyncConfig struct {
	// PublicRoomWindowDays caps history resumed for public rooms.
	PublicRoomWindowDays int `toml:"public_room_window_days"`
	// MemberOnlyRoomWindowDays caps history for member-only rooms.
	// 0 means no threshold: request as much as possible.
	MemberOnlyRoomWindowDays int `toml:"member_only_room_window_days"`
	// RoomWindows are per-room overrides keyed by bare room JID.
	RoomWindows map[string]int `toml:"room_windows"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			PublicRoomWindowDays:     1,
			MemberOnlyRoomWindowDays: 0,
		},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

package configfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Settings is the operator-editable daemon/CLI configuration, loaded
// from ~/.config/cellmesh/config.toml when present. Environment
// variables and flags override whatever is here.
type Settings struct {
	SocketPath         string `toml:"socket_path"`
	TCPHost            string `toml:"tcp_host"`
	TCPPort            int    `toml:"tcp_port"`
	OpTimeoutMS        int    `toml:"op_timeout_ms"`
	GhostCutoffMinutes int    `toml:"ghost_cutoff_minutes"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	return &Settings{
		TCPHost:            "127.0.0.1",
		TCPPort:            15433,
		OpTimeoutMS:        30_000,
		GhostCutoffMinutes: 120,
	}
}

// SettingsPath returns where the TOML settings file lives.
func SettingsPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppName, "config.toml"), nil
}

// LoadSettings reads the settings file, returning defaults when it does
// not exist. A malformed file is an error — silently ignoring a typo'd
// config is worse than failing loudly.
func LoadSettings() (*Settings, error) {
	settings := DefaultSettings()

	path, err := SettingsPath()
	if err != nil {
		return settings, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return settings, nil
	}
	if _, err := toml.DecodeFile(path, settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings, nil
}

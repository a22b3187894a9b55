// Package configfile owns everything about where cellmesh state lives:
// the per-project metadata sidecar, the global database under the user
// config directory, legacy project-local database locations, and the
// per-project runtime (PID/socket) directory.
package configfile

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ConfigFileName is the per-project metadata sidecar.
const ConfigFileName = "metadata.json"

// Config is the per-project metadata: where the project's JSONL export
// lives, retention tuning, and project identity for namespacing.
type Config struct {
	Database    string `json:"database,omitempty"` // project-local override; empty means the global store
	JSONLExport string `json:"jsonl_export,omitempty"`

	DeletionsRetentionDays int `json:"deletions_retention_days,omitempty"` // 0 means the default

	ProjectName   string `json:"project_name,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// DefaultConfig returns a config pointing at the global store and the
// canonical export name.
func DefaultConfig() *Config {
	return &Config{
		JSONLExport: "cells.jsonl",
	}
}

// ConfigPath returns the metadata path inside a project's state dir.
func ConfigPath(stateDir string) string {
	return filepath.Join(stateDir, ConfigFileName)
}

// Load reads the project metadata, or nil when none exists.
func Load(stateDir string) (*Config, error) {
	data, err := os.ReadFile(ConfigPath(stateDir)) // #nosec G304 -- controlled path
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &cfg, nil
}

// Save writes the project metadata.
func (c *Config) Save(stateDir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(ConfigPath(stateDir), data, 0o600); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// JSONLPath resolves the export file location for a project state dir.
func (c *Config) JSONLPath(stateDir string) string {
	if c.JSONLExport == "" {
		return filepath.Join(stateDir, "cells.jsonl")
	}
	return filepath.Join(stateDir, c.JSONLExport)
}

// DefaultDeletionsRetentionDays bounds how long hard-deletion records are
// kept before the doctor may purge them.
const DefaultDeletionsRetentionDays = 3

// GetDeletionsRetentionDays returns the configured retention, or the
// default when unset.
func (c *Config) GetDeletionsRetentionDays() int {
	if c.DeletionsRetentionDays <= 0 {
		return DefaultDeletionsRetentionDays
	}
	return c.DeletionsRetentionDays
}

// GetProjectName returns the configured name, falling back to the git
// remote's repository name.
func (c *Config) GetProjectName() string {
	if c.ProjectName != "" {
		return c.ProjectName
	}
	return detectProjectFromGitRemote()
}

// GetDefaultBranch returns the configured default branch, or "main".
func (c *Config) GetDefaultBranch() string {
	if c.DefaultBranch != "" {
		return c.DefaultBranch
	}
	return "main"
}

// detectProjectFromGitRemote extracts the repository name from the
// origin remote URL, handling both SSH and HTTPS forms. Empty when git
// or the remote is unavailable.
func detectProjectFromGitRemote() string {
	cmd := exec.Command("git", "config", "--get", "remote.origin.url")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}

	url := strings.TrimSpace(string(output))
	if url == "" {
		return ""
	}
	url = strings.TrimSuffix(url, ".git")

	// git@github.com:user/repo
	if i := strings.Index(url, ":"); i >= 0 && !strings.Contains(url, "://") {
		url = url[i+1:]
	}
	// https://github.com/user/repo
	if i := strings.Index(url, "://"); i >= 0 {
		url = url[i+3:]
	}

	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return filepath.Base(url)
}

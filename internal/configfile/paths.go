package configfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// AppName names the per-user config directory and the temp-dir prefix.
const AppName = "cellmesh"

// GlobalDBPath returns the canonical location of the shared coordination
// database: ~/.config/cellmesh/swarm.db (or $XDG_CONFIG_HOME when set).
// The directory is created on first use.
func GlobalDBPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, AppName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return filepath.Join(dir, "swarm.db"), nil
}

// LegacyDBPaths lists the project-local database locations earlier
// releases used, relative to the project root. Consolidation migrates
// them into the global store and renames them with a .migrated suffix.
func LegacyDBPaths(projectRoot string) []string {
	return []string{
		filepath.Join(projectRoot, ".opencode", "streams.db"),
		filepath.Join(projectRoot, ".opencode", "swarm.db"),
		filepath.Join(projectRoot, ".hive", "swarm-mail.db"),
	}
}

// MarkMigrated renames a legacy database with the .migrated suffix so
// detection skips it from then on.
func MarkMigrated(path string) error {
	return os.Rename(path, path+".migrated")
}

// RuntimeDir returns the per-project ephemeral state directory:
// $TMPDIR/cellmesh-<project-name>-<hash>/ where hash is the first 8 hex
// chars of SHA-256 over the absolute project path. PID file and socket
// live here; nothing in it survives a reboot meaningfully.
func RuntimeDir(projectPath string) (string, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(abs))
	name := fmt.Sprintf("%s-%s-%s", AppName, filepath.Base(abs), hex.EncodeToString(sum[:])[:8])
	dir := filepath.Join(os.TempDir(), name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create runtime directory: %w", err)
	}
	return dir, nil
}

// SocketPath returns the daemon's Unix socket path for a project.
func SocketPath(projectPath string) (string, error) {
	dir, err := RuntimeDir(projectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.sock"), nil
}

// PIDPath returns the daemon's PID file path for a project.
func PIDPath(projectPath string) (string, error) {
	dir, err := RuntimeDir(projectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.pid"), nil
}

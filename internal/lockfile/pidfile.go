package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile represents a daemon PID file under a per-project temp directory.
type PIDFile struct {
	Path string
}

// NewPIDFile returns a PIDFile handle for the given path. It does not touch
// the filesystem.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Read returns the PID recorded in the file, or 0 if the file does not exist.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path) // #nosec G304 -- path is constructed from project hash, not user input
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", p.Path, err)
	}
	return pid, nil
}

// Write records the given PID, replacing any previous contents.
func (p *PIDFile) Write(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// Remove deletes the PID file. Missing files are not an error.
func (p *PIDFile) Remove() error {
	err := os.Remove(p.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsStale reports whether the PID file names a process that is no longer
// running. A file that does not exist is not stale (there is nothing to
// clean up).
func (p *PIDFile) IsStale() (bool, error) {
	pid, err := p.Read()
	if err != nil {
		return false, err
	}
	if pid == 0 {
		return false, nil
	}
	return !IsProcessRunning(pid), nil
}

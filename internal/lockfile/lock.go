package lockfile

import (
	"errors"
)

// ErrLocked is returned when a lock cannot be acquired because it is held by another process.
var ErrLocked = errDaemonLocked

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds a conflicting lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// IsLocked returns true if the error indicates a lock is held by another process.
func IsLocked(err error) bool {
	return errors.Is(err, errDaemonLocked)
}

// IsProcessRunning reports whether a process with the given PID is alive.
// Exported wrapper around the platform-specific isProcessRunning so callers
// outside the package (daemon startup, doctor's stale-PID check) don't need
// their own kill(pid, 0) logic.
func IsProcessRunning(pid int) bool {
	return isProcessRunning(pid)
}

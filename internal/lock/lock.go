// Package lock implements the project-directory deploy lock (spec
// §4.E). It deliberately does not use an OS-level advisory lock
// library such as gofrs/flock: the spec's stale-holder recovery needs
// the lock's own pid+timestamp content, which an flock-style API
// doesn't expose for inspection by another process. The permission
// constant follows shared/compose/tempfiles.go's TempFileMode style.
// Staleness is decided by holder-pid liveness alone; the lock's age is
// only reported in the conflict message.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the file created in the project directory to mark a
// deploy in progress.
const LockFileName = ".deploy-lock"

// LockFileMode restricts the lock file to its owner, matching the
// compose package's TempFileMode convention for process-local state.
const LockFileMode os.FileMode = 0600

// ConflictError is returned when an active holder already owns the
// lock; it maps to exit code 2 (spec §7).
type ConflictError struct {
	HolderPID int
	Age       time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("deploy already in progress (pid %d, started %s ago)", e.HolderPID, e.Age.Round(time.Second))
}

// Lock is an acquired deploy lock for one project directory.
type Lock struct {
	path string
}

// Acquire creates the lock file atomically. If an existing lock file
// names a pid that is no longer alive, it is treated as stale and
// stolen; otherwise a *ConflictError is returned (spec §4.E).
func Acquire(projectDir string) (*Lock, error) {
	path := filepath.Join(projectDir, LockFileName)

	if err := tryCreate(path); err == nil {
		return &Lock{path: path}, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}

	holderPID, startedAt, readErr := readHolder(path)
	if readErr != nil {
		// Unreadable or malformed lock content: treat conservatively as
		// held rather than silently stealing it.
		return nil, fmt.Errorf("lock file %s exists but could not be read: %w", path, readErr)
	}

	if processAlive(holderPID) {
		return nil, &ConflictError{HolderPID: holderPID, Age: time.Since(startedAt)}
	}

	// Stale holder: the recorded pid is gone. Steal the lock.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale lock file %s: %w", path, err)
	}
	if err := tryCreate(path); err != nil {
		return nil, fmt.Errorf("failed to acquire lock after stealing stale holder: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. It is best-effort and idempotent, so
// it's safe to call from a signal handler on every exit path (spec
// §4.E).
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock file %s: %w", l.path, err)
	}
	return nil
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, LockFileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return nil
}

func readHolder(path string) (pid int, startedAt time.Time, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return 0, time.Time{}, fmt.Errorf("malformed lock file content")
	}

	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed lock file pid: %w", err)
	}

	startedAt, err = time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed lock file timestamp: %w", err)
	}

	return pid, startedAt, nil
}

// processAlive probes liveness with signal 0, which on POSIX systems
// performs existence/permission checks without actually signaling the
// process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

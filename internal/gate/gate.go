// Package gate decides leadership with an OS file lock.
//
// The lock is an exclusive, non-blocking advisory lock (flock on unix,
// LockFileEx on windows). Its ownership is tied to the open file, so the OS
// releases it when the holding process exits for any reason, including a
// crash or kill. Exactly one of several concurrent Acquire calls on the same
// path wins.
package gate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrAcquire is returned when the lock primitive itself cannot be created or
// queried. It never means another instance holds the lock.
var ErrAcquire = errors.New("failed to acquire instance lock")

// Token represents held leadership. It must not be copied.
type Token struct {
	lock    *flock.Flock
	pidPath string

	mu       sync.Mutex
	released bool
}

// Acquire tries to take the lock at lockPath without blocking.
//
// Returns (token, true, nil) when this process is now the leader,
// (nil, false, nil) when another process holds the lock, and
// (nil, false, err wrapping ErrAcquire) on any other failure.
func Acquire(lockPath string) (*Token, bool, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, false, fmt.Errorf("%w: create lock directory: %v", ErrAcquire, err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrAcquire, lockPath, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Token{lock: fl}, true, nil
}

// LockPath returns the path of the held lock file.
func (t *Token) LockPath() string {
	return t.lock.Path()
}

// WritePID records the current process ID at path. Release removes the file.
func (t *Token) WritePID(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return errors.New("token already released")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	t.pidPath = path
	return nil
}

// Release gives up leadership. It is safe to call more than once and on a nil
// token; only the first call has an effect.
func (t *Token) Release() error {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return nil
	}
	t.released = true

	// Remove the PID file while still holding the lock so a new leader's file
	// is never deleted.
	if t.pidPath != "" {
		os.Remove(t.pidPath)
	}
	// The lock file itself stays: deleting it would let a waiting process
	// lock an unlinked inode while a newcomer locks a fresh one.
	if err := t.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release instance lock: %w", err)
	}
	return nil
}

// ReadPID reads the PID recorded by a leader.
// Returns 0 if the file doesn't exist or is invalid.
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// LeaderInfo describes the process recorded in a PID file.
type LeaderInfo struct {
	PID   int
	Alive bool
	Name  string

	// Since is the PID file's modification time, i.e. when leadership was taken.
	Since time.Time
}

// InspectLeader reports on the leader recorded at pidPath without touching the lock.
func InspectLeader(pidPath string) LeaderInfo {
	info := LeaderInfo{PID: ReadPID(pidPath)}
	if info.PID == 0 {
		return info
	}
	if st, err := os.Stat(pidPath); err == nil {
		info.Since = st.ModTime()
	}

	alive, err := process.PidExists(int32(info.PID))
	if err != nil || !alive {
		return info
	}
	info.Alive = true
	if p, err := process.NewProcess(int32(info.PID)); err == nil {
		if name, err := p.Name(); err == nil {
			info.Name = name
		}
	}
	return info
}

// Package runlock serializes mutating invocations against one workspace using
// an OS file lock. The lock is released when the process exits, crashes
// included.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// FileName is the lock file inside the state directory.
	FileName       = "run.lock"
	DefaultTimeout = 2 * time.Second
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = 200 * time.Millisecond
)

// ErrLocked is returned when another process holds the lock past the timeout.
var ErrLocked = errors.New("workspace is locked by another run")

// Lock is a held run lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the exclusive lock in stateDir, waiting up to timeout.
// command is recorded in the lock file for diagnostics.
func Acquire(stateDir, command string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	l := &Lock{path: filepath.Join(stateDir, FileName)}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	l.file = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff
	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder(command)
			return l, nil
		}
		if time.Now().After(deadline) {
			holder := l.Holder()
			l.file.Close()
			l.file = nil
			return nil, fmt.Errorf("%w after %v (holder: %s)", ErrLocked, timeout, holder)
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.file.Truncate(0)
	l.unlock()
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Lock) writeHolder(command string) {
	l.file.Truncate(0)
	l.file.Seek(0, 0)
	fmt.Fprintf(l.file, "pid:%d\ntime:%s\ncommand:%s\n", os.Getpid(), time.Now().Format(time.RFC3339), command)
	l.file.Sync()
}

// Holder describes the process recorded in the lock file.
func (l *Lock) Holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	var pid, ts, command string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		switch {
		case strings.HasPrefix(line, "pid:"):
			pid = strings.TrimPrefix(line, "pid:")
		case strings.HasPrefix(line, "time:"):
			ts = strings.TrimPrefix(line, "time:")
		case strings.HasPrefix(line, "command:"):
			command = strings.TrimPrefix(line, "command:")
		}
	}
	if pid == "" {
		return "unknown"
	}
	desc := fmt.Sprintf("pid:%s %s since %s", pid, command, ts)
	if n, err := strconv.Atoi(pid); err == nil && !isProcessAlive(n) {
		desc += " (STALE - process dead)"
	}
	return desc
}

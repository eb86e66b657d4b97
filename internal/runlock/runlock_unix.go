//go:build unix

package runlock

import (
	"os"

	"golang.org/x/sys/unix"
)

func (l *Lock) tryLock() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *Lock) unlock() {
	if l.file != nil {
		unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	}
}

// isProcessAlive sends signal 0 to pid.
func isProcessAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(unix.Signal(0)) == nil
}

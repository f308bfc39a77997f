//go:build unix

// pkg/files/lock_unix.go
package files

import (
	"golang.org/x/sys/unix"
)

// LockExclusive acquires an exclusive advisory lock on fd.
// Returns ErrLocked if another process already holds it.
func LockExclusive(fd Fd) error {
	err := unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrLocked
		}
		return err
	}
	return nil
}

// Unlock releases the lock on fd.
func Unlock(fd Fd) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}

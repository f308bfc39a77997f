// pkg/files/facade.go

// Package files is the thin boundary between the paged memory layer and the
// operating system. Everything the memory layer needs from a file goes
// through Facade so that tests can substitute failing implementations.
package files

import (
	"errors"
	"syscall"
)

// Fd is an OS file descriptor.
type Fd int

// NoFd marks a descriptor slot that is not open.
const NoFd Fd = -1

// MapMode selects the protection of a mapping.
type MapMode int

const (
	MapRO MapMode = iota
	MapRW
)

func (m MapMode) String() string {
	switch m {
	case MapRO:
		return "ro"
	case MapRW:
		return "rw"
	}
	return "unknown"
}

var (
	// ErrLocked is returned when another process holds the file lock.
	ErrLocked = errors.New("file is locked by another process")
)

// Facade defines the file operations the memory layer relies on.
type Facade interface {
	// OpenRW opens path for reading and writing, creating it if missing.
	OpenRW(path string) (Fd, error)

	// Length returns the current on-disk size of the file.
	Length(fd Fd) (int64, error)

	// Truncate grows or shrinks the file. Growing zero-fills the new range.
	// Shrinking may legitimately fail on some platforms.
	Truncate(fd Fd, size int64) error

	// Mmap maps length bytes of the file starting at offset.
	Mmap(fd Fd, length, offset int64, mode MapMode) ([]byte, error)

	// Munmap releases a mapping returned by Mmap.
	Munmap(mem []byte) error

	// Msync flushes a mapped range. With async the flush is only scheduled.
	Msync(mem []byte, async bool) error

	// Close releases the descriptor.
	Close(fd Fd) error
}

// Errno returns the OS error number carried by err, or 0 when err does not
// wrap one.
func Errno(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}

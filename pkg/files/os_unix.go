//go:build unix

// pkg/files/os_unix.go
package files

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const filePerm = 0644

// OS is the Facade backed by real system calls.
type OS struct{}

var _ Facade = OS{}

// PageSize returns the operating system page size. Mapping offsets must be a
// multiple of it.
func PageSize() int64 {
	return int64(os.Getpagesize())
}

func (OS) OpenRW(path string) (Fd, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, filePerm)
	if err != nil {
		return NoFd, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return Fd(fd), nil
}

func (OS) Length(fd Fd) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return -1, fmt.Errorf("fstat fd=%d: %w", fd, err)
	}
	return st.Size, nil
}

func (OS) Truncate(fd Fd, size int64) error {
	if err := unix.Ftruncate(int(fd), size); err != nil {
		return fmt.Errorf("ftruncate fd=%d size=%d: %w", fd, size, err)
	}
	return nil
}

func (OS) Mmap(fd Fd, length, offset int64, mode MapMode) ([]byte, error) {
	prot := unix.PROT_READ
	if mode == MapRW {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(int(fd), offset, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd=%d offset=%d size=%d: %w", fd, offset, length, err)
	}
	return mem, nil
}

func (OS) Munmap(mem []byte) error {
	return unix.Munmap(mem)
}

func (OS) Msync(mem []byte, async bool) error {
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}
	return unix.Msync(mem, flags)
}

func (OS) Close(fd Fd) error {
	return unix.Close(int(fd))
}

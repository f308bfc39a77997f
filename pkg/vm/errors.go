// pkg/vm/errors.go
package vm

import (
	"errors"
	"fmt"

	"vmem/pkg/files"
)

var (
	ErrNotOpen         = errors.New("memory is not open")
	ErrInvalidPageSize = errors.New("invalid page size")
	ErrPageSizeLocked  = errors.New("page size cannot change while pages are mapped")
	ErrNegativeOffset  = errors.New("negative offset")
	ErrInvalidPage     = errors.New("invalid page index")
)

// StorageError reports a failed OS level operation on the backing file.
type StorageError struct {
	Op     string // open, grow, mmap, truncate
	Path   string
	Fd     files.Fd
	Offset int64
	Size   int64
	Errno  int
	Err    error
}

func (e *StorageError) Error() string {
	switch e.Op {
	case "open":
		return fmt.Sprintf("could not open read-write [errno=%d, path=%s]: %v", e.Errno, e.Path, e.Err)
	case "mmap":
		return fmt.Sprintf("cannot mmap read-write [errno=%d, fd=%d, offset=%d, size=%d]: %v",
			e.Errno, e.Fd, e.Offset, e.Size, e.Err)
	}
	return fmt.Sprintf("could not %s [errno=%d, fd=%d, offset=%d, size=%d]: %v",
		e.Op, e.Errno, e.Fd, e.Offset, e.Size, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(op string, fd files.Fd, offset, size int64, err error) *StorageError {
	return &StorageError{
		Op:     op,
		Fd:     fd,
		Offset: offset,
		Size:   size,
		Errno:  files.Errno(err),
		Err:    err,
	}
}

// IsMapFailure reports whether err means a page could not be grown or mapped.
func IsMapFailure(err error) bool {
	var se *StorageError
	if !errors.As(err, &se) {
		return false
	}
	return se.Op == "mmap" || se.Op == "grow"
}

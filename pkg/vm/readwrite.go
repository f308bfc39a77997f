// pkg/vm/readwrite.go
package vm

import (
	"fmt"

	"github.com/phuslu/log"

	"vmem/pkg/files"
)

// mappedFile is the PageAllocator behind ReadWriteMemory. Page i lives at
// file offset i*pageSize; the file is extended before a page is mapped.
type mappedFile struct {
	ff       files.Facade
	fd       files.Fd
	open     bool
	pageSize int64
	logger   *log.Logger
}

func (f *mappedFile) AllocatePage(page int) ([]byte, error) {
	offset := int64(page) * f.pageSize

	length, err := f.ff.Length(f.fd)
	if err != nil {
		return nil, newStorageError("grow", f.fd, offset, f.pageSize, err)
	}
	if length < offset+f.pageSize {
		// a grown region reads back as zeros
		if err := f.ff.Truncate(f.fd, offset+f.pageSize); err != nil {
			return nil, newStorageError("grow", f.fd, offset, f.pageSize, err)
		}
	}

	mem, err := f.ff.Mmap(f.fd, f.pageSize, offset, files.MapRW)
	if err != nil {
		return nil, newStorageError("mmap", f.fd, offset, f.pageSize, err)
	}
	f.logger.Debug().Int("fd", int(f.fd)).Int("page", page).Int64("offset", offset).Msg("mapped page")
	return mem, nil
}

func (f *mappedFile) ReleasePage(page int, mem []byte) {
	if err := f.ff.Munmap(mem); err != nil {
		f.logger.Error().Err(err).Int("fd", int(f.fd)).Int("page", page).Msg("could not munmap")
	}
}

// ReadWriteMemory is paged memory backed by a read-write memory-mapped file.
//
// The file grows one page at a time as pages are touched. Close shrinks it
// back to the append offset. A ReadWriteMemory is owned by a single writer;
// callers serialize access.
type ReadWriteMemory struct {
	PagedMemory
	file   mappedFile
	path   string
	logger *log.Logger
}

// NewReadWriteMemory returns a closed memory. A nil logger means
// log.DefaultLogger. The zero value is also a usable closed memory.
func NewReadWriteMemory(logger *log.Logger) *ReadWriteMemory {
	m := &ReadWriteMemory{logger: logger}
	m.file = mappedFile{fd: files.NoFd}
	return m
}

// OpenReadWriteMemory opens path with opts applied over the defaults.
func OpenReadWriteMemory(path string, opts Options) (*ReadWriteMemory, error) {
	opts = opts.withDefaults()
	m := NewReadWriteMemory(opts.Logger)
	if err := m.Open(opts.Facade, path, opts.PageSize); err != nil {
		return nil, err
	}
	return m, nil
}

// Open binds the memory to path, closing any file opened before. Existing
// content is replayed: the append offset is set to the file length and the
// pages covering it are mapped. On failure nothing stays open.
func (m *ReadWriteMemory) Open(ff files.Facade, path string, pageSize int64) error {
	m.Close()
	if m.logger == nil {
		m.logger = &log.DefaultLogger
	}

	if pageSize <= 0 || pageSize%files.PageSize() != 0 {
		return fmt.Errorf("%w: %d is not a multiple of %d", ErrInvalidPageSize, pageSize, files.PageSize())
	}

	fd, err := ff.OpenRW(path)
	if err != nil {
		se := newStorageError("open", files.NoFd, 0, 0, err)
		se.Path = path
		return se
	}

	size, err := ff.Length(fd)
	if err != nil {
		ff.Close(fd)
		se := newStorageError("length", fd, 0, 0, err)
		se.Path = path
		return se
	}

	if err := m.SetPageSize(pageSize); err != nil {
		ff.Close(fd)
		return err
	}
	m.file = mappedFile{
		ff:       ff,
		fd:       fd,
		open:     true,
		pageSize: m.PageSize(),
		logger:   m.logger,
	}
	m.PagedMemory.alloc = &m.file
	m.EnsurePagesListCapacity(size)
	m.logger.Info().Str("path", path).Int("fd", int(fd)).Int64("size", size).Msg("open")

	// mapping can fail here, do not leave the descriptor behind
	if err := m.JumpTo(size); err != nil {
		m.PagedMemory.Close()
		ff.Close(fd)
		m.file.fd = files.NoFd
		m.file.open = false
		return err
	}
	m.path = path
	return nil
}

// SetPageSize is only allowed while the memory is closed; Open sets it.
func (m *ReadWriteMemory) SetPageSize(n int64) error {
	if m.IsOpen() {
		return ErrPageSizeLocked
	}
	return m.PagedMemory.SetPageSize(n)
}

func (m *ReadWriteMemory) IsOpen() bool {
	return m.file.open
}

func (m *ReadWriteMemory) Fd() files.Fd {
	if !m.file.open {
		return files.NoFd
	}
	return m.file.fd
}

func (m *ReadWriteMemory) Path() string {
	return m.path
}

// Close unmaps every page, shrinks the file to the append offset and
// releases the descriptor. Every step is best effort: failures are logged
// and the descriptor is released regardless.
func (m *ReadWriteMemory) Close() {
	size := m.AppendOffset()
	m.PagedMemory.Close()
	if !m.IsOpen() {
		return
	}

	ff, fd := m.file.ff, m.file.fd
	defer func() {
		if err := ff.Close(fd); err != nil {
			m.logger.Error().Err(err).Int("fd", int(fd)).Msg("could not close")
		}
		m.file.fd = files.NoFd
		m.file.open = false
		m.path = ""
	}()

	if err := ff.Truncate(fd, size); err != nil {
		m.logger.Error().Err(err).Int("fd", int(fd)).Int64("size", size).Msg("could not truncate")
		return
	}
	m.logger.Debug().Int("fd", int(fd)).Int64("size", size).Msg("truncated and closed")
}

// SyncPage flushes one mapped page. Failures are logged, not returned.
func (m *ReadWriteMemory) SyncPage(page int, async bool) {
	if page < 0 || page >= len(m.pages) || m.pages[page] == nil {
		return
	}
	if err := m.file.ff.Msync(m.pages[page], async); err != nil {
		m.logger.Error().Err(err).Int("fd", int(m.file.fd)).Int("page", page).Msg("could not msync")
	}
}

// Sync flushes every mapped page in ascending order.
func (m *ReadWriteMemory) Sync(async bool) {
	for page := range m.pages {
		m.SyncPage(page, async)
	}
}

// Truncate discards all content while keeping the file open. The first page
// stays mapped and zeroed, the others are unmapped and the file is cut back
// to one page. When the file cannot be shrunk, everything past the first
// page is zeroed through a temporary mapping of the whole file instead.
func (m *ReadWriteMemory) Truncate() error {
	if !m.IsOpen() {
		return ErrNotOpen
	}

	first, err := m.PageAddress(0)
	if err != nil {
		return err
	}
	clear(first)
	m.releasePages(1)
	m.appendOffset = 0

	ff, fd := m.file.ff, m.file.fd
	pageSize := m.PageSize()
	fileSize, err := ff.Length(fd)
	if err != nil {
		return newStorageError("length", fd, 0, 0, err)
	}
	if fileSize <= pageSize {
		return nil
	}
	if err := ff.Truncate(fd, pageSize); err == nil {
		return nil
	}

	mem, err := ff.Mmap(fd, fileSize, 0, files.MapRW)
	if err != nil {
		return newStorageError("mmap", fd, 0, fileSize, err)
	}
	clear(mem[pageSize:])
	if err := ff.Munmap(mem); err != nil {
		return newStorageError("munmap", fd, 0, fileSize, err)
	}
	m.logger.Info().Int("fd", int(fd)).Msg("could not truncate, zeroed")
	return nil
}

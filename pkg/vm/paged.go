// pkg/vm/paged.go

// Package vm implements paged virtual memory: a single logical address space
// split into fixed size pages that are obtained lazily from a PageAllocator.
// ReadWriteMemory backs the pages with a memory-mapped file that grows one
// page at a time.
package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

// PageAllocator supplies and reclaims the memory behind individual pages.
//
// AllocatePage is called at most once per page index while the page is
// mapped. It must either return a usable region of exactly the page size or
// an error, never a partially set up page. ReleasePage is called exactly once
// for every region AllocatePage returned.
type PageAllocator interface {
	AllocatePage(page int) ([]byte, error)
	ReleasePage(page int, mem []byte)
}

// PagedMemory maps logical offsets onto pages and keeps an append cursor.
// It is not safe for concurrent use.
type PagedMemory struct {
	alloc        PageAllocator
	pages        [][]byte
	pageSize     int64
	bits         uint
	mask         int64
	appendOffset int64
}

// NewPagedMemory returns an empty memory drawing pages from alloc.
func NewPagedMemory(alloc PageAllocator, pageSize int64) (*PagedMemory, error) {
	m := &PagedMemory{alloc: alloc}
	if err := m.SetPageSize(pageSize); err != nil {
		return nil, err
	}
	return m, nil
}

// MaxPageSize is the largest page size that can be rounded to a power of two.
const MaxPageSize int64 = 1 << 62

// SetPageSize fixes the page size, rounded up to a power of two. It fails
// once any page has been mapped.
func (m *PagedMemory) SetPageSize(n int64) error {
	if n <= 0 || n > MaxPageSize {
		return fmt.Errorf("%w: %d", ErrInvalidPageSize, n)
	}
	if len(m.pages) > 0 {
		return ErrPageSizeLocked
	}
	size := ceilPow2(n)
	m.pageSize = size
	m.bits = uint(bits.TrailingZeros64(uint64(size)))
	m.mask = size - 1
	return nil
}

func ceilPow2(n int64) int64 {
	if n&(n-1) == 0 {
		return n
	}
	return int64(1) << bits.Len64(uint64(n))
}

func (m *PagedMemory) PageSize() int64 {
	return m.pageSize
}

// Pages returns the length of the page list, mapped or not.
func (m *PagedMemory) Pages() int {
	return len(m.pages)
}

// MappedPages counts the pages currently holding memory.
func (m *PagedMemory) MappedPages() int {
	n := 0
	for _, p := range m.pages {
		if p != nil {
			n++
		}
	}
	return n
}

// Capacity is the number of bytes addressable through the page list.
func (m *PagedMemory) Capacity() int64 {
	return int64(len(m.pages)) * m.pageSize
}

func (m *PagedMemory) PageOffset(page int) int64 {
	return int64(page) << m.bits
}

func (m *PagedMemory) PageIndex(offset int64) int {
	return int(offset >> m.bits)
}

func (m *PagedMemory) OffsetInPage(offset int64) int64 {
	return offset & m.mask
}

// PageAddress returns the memory of page, allocating it on first use.
// The returned slice is only valid until the page is released by Close or
// Truncate.
func (m *PagedMemory) PageAddress(page int) ([]byte, error) {
	if page < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	if m.pageSize == 0 {
		return nil, ErrInvalidPageSize
	}
	if page < len(m.pages) && m.pages[page] != nil {
		return m.pages[page], nil
	}
	if m.alloc == nil {
		return nil, ErrNotOpen
	}
	mem, err := m.alloc.AllocatePage(page)
	if err != nil {
		return nil, err
	}
	m.cachePage(page, mem)
	return mem, nil
}

func (m *PagedMemory) cachePage(page int, mem []byte) {
	for len(m.pages) <= page {
		m.pages = append(m.pages, nil)
	}
	m.pages[page] = mem
}

// Do lends page to fn. The slice must not be retained after fn returns.
func (m *PagedMemory) Do(page int, fn func([]byte) error) error {
	mem, err := m.PageAddress(page)
	if err != nil {
		return err
	}
	return fn(mem)
}

// EnsurePagesListCapacity sizes the page list for size bytes of content
// without mapping anything.
func (m *PagedMemory) EnsurePagesListCapacity(size int64) {
	if m.pageSize == 0 || size <= 0 {
		return
	}
	n := int((size + m.mask) >> m.bits)
	if cap(m.pages) >= n {
		return
	}
	grown := make([][]byte, len(m.pages), n)
	copy(grown, m.pages)
	m.pages = grown
}

func (m *PagedMemory) AppendOffset() int64 {
	return m.appendOffset
}

// JumpTo moves the append cursor to offset, mapping every page that covers
// [0, offset) first. The cursor is left untouched when mapping fails.
func (m *PagedMemory) JumpTo(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeOffset, offset)
	}
	if offset > 0 {
		last := m.PageIndex(offset - 1)
		for page := 0; page <= last; page++ {
			if _, err := m.PageAddress(page); err != nil {
				return err
			}
		}
	}
	m.appendOffset = offset
	return nil
}

// Write appends p at the cursor, crossing page boundaries as needed.
func (m *PagedMemory) Write(p []byte) (int, error) {
	n, err := m.WriteAt(p, m.appendOffset)
	m.appendOffset += int64(n)
	return n, err
}

// WriteAt copies p to off without moving the append cursor.
func (m *PagedMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeOffset, off)
	}
	written := 0
	for written < len(p) {
		page, err := m.PageAddress(m.PageIndex(off))
		if err != nil {
			return written, err
		}
		n := copy(page[m.OffsetInPage(off):], p[written:])
		written += n
		off += int64(n)
	}
	return written, nil
}

// ReadAt reads from content below the append cursor.
func (m *PagedMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeOffset, off)
	}
	if off >= m.appendOffset {
		return 0, io.EOF
	}
	want := p
	if limit := m.appendOffset - off; int64(len(want)) > limit {
		want = want[:limit]
	}
	read := 0
	for read < len(want) {
		page, err := m.PageAddress(m.PageIndex(off))
		if err != nil {
			return read, err
		}
		n := copy(want[read:], page[m.OffsetInPage(off):])
		read += n
		off += int64(n)
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

// PutUint64 appends v in little endian order.
func (m *PagedMemory) PutUint64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := m.Write(buf[:])
	return err
}

func (m *PagedMemory) Uint64At(off int64) (uint64, error) {
	var buf [8]byte
	n, err := m.ReadAt(buf[:], off)
	if n < len(buf) {
		if n > 0 && err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// releasePages drops every page from index first onwards and shortens the
// list to first entries.
func (m *PagedMemory) releasePages(first int) {
	for i := first; i < len(m.pages); i++ {
		mem := m.pages[i]
		if mem == nil {
			continue
		}
		m.pages[i] = nil
		m.alloc.ReleasePage(i, mem)
	}
	if first < len(m.pages) {
		m.pages = m.pages[:first]
	}
}

// Close releases every page and resets the cursor. The memory can be reused
// afterwards, including with a different page size.
func (m *PagedMemory) Close() {
	m.releasePages(0)
	m.pages = nil
	m.appendOffset = 0
}

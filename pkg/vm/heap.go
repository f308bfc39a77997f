// pkg/vm/heap.go
package vm

import (
	"errors"
)

var ErrMemoryLimit = errors.New("heap page limit reached")

// HeapAllocator implements PageAllocator with pages on the Go heap.
// It backs scratch memory where nothing needs to reach the disk.
type HeapAllocator struct {
	pageSize  int64
	limit     int
	live      int
	allocated int
	released  int
}

// NewHeapAllocator creates an allocator for pages of pageSize bytes, rounded
// up to a power of two. A positive limit caps the number of live pages.
func NewHeapAllocator(pageSize int64, limit int) *HeapAllocator {
	if pageSize > 0 && pageSize <= MaxPageSize {
		pageSize = ceilPow2(pageSize)
	}
	return &HeapAllocator{
		pageSize: pageSize,
		limit:    limit,
	}
}

func (h *HeapAllocator) AllocatePage(page int) ([]byte, error) {
	if h.limit > 0 && h.live >= h.limit {
		return nil, ErrMemoryLimit
	}
	h.live++
	h.allocated++
	return make([]byte, h.pageSize), nil
}

func (h *HeapAllocator) ReleasePage(page int, mem []byte) {
	h.live--
	h.released++
}

// Allocated returns how many pages were handed out in total.
func (h *HeapAllocator) Allocated() int {
	return h.allocated
}

// Released returns how many pages were given back.
func (h *HeapAllocator) Released() int {
	return h.released
}

// NewHeapMemory returns paged memory living entirely on the Go heap.
func NewHeapMemory(pageSize int64) (*PagedMemory, error) {
	if pageSize <= 0 {
		pageSize = DefaultHeapPageSize
	}
	return NewPagedMemory(NewHeapAllocator(pageSize, 0), pageSize)
}

package vm

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAllocator records every hook call made by PagedMemory.
type countingAllocator struct {
	*HeapAllocator
	perPage  map[int]int
	released []int
}

func newCountingAllocator(pageSize int64, limit int) *countingAllocator {
	return &countingAllocator{
		HeapAllocator: NewHeapAllocator(pageSize, limit),
		perPage:       make(map[int]int),
	}
}

func (c *countingAllocator) AllocatePage(page int) ([]byte, error) {
	mem, err := c.HeapAllocator.AllocatePage(page)
	if err == nil {
		c.perPage[page]++
	}
	return mem, err
}

func (c *countingAllocator) ReleasePage(page int, mem []byte) {
	c.released = append(c.released, page)
	c.HeapAllocator.ReleasePage(page, mem)
}

func newTestMemory(t *testing.T, pageSize int64, limit int) (*PagedMemory, *countingAllocator) {
	t.Helper()
	alloc := newCountingAllocator(pageSize, limit)
	m, err := NewPagedMemory(alloc, pageSize)
	require.NoError(t, err)
	return m, alloc
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251 + 1)
	}
	return b
}

func TestSetPageSize(t *testing.T) {
	m := &PagedMemory{alloc: NewHeapAllocator(4096, 0)}

	require.NoError(t, m.SetPageSize(3000))
	assert.Equal(t, int64(4096), m.PageSize())
	require.NoError(t, m.SetPageSize(4096))
	assert.Equal(t, int64(4096), m.PageSize())

	assert.ErrorIs(t, m.SetPageSize(0), ErrInvalidPageSize)
	assert.ErrorIs(t, m.SetPageSize(-8), ErrInvalidPageSize)
	assert.ErrorIs(t, m.SetPageSize(MaxPageSize+1), ErrInvalidPageSize)
	assert.Equal(t, int64(4096), m.PageSize())

	_, err := m.PageAddress(0)
	require.NoError(t, err)
	assert.ErrorIs(t, m.SetPageSize(8192), ErrPageSizeLocked)

	m.Close()
	assert.NoError(t, m.SetPageSize(8192))
	assert.Equal(t, int64(8192), m.PageSize())
}

func TestPageAddressWithoutPageSize(t *testing.T) {
	m := &PagedMemory{alloc: NewHeapAllocator(4096, 0)}
	_, err := m.PageAddress(0)
	assert.ErrorIs(t, err, ErrInvalidPageSize)
	_, err = m.PageAddress(-1)
	assert.ErrorIs(t, err, ErrInvalidPage)
}

func TestPageAddressWithoutAllocator(t *testing.T) {
	var m PagedMemory
	require.NoError(t, m.SetPageSize(4096))
	_, err := m.PageAddress(0)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestLargestPageSize(t *testing.T) {
	m := &PagedMemory{}
	require.NoError(t, m.SetPageSize(MaxPageSize/2+1))
	assert.Equal(t, MaxPageSize, m.PageSize())
	assert.Equal(t, 1, m.PageIndex(MaxPageSize))
	assert.Equal(t, int64(1), m.OffsetInPage(MaxPageSize+1))
}

func TestPageAddressIdempotent(t *testing.T) {
	m, alloc := newTestMemory(t, 4096, 0)

	for page := 0; page < 5; page++ {
		first, err := m.PageAddress(page)
		require.NoError(t, err)
		second, err := m.PageAddress(page)
		require.NoError(t, err)

		assert.Len(t, first, 4096)
		assert.Same(t, &first[0], &second[0], "page %d remapped", page)
		assert.Equal(t, 1, alloc.perPage[page], "page %d allocated more than once", page)
	}
	assert.Equal(t, 5, alloc.Allocated())
}

func TestPageAddressLeavesHoles(t *testing.T) {
	m, alloc := newTestMemory(t, 4096, 0)

	_, err := m.PageAddress(3)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Pages())
	assert.Equal(t, 1, m.MappedPages())
	assert.Equal(t, 1, alloc.Allocated())
	assert.Equal(t, int64(4*4096), m.Capacity())
}

func TestOffsetPageCorrespondence(t *testing.T) {
	m, _ := newTestMemory(t, 4096, 0)

	for _, off := range []int64{0, 1, 4095, 4096, 4097, 8191, 8192, 1<<20 + 17, 1<<40 + 3} {
		page := m.PageIndex(off)
		local := m.OffsetInPage(off)

		assert.Equal(t, int(off/4096), page, "offset %d", off)
		assert.Equal(t, off%4096, local, "offset %d", off)
		assert.Equal(t, off, m.PageOffset(page)+local)
	}
	assert.Equal(t, int64(3*4096), m.PageOffset(3))
}

func TestJumpToMapsCoveringPages(t *testing.T) {
	m, alloc := newTestMemory(t, 4096, 0)

	require.NoError(t, m.JumpTo(0))
	assert.Equal(t, 0, m.Pages())
	assert.Equal(t, 0, alloc.Allocated())

	require.NoError(t, m.JumpTo(2*4096))
	assert.Equal(t, 2, m.MappedPages())
	assert.Equal(t, int64(2*4096), m.AppendOffset())

	require.NoError(t, m.JumpTo(2*4096+1))
	assert.Equal(t, 3, m.MappedPages())
	assert.LessOrEqual(t, m.AppendOffset(), m.Capacity())

	require.NoError(t, m.JumpTo(10))
	assert.Equal(t, int64(10), m.AppendOffset())
	assert.Equal(t, 3, alloc.Allocated())
}

func TestJumpToNegative(t *testing.T) {
	m, _ := newTestMemory(t, 4096, 0)
	assert.ErrorIs(t, m.JumpTo(-1), ErrNegativeOffset)
}

func TestJumpToAllocationFailure(t *testing.T) {
	m, _ := newTestMemory(t, 4096, 2)

	require.NoError(t, m.JumpTo(100))
	err := m.JumpTo(3 * 4096)
	assert.ErrorIs(t, err, ErrMemoryLimit)
	assert.Equal(t, int64(100), m.AppendOffset())
	assert.Equal(t, 2, m.MappedPages())
}

func TestWriteReadAcrossPages(t *testing.T) {
	m, _ := newTestMemory(t, 4096, 0)
	data := pattern(10000)

	n, err := m.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, int64(10000), m.AppendOffset())
	assert.Equal(t, 3, m.MappedPages())

	got := make([]byte, len(data))
	n, err = m.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.True(t, bytes.Equal(data, got))

	tail := make([]byte, 100)
	n, err = m.ReadAt(tail, 9950)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, data[9950:], tail[:50])

	_, err = m.ReadAt(tail, 10000)
	assert.Equal(t, io.EOF, err)
	_, err = m.ReadAt(tail, -1)
	assert.ErrorIs(t, err, ErrNegativeOffset)
}

func TestWriteStopsOnAllocationFailure(t *testing.T) {
	m, _ := newTestMemory(t, 4096, 1)

	n, err := m.Write(pattern(5000))
	assert.ErrorIs(t, err, ErrMemoryLimit)
	assert.Equal(t, 4096, n)
	assert.Equal(t, int64(4096), m.AppendOffset())
}

func TestWriteAtKeepsCursor(t *testing.T) {
	m, _ := newTestMemory(t, 4096, 0)
	_, err := m.Write([]byte("0123456789"))
	require.NoError(t, err)

	n, err := m.WriteAt([]byte("abc"), 4094)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(10), m.AppendOffset())

	require.NoError(t, m.JumpTo(4097))
	got := make([]byte, 3)
	_, err = m.ReadAt(got, 4094)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	_, err = m.WriteAt([]byte("x"), -3)
	assert.ErrorIs(t, err, ErrNegativeOffset)
}

func TestPutUint64(t *testing.T) {
	m, _ := newTestMemory(t, 4096, 0)
	require.NoError(t, m.JumpTo(4092))

	require.NoError(t, m.PutUint64(0xdeadbeefcafe))
	require.NoError(t, m.PutUint64(42))

	v, err := m.Uint64At(4092)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeefcafe), v)
	v, err = m.Uint64At(4100)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	_, err = m.Uint64At(4108)
	assert.Equal(t, io.EOF, err)
	_, err = m.Uint64At(4103)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestEnsurePagesListCapacity(t *testing.T) {
	m, alloc := newTestMemory(t, 4096, 0)

	m.EnsurePagesListCapacity(10*4096 + 1)
	assert.GreaterOrEqual(t, cap(m.pages), 11)
	assert.Equal(t, 0, m.Pages())
	assert.Equal(t, 0, alloc.Allocated())

	m.EnsurePagesListCapacity(0)
	assert.Equal(t, 0, m.Pages())
}

func TestDo(t *testing.T) {
	m, _ := newTestMemory(t, 4096, 0)

	err := m.Do(1, func(page []byte) error {
		copy(page, "borrowed")
		return nil
	})
	require.NoError(t, err)

	err = m.Do(1, func(page []byte) error {
		assert.Equal(t, "borrowed", string(page[:8]))
		return io.ErrShortWrite
	})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestCloseReleasesEveryPage(t *testing.T) {
	m, alloc := newTestMemory(t, 4096, 0)
	_, err := m.Write(pattern(3 * 4096))
	require.NoError(t, err)
	_, err = m.PageAddress(6)
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, []int{0, 1, 2, 6}, alloc.released)
	assert.Equal(t, alloc.Allocated(), alloc.Released())
	assert.Equal(t, 0, m.Pages())
	assert.Equal(t, int64(0), m.AppendOffset())

	m.Close()
	assert.Len(t, alloc.released, 4)
}

func TestNewHeapMemory(t *testing.T) {
	m, err := NewHeapMemory(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHeapPageSize, m.PageSize())

	_, err = NewHeapMemory(MaxPageSize + 1)
	assert.ErrorIs(t, err, ErrInvalidPageSize)

	m, err = NewHeapMemory(5000)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), m.PageSize())

	page, err := m.PageAddress(0)
	require.NoError(t, err)
	assert.Len(t, page, 8192)
}

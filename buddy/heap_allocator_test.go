package buddy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietfold/gpumm/internal/memtest"
	"github.com/quietfold/gpumm/mem"
)

const (
	testSystemSize = 64 << 20
	testHeapSize   = 4 << 20
	testMinBlock   = 64 << 10
)

func newTestHeapAllocator(t *testing.T) (*HeapAllocator, *memtest.Leaf) {
	t.Helper()
	leaf := memtest.NewLeaf()
	b, err := NewHeapAllocator(testSystemSize, testHeapSize, testMinBlock, leaf)
	require.NoError(t, err)
	return b, leaf
}

func Test_HeapAllocator_SharesOneHeap(t *testing.T) {
	b, leaf := newTestHeapAllocator(t)

	// Many small blocks land in the first tile and share one heap.
	var allocs []*mem.Allocation
	for i := 0; i < 10; i++ {
		a, err := b.TryAllocate(mem.Request{Size: 64 << 10})
		require.NoError(t, err)
		allocs = append(allocs, a)
	}

	require.Equal(t, 1, leaf.Provider.Stats().CreateCalls)
	require.Equal(t, 1, b.HeapCount())

	// All blocks share the same heap and are pairwise disjoint.
	seen := map[uint64]bool{}
	for _, a := range allocs {
		require.Same(t, allocs[0].Heap(), a.Heap())
		require.False(t, seen[a.Offset()])
		seen[a.Offset()] = true
	}

	for _, a := range allocs {
		require.NoError(t, b.Deallocate(a))
	}
	require.Equal(t, 0, b.HeapCount())
	require.Equal(t, 1, leaf.Provider.Stats().DestroyCalls)
}

func Test_HeapAllocator_HeapPerTile(t *testing.T) {
	b, leaf := newTestHeapAllocator(t)

	// Two tile-sized blocks need two heaps.
	a1, err := b.TryAllocate(mem.Request{Size: testHeapSize})
	require.NoError(t, err)
	a2, err := b.TryAllocate(mem.Request{Size: testHeapSize})
	require.NoError(t, err)

	require.NotSame(t, a1.Heap(), a2.Heap())
	require.Equal(t, 2, leaf.Provider.Stats().CreateCalls)

	require.NoError(t, b.Deallocate(a1))
	require.NoError(t, b.Deallocate(a2))
	require.Equal(t, 2, leaf.Provider.Stats().DestroyCalls)
}

func Test_HeapAllocator_RejectsLargerThanTile(t *testing.T) {
	b, leaf := newTestHeapAllocator(t)

	_, err := b.TryAllocate(mem.Request{Size: testHeapSize + 1})
	require.ErrorIs(t, err, mem.ErrOutOfMemory)
	require.Equal(t, 0, leaf.Provider.Stats().CreateCalls)

	// An alignment above the tile size is equally unsatisfiable.
	_, err = b.TryAllocate(mem.Request{Size: 64 << 10, Alignment: testHeapSize * 2})
	require.ErrorIs(t, err, mem.ErrOutOfMemory)
}

func Test_HeapAllocator_OffsetWithinHeap(t *testing.T) {
	b, _ := newTestHeapAllocator(t)

	a1, err := b.TryAllocate(mem.Request{Size: 64 << 10})
	require.NoError(t, err)
	a2, err := b.TryAllocate(mem.Request{Size: 64 << 10})
	require.NoError(t, err)

	// Block offsets are virtual; allocation offsets are heap-relative.
	require.Equal(t, uint64(0), a1.Offset())
	require.Equal(t, uint64(64<<10), a2.Offset())
	require.Equal(t, uint64(64<<10), a2.Block().Offset)
	require.Less(t, a2.Offset(), uint64(testHeapSize))

	require.NoError(t, b.Deallocate(a2))
	require.NoError(t, b.Deallocate(a1))
}

func Test_HeapAllocator_AlignmentHonored(t *testing.T) {
	b, _ := newTestHeapAllocator(t)

	for _, alignment := range []uint64{64 << 10, 256 << 10, 1 << 20} {
		a, err := b.TryAllocate(mem.Request{Size: 64 << 10, Alignment: alignment})
		require.NoError(t, err)
		require.Zero(t, a.Offset()%alignment)
		require.NoError(t, b.Deallocate(a))
	}
}

func Test_HeapAllocator_NeverAllocateCold(t *testing.T) {
	b, leaf := newTestHeapAllocator(t)

	_, err := b.TryAllocate(mem.Request{Size: 64 << 10, NeverAllocate: true})
	require.ErrorIs(t, err, mem.ErrOutOfMemory)
	require.Equal(t, 0, leaf.Provider.Stats().CreateCalls)

	// The reserved index block was rolled back.
	require.Equal(t, uint64(0), b.index.UsedBytes())
}

func Test_HeapAllocator_InfoRoundTrip(t *testing.T) {
	b, _ := newTestHeapAllocator(t)

	before := b.QueryInfo()

	a, err := b.TryAllocate(mem.Request{Size: 100 << 10})
	require.NoError(t, err)

	during := b.QueryInfo()
	// 100 KiB rounds to the 128 KiB buddy block.
	require.Equal(t, uint64(128<<10), during.UsedBlockBytes)
	require.Equal(t, uint64(testHeapSize), during.UsedMemoryBytes)
	require.LessOrEqual(t, during.UsedBlockBytes, during.UsedMemoryBytes)

	require.NoError(t, b.Deallocate(a))
	require.Equal(t, before, b.QueryInfo())
}

func Test_HeapAllocator_WrongAllocatorDetected(t *testing.T) {
	b1, _ := newTestHeapAllocator(t)
	b2, _ := newTestHeapAllocator(t)

	a, err := b1.TryAllocate(mem.Request{Size: 64 << 10})
	require.NoError(t, err)

	require.ErrorIs(t, b2.Deallocate(a), mem.ErrContractViolation)
	require.NoError(t, b1.Deallocate(a))
}

func Test_HeapAllocator_EmptyDeallocateNoOp(t *testing.T) {
	b, _ := newTestHeapAllocator(t)
	require.NoError(t, b.Deallocate(nil))
	require.NoError(t, b.Deallocate(&mem.Allocation{}))
}

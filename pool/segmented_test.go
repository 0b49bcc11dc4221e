package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietfold/gpumm/internal/memtest"
	"github.com/quietfold/gpumm/mem"
)

func Test_Pool_ReusesExactSize(t *testing.T) {
	leaf := memtest.NewLeaf()
	p := NewSegmentedPool(leaf, 0)

	a, err := p.TryAllocate(mem.Request{Size: 4 << 20})
	require.NoError(t, err)
	require.Equal(t, 1, leaf.Provider.Stats().CreateCalls)

	require.NoError(t, p.Deallocate(a))
	require.Equal(t, 1, p.IdleCount())
	require.Equal(t, 0, leaf.Provider.Stats().DestroyCalls)

	// Same size hits the pool: no new backend call.
	b, err := p.TryAllocate(mem.Request{Size: 4 << 20})
	require.NoError(t, err)
	require.Equal(t, 1, leaf.Provider.Stats().CreateCalls)
	require.Same(t, a.Heap(), b.Heap())
	require.NoError(t, p.Deallocate(b))
}

func Test_Pool_MissOnDifferentSize(t *testing.T) {
	leaf := memtest.NewLeaf()
	p := NewSegmentedPool(leaf, 0)

	a, err := p.TryAllocate(mem.Request{Size: 4 << 20})
	require.NoError(t, err)
	require.NoError(t, p.Deallocate(a))

	// A different size cannot reuse the parked heap.
	_, err = p.TryAllocate(mem.Request{Size: 8 << 20})
	require.NoError(t, err)
	require.Equal(t, 2, leaf.Provider.Stats().CreateCalls)
}

func Test_Pool_LIFOOrder(t *testing.T) {
	leaf := memtest.NewLeaf()
	p := NewSegmentedPool(leaf, 0)

	a, err := p.TryAllocate(mem.Request{Size: 1 << 20})
	require.NoError(t, err)
	b, err := p.TryAllocate(mem.Request{Size: 1 << 20})
	require.NoError(t, err)

	require.NoError(t, p.Deallocate(a))
	require.NoError(t, p.Deallocate(b))

	// The most recently parked heap comes back first.
	c, err := p.TryAllocate(mem.Request{Size: 1 << 20})
	require.NoError(t, err)
	require.Same(t, b.Heap(), c.Heap())
}

func Test_Pool_EvictsOldestBeyondCap(t *testing.T) {
	leaf := memtest.NewLeaf()
	p := NewSegmentedPool(leaf, 2)

	a, _ := p.TryAllocate(mem.Request{Size: 1 << 20})
	b, _ := p.TryAllocate(mem.Request{Size: 2 << 20})
	c, _ := p.TryAllocate(mem.Request{Size: 4 << 20})

	require.NoError(t, p.Deallocate(a))
	require.NoError(t, p.Deallocate(b))
	require.Equal(t, 2, p.IdleCount())

	// Parking a third evicts the oldest (a's heap).
	require.NoError(t, p.Deallocate(c))
	require.Equal(t, 2, p.IdleCount())
	require.Equal(t, 1, leaf.Provider.Stats().DestroyCalls)

	// a's bucket is empty again: a fresh heap is created.
	_, err := p.TryAllocate(mem.Request{Size: 1 << 20})
	require.NoError(t, err)
	require.Equal(t, 4, leaf.Provider.Stats().CreateCalls)
}

func Test_Pool_ReleaseMemoryDrains(t *testing.T) {
	leaf := memtest.NewLeaf()
	p := NewSegmentedPool(leaf, 0)

	for _, size := range []uint64{1 << 20, 2 << 20, 4 << 20} {
		a, err := p.TryAllocate(mem.Request{Size: size})
		require.NoError(t, err)
		require.NoError(t, p.Deallocate(a))
	}
	require.Equal(t, 3, p.IdleCount())

	require.NoError(t, p.ReleaseMemory())
	require.Equal(t, 0, p.IdleCount())
	require.Equal(t, 3, leaf.Provider.Stats().DestroyCalls)
	require.Equal(t, uint64(0), p.QueryInfo().UsedMemoryBytes)
	require.Equal(t, uint64(0), p.QueryInfo().FreeMemoryBytes)

	// Idempotent: a second release changes nothing.
	require.NoError(t, p.ReleaseMemory())
	require.Equal(t, 3, leaf.Provider.Stats().DestroyCalls)
}

func Test_Pool_InfoCountsParkedAsFree(t *testing.T) {
	leaf := memtest.NewLeaf()
	p := NewSegmentedPool(leaf, 0)

	a, err := p.TryAllocate(mem.Request{Size: 4 << 20})
	require.NoError(t, err)

	info := p.QueryInfo()
	require.Equal(t, uint64(4<<20), info.UsedMemoryBytes)
	require.Equal(t, uint64(0), info.FreeMemoryBytes)

	require.NoError(t, p.Deallocate(a))
	info = p.QueryInfo()
	require.Equal(t, uint64(0), info.UsedMemoryBytes)
	require.Equal(t, uint64(4<<20), info.FreeMemoryBytes)
}

func Test_Pool_CacheSizeParksHeap(t *testing.T) {
	leaf := memtest.NewLeaf()
	p := NewSegmentedPool(leaf, 0)

	a, err := p.TryAllocate(mem.Request{Size: 4 << 20, CacheSize: true})
	require.NoError(t, err)
	require.True(t, a.IsEmpty())
	require.Equal(t, 1, p.IdleCount())

	// The warmed heap serves the next request without a backend call.
	_, err = p.TryAllocate(mem.Request{Size: 4 << 20})
	require.NoError(t, err)
	require.Equal(t, 1, leaf.Provider.Stats().CreateCalls)
}

func Test_Pool_WrongAllocatorDetected(t *testing.T) {
	leaf := memtest.NewLeaf()
	p1 := NewSegmentedPool(leaf, 0)
	p2 := NewSegmentedPool(memtest.NewLeaf(), 0)

	a, err := p1.TryAllocate(mem.Request{Size: 1 << 20})
	require.NoError(t, err)
	require.ErrorIs(t, p2.Deallocate(a), mem.ErrContractViolation)
	require.NoError(t, p1.Deallocate(a))

	// Double free is detected, not corrupted.
	require.ErrorIs(t, p1.Deallocate(a), mem.ErrContractViolation)
}

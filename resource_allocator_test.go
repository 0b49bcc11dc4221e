package gpumm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/mem"
)

func newTestAllocator(t *testing.T, opts Options) (*ResourceAllocator, *backend.SimProvider) {
	t.Helper()
	p := backend.NewSimProvider()
	ra, err := NewResourceAllocator(p, nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ra.Close() })
	return ra, p
}

// Scenario: default config, ten 64 KiB buffers share one preferred-size
// heap; freeing them empties the blocks but the pool retains the heap.
func Test_CreateResource_SharedHeapAndPooling(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	var allocs []*ResourceAllocation
	for i := 0; i < 10; i++ {
		a, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10})
		require.NoError(t, err)
		require.Equal(t, mem.MethodSubAllocated, a.Method())
		allocs = append(allocs, a)
	}

	require.Equal(t, 1, p.Stats().CreateCalls)
	require.Equal(t, uint64(DefaultPreferredHeapSize), p.Stats().CreatedBytes)

	for _, a := range allocs {
		require.NoError(t, a.Release())
	}

	info := ra.QueryInfo()
	require.Equal(t, uint64(0), info.UsedBlockBytes)
	// The heap went back to the pool, not to the driver.
	require.Equal(t, 0, p.Stats().DestroyCalls)
	require.Equal(t, uint64(DefaultPreferredHeapSize), info.FreeMemoryBytes)
}

// Scenario: always-on-demand disables pooling, so the same buffer twice
// costs two heap creations and two destructions.
func Test_CreateResource_OnDemand(t *testing.T) {
	ra, p := newTestAllocator(t, Options{AlwaysOnDemand: true})

	for i := 0; i < 2; i++ {
		a, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10})
		require.NoError(t, err)
		require.NoError(t, a.Release())
	}

	require.Equal(t, 2, p.Stats().CreateCalls)
	require.Equal(t, 2, p.Stats().DestroyCalls)
}

// Scenario: always-committed bypasses the whole stack.
func Test_CreateResource_AlwaysCommitted(t *testing.T) {
	ra, p := newTestAllocator(t, Options{AlwaysCommitted: true})

	a, err := ra.CreateResource(ResourceDescriptor{Size: 1 << 20})
	require.NoError(t, err)
	require.Equal(t, mem.MethodStandalone, a.Method())
	require.Equal(t, 1, p.Stats().CreateCalls)

	// No buddy or slab activity: the only used memory is the committed heap.
	info := ra.QueryInfo()
	require.Equal(t, uint64(0), info.UsedBlockBytes)
	require.Equal(t, uint64(1<<20), info.UsedMemoryBytes)
	require.Equal(t, uint64(1), info.UsedMemoryCount)

	require.NoError(t, a.Release())
	require.Equal(t, 1, p.Stats().DestroyCalls)
}

// Scenario: a small buffer with the within-resource flag lands at offset
// zero of a fresh dedicated buffer.
func Test_CreateResource_WithinResource(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	a, err := ra.CreateResource(ResourceDescriptor{
		Size:      300,
		Alignment: 256,
		Flags:     FlagAllowSubAllocateWithinResource,
	})
	require.NoError(t, err)
	require.Equal(t, mem.MethodSubAllocatedWithinResource, a.Method())
	require.Equal(t, uint64(0), a.Offset())
	require.Equal(t, 1, p.Stats().BufferCalls)

	require.NoError(t, a.Release())
}

// Scenario: a request beyond the heap size cap fails without touching the
// backend.
func Test_CreateResource_OverMaxFailsEarly(t *testing.T) {
	ra, p := newTestAllocator(t, Options{MaxHeapSize: 16 << 20})

	_, err := ra.CreateResource(ResourceDescriptor{Size: 16<<20 + 1})
	require.ErrorIs(t, err, mem.ErrOutOfMemory)
	require.Equal(t, 0, p.Stats().CreateCalls)
}

// Scenario: with prefetch enabled, slab-sized allocations are served from
// prefetched slabs after the first.
func Test_CreateResource_PrefetchServesSlabs(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	slabSize := uint64(DefaultPreferredHeapSize)
	var allocs []*ResourceAllocation

	a, err := ra.CreateResource(ResourceDescriptor{Size: slabSize, Flags: FlagAlwaysPrefetch})
	require.NoError(t, err)
	allocs = append(allocs, a)

	for i := 0; i < 3; i++ {
		// The last allocation skips the prefetch flag so no job is left
		// in flight when the counters are read.
		flags := FlagAlwaysPrefetch
		if i == 2 {
			flags = 0
		}
		waitForPrefetchedCapacity(t, ra, slabSize)
		a, err = ra.CreateResource(ResourceDescriptor{Size: slabSize, Flags: flags})
		require.NoError(t, err)
		allocs = append(allocs, a)
	}

	info := ra.QueryInfo()
	require.Equal(t, uint64(3), info.PrefetchedMemoryHits)
	require.Equal(t, 4, p.Stats().CreateCalls)

	for _, a := range allocs {
		require.NoError(t, a.Release())
	}
}

// waitForPrefetchedCapacity polls until the background worker has spliced
// in enough free capacity for one more slab.
func waitForPrefetchedCapacity(t *testing.T, ra *ResourceAllocator, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ra.QueryInfo().FreeMemoryBytes >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("prefetched capacity did not arrive")
}

func Test_CreateResource_BoundaryInputs(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	_, err := ra.CreateResource(ResourceDescriptor{Size: 0})
	require.ErrorIs(t, err, mem.ErrInvalidArgument)

	_, err = ra.CreateResource(ResourceDescriptor{Size: 4096, Alignment: 3})
	require.ErrorIs(t, err, mem.ErrInvalidArgument)

	_, err = ra.CreateResource(ResourceDescriptor{Size: 4096, Kind: backend.Kind(backend.NumKinds)})
	require.ErrorIs(t, err, mem.ErrInvalidArgument)

	require.Equal(t, 0, p.Stats().CreateCalls)
}

func Test_CreateResource_NeverAllocateColdFailsWithoutBackend(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	_, err := ra.CreateResource(ResourceDescriptor{
		Size:  64 << 10,
		Flags: FlagNeverAllocate,
	})
	require.ErrorIs(t, err, mem.ErrOutOfMemory)
	require.Equal(t, 0, p.Stats().CreateCalls)
}

func Test_CreateResource_NeverAllocateUsesWarmCapacity(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	// Warm the stack: allocate and free so the pool holds a heap.
	a, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10})
	require.NoError(t, err)
	require.NoError(t, a.Release())
	created := p.Stats().CreateCalls

	b, err := ra.CreateResource(ResourceDescriptor{
		Size:  64 << 10,
		Flags: FlagNeverAllocate,
	})
	require.NoError(t, err)
	require.Equal(t, created, p.Stats().CreateCalls)
	require.NoError(t, b.Release())
}

func Test_CreateResource_FallsBackToStandalone(t *testing.T) {
	// 3 MiB fragments a 4 MiB slab class past the default limit and the
	// buddy serves it instead; 6 MiB exceeds the preferred heap size and
	// falls through to the standalone stack.
	ra, _ := newTestAllocator(t, Options{})

	a, err := ra.CreateResource(ResourceDescriptor{Size: 3 << 20})
	require.NoError(t, err)
	require.Equal(t, mem.MethodSubAllocated, a.Method())

	b, err := ra.CreateResource(ResourceDescriptor{Size: 6 << 20})
	require.NoError(t, err)
	require.Equal(t, mem.MethodStandalone, b.Method())

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}

func Test_CreateResource_DisjointLiveAllocations(t *testing.T) {
	ra, _ := newTestAllocator(t, Options{})

	type span struct {
		heap *backend.Heap
		lo   uint64
		hi   uint64
	}
	var spans []span
	var allocs []*ResourceAllocation

	for _, size := range []uint64{64 << 10, 128 << 10, 64 << 10, 1 << 20, 300 << 10, 64 << 10} {
		a, err := ra.CreateResource(ResourceDescriptor{Size: size})
		require.NoError(t, err)
		allocs = append(allocs, a)
		spans = append(spans, span{a.Heap(), a.Offset(), a.Offset() + size})
	}

	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].heap != spans[j].heap {
				continue
			}
			overlap := spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi
			require.False(t, overlap, "allocations %d and %d overlap", i, j)
		}
	}

	for _, a := range allocs {
		require.NoError(t, a.Release())
	}
}

func Test_CreateResource_AlignmentHonored(t *testing.T) {
	ra, _ := newTestAllocator(t, Options{})

	for _, alignment := range []uint64{256, 4096, 64 << 10, 1 << 20} {
		a, err := ra.CreateResource(ResourceDescriptor{Size: 100 << 10, Alignment: alignment})
		require.NoError(t, err)
		require.Zero(t, a.Offset()%alignment)
		require.NoError(t, a.Release())
	}
}

func Test_ReleaseMemory_DropsAllIdleHeaps(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	a, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10})
	require.NoError(t, err)
	b, err := ra.CreateResource(ResourceDescriptor{Size: 6 << 20})
	require.NoError(t, err)
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())

	require.NoError(t, ra.ReleaseMemory())
	info := ra.QueryInfo()
	require.Equal(t, uint64(0), info.UsedMemoryBytes)
	require.Equal(t, uint64(0), info.FreeMemoryBytes)
	require.Equal(t, p.Stats().CreateCalls, p.Stats().DestroyCalls)

	// Idempotent.
	before := ra.QueryInfo()
	require.NoError(t, ra.ReleaseMemory())
	require.Equal(t, before, ra.QueryInfo())
}

func Test_QueryInfo_RoundTrip(t *testing.T) {
	ra, _ := newTestAllocator(t, Options{})

	// Warm cycle so pools have settled.
	a, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10})
	require.NoError(t, err)
	require.NoError(t, a.Release())

	before := ra.QueryInfo()
	a, err = ra.CreateResource(ResourceDescriptor{Size: 64 << 10})
	require.NoError(t, err)
	require.NoError(t, a.Release())
	after := ra.QueryInfo()

	// Monotonic activity counters are excluded from the comparison.
	after.SizeCacheMisses = before.SizeCacheMisses
	after.SizeCacheHits = before.SizeCacheHits
	require.Equal(t, before, after)
}

func Test_QueryInfo_UsedBlockNeverExceedsUsedMemory(t *testing.T) {
	ra, _ := newTestAllocator(t, Options{})

	var allocs []*ResourceAllocation
	for _, size := range []uint64{300, 64 << 10, 1 << 20, 3 << 20, 6 << 20} {
		a, err := ra.CreateResource(ResourceDescriptor{Size: size})
		require.NoError(t, err)
		allocs = append(allocs, a)

		info := ra.QueryInfo()
		require.LessOrEqual(t, info.UsedBlockBytes, info.UsedMemoryBytes)
	}
	for _, a := range allocs {
		require.NoError(t, a.Release())
	}
}

func Test_CreateResource_BackendFailurePropagates(t *testing.T) {
	p := backend.NewSimProvider()
	ra, err := NewResourceAllocator(p, nil, Options{AlwaysCommitted: true})
	require.NoError(t, err)
	defer ra.Close()

	p.FailNext = 1
	p.FailCode = -42

	_, err = ra.CreateResource(ResourceDescriptor{Size: 1 << 20})
	var berr *backend.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, int32(-42), berr.Code)
}

func Test_CreateResource_DoubleReleaseDetected(t *testing.T) {
	ra, _ := newTestAllocator(t, Options{})

	a, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10})
	require.NoError(t, err)
	require.NoError(t, a.Release())
	require.ErrorIs(t, a.Release(), mem.ErrContractViolation)
}

func Test_CreateResource_EvictsWhenAlwaysInBudget(t *testing.T) {
	p := backend.NewSimProvider()
	rm := &backend.SimResidency{}
	ra, err := NewResourceAllocator(p, rm, Options{AlwaysCommitted: true, AlwaysInBudget: true})
	require.NoError(t, err)
	defer ra.Close()

	a, err := ra.CreateResource(ResourceDescriptor{Size: 1 << 20})
	require.NoError(t, err)
	require.Equal(t, 1, rm.EvictCalls)
	require.Equal(t, uint64(1<<20), rm.EvictBytes)
	require.NoError(t, a.Release())
}

func Test_CreateResourceFromHeap_WrapsWithoutAllocating(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	h, err := p.CreateHeap(2<<20, backend.KindDeviceLocal, 0)
	require.NoError(t, err)
	created := p.Stats().CreateCalls

	a, err := ra.CreateResourceFromHeap(h)
	require.NoError(t, err)
	require.Equal(t, mem.MethodStandalone, a.Method())
	require.Equal(t, created, p.Stats().CreateCalls)
	require.Equal(t, uint64(2<<20), ra.QueryInfo().UsedMemoryBytes)

	require.NoError(t, a.Release())
	require.Equal(t, uint64(0), ra.QueryInfo().UsedMemoryBytes)
}

func Test_Trim_ReleasesStandalonePoolsOnly(t *testing.T) {
	ra, p := newTestAllocator(t, Options{})

	// One sub-allocated and one standalone resource, both released so the
	// pools hold their heaps.
	a, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10})
	require.NoError(t, err)
	b, err := ra.CreateResource(ResourceDescriptor{Size: 6 << 20})
	require.NoError(t, err)
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
	require.Equal(t, 0, p.Stats().DestroyCalls)

	require.NoError(t, ra.Trim())

	// The standalone pool drained; the sub-allocation pool kept its heap.
	require.Equal(t, 1, p.Stats().DestroyCalls)
	require.Equal(t, uint64(DefaultPreferredHeapSize), ra.QueryInfo().FreeMemoryBytes)
}

func Test_KindsUseSeparateStacks(t *testing.T) {
	ra, _ := newTestAllocator(t, Options{})

	a, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10, Kind: backend.KindDeviceLocal})
	require.NoError(t, err)
	b, err := ra.CreateResource(ResourceDescriptor{Size: 64 << 10, Kind: backend.KindUpload})
	require.NoError(t, err)

	require.NotSame(t, a.Heap(), b.Heap())
	require.Equal(t, backend.KindDeviceLocal, a.Heap().Kind())
	require.Equal(t, backend.KindUpload, b.Heap().Kind())

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}

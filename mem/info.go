package mem

// Info holds the running totals published by an allocator. Wrappers fold
// their child's Info into their own so that querying the top of a stack
// yields the whole stack's view; the root aggregates stacks by summation.
//
// UsedBlockBytes <= UsedMemoryBytes always holds: every reserved block lives
// inside a heap that is counted as used.
type Info struct {
	// UsedBlockBytes is the total size of reserved blocks, after rounding.
	UsedBlockBytes uint64

	// UsedBlockCount is the number of reserved blocks.
	UsedBlockCount uint64

	// UsedMemoryBytes is the total size of heaps checked out of the stack.
	UsedMemoryBytes uint64

	// UsedMemoryCount is the number of heaps checked out of the stack.
	UsedMemoryCount uint64

	// FreeMemoryBytes is pre-allocated capacity not backing any live
	// allocation: pooled heaps, free slab blocks, and size-cache reserves.
	FreeMemoryBytes uint64

	// PrefetchedMemoryMisses counts prefetches that served no allocation:
	// prefetched slabs released unused and failed prefetch acquisitions.
	PrefetchedMemoryMisses uint64

	// PrefetchedMemoryHits counts allocations served from a prefetched slab.
	PrefetchedMemoryHits uint64

	// SizeCacheMisses counts first-touch requests that found no warmed
	// capacity for their size class.
	SizeCacheMisses uint64

	// SizeCacheHits counts requests served from warmed capacity.
	SizeCacheHits uint64
}

// Add folds other into i.
func (i *Info) Add(other Info) {
	i.UsedBlockBytes += other.UsedBlockBytes
	i.UsedBlockCount += other.UsedBlockCount
	i.UsedMemoryBytes += other.UsedMemoryBytes
	i.UsedMemoryCount += other.UsedMemoryCount
	i.FreeMemoryBytes += other.FreeMemoryBytes
	i.PrefetchedMemoryMisses += other.PrefetchedMemoryMisses
	i.PrefetchedMemoryHits += other.PrefetchedMemoryHits
	i.SizeCacheMisses += other.SizeCacheMisses
	i.SizeCacheHits += other.SizeCacheHits
}

// Package buddy implements binary-buddy block management in two layers.
//
// IndexAllocator is pure bookkeeping: it reserves offsets in a power-of-two
// address space and never touches memory. Free blocks at each order sit in a
// min-heap keyed on offset, so the allocator always hands out the
// lowest-offset block of a given order and results are reproducible.
//
// HeapAllocator overlays an IndexAllocator on a grid of equal-sized tiles,
// one backing heap per tile. A tile's heap is acquired from the child
// allocator on the first allocation inside the tile and returned on the
// last deallocation.
package buddy

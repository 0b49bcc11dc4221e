// Package pool implements the segmented heap pool interposed between a
// sub-allocator and a leaf.
//
// Idle heaps are bucketed by exact byte size. Allocation pops the most
// recently parked heap of the requested size (LIFO, for temporal locality)
// and only forwards to the leaf on a miss. Deallocation parks the heap
// instead of destroying it. An optional cap bounds the number of idle heaps;
// beyond it the oldest idle heap is evicted first.
package pool

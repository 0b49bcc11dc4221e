package buddy

import (
	"container/heap"

	"github.com/quietfold/gpumm/internal/align"
	"github.com/quietfold/gpumm/mem"
)

// freeBlock is a free interval in the buddy space. heapIndex is its position
// in the per-order heap so it can be removed during coalescing.
type freeBlock struct {
	off       uint64
	order     uint
	heapIndex int
}

// offsetHeap is a min-heap of free blocks keyed on offset. The smallest
// offset wins ties between free blocks of the same order.
type offsetHeap []*freeBlock

func (h offsetHeap) Len() int            { return len(h) }
func (h offsetHeap) Less(i, j int) bool  { return h[i].off < h[j].off }
func (h offsetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *offsetHeap) Push(x any) {
	b := x.(*freeBlock)
	b.heapIndex = len(*h)
	*h = append(*h, b)
}

func (h *offsetHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	b.heapIndex = -1
	*h = old[:n-1]
	return b
}

// IndexAllocator is a classical binary buddy over a power-of-two address
// space. It tracks offsets only; mapping offsets to real memory is the
// caller's concern.
//
// Order k blocks have size minBlockSize << k. The whole space is one free
// block of the maximum order when the allocator is created.
type IndexAllocator struct {
	maxSize      uint64
	minBlockSize uint64
	maxOrder     uint

	// freeLists[k] holds the free blocks of order k.
	freeLists []offsetHeap

	// byOff indexes free blocks for O(1) buddy lookup during coalescing.
	byOff map[uint64]*freeBlock

	usedBytes  uint64
	usedCount  uint64
	splitCount uint64
	mergeCount uint64
}

// NewIndexAllocator builds a buddy space of maxSize bytes with the given
// minimum block size. Both must be powers of two.
func NewIndexAllocator(maxSize, minBlockSize uint64) (*IndexAllocator, error) {
	if !align.IsPowerOfTwo(maxSize) || !align.IsPowerOfTwo(minBlockSize) || minBlockSize > maxSize {
		return nil, ErrBadConfig
	}

	maxOrder := uint(align.Log2(maxSize / minBlockSize))
	b := &IndexAllocator{
		maxSize:      maxSize,
		minBlockSize: minBlockSize,
		maxOrder:     maxOrder,
		freeLists:    make([]offsetHeap, maxOrder+1),
		byOff:        make(map[uint64]*freeBlock),
	}
	b.insertFree(0, maxOrder)
	return b, nil
}

// BlockSize returns the byte size of an order-k block.
func (b *IndexAllocator) BlockSize(order uint) uint64 {
	return b.minBlockSize << order
}

// OrderOf returns the order whose block size is exactly size. size must be
// a power-of-two multiple of the minimum block size.
func (b *IndexAllocator) OrderOf(size uint64) uint {
	return uint(align.Log2(size / b.minBlockSize))
}

// RoundedSize returns the block size that would back a request, before any
// availability check.
func (b *IndexAllocator) RoundedSize(size, alignment uint64) uint64 {
	need := size
	if alignment > need {
		need = alignment
	}
	if need < b.minBlockSize {
		need = b.minBlockSize
	}
	return align.NextPowerOfTwo(need)
}

// Allocate reserves the lowest free block large enough for size bytes at
// the given alignment. It returns the block offset and order. Buddy blocks
// are naturally aligned to their own size, so any alignment up to the
// rounded block size is satisfied.
func (b *IndexAllocator) Allocate(size, alignment uint64) (uint64, uint, error) {
	rounded := b.RoundedSize(size, alignment)
	if rounded > b.maxSize {
		return 0, 0, mem.ErrOutOfMemory
	}
	order := b.OrderOf(rounded)

	// Lowest order with a free block, searching upward.
	from := order
	for from <= b.maxOrder && len(b.freeLists[from]) == 0 {
		from++
	}
	if from > b.maxOrder {
		return 0, 0, mem.ErrOutOfMemory
	}

	blk := heap.Pop(&b.freeLists[from]).(*freeBlock)
	delete(b.byOff, blk.off)
	off := blk.off

	// Split down, keeping the lower half so the smallest offset is used.
	for k := from; k > order; k-- {
		half := b.BlockSize(k - 1)
		b.insertFree(off+half, k-1)
		b.splitCount++
	}

	b.usedBytes += rounded
	b.usedCount++
	return off, order, nil
}

// Deallocate returns the order-k block at off and greedily coalesces it with
// its buddy while the buddy is free at the same order.
func (b *IndexAllocator) Deallocate(off uint64, order uint) error {
	size := b.BlockSize(order)
	if order > b.maxOrder || off+size > b.maxSize || !align.IsAligned(off, size) {
		return ErrBadFree
	}
	if _, dup := b.byOff[off]; dup {
		return ErrBadFree
	}

	b.usedBytes -= size
	b.usedCount--

	for order < b.maxOrder {
		buddyOff := off ^ b.BlockSize(order)
		buddy, ok := b.byOff[buddyOff]
		if !ok || buddy.order != order {
			break
		}
		heap.Remove(&b.freeLists[order], buddy.heapIndex)
		delete(b.byOff, buddyOff)
		if buddyOff < off {
			off = buddyOff
		}
		order++
		b.mergeCount++
	}

	b.insertFree(off, order)
	return nil
}

// UsedBytes returns the total rounded size of reserved blocks.
func (b *IndexAllocator) UsedBytes() uint64 { return b.usedBytes }

// UsedCount returns the number of reserved blocks.
func (b *IndexAllocator) UsedCount() uint64 { return b.usedCount }

// FreeBytes returns the unreserved portion of the space.
func (b *IndexAllocator) FreeBytes() uint64 { return b.maxSize - b.usedBytes }

func (b *IndexAllocator) insertFree(off uint64, order uint) {
	blk := &freeBlock{off: off, order: order}
	heap.Push(&b.freeLists[order], blk)
	b.byOff[off] = blk
}

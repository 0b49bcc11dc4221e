package buddy

import (
	"github.com/pkg/errors"

	"github.com/quietfold/gpumm/mem"
)

// tile tracks one heap-sized slot of the virtual space. The heap handle is
// non-nil iff refs > 0.
type tile struct {
	refs  int
	alloc *mem.Allocation
}

// HeapAllocator overlays an IndexAllocator on a grid of heapSize tiles.
// Block offsets live in the virtual space; each reserved block maps into
// exactly one tile, whose backing heap is obtained from the child allocator
// on first use and returned on last release.
//
// Requests larger than one tile are refused with out-of-memory so the
// caller can fall through to a standalone strategy.
type HeapAllocator struct {
	child mem.Allocator

	index    *IndexAllocator
	heapSize uint64
	tiles    []tile

	// backing holds the virtual offsets of blocks reserved by Backing
	// requests, which stay out of the block counters.
	backing map[uint64]struct{}

	usedBlockBytes uint64
	usedBlockCount uint64
}

// NewHeapAllocator builds a buddy space of systemSize bytes partitioned into
// heapSize tiles backed by child. systemSize, heapSize and minBlockSize must
// be powers of two with systemSize >= heapSize >= minBlockSize.
func NewHeapAllocator(systemSize, heapSize, minBlockSize uint64, child mem.Allocator) (*HeapAllocator, error) {
	if heapSize > systemSize || minBlockSize > heapSize {
		return nil, ErrBadConfig
	}
	index, err := NewIndexAllocator(systemSize, minBlockSize)
	if err != nil {
		return nil, err
	}
	return &HeapAllocator{
		child:    child,
		index:    index,
		heapSize: heapSize,
		tiles:    make([]tile, systemSize/heapSize),
		backing:  make(map[uint64]struct{}),
	}, nil
}

func (b *HeapAllocator) TryAllocate(req mem.Request) (*mem.Allocation, error) {
	if err := mem.ValidateRequest(req); err != nil {
		return nil, err
	}
	// A block above the tile order would need a heap spanning multiple
	// tiles, which the child cannot provide.
	if b.index.RoundedSize(req.Size, req.Alignment) > b.heapSize {
		return nil, mem.ErrOutOfMemory
	}

	off, order, err := b.index.Allocate(req.Size, req.Alignment)
	if err != nil {
		return nil, err
	}
	blockSize := b.index.BlockSize(order)

	ti := off / b.heapSize
	if b.tiles[ti].refs == 0 {
		inner, aerr := b.child.TryAllocate(mem.Request{
			Size:          b.heapSize,
			NeverAllocate: req.NeverAllocate,
			Prefetch:      req.Prefetch,
		})
		if aerr != nil {
			if derr := b.index.Deallocate(off, order); derr != nil {
				return nil, errors.Wrap(derr, "buddy: rollback after child failure")
			}
			return nil, aerr
		}
		b.tiles[ti].alloc = inner
	}
	b.tiles[ti].refs++

	if req.Backing {
		b.backing[off] = struct{}{}
	} else {
		b.usedBlockBytes += blockSize
		b.usedBlockCount++
	}

	heap := b.tiles[ti].alloc.Heap()
	heapOffset := off - ti*b.heapSize
	block := mem.Block{Offset: off, Size: blockSize}
	a := mem.NewAllocation(b, heap, heapOffset, req.Size, block, mem.MethodSubAllocated)

	if req.CacheSize {
		// Warm-up only: publish the reserved capacity as free again.
		if derr := b.Deallocate(a); derr != nil {
			return nil, derr
		}
		return &mem.Allocation{}, nil
	}
	return a, nil
}

func (b *HeapAllocator) Deallocate(a *mem.Allocation) error {
	if a.IsEmpty() {
		return nil
	}
	if a.Allocator() != mem.Allocator(b) {
		if mem.DebugChecks {
			panic("buddy: allocation deallocated by the wrong allocator")
		}
		return mem.ErrContractViolation
	}

	block := a.Block()
	order := b.index.OrderOf(block.Size)
	if err := b.index.Deallocate(block.Offset, order); err != nil {
		if mem.DebugChecks {
			panic("buddy: " + err.Error())
		}
		return mem.ErrContractViolation
	}

	if _, ok := b.backing[block.Offset]; ok {
		delete(b.backing, block.Offset)
	} else {
		b.usedBlockBytes -= block.Size
		b.usedBlockCount--
	}

	ti := block.Offset / b.heapSize
	b.tiles[ti].refs--
	if b.tiles[ti].refs == 0 {
		inner := b.tiles[ti].alloc
		b.tiles[ti].alloc = nil
		return b.child.Deallocate(inner)
	}
	return nil
}

func (b *HeapAllocator) ReleaseMemory() error {
	return b.child.ReleaseMemory()
}

// MemorySize returns the tile size: the fixed heap size requested from the
// child and the largest block this allocator will serve.
func (b *HeapAllocator) MemorySize() uint64 { return b.heapSize }

func (b *HeapAllocator) MemoryAlignment() uint64 { return b.child.MemoryAlignment() }

func (b *HeapAllocator) QueryInfo() mem.Info {
	info := b.child.QueryInfo()
	info.UsedBlockBytes += b.usedBlockBytes
	info.UsedBlockCount += b.usedBlockCount
	return info
}

// HeapCount returns the number of tiles currently holding a heap. Used by
// tests to verify the grid acquires and releases heaps correctly.
func (b *HeapAllocator) HeapCount() int {
	n := 0
	for i := range b.tiles {
		if b.tiles[i].refs > 0 {
			n++
		}
	}
	return n
}

package mem

import "github.com/quietfold/gpumm/backend"

// Method records how an allocation was placed.
type Method uint8

const (
	// MethodStandalone: the allocation occupies an entire heap.
	MethodStandalone Method = iota

	// MethodSubAllocated: the allocation is a block inside a shared heap.
	MethodSubAllocated

	// MethodSubAllocatedWithinResource: the allocation is a byte range
	// inside a pre-created dedicated buffer.
	MethodSubAllocatedWithinResource
)

func (m Method) String() string {
	switch m {
	case MethodStandalone:
		return "Standalone"
	case MethodSubAllocated:
		return "SubAllocated"
	case MethodSubAllocatedWithinResource:
		return "SubAllocatedWithinResource"
	default:
		return "unknown"
	}
}

// Block is a reserved interval [Offset, Offset+Size) in the issuing
// allocator's address space. For sub-allocators the block offset is in the
// allocator's own (possibly virtual) space and can differ from the
// allocation's offset within its heap.
type Block struct {
	Offset uint64
	Size   uint64
}

// Allocation is the externally observable result of TryAllocate: a shared
// reference to a heap, an offset inside it, and the block reserved in the
// allocator-of-record.
//
// The zero value is the empty allocation; deallocating it is a no-op.
type Allocation struct {
	allocator Allocator
	heap      *backend.Heap
	offset    uint64
	size      uint64
	block     Block
	method    Method
}

// NewAllocation builds an allocation. size is the requested size, not the
// rounded block size.
func NewAllocation(a Allocator, h *backend.Heap, offset, size uint64, block Block, method Method) *Allocation {
	return &Allocation{allocator: a, heap: h, offset: offset, size: size, block: block, method: method}
}

// Allocator returns the allocator-of-record, which must receive the
// Deallocate call.
func (a *Allocation) Allocator() Allocator { return a.allocator }

// Heap returns the backing heap handle.
func (a *Allocation) Heap() *backend.Heap { return a.heap }

// Offset returns the byte offset of the block within the heap.
func (a *Allocation) Offset() uint64 { return a.offset }

// Size returns the requested size in bytes.
func (a *Allocation) Size() uint64 { return a.size }

// Block returns the reserved block in the allocator-of-record's space.
func (a *Allocation) Block() Block { return a.block }

// Method reports how the allocation was placed.
func (a *Allocation) Method() Method { return a.method }

// IsEmpty reports whether this is the zero allocation.
func (a *Allocation) IsEmpty() bool { return a == nil || a.allocator == nil }

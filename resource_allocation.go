package gpumm

import (
	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/mem"
)

// ResourceAllocation is the result of CreateResource: a placed resource
// backed by a block of a shared heap, a whole heap, or an ad-hoc committed
// heap.
type ResourceAllocation struct {
	root *ResourceAllocator
	seq  uint64

	// inner is the stack allocation backing this resource; nil for
	// committed and imported heaps, which the root accounts itself.
	inner *mem.Allocation

	heap      *backend.Heap
	offset    uint64
	size      uint64
	kind      backend.Kind
	method    mem.Method
	committed bool
	released  bool
}

// Heap returns the backing heap handle.
func (a *ResourceAllocation) Heap() *backend.Heap { return a.heap }

// Offset returns the byte offset within the heap, or mem.InvalidOffset for
// allocations that occupy a whole committed heap.
func (a *ResourceAllocation) Offset() uint64 { return a.offset }

// Size returns the requested resource size.
func (a *ResourceAllocation) Size() uint64 { return a.size }

// Kind returns the heap kind the resource was placed in.
func (a *ResourceAllocation) Kind() backend.Kind { return a.kind }

// Method reports how the resource was placed.
func (a *ResourceAllocation) Method() mem.Method { return a.method }

// Mapping returns the host-addressable bytes of the allocation when the
// backing provider exposes a mapping, nil otherwise.
func (a *ResourceAllocation) Mapping() []byte {
	m := a.heap.Mapping()
	if m == nil || a.offset == mem.InvalidOffset {
		return m
	}
	return m[a.offset : a.offset+a.size]
}

// Release returns the allocation to its allocator-of-record. Releasing
// twice is a contract violation.
func (a *ResourceAllocation) Release() error {
	return a.root.free(a)
}

package gpumm

import (
	"github.com/pkg/errors"

	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/internal/align"
	"github.com/quietfold/gpumm/mem"
)

// ResourceHeapAllocator is the leaf that converts each allocation request
// into one backend heap of the requested size. It is variable-sized: the
// layers above decide the heap sizes they want.
type ResourceHeapAllocator struct {
	provider  backend.Provider
	residency backend.ResidencyManager
	kind      backend.Kind

	// alwaysInBudget evicts enough budget before every heap creation.
	alwaysInBudget bool

	heapAlignment uint64

	usedBytes uint64
	usedCount uint64
}

// NewResourceHeapAllocator builds a leaf creating heaps of the given kind.
func NewResourceHeapAllocator(provider backend.Provider, residency backend.ResidencyManager,
	kind backend.Kind, alwaysInBudget bool) *ResourceHeapAllocator {
	return &ResourceHeapAllocator{
		provider:       provider,
		residency:      residency,
		kind:           kind,
		alwaysInBudget: alwaysInBudget,
		heapAlignment:  provider.Caps().HeapAlignment,
	}
}

func (l *ResourceHeapAllocator) TryAllocate(req mem.Request) (*mem.Allocation, error) {
	if err := mem.ValidateRequest(req); err != nil {
		return nil, err
	}
	if req.NeverAllocate {
		// Growing the backing store is the only thing a leaf can do.
		return nil, mem.ErrOutOfMemory
	}

	size := align.To(req.Size, l.heapAlignment)
	if l.alwaysInBudget && l.residency != nil {
		if err := l.residency.Evict(size, l.kind); err != nil {
			return nil, errors.Wrap(err, "gpumm: evict before heap creation")
		}
	}

	h, err := l.provider.CreateHeap(size, l.kind, l.usedBytes)
	if err != nil {
		return nil, err
	}
	h.Ref()
	l.usedBytes += h.Size()
	l.usedCount++

	block := mem.Block{Offset: 0, Size: h.Size()}
	return mem.NewAllocation(l, h, 0, req.Size, block, mem.MethodStandalone), nil
}

func (l *ResourceHeapAllocator) Deallocate(a *mem.Allocation) error {
	if a.IsEmpty() {
		return nil
	}
	if a.Allocator() != mem.Allocator(l) {
		if mem.DebugChecks {
			panic("gpumm: allocation deallocated by the wrong heap allocator")
		}
		return mem.ErrContractViolation
	}

	h := a.Heap()
	l.usedBytes -= h.Size()
	l.usedCount--
	if h.Unref() && !h.InPool() {
		h.Destroy()
	}
	return nil
}

func (l *ResourceHeapAllocator) ReleaseMemory() error { return nil }

// MemorySize returns the invalid sentinel: the leaf serves any size.
func (l *ResourceHeapAllocator) MemorySize() uint64 { return mem.InvalidSize }

func (l *ResourceHeapAllocator) MemoryAlignment() uint64 { return l.heapAlignment }

func (l *ResourceHeapAllocator) QueryInfo() mem.Info {
	return mem.Info{
		UsedMemoryBytes: l.usedBytes,
		UsedMemoryCount: l.usedCount,
	}
}

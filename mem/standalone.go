package mem

import "github.com/quietfold/gpumm/backend"

// StandaloneAllocator forces a 1:1 mapping between blocks and heaps: every
// allocation it issues occupies an entire heap obtained from the child. It
// disables sub-allocation without changing the shape of the stack, so a
// pooled child keeps pooling.
type StandaloneAllocator struct {
	child Allocator

	// Inner allocations keyed by heap. One block per heap makes the heap
	// handle a unique key.
	live map[*backend.Heap]*Allocation

	usedBlockBytes uint64
	usedBlockCount uint64
}

// NewStandaloneAllocator wraps child. The wrapper takes exclusive ownership.
func NewStandaloneAllocator(child Allocator) *StandaloneAllocator {
	return &StandaloneAllocator{
		child: child,
		live:  make(map[*backend.Heap]*Allocation),
	}
}

func (s *StandaloneAllocator) TryAllocate(req Request) (*Allocation, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	inner, err := s.child.TryAllocate(req)
	if err != nil {
		return nil, err
	}

	if req.CacheSize {
		// Warm-up only: hand the heap straight back so the child publishes
		// it as free, pre-allocated capacity.
		if derr := s.child.Deallocate(inner); derr != nil {
			return nil, derr
		}
		return &Allocation{}, nil
	}

	heap := inner.Heap()
	s.live[heap] = inner
	s.usedBlockBytes += heap.Size()
	s.usedBlockCount++

	block := Block{Offset: 0, Size: heap.Size()}
	return NewAllocation(s, heap, 0, req.Size, block, MethodStandalone), nil
}

func (s *StandaloneAllocator) Deallocate(a *Allocation) error {
	if a.IsEmpty() {
		return nil
	}
	if a.Allocator() != Allocator(s) {
		if DebugChecks {
			panic("mem: allocation deallocated by the wrong standalone allocator")
		}
		return ErrContractViolation
	}

	inner, ok := s.live[a.Heap()]
	if !ok {
		if DebugChecks {
			panic("mem: standalone double free")
		}
		return ErrContractViolation
	}
	delete(s.live, a.Heap())

	s.usedBlockBytes -= a.Heap().Size()
	s.usedBlockCount--
	return s.child.Deallocate(inner)
}

func (s *StandaloneAllocator) ReleaseMemory() error {
	return s.child.ReleaseMemory()
}

func (s *StandaloneAllocator) MemorySize() uint64 { return s.child.MemorySize() }

func (s *StandaloneAllocator) MemoryAlignment() uint64 { return s.child.MemoryAlignment() }

func (s *StandaloneAllocator) QueryInfo() Info {
	info := s.child.QueryInfo()
	info.UsedBlockBytes += s.usedBlockBytes
	info.UsedBlockCount += s.usedBlockCount
	return info
}

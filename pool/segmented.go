package pool

import (
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/mem"
)

// entry is one parked heap: the leaf allocation that produced it plus an
// age stamp for oldest-first eviction.
type entry struct {
	inner *mem.Allocation
	seq   uint64
}

// SegmentedPool keeps idle heaps bucketed by exact size on top of a leaf
// allocator.
type SegmentedPool struct {
	child mem.Allocator

	// buckets holds a LIFO free list of idle heaps per heap size.
	buckets map[uint64]*freeList

	// live maps checked-out heaps to the leaf allocation backing them.
	live map[*backend.Heap]*mem.Allocation

	// maxIdle caps the total number of parked heaps; zero means unlimited.
	maxIdle int

	nextSeq     uint64
	pooledBytes uint64
	pooledCount uint64
}

// NewSegmentedPool builds a pool over child. maxIdle caps the number of idle
// heaps held across all buckets; zero means unlimited.
func NewSegmentedPool(child mem.Allocator, maxIdle int) *SegmentedPool {
	return &SegmentedPool{
		child:   child,
		buckets: make(map[uint64]*freeList),
		live:    make(map[*backend.Heap]*mem.Allocation),
		maxIdle: maxIdle,
	}
}

func (p *SegmentedPool) TryAllocate(req mem.Request) (*mem.Allocation, error) {
	if err := mem.ValidateRequest(req); err != nil {
		return nil, err
	}

	inner, err := p.popOrForward(req)
	if err != nil {
		return nil, err
	}

	heap := inner.Heap()
	p.live[heap] = inner
	out := mem.NewAllocation(p, heap, 0, req.Size,
		mem.Block{Offset: 0, Size: heap.Size()}, mem.MethodStandalone)

	if req.CacheSize {
		// Warm-up: park the heap immediately and publish it as free.
		if derr := p.Deallocate(out); derr != nil {
			return nil, derr
		}
		return &mem.Allocation{}, nil
	}
	return out, nil
}

// popOrForward reuses a parked heap of exactly req.Size or forwards the
// request to the leaf on a miss.
func (p *SegmentedPool) popOrForward(req mem.Request) (*mem.Allocation, error) {
	if list := p.buckets[req.Size]; list != nil {
		if inner := list.pop(); inner != nil {
			heap := inner.Heap()
			heap.SetInPool(false)
			p.pooledBytes -= heap.Size()
			p.pooledCount--
			return inner, nil
		}
	}
	return p.child.TryAllocate(req)
}

func (p *SegmentedPool) Deallocate(a *mem.Allocation) error {
	if a.IsEmpty() {
		return nil
	}
	if a.Allocator() != mem.Allocator(p) {
		if mem.DebugChecks {
			panic("pool: allocation deallocated by the wrong pool")
		}
		return mem.ErrContractViolation
	}

	heap := a.Heap()
	inner, ok := p.live[heap]
	if !ok {
		if mem.DebugChecks {
			panic("pool: double free")
		}
		return mem.ErrContractViolation
	}
	delete(p.live, heap)

	heap.SetInPool(true)
	p.nextSeq++
	list := p.buckets[heap.Size()]
	if list == nil {
		list = &freeList{}
		p.buckets[heap.Size()] = list
	}
	list.push(inner, p.nextSeq)
	p.pooledBytes += heap.Size()
	p.pooledCount++

	if p.maxIdle > 0 && int(p.pooledCount) > p.maxIdle {
		return p.evictOldest()
	}
	return nil
}

// evictOldest removes the oldest parked heap across all buckets and returns
// it to the leaf.
func (p *SegmentedPool) evictOldest() error {
	var (
		oldestList *freeList
		oldestIdx  = -1
		oldestSeq  = ^uint64(0)
	)
	for _, list := range p.buckets {
		if i, seq := list.oldest(); i >= 0 && seq < oldestSeq {
			oldestList, oldestIdx, oldestSeq = list, i, seq
		}
	}
	if oldestIdx < 0 {
		return nil
	}

	inner := oldestList.removeAt(oldestIdx)
	heap := inner.Heap()
	heap.SetInPool(false)
	p.pooledBytes -= heap.Size()
	p.pooledCount--
	return p.child.Deallocate(inner)
}

// ReleaseMemory drains every bucket, returning each parked heap to the leaf.
func (p *SegmentedPool) ReleaseMemory() error {
	sizes := make([]uint64, 0, len(p.buckets))
	for size := range p.buckets {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })

	var errs *multierror.Error
	for _, size := range sizes {
		list := p.buckets[size]
		for list.len() > 0 {
			inner := list.pop()
			heap := inner.Heap()
			heap.SetInPool(false)
			p.pooledBytes -= heap.Size()
			p.pooledCount--
			errs = multierror.Append(errs, p.child.Deallocate(inner))
		}
		delete(p.buckets, size)
	}
	errs = multierror.Append(errs, p.child.ReleaseMemory())
	return errs.ErrorOrNil()
}

func (p *SegmentedPool) MemorySize() uint64 { return p.child.MemorySize() }

func (p *SegmentedPool) MemoryAlignment() uint64 { return p.child.MemoryAlignment() }

func (p *SegmentedPool) QueryInfo() mem.Info {
	info := p.child.QueryInfo()
	// Parked heaps are alive in the leaf's counters but idle from the
	// stack's point of view: report them as free, not used.
	info.UsedMemoryBytes -= p.pooledBytes
	info.UsedMemoryCount -= p.pooledCount
	info.FreeMemoryBytes += p.pooledBytes
	return info
}

// IdleCount returns the number of parked heaps. Used by tests.
func (p *SegmentedPool) IdleCount() int { return int(p.pooledCount) }

package gpumm

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/buddy"
	"github.com/quietfold/gpumm/internal/align"
	"github.com/quietfold/gpumm/mem"
	"github.com/quietfold/gpumm/pool"
	"github.com/quietfold/gpumm/slab"
	"github.com/quietfold/gpumm/trace"
)

// AllocationFlags tweak how a single resource is placed.
type AllocationFlags uint32

const (
	// FlagNeverAllocate fails the request rather than creating new heaps.
	FlagNeverAllocate AllocationFlags = 1 << iota

	// FlagNeverSubAllocate skips the sub-allocating strategies.
	FlagNeverSubAllocate

	// FlagAlwaysPrefetch lets the slab layer speculatively acquire the
	// next slab in the background.
	FlagAlwaysPrefetch

	// FlagAllowSubAllocateWithinResource permits placing the allocation
	// inside a shared dedicated buffer.
	FlagAllowSubAllocateWithinResource
)

// ResourceDescriptor describes one resource allocation request.
type ResourceDescriptor struct {
	Size      uint64
	Alignment uint64
	Kind      backend.Kind
	Flags     AllocationFlags
}

// Strategy names recorded in trace events, one per attempt.
const (
	strategyWithinResource = "sub-allocate-within-resource"
	strategySubAllocate    = "sub-allocate-in-heap"
	strategyStandalone     = "standalone-in-own-heap"
	strategyCommitted      = "committed"
)

// traceTIDApp identifies application-thread events; the prefetch worker is
// not traced.
const traceTIDApp = 1

// ResourceAllocator is the thread-safe root facade over the allocator
// stacks. One mutex covers the full duration of every operation; the cost
// of a backend allocation dominates the critical section.
type ResourceAllocator struct {
	mu sync.Mutex

	provider  backend.Provider
	residency backend.ResidencyManager
	tracer    *trace.Writer
	opts      Options
	caps      backend.Caps

	preferredHeapSize uint64
	maxHeapSize       uint64

	subAllocators    [backend.NumKinds]*slab.CacheAllocator
	heapAllocators   [backend.NumKinds]*mem.StandaloneAllocator
	bufferAllocators [backend.NumKinds]*slab.CacheAllocator

	// Committed (last resort) heaps are accounted here: they bypass every
	// stack.
	info    mem.Info
	nextSeq uint64
	closed  bool
}

// NewResourceAllocator builds the allocator stacks for every heap kind.
// residency may be nil.
func NewResourceAllocator(provider backend.Provider, residency backend.ResidencyManager,
	opts Options) (*ResourceAllocator, error) {

	caps := provider.Caps()

	maxHeap := caps.MaxHeapSize
	if opts.MaxHeapSize > 0 && opts.MaxHeapSize < maxHeap {
		maxHeap = opts.MaxHeapSize
	}

	preferred := opts.PreferredHeapSize
	if preferred == 0 {
		preferred = DefaultPreferredHeapSize
	}
	preferred = align.NextPowerOfTwo(preferred)
	if preferred > maxHeap {
		return nil, mem.ErrInvalidArgument
	}

	fragLimit := opts.FragmentationLimit
	if fragLimit == 0 {
		fragLimit = DefaultFragmentationLimit
	}
	if fragLimit < 0 || fragLimit > 1 {
		return nil, mem.ErrInvalidArgument
	}

	r := &ResourceAllocator{
		provider:          provider,
		residency:         residency,
		tracer:            opts.Trace,
		opts:              opts,
		caps:              caps,
		preferredHeapSize: preferred,
		maxHeapSize:       maxHeap,
	}

	systemSize := align.PrevPowerOfTwo(maxHeap)
	if preferred > systemSize {
		preferred = systemSize
		r.preferredHeapSize = preferred
	}

	bufferProvider, hasBuffers := provider.(backend.BufferProvider)

	for k := 0; k < backend.NumKinds; k++ {
		kind := backend.Kind(k)

		// General-purpose sub-allocation: slab cache over a buddy heap
		// grid over a (pooled) resource-heap leaf.
		{
			leaf := NewResourceHeapAllocator(provider, residency, kind, opts.AlwaysInBudget)
			var pooled mem.Allocator = leaf
			if !opts.AlwaysOnDemand {
				pooled = pool.NewSegmentedPool(leaf, opts.MaxPooledHeaps)
			}
			bud, err := buddy.NewHeapAllocator(systemSize, preferred, caps.HeapAlignment, pooled)
			if err != nil {
				return nil, err
			}
			sub, err := slab.NewCacheAllocator(caps.HeapAlignment, systemSize, preferred,
				caps.HeapAlignment, fragLimit, !opts.DisablePrefetch, &r.mu, bud)
			if err != nil {
				return nil, err
			}
			r.subAllocators[k] = sub
		}

		// Standalone: one block per heap, still pooled.
		{
			leaf := NewResourceHeapAllocator(provider, residency, kind, opts.AlwaysInBudget)
			var pooled mem.Allocator = leaf
			if !opts.AlwaysOnDemand {
				pooled = pool.NewSegmentedPool(leaf, opts.MaxPooledHeaps)
			}
			r.heapAllocators[k] = mem.NewStandaloneAllocator(pooled)
		}

		// Within-resource: slab cache over a (pooled) dedicated-buffer
		// leaf. Blocks inside a buffer are byte-addressable, so the class
		// table admits everything (fragmentation limit 1).
		if hasBuffers {
			leaf := NewBufferAllocator(bufferProvider, kind, caps.HeapAlignment, caps.HeapAlignment)
			var pooled mem.Allocator = leaf
			if !opts.AlwaysOnDemand {
				pooled = pool.NewSegmentedPool(leaf, opts.MaxPooledHeaps)
			}
			buf, err := slab.NewCacheAllocator(1, caps.HeapAlignment, caps.HeapAlignment,
				caps.HeapAlignment, 1, false, &r.mu, pooled, slab.WithinResource())
			if err != nil {
				return nil, err
			}
			r.bufferAllocators[k] = buf
		}
	}

	r.tracer.ObjectNew(traceTIDApp, "GPUMemoryAllocator", 1)
	r.tracer.ObjectSnapshot(traceTIDApp, "GPUMemoryAllocator", 1, map[string]any{
		"preferredHeapSize":  r.preferredHeapSize,
		"maxHeapSize":        r.maxHeapSize,
		"fragmentationLimit": fragLimit,
		"alwaysCommitted":    opts.AlwaysCommitted,
		"alwaysOnDemand":     opts.AlwaysOnDemand,
		"alwaysInBudget":     opts.AlwaysInBudget,
	})

	// Warm the size cache with the power-of-two sizes the slab layer
	// recognises. NeverAllocate keeps warm-up from creating heaps: it only
	// reserves capacity the stacks already hold.
	if !opts.DisableSizeCache {
		r.mu.Lock()
		for k := 0; k < backend.NumKinds; k++ {
			for size := caps.HeapAlignment; size <= preferred; size <<= 1 {
				_, _ = r.subAllocators[k].TryAllocate(mem.Request{
					Size:          size,
					Alignment:     caps.HeapAlignment,
					NeverAllocate: true,
					CacheSize:     true,
				})
			}
		}
		r.mu.Unlock()
	}

	return r, nil
}

// CreateResource satisfies one resource allocation request, walking the
// strategies in decreasing order of preference.
func (r *ResourceAllocator) CreateResource(desc ResourceDescriptor) (*ResourceAllocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracer.Begin(traceTIDApp, "ResourceAllocator.CreateResource")
	defer r.tracer.End(traceTIDApp, "ResourceAllocator.CreateResource")

	r.nextSeq++
	seq := r.nextSeq
	r.tracer.Call(traceTIDApp, "ResourceAllocator.CreateResource", map[string]any{
		"seq":       seq,
		"size":      desc.Size,
		"alignment": desc.Alignment,
		"kind":      int(desc.Kind),
		"flags":     uint32(desc.Flags),
	})

	start := time.Now()
	a, err := r.createResourceLocked(desc, seq)
	if err != nil {
		return nil, err
	}

	latency := float64(time.Since(start).Microseconds())
	r.tracer.Counter(traceTIDApp, "GPU allocation latency (us)", latency)

	info := r.queryInfoLocked()
	if info.UsedMemoryBytes > 0 {
		unused := info.UsedMemoryBytes - info.UsedBlockBytes
		r.tracer.Counter(traceTIDApp, "GPU memory unused (%)",
			float64(unused)/float64(info.UsedMemoryBytes)*100)
		r.tracer.Counter(traceTIDApp, "GPU memory unused (MBytes)", float64(unused)/1e6)
	}
	if total := info.UsedMemoryBytes + info.FreeMemoryBytes; total > 0 {
		r.tracer.Counter(traceTIDApp, "GPU memory reserved (%)",
			float64(info.FreeMemoryBytes)/float64(total)*100)
		r.tracer.Counter(traceTIDApp, "GPU memory reserved (MBytes)",
			float64(info.FreeMemoryBytes)/1e6)
	}

	r.tracer.ObjectNew(traceTIDApp, "Allocation", seq)
	return a, nil
}

func (r *ResourceAllocator) createResourceLocked(desc ResourceDescriptor, seq uint64) (*ResourceAllocation, error) {
	if desc.Size == 0 || int(desc.Kind) >= backend.NumKinds ||
		(desc.Alignment != 0 && !align.IsPowerOfTwo(desc.Alignment)) {
		r.tracer.Instant(traceTIDApp, "ResourceAllocator.InvalidArgument", map[string]any{
			"size":      desc.Size,
			"alignment": desc.Alignment,
			"kind":      int(desc.Kind),
		})
		return nil, mem.ErrInvalidArgument
	}

	// A resource that cannot fit in any heap fails before any backend
	// call; creating and immediately destroying a huge heap would only
	// thrash the driver.
	if desc.Size > r.maxHeapSize {
		return nil, mem.ErrOutOfMemory
	}

	never := desc.Flags&FlagNeverAllocate != 0
	neverSub := desc.Flags&FlagNeverSubAllocate != 0
	prefetch := desc.Flags&FlagAlwaysPrefetch != 0 && !r.opts.DisablePrefetch
	kind := int(desc.Kind)

	var lastErr error

	// Sub-allocate within a shared dedicated buffer. Only small requests
	// qualify; works like heap sub-allocation without forcing heap-level
	// size alignment on the resource.
	if desc.Flags&FlagAllowSubAllocateWithinResource != 0 &&
		r.bufferAllocators[kind] != nil && !r.opts.AlwaysCommitted && !neverSub &&
		desc.Size < r.caps.HeapAlignment {
		alignment := desc.Alignment
		if alignment == 0 {
			alignment = 1
		}
		a, err := r.tryStrategy(r.bufferAllocators[kind], strategyWithinResource, mem.Request{
			Size:          desc.Size,
			Alignment:     alignment,
			NeverAllocate: never,
		})
		if err == nil {
			return r.wrap(seq, desc, a), nil
		}
		lastErr = err
	}

	// Place the resource inside a sub-allocated heap.
	if !r.opts.AlwaysCommitted && !neverSub {
		sub := r.subAllocators[kind]
		if desc.Size <= sub.MemorySize() {
			alignment := desc.Alignment
			if alignment == 0 {
				alignment = r.caps.HeapAlignment
			}
			a, err := r.tryStrategy(sub, strategySubAllocate, mem.Request{
				Size:          desc.Size,
				Alignment:     alignment,
				NeverAllocate: never,
				Prefetch:      prefetch,
			})
			if err == nil {
				return r.wrap(seq, desc, a), nil
			}
			lastErr = err
		}
	}

	// A whole heap of its own, pooled when possible. The size is raised to
	// heap alignment up front so pooled heaps are found again by the exact
	// size the leaf created them with.
	if !r.opts.AlwaysCommitted {
		a, err := r.tryStrategy(r.heapAllocators[kind], strategyStandalone, mem.Request{
			Size:          align.To(desc.Size, r.caps.HeapAlignment),
			Alignment:     r.caps.HeapAlignment,
			NeverAllocate: never,
		})
		if err == nil {
			return r.wrap(seq, desc, a), nil
		}
		lastErr = err
	}

	// Last resort: an ad-hoc committed heap. NeverAllocate terminates the
	// chain instead.
	if never {
		if lastErr == nil {
			lastErr = mem.ErrOutOfMemory
		}
		return nil, lastErr
	}

	if !r.opts.AlwaysCommitted {
		r.tracer.Instant(traceTIDApp, "ResourceAllocator.NonPooled", map[string]any{
			"size": desc.Size,
		})
	}
	return r.createCommittedLocked(desc, seq)
}

// tryStrategy runs one allocation attempt and records exactly one event
// for it.
func (r *ResourceAllocator) tryStrategy(a mem.Allocator, name string, req mem.Request) (*mem.Allocation, error) {
	alloc, err := a.TryAllocate(req)
	r.tracer.Instant(traceTIDApp, "ResourceAllocator.TryAllocate", map[string]any{
		"strategy": name,
		"ok":       err == nil,
	})
	return alloc, err
}

func (r *ResourceAllocator) createCommittedLocked(desc ResourceDescriptor, seq uint64) (*ResourceAllocation, error) {
	size := align.To(desc.Size, r.caps.HeapAlignment)
	if r.opts.AlwaysInBudget && r.residency != nil {
		if err := r.residency.Evict(size, desc.Kind); err != nil {
			return nil, err
		}
	}

	h, err := r.provider.CreateHeap(size, desc.Kind, r.info.UsedMemoryBytes)
	r.tracer.Instant(traceTIDApp, "ResourceAllocator.TryAllocate", map[string]any{
		"strategy": strategyCommitted,
		"ok":       err == nil,
	})
	if err != nil {
		return nil, err
	}
	h.Ref()
	r.info.UsedMemoryBytes += h.Size()
	r.info.UsedMemoryCount++

	return &ResourceAllocation{
		root:      r,
		seq:       seq,
		heap:      h,
		offset:    mem.InvalidOffset,
		size:      desc.Size,
		kind:      desc.Kind,
		method:    mem.MethodStandalone,
		committed: true,
	}, nil
}

func (r *ResourceAllocator) wrap(seq uint64, desc ResourceDescriptor, a *mem.Allocation) *ResourceAllocation {
	return &ResourceAllocation{
		root:   r,
		seq:    seq,
		inner:  a,
		heap:   a.Heap(),
		offset: a.Offset(),
		size:   desc.Size,
		kind:   desc.Kind,
		method: a.Method(),
	}
}

// CreateResourceFromHeap wraps an externally created backend heap as a
// standalone allocation without allocating anything.
func (r *ResourceAllocator) CreateResourceFromHeap(h *backend.Heap) (*ResourceAllocation, error) {
	if h == nil {
		return nil, mem.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	h.Ref()
	r.info.UsedMemoryBytes += h.Size()
	r.info.UsedMemoryCount++

	return &ResourceAllocation{
		root:      r,
		seq:       r.nextSeq,
		heap:      h,
		offset:    mem.InvalidOffset,
		size:      h.Size(),
		kind:      h.Kind(),
		method:    mem.MethodStandalone,
		committed: true,
	}, nil
}

// free returns an allocation to its allocator-of-record.
func (r *ResourceAllocator) free(a *ResourceAllocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.released {
		if mem.DebugChecks {
			panic("gpumm: resource allocation released twice")
		}
		return mem.ErrContractViolation
	}
	a.released = true

	r.tracer.Call(traceTIDApp, "ResourceAllocator.Free", map[string]any{"seq": a.seq})
	r.tracer.ObjectDestroy(traceTIDApp, "Allocation", a.seq)

	if a.committed {
		r.info.UsedMemoryBytes -= a.heap.Size()
		r.info.UsedMemoryCount--
		if a.heap.Unref() && !a.heap.InPool() {
			a.heap.Destroy()
		}
		return nil
	}
	return a.inner.Allocator().Deallocate(a.inner)
}

// QueryInfo returns the aggregated totals of every stack plus committed
// heaps. The snapshot is atomic for the whole facade.
func (r *ResourceAllocator) QueryInfo() mem.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryInfoLocked()
}

func (r *ResourceAllocator) queryInfoLocked() mem.Info {
	info := r.info
	for k := 0; k < backend.NumKinds; k++ {
		info.Add(r.subAllocators[k].QueryInfo())
		info.Add(r.heapAllocators[k].QueryInfo())
		if r.bufferAllocators[k] != nil {
			info.Add(r.bufferAllocators[k].QueryInfo())
		}
	}
	return info
}

// ReleaseMemory releases every idle heap across all stacks: pools drain,
// cached blocks and prefetched slabs are dropped. Blocks until outstanding
// prefetches are cancelled.
func (r *ResourceAllocator) ReleaseMemory() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs *multierror.Error
	for k := 0; k < backend.NumKinds; k++ {
		errs = multierror.Append(errs, r.subAllocators[k].ReleaseMemory())
		errs = multierror.Append(errs, r.heapAllocators[k].ReleaseMemory())
		if r.bufferAllocators[k] != nil {
			errs = multierror.Append(errs, r.bufferAllocators[k].ReleaseMemory())
		}
	}
	return errs.ErrorOrNil()
}

// Trim releases the idle heaps of the standalone stacks only, mirroring
// the light-weight trim a caller runs between frames.
func (r *ResourceAllocator) Trim() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs *multierror.Error
	for k := 0; k < backend.NumKinds; k++ {
		errs = multierror.Append(errs, r.heapAllocators[k].ReleaseMemory())
	}
	return errs.ErrorOrNil()
}

// Close stops the prefetch workers and flushes the tracer. The allocator
// must not be used afterwards.
func (r *ResourceAllocator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var errs *multierror.Error
	for k := 0; k < backend.NumKinds; k++ {
		errs = multierror.Append(errs, r.subAllocators[k].Close())
		if r.bufferAllocators[k] != nil {
			errs = multierror.Append(errs, r.bufferAllocators[k].Close())
		}
	}
	r.tracer.ObjectDestroy(traceTIDApp, "GPUMemoryAllocator", 1)
	r.mu.Unlock()

	errs = multierror.Append(errs, r.tracer.Flush())
	return errs.ErrorOrNil()
}

// ResidencyManager returns the residency manager the allocator was built
// with, or nil.
func (r *ResourceAllocator) ResidencyManager() backend.ResidencyManager {
	return r.residency
}

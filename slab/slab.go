package slab

import (
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/internal/align"
	"github.com/quietfold/gpumm/mem"
)

// cachedBlock is a block reserved by a CacheSize request: counted free,
// handed out on the next real request for its class.
type cachedBlock struct {
	sl    *slab
	index int
}

// sizeClass owns the slabs serving one power-of-two block size.
type sizeClass struct {
	blockSize uint64
	slabs     []*slab
	cached    []cachedBlock

	// prefetched is a slab acquired by the worker, waiting to be spliced in.
	prefetched      *mem.Allocation
	prefetchPending bool
}

// slab is one heap from the child subdivided into blockSize blocks.
type slab struct {
	class       *sizeClass
	inner       *mem.Allocation
	tracker     *BlockTracker
	cachedCount int
}

// slabKey identifies a slab by its heap and its base offset within the
// heap. Two slabs of different classes can share a heap when the child
// sub-allocates, so the heap handle alone is not a key.
type slabKey struct {
	heap *backend.Heap
	base uint64
}

// CacheAllocator is the multi-size-class slab allocator. Requests the class
// table cannot admit pass through to the child untouched.
//
// The allocator is not thread-safe; like every allocator in the stack it
// relies on the caller holding locker. The same locker serializes the
// prefetch worker.
type CacheAllocator struct {
	child mem.Allocator

	minBlockSize  uint64
	maxSlabSize   uint64
	slabSize      uint64
	slabAlignment uint64
	fragLimit     float64

	// withinResource issues MethodSubAllocatedWithinResource instead of
	// MethodSubAllocated; set for stacks backed by a dedicated buffer.
	withinResource bool

	enablePrefetch bool
	locker         sync.Locker
	quiesce        *sync.Cond
	pendingJobs    int
	gen            uint64
	worker         *prefetcher

	classes []*sizeClass
	slabs   map[slabKey]*slab

	usedBlockBytes uint64
	usedBlockCount uint64
	prefetchHits   uint64
	prefetchMisses uint64
	cacheHits      uint64
	cacheMisses    uint64

	// Test hook: called after the worker finishes a job (nil in production).
	onPrefetchDone func()
}

// Option tweaks a CacheAllocator at construction.
type Option func(*CacheAllocator)

// WithinResource marks issued allocations as sub-allocated within a
// dedicated resource.
func WithinResource() Option {
	return func(s *CacheAllocator) { s.withinResource = true }
}

// NewCacheAllocator builds a slab cache over child. Size classes run from
// minBlockSize to maxSlabSize in powers of two; each slab asks the child
// for slabSize bytes (raised to the class block size when the class is
// larger) at slabAlignment. fragLimit in [0, 1] bounds the internal
// fragmentation admitted into a class: (classSize-size)/classSize must be
// <= fragLimit.
//
// locker is the mutex the caller already holds around every call; the
// prefetch worker takes the same lock for its slab acquisitions, and
// ReleaseMemory waits on it for cancellation. When enablePrefetch is false
// no worker goroutine is started.
func NewCacheAllocator(minBlockSize, maxSlabSize, slabSize, slabAlignment uint64,
	fragLimit float64, enablePrefetch bool, locker sync.Locker, child mem.Allocator,
	opts ...Option) (*CacheAllocator, error) {

	if !align.IsPowerOfTwo(minBlockSize) || !align.IsPowerOfTwo(maxSlabSize) ||
		!align.IsPowerOfTwo(slabSize) || !align.IsPowerOfTwo(slabAlignment) ||
		minBlockSize > maxSlabSize || fragLimit < 0 || fragLimit > 1 {
		return nil, mem.ErrInvalidArgument
	}

	s := &CacheAllocator{
		child:          child,
		minBlockSize:   minBlockSize,
		maxSlabSize:    maxSlabSize,
		slabSize:       slabSize,
		slabAlignment:  slabAlignment,
		fragLimit:      fragLimit,
		enablePrefetch: enablePrefetch,
		locker:         locker,
		slabs:          make(map[slabKey]*slab),
	}
	s.quiesce = sync.NewCond(locker)

	numClasses := align.Log2(maxSlabSize/minBlockSize) + 1
	s.classes = make([]*sizeClass, numClasses)
	for k := range s.classes {
		s.classes[k] = &sizeClass{blockSize: minBlockSize << uint(k)}
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.enablePrefetch {
		s.worker = newPrefetcher(s.runPrefetch)
	}
	return s, nil
}

// admit returns the size class serving the request, or nil when the request
// must pass through to the child.
func (s *CacheAllocator) admit(req mem.Request) *sizeClass {
	need := req.Size
	if req.Alignment > need {
		need = req.Alignment
	}
	if need < s.minBlockSize {
		need = s.minBlockSize
	}
	classSize := align.NextPowerOfTwo(need)
	if classSize > s.maxSlabSize {
		return nil
	}
	frag := float64(classSize-req.Size) / float64(classSize)
	if frag > s.fragLimit {
		return nil
	}
	return s.classes[align.Log2(classSize/s.minBlockSize)]
}

func (s *CacheAllocator) TryAllocate(req mem.Request) (*mem.Allocation, error) {
	if err := mem.ValidateRequest(req); err != nil {
		return nil, err
	}

	class := s.admit(req)
	if class == nil {
		return s.child.TryAllocate(req)
	}

	if !req.CacheSize {
		if n := len(class.cached); n > 0 {
			cb := class.cached[n-1]
			class.cached = class.cached[:n-1]
			cb.sl.cachedCount--
			s.cacheHits++
			return s.issue(cb.sl, cb.index, req), nil
		}
		s.cacheMisses++
	}

	sl, err := s.slabWithCapacity(class, req)
	if err != nil {
		return nil, err
	}
	index, ok := sl.tracker.Acquire()
	if !ok {
		return nil, mem.ErrContractViolation
	}

	if req.CacheSize {
		sl.cachedCount++
		class.cached = append(class.cached, cachedBlock{sl: sl, index: index})
		return &mem.Allocation{}, nil
	}

	a := s.issue(sl, index, req)
	s.maybePrefetch(class, sl, req)
	return a, nil
}

// issue builds the allocation for block index of sl.
func (s *CacheAllocator) issue(sl *slab, index int, req mem.Request) *mem.Allocation {
	class := sl.class
	s.usedBlockBytes += class.blockSize
	s.usedBlockCount++

	offset := sl.inner.Offset() + uint64(index)*class.blockSize
	block := mem.Block{Offset: uint64(index) * class.blockSize, Size: class.blockSize}
	method := mem.MethodSubAllocated
	if s.withinResource {
		method = mem.MethodSubAllocatedWithinResource
	}
	return mem.NewAllocation(s, sl.inner.Heap(), offset, req.Size, block, method)
}

// slabWithCapacity returns a slab of class with at least one free block,
// splicing in a prefetched slab or acquiring a new one from the child.
func (s *CacheAllocator) slabWithCapacity(class *sizeClass, req mem.Request) (*slab, error) {
	for _, sl := range class.slabs {
		if sl.tracker.Free() > 0 {
			return sl, nil
		}
	}

	if class.prefetched != nil {
		inner := class.prefetched
		class.prefetched = nil
		s.prefetchHits++
		return s.addSlab(class, inner), nil
	}

	inner, err := s.child.TryAllocate(mem.Request{
		Size:          s.slabSizeFor(class),
		Alignment:     s.slabAlignment,
		NeverAllocate: req.NeverAllocate,
		Backing:       true,
	})
	if err != nil {
		return nil, err
	}
	return s.addSlab(class, inner), nil
}

// slabSizeFor returns the heap size backing one slab of the class: the
// configured slab size, raised when a single block would not fit.
func (s *CacheAllocator) slabSizeFor(class *sizeClass) uint64 {
	if class.blockSize > s.slabSize {
		return class.blockSize
	}
	return s.slabSize
}

func (s *CacheAllocator) addSlab(class *sizeClass, inner *mem.Allocation) *slab {
	n := int(s.slabSizeFor(class) / class.blockSize)
	sl := &slab{
		class:   class,
		inner:   inner,
		tracker: NewBlockTracker(n),
	}
	class.slabs = append(class.slabs, sl)
	s.slabs[slabKey{heap: inner.Heap(), base: inner.Offset()}] = sl
	return sl
}

func (s *CacheAllocator) removeSlab(sl *slab) error {
	class := sl.class
	for i, cur := range class.slabs {
		if cur == sl {
			class.slabs = append(class.slabs[:i], class.slabs[i+1:]...)
			break
		}
	}
	delete(s.slabs, slabKey{heap: sl.inner.Heap(), base: sl.inner.Offset()})
	return s.child.Deallocate(sl.inner)
}

// maybePrefetch enqueues acquisition of the next slab once the current slab
// crosses half utilisation.
func (s *CacheAllocator) maybePrefetch(class *sizeClass, sl *slab, req mem.Request) {
	if !s.enablePrefetch || !req.Prefetch {
		return
	}
	if class.prefetched != nil || class.prefetchPending {
		return
	}
	if sl.tracker.Used()*2 < sl.tracker.Len() {
		return
	}
	class.prefetchPending = true
	s.pendingJobs++
	s.worker.enqueue(prefetchJob{class: class, gen: s.gen})
}

// runPrefetch executes on the worker goroutine. It serializes against the
// application through the shared locker and splices the acquired slab into
// the class.
func (s *CacheAllocator) runPrefetch(job prefetchJob) {
	s.locker.Lock()
	defer s.locker.Unlock()
	defer func() {
		s.pendingJobs--
		s.quiesce.Broadcast()
		if s.onPrefetchDone != nil {
			s.onPrefetchDone()
		}
	}()

	if job.gen != s.gen {
		// Cancelled while queued.
		job.class.prefetchPending = false
		return
	}

	inner, err := s.child.TryAllocate(mem.Request{
		Size:      s.slabSizeFor(job.class),
		Alignment: s.slabAlignment,
		Backing:   true,
	})
	job.class.prefetchPending = false
	if err != nil {
		s.prefetchMisses++
		return
	}
	job.class.prefetched = inner
}

func (s *CacheAllocator) Deallocate(a *mem.Allocation) error {
	if a.IsEmpty() {
		return nil
	}
	if a.Allocator() != mem.Allocator(s) {
		if mem.DebugChecks {
			panic("slab: allocation deallocated by the wrong allocator")
		}
		return mem.ErrContractViolation
	}

	block := a.Block()
	sl, ok := s.slabs[slabKey{heap: a.Heap(), base: a.Offset() - block.Offset}]
	if !ok || sl.class.blockSize != block.Size {
		if mem.DebugChecks {
			panic("slab: deallocation does not match a live slab")
		}
		return mem.ErrContractViolation
	}

	index := int(block.Offset / block.Size)
	if err := sl.tracker.Release(index); err != nil {
		if mem.DebugChecks {
			panic("slab: " + err.Error())
		}
		return mem.ErrContractViolation
	}

	s.usedBlockBytes -= block.Size
	s.usedBlockCount--

	if sl.tracker.Used() == 0 {
		return s.removeSlab(sl)
	}
	return nil
}

// ReleaseMemory cancels outstanding prefetches synchronously, discards
// cached blocks and prefetched slabs, releases every idle slab, and then
// releases the child. The caller must hold the locker passed at
// construction.
func (s *CacheAllocator) ReleaseMemory() error {
	s.cancelPrefetches()

	var errs *multierror.Error
	for _, class := range s.classes {
		if class.prefetched != nil {
			errs = multierror.Append(errs, s.child.Deallocate(class.prefetched))
			class.prefetched = nil
			s.prefetchMisses++
		}

		for _, cb := range class.cached {
			if err := cb.sl.tracker.Release(cb.index); err != nil {
				errs = multierror.Append(errs, err)
			}
			cb.sl.cachedCount--
		}
		class.cached = nil

		// Collect idle slabs before mutating the list.
		var idle []*slab
		for _, sl := range class.slabs {
			if sl.tracker.Used() == 0 {
				idle = append(idle, sl)
			}
		}
		for _, sl := range idle {
			errs = multierror.Append(errs, s.removeSlab(sl))
		}
	}

	errs = multierror.Append(errs, s.child.ReleaseMemory())
	return errs.ErrorOrNil()
}

// cancelPrefetches invalidates queued jobs and blocks until the worker has
// observed the cancellation. Waiting releases the shared locker, which lets
// an in-flight job finish.
func (s *CacheAllocator) cancelPrefetches() {
	s.gen++
	for s.pendingJobs > 0 {
		s.quiesce.Wait()
	}
}

// Close cancels prefetching and stops the worker goroutine. The allocator
// must not be used afterwards. The caller must hold the locker.
func (s *CacheAllocator) Close() error {
	if s.worker == nil {
		return nil
	}
	s.cancelPrefetches()
	s.worker.close()
	return nil
}

func (s *CacheAllocator) MemorySize() uint64 { return s.child.MemorySize() }

func (s *CacheAllocator) MemoryAlignment() uint64 { return s.child.MemoryAlignment() }

func (s *CacheAllocator) QueryInfo() mem.Info {
	info := s.child.QueryInfo()
	info.UsedBlockBytes += s.usedBlockBytes
	info.UsedBlockCount += s.usedBlockCount

	// Free slab capacity: unreserved blocks plus cached reserves.
	for _, sl := range s.slabs {
		free := uint64(sl.tracker.Free()+sl.cachedCount) * sl.class.blockSize
		info.FreeMemoryBytes += free
	}
	for _, class := range s.classes {
		if class.prefetched != nil {
			info.FreeMemoryBytes += s.slabSizeFor(class)
		}
	}

	info.PrefetchedMemoryHits += s.prefetchHits
	info.PrefetchedMemoryMisses += s.prefetchMisses
	info.SizeCacheHits += s.cacheHits
	info.SizeCacheMisses += s.cacheMisses
	return info
}

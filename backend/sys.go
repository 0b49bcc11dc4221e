package backend

import "github.com/pkg/errors"

// SysProvider backs every heap with anonymous mmap'd host memory. Heaps it
// creates expose their mapping through Heap.Mapping, so sub-allocated blocks
// are directly addressable. It exists for host-visible heap kinds and for
// driving the allocator stack against real memory in tests and replays.
type SysProvider struct {
	caps   Caps
	nextID uint64
	stats  SimStats
}

// NewSysProvider returns a provider capped at maxHeapSize bytes. A zero
// maxHeapSize selects the default cap.
func NewSysProvider(maxHeapSize uint64) *SysProvider {
	if maxHeapSize == 0 {
		maxHeapSize = simDefaultMaxHeapSize
	}
	return &SysProvider{
		caps: Caps{MaxHeapSize: maxHeapSize, HeapAlignment: simDefaultHeapAlignment},
	}
}

func (p *SysProvider) CreateHeap(size uint64, kind Kind, budgetHint uint64) (*Heap, error) {
	if size == 0 || size > p.caps.MaxHeapSize {
		return nil, &Error{Op: "CreateHeap", Code: -1}
	}
	b, err := mmapHeap(size)
	if err != nil {
		return nil, errors.Wrap(err, "backend: mmap heap")
	}
	p.nextID++
	p.stats.CreateCalls++
	p.stats.LiveHeaps++
	p.stats.CreatedBytes += size
	h := NewHeap(p, p.nextID, size, p.caps.HeapAlignment, kind)
	h.mapping = b
	return h, nil
}

func (p *SysProvider) DestroyHeap(h *Heap) {
	if h.mapping != nil {
		_ = munmapHeap(h.mapping)
		h.mapping = nil
	}
	p.stats.DestroyCalls++
	p.stats.LiveHeaps--
}

func (p *SysProvider) CreateDedicatedBuffer(size uint64, kind Kind) (*Heap, error) {
	h, err := p.CreateHeap(size, kind, 0)
	if err != nil {
		return nil, err
	}
	p.stats.BufferCalls++
	h.resourceID = h.id
	return h, nil
}

func (p *SysProvider) Caps() Caps { return p.caps }

// Stats returns a copy of the call counters.
func (p *SysProvider) Stats() SimStats { return p.stats }

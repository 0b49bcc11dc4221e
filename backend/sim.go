package backend

// SimStats counts provider activity. Tests assert against these to verify
// how many driver calls a scenario performed.
type SimStats struct {
	CreateCalls  int
	DestroyCalls int
	BufferCalls  int
	LiveHeaps    int
	CreatedBytes uint64
}

// SimProvider is a bookkeeping-only provider: heaps have no backing memory.
// It supports deterministic failure injection and call counting, which makes
// it the standard test double for the allocator stack.
type SimProvider struct {
	caps   Caps
	nextID uint64
	stats  SimStats

	// FailNext makes the next n CreateHeap calls fail with FailCode.
	FailNext int
	FailCode int32
}

const (
	simDefaultMaxHeapSize   = 32 << 30
	simDefaultHeapAlignment = 64 << 10
)

// NewSimProvider returns a provider with default caps (32 GiB max heap size,
// 64 KiB heap alignment).
func NewSimProvider() *SimProvider {
	return &SimProvider{
		caps: Caps{
			MaxHeapSize:   simDefaultMaxHeapSize,
			HeapAlignment: simDefaultHeapAlignment,
		},
	}
}

// NewSimProviderWithCaps returns a provider with explicit caps.
func NewSimProviderWithCaps(caps Caps) *SimProvider {
	return &SimProvider{caps: caps}
}

func (p *SimProvider) CreateHeap(size uint64, kind Kind, budgetHint uint64) (*Heap, error) {
	if p.FailNext > 0 {
		p.FailNext--
		return nil, &Error{Op: "CreateHeap", Code: p.FailCode}
	}
	if size == 0 || size > p.caps.MaxHeapSize {
		return nil, &Error{Op: "CreateHeap", Code: -1}
	}
	p.nextID++
	p.stats.CreateCalls++
	p.stats.LiveHeaps++
	p.stats.CreatedBytes += size
	return NewHeap(p, p.nextID, size, p.caps.HeapAlignment, kind), nil
}

func (p *SimProvider) DestroyHeap(h *Heap) {
	p.stats.DestroyCalls++
	p.stats.LiveHeaps--
}

func (p *SimProvider) CreateDedicatedBuffer(size uint64, kind Kind) (*Heap, error) {
	h, err := p.CreateHeap(size, kind, 0)
	if err != nil {
		return nil, err
	}
	p.stats.BufferCalls++
	h.resourceID = h.id
	return h, nil
}

func (p *SimProvider) Caps() Caps { return p.caps }

// Stats returns a copy of the call counters.
func (p *SimProvider) Stats() SimStats { return p.stats }

// SimResidency is a ResidencyManager double recording lock/evict activity.
type SimResidency struct {
	LockCalls   int
	UnlockCalls int
	EvictCalls  int
	EvictBytes  uint64

	// EvictErr, when set, is returned from every Evict call.
	EvictErr error
}

func (r *SimResidency) LockHeap(h *Heap) {
	r.LockCalls++
	h.SetResident(true)
}

func (r *SimResidency) UnlockHeap(h *Heap) {
	r.UnlockCalls++
}

func (r *SimResidency) Evict(bytes uint64, kind Kind) error {
	r.EvictCalls++
	r.EvictBytes += bytes
	return r.EvictErr
}

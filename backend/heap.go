package backend

// Kind identifies a heap compatibility class. Any two heaps of the same kind
// are interchangeable for placement.
type Kind uint8

const (
	KindDeviceLocal Kind = iota
	KindUpload
	KindReadback

	// NumKinds is the number of built-in heap kinds.
	NumKinds = 3
)

func (k Kind) String() string {
	switch k {
	case KindDeviceLocal:
		return "device-local"
	case KindUpload:
		return "upload"
	case KindReadback:
		return "readback"
	default:
		return "unknown"
	}
}

// Heap is an opaque, reference-counted handle to a contiguous backing region.
//
// The zero ref count means no live sub-allocation references the heap. A heap
// with zero refs is destroyed unless it is parked in a pool (InPool). All
// fields are mutated under the root allocator mutex only.
type Heap struct {
	provider Provider

	id        uint64
	size      uint64
	alignment uint64
	kind      Kind

	refs     int
	resident bool
	inPool   bool

	// Host mapping when the provider backs heaps with addressable memory,
	// nil otherwise.
	mapping []byte

	// Non-zero when the heap was created together with a dedicated buffer
	// resource (see BufferProvider).
	resourceID uint64
}

// NewHeap constructs a heap handle. Providers call this from CreateHeap;
// allocator code never constructs heaps directly.
func NewHeap(p Provider, id, size, alignment uint64, kind Kind) *Heap {
	return &Heap{provider: p, id: id, size: size, alignment: alignment, kind: kind}
}

func (h *Heap) ID() uint64        { return h.id }
func (h *Heap) Size() uint64      { return h.size }
func (h *Heap) Alignment() uint64 { return h.alignment }
func (h *Heap) Kind() Kind        { return h.kind }

// Ref increments the reference count.
func (h *Heap) Ref() { h.refs++ }

// Unref decrements the reference count and reports whether it reached zero.
// The caller decides whether a zero-ref heap is destroyed or pooled.
func (h *Heap) Unref() bool {
	if h.refs <= 0 {
		panic("backend: heap ref count underflow")
	}
	h.refs--
	return h.refs == 0
}

// RefCount returns the current reference count.
func (h *Heap) RefCount() int { return h.refs }

// SetInPool marks whether the heap is parked in a pool slot. A pooled heap
// is not destroyed when its ref count is zero.
func (h *Heap) SetInPool(v bool) { h.inPool = v }

// InPool reports whether the heap is held by a pool.
func (h *Heap) InPool() bool { return h.inPool }

// SetResident records the externally-managed residency state. The allocator
// core observes residency but never changes it itself; only a
// ResidencyManager implementation should call this.
func (h *Heap) SetResident(v bool) { h.resident = v }

// IsResident reports the last recorded residency state.
func (h *Heap) IsResident() bool { return h.resident }

// Mapping returns the host mapping backing this heap, or nil when the
// provider does not expose one.
func (h *Heap) Mapping() []byte { return h.mapping }

// ResourceID returns the dedicated buffer resource created with this heap,
// or zero when the heap was created plain.
func (h *Heap) ResourceID() uint64 { return h.resourceID }

// Destroy releases the heap through its provider. The heap must have a zero
// ref count and must not be pooled.
func (h *Heap) Destroy() {
	if h.refs != 0 || h.inPool {
		panic("backend: destroying a live or pooled heap")
	}
	h.provider.DestroyHeap(h)
}

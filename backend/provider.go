package backend

import "fmt"

// Caps reports backend limits the allocator must respect.
type Caps struct {
	// MaxHeapSize is the largest heap the backend will create.
	MaxHeapSize uint64

	// HeapAlignment is the alignment the backend applies to heap base
	// addresses of every kind.
	HeapAlignment uint64
}

// Provider creates and destroys backing heaps. Create can take milliseconds
// on a real driver; callers treat it as a blocking call.
type Provider interface {
	// CreateHeap creates a heap of exactly size bytes with the given kind.
	// budgetHint is the caller's current total usage, passed through so the
	// provider can make budgeting decisions; providers may ignore it.
	CreateHeap(size uint64, kind Kind, budgetHint uint64) (*Heap, error)

	// DestroyHeap releases a heap. Total if the handle is owned: never fails.
	DestroyHeap(h *Heap)

	// Caps reports the provider's limits.
	Caps() Caps
}

// BufferProvider is implemented by providers that can create a heap together
// with one dedicated buffer resource placed at offset zero. The allocator
// sub-divides the buffer's byte range instead of placing resources.
type BufferProvider interface {
	CreateDedicatedBuffer(size uint64, kind Kind) (*Heap, error)
}

// ResidencyManager tracks which heaps are resident. It is optional; a nil
// manager disables residency interaction entirely.
type ResidencyManager interface {
	// LockHeap pins a heap resident until UnlockHeap. Must surround any
	// backend operation that assumes residency.
	LockHeap(h *Heap)
	UnlockHeap(h *Heap)

	// Evict makes at least bytes of budget available in the given kind's
	// segment before a new heap is created.
	Evict(bytes uint64, kind Kind) error
}

// Error is an opaque driver failure. The code passes through the allocator
// stack verbatim.
type Error struct {
	Op   string
	Code int32
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: %s failed with code %#x", e.Op, uint32(e.Code))
}

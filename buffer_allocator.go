package gpumm

import (
	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/mem"
)

// BufferAllocator is the leaf backing sub-allocation within a resource:
// every allocation creates one dedicated backend buffer of a fixed size,
// whose byte range the slab layer above subdivides.
type BufferAllocator struct {
	provider backend.BufferProvider
	kind     backend.Kind

	// bufferSize is the fixed size of every created buffer.
	bufferSize uint64
	alignment  uint64

	usedBytes uint64
	usedCount uint64
}

// NewBufferAllocator builds a dedicated-buffer leaf. bufferSize is the
// fixed buffer size handed out; alignment is the heap-level alignment.
func NewBufferAllocator(provider backend.BufferProvider, kind backend.Kind,
	bufferSize, alignment uint64) *BufferAllocator {
	return &BufferAllocator{
		provider:   provider,
		kind:       kind,
		bufferSize: bufferSize,
		alignment:  alignment,
	}
}

func (l *BufferAllocator) TryAllocate(req mem.Request) (*mem.Allocation, error) {
	if err := mem.ValidateRequest(req); err != nil {
		return nil, err
	}
	if req.Size > l.bufferSize {
		return nil, mem.ErrOutOfMemory
	}
	if req.NeverAllocate {
		return nil, mem.ErrOutOfMemory
	}

	h, err := l.provider.CreateDedicatedBuffer(l.bufferSize, l.kind)
	if err != nil {
		return nil, err
	}
	h.Ref()
	l.usedBytes += h.Size()
	l.usedCount++

	block := mem.Block{Offset: 0, Size: h.Size()}
	return mem.NewAllocation(l, h, 0, req.Size, block, mem.MethodStandalone), nil
}

func (l *BufferAllocator) Deallocate(a *mem.Allocation) error {
	if a.IsEmpty() {
		return nil
	}
	if a.Allocator() != mem.Allocator(l) {
		if mem.DebugChecks {
			panic("gpumm: allocation deallocated by the wrong buffer allocator")
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

func (l *BufferAllocator) ReleaseMemory() error { return nil }

// MemorySize returns the fixed buffer size.
func (l *BufferAllocator) MemorySize() uint64 { return l.bufferSize }

func (l *BufferAllocator) MemoryAlignment() uint64 { return l.alignment }

func (l *BufferAllocator) QueryInfo() mem.Info {
	return mem.Info{
		UsedMemoryBytes: l.usedBytes,
		UsedMemoryCount: l.usedCount,
	}
}

// Package memtest provides allocator test doubles shared by the allocator
// package tests.
package memtest

import (
	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/mem"
)

// Leaf is a minimal heap-per-request leaf over a SimProvider. It mirrors the
// production resource-heap leaf closely enough for exercising the layers
// above it, while exposing the provider's call counters to tests.
type Leaf struct {
	Provider *backend.SimProvider
	Kind     backend.Kind

	usedBytes uint64
	usedCount uint64
}

// NewLeaf builds a leaf over a fresh SimProvider.
func NewLeaf() *Leaf {
	return &Leaf{Provider: backend.NewSimProvider()}
}

func (l *Leaf) TryAllocate(req mem.Request) (*mem.Allocation, error) {
	if err := mem.ValidateRequest(req); err != nil {
		return nil, err
	}
	if req.NeverAllocate {
		return nil, mem.ErrOutOfMemory
	}
	h, err := l.Provider.CreateHeap(req.Size, l.Kind, l.usedBytes)
	if err != nil {
		return nil, err
	}
	h.Ref()
	l.usedBytes += h.Size()
	l.usedCount++
	block := mem.Block{Offset: 0, Size: h.Size()}
	return mem.NewAllocation(l, h, 0, req.Size, block, mem.MethodStandalone), nil
}

func (l *Leaf) Deallocate(a *mem.Allocation) error {
	if a.IsEmpty() {
		return nil
	}
	if a.Allocator() != mem.Allocator(l) {
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

func (l *Leaf) ReleaseMemory() error { return nil }

func (l *Leaf) MemorySize() uint64 { return mem.InvalidSize }

func (l *Leaf) MemoryAlignment() uint64 { return l.Provider.Caps().HeapAlignment }

func (l *Leaf) QueryInfo() mem.Info {
	return mem.Info{
		UsedMemoryBytes: l.usedBytes,
		UsedMemoryCount: l.usedCount,
	}
}

package gpumm

import "github.com/quietfold/gpumm/backend"

// ScopedHeapLock pins a heap resident for the duration of a backend
// operation. A nil residency manager makes both operations no-ops.
//
//	lock := gpumm.NewScopedHeapLock(rm, heap)
//	defer lock.Unlock()
type ScopedHeapLock struct {
	rm   backend.ResidencyManager
	heap *backend.Heap
}

// NewScopedHeapLock locks the heap resident.
func NewScopedHeapLock(rm backend.ResidencyManager, heap *backend.Heap) ScopedHeapLock {
	if rm != nil {
		rm.LockHeap(heap)
	}
	return ScopedHeapLock{rm: rm, heap: heap}
}

// Unlock releases the residency pin.
func (l ScopedHeapLock) Unlock() {
	if l.rm != nil {
		l.rm.UnlockHeap(l.heap)
	}
}

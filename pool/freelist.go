package pool

import "github.com/quietfold/gpumm/mem"

// freeList is a LIFO list of idle leaf allocations, age-stamped for
// oldest-first eviction. The last parked entry is reused first for temporal
// locality.
type freeList struct {
	entries []entry
}

// push parks an allocation with the given age stamp.
func (l *freeList) push(inner *mem.Allocation, seq uint64) {
	l.entries = append(l.entries, entry{inner: inner, seq: seq})
}

// pop returns the most recently parked allocation, or nil when empty.
func (l *freeList) pop() *mem.Allocation {
	n := len(l.entries)
	if n == 0 {
		return nil
	}
	e := l.entries[n-1]
	l.entries = l.entries[:n-1]
	return e.inner
}

// removeAt removes and returns the entry at index i.
func (l *freeList) removeAt(i int) *mem.Allocation {
	e := l.entries[i]
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return e.inner
}

// oldest returns the index and stamp of the oldest entry, or -1 when empty.
func (l *freeList) oldest() (int, uint64) {
	idx, seq := -1, ^uint64(0)
	for i, e := range l.entries {
		if e.seq < seq {
			idx, seq = i, e.seq
		}
	}
	return idx, seq
}

func (l *freeList) len() int { return len(l.entries) }

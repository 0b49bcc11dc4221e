package buddy

import "testing"

func Benchmark_Index_AllocFree(b *testing.B) {
	alloc, err := NewIndexAllocator(1<<30, 1<<16)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		off, order, aerr := alloc.Allocate(1<<16, 0)
		if aerr != nil {
			b.Fatal(aerr)
		}
		if derr := alloc.Deallocate(off, order); derr != nil {
			b.Fatal(derr)
		}
	}
}

func Benchmark_Index_FragmentedAlloc(b *testing.B) {
	alloc, err := NewIndexAllocator(1<<30, 1<<12)
	if err != nil {
		b.Fatal(err)
	}

	// Fragment the space with alternating held blocks.
	type blk struct {
		off   uint64
		order uint
	}
	var held []blk
	for i := 0; i < 4096; i++ {
		off, order, aerr := alloc.Allocate(1<<12, 0)
		if aerr != nil {
			b.Fatal(aerr)
		}
		if i%2 == 0 {
			held = append(held, blk{off, order})
		} else if derr := alloc.Deallocate(off, order); derr != nil {
			b.Fatal(derr)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		off, order, aerr := alloc.Allocate(1<<13, 0)
		if aerr != nil {
			b.Fatal(aerr)
		}
		if derr := alloc.Deallocate(off, order); derr != nil {
			b.Fatal(derr)
		}
	}

	b.StopTimer()
	for _, h := range held {
		if derr := alloc.Deallocate(h.off, h.order); derr != nil {
			b.Fatal(derr)
		}
	}
}

// Package gpumm is a GPU memory sub-allocation engine. It sits between a
// driver backend — which only offers coarse, expensive heap creation — and
// an application issuing many fine-grained resource allocations, and it
// minimises backend heap churn by placing many logical resources inside
// each heap.
//
// # Architecture
//
// The ResourceAllocator facade owns one set of allocator stacks per heap
// kind, in decreasing order of preference:
//
//	slab cache -> segmented pool -> dedicated-buffer leaf
//	slab cache -> buddy heap grid -> segmented pool -> resource-heap leaf
//	standalone -> segmented pool -> resource-heap leaf
//
// The dedicated-buffer stack is tried only for small requests that carry
// FlagAllowSubAllocateWithinResource.
//
// CreateResource walks the applicable stacks until one succeeds and falls
// back to an ad-hoc committed heap as a last resort. Deallocation flows to
// the allocator-of-record stored inside each allocation.
//
// # Concurrency
//
// The facade is thread-safe: a single mutex covers the full duration of
// CreateResource and Free. The slab prefetch worker serializes through the
// same mutex, so the internal allocators never see concurrent calls.
//
// # Usage
//
//	provider := backend.NewSysProvider(0)
//	ra, err := gpumm.NewResourceAllocator(provider, nil, gpumm.Options{})
//	if err != nil {
//	    return err
//	}
//	defer ra.Close()
//
//	a, err := ra.CreateResource(gpumm.ResourceDescriptor{Size: 64 << 10})
//	if err != nil {
//	    return err
//	}
//	defer a.Release()
package gpumm

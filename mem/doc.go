// Package mem defines the composable memory-allocator contract and the core
// value types shared by every allocator in this repository.
//
// # Overview
//
// An Allocator satisfies variable-sized allocation requests, usually by
// delegating fixed-sized requests to an inner allocator. Leaves talk to the
// backend; the root facade is what applications call. Composition forms a
// directed acyclic graph: each wrapper exclusively owns its inner allocator.
//
// # The contract
//
// Every allocator exposes exactly this surface:
//
//   - TryAllocate(Request): satisfy a request or report why it cannot
//   - Deallocate(*Allocation): return a previously issued allocation
//   - ReleaseMemory(): drop every idle heap held in pools and caches
//   - MemorySize(): the fixed heap size handed out, or InvalidSize
//   - MemoryAlignment(): the heap-level alignment
//   - QueryInfo(): running totals
//
// Allocators are not individually thread-safe. The root facade serializes
// all calls with a single mutex; see package gpumm.
//
// # Allocations
//
// An Allocation points back to its allocator-of-record, which must receive
// the Deallocate. The back-reference is non-owning: allocators are
// guaranteed to outlive their live allocations.
package mem

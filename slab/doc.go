// Package slab implements the multi-size-class slab allocator used when
// most requests cluster around a handful of sizes.
//
// Size classes are minBlockSize·2^k up to maxSlabSize. Each class owns a
// list of slabs; each slab is one heap obtained from the child allocator,
// subdivided into fixed-size blocks tracked by a bitmap. Requests the class
// table cannot admit — too large, or too wasteful against the fragmentation
// limit — pass straight through to the child, so a coarser allocator
// underneath picks them up.
//
// Two warm paths keep first-touch latency predictable:
//
//   - size cache: CacheSize requests reserve a block and publish it as
//     free, pre-allocated capacity; the next real request for the class
//     takes it without touching the child.
//   - prefetch: once the current slab is half full, the next slab is
//     requested from the child on a background worker and spliced into the
//     class when it arrives.
package slab

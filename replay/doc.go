// Package replay parses captured allocator traces and plays them back
// against a live ResourceAllocator. A capture is the chrome-tracing JSON
// document produced by the trace package; playback re-issues every
// CreateResource and Free call in capture order and verifies the replayed
// stack can satisfy the same sequence.
package replay

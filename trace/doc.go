// Package trace is the observer sink for the allocator stack. It records
// object lifecycle, call, counter, and duration events into per-producer
// buffers and flushes them as a chrome-tracing compatible JSON document
// (one event per line inside a top-level traceEvents array), so captures
// open directly in any trace viewer and feed the replay harness.
//
// All Writer methods are nil-safe: a nil *Writer records nothing, which is
// how tracing is disabled.
package trace

package gpumm

import "github.com/quietfold/gpumm/trace"

// Default configuration values.
const (
	// DefaultPreferredHeapSize is the heap size handed to the buddy and
	// slab layers when none is configured.
	DefaultPreferredHeapSize = 4 << 20

	// DefaultFragmentationLimit is the slab admission threshold.
	DefaultFragmentationLimit = 0.125
)

// Options configures a ResourceAllocator. The zero value selects defaults,
// so callers set only what they need. Field names double as the keys of the
// YAML profiles consumed by the replay CLI.
type Options struct {
	// PreferredHeapSize is the heap size handed to the buddy and slab
	// layers. Rounded up to a power of two. Default 4 MiB.
	PreferredHeapSize uint64 `json:"preferredHeapSize,omitempty"`

	// MaxHeapSize caps a single heap. Defaults to the backend-reported
	// maximum and is clamped to it.
	MaxHeapSize uint64 `json:"maxHeapSize,omitempty"`

	// FragmentationLimit is the slab admission threshold in [0, 1].
	// Default 0.125.
	FragmentationLimit float64 `json:"fragmentationLimit,omitempty"`

	// AlwaysCommitted skips every sub-allocation layer: each resource gets
	// its own committed heap.
	AlwaysCommitted bool `json:"alwaysCommitted,omitempty"`

	// AlwaysOnDemand disables heap pooling.
	AlwaysOnDemand bool `json:"alwaysOnDemand,omitempty"`

	// AlwaysInBudget calls ResidencyManager.Evict before heap creation.
	AlwaysInBudget bool `json:"alwaysInBudget,omitempty"`

	// DisablePrefetch disables background slab prefetch.
	DisablePrefetch bool `json:"disablePrefetch,omitempty"`

	// DisableSizeCache skips the eager size-class warm-up.
	DisableSizeCache bool `json:"disableSizeCache,omitempty"`

	// MaxPooledHeaps caps the idle heaps each pool may hold; beyond it the
	// oldest idle heap is evicted. Zero means unlimited.
	MaxPooledHeaps int `json:"maxPooledHeaps,omitempty"`

	// Trace receives observer events. Nil disables recording.
	Trace *trace.Writer `json:"-"`
}

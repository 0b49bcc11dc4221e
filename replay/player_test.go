package replay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietfold/gpumm"
	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/trace"
)

// capture runs a workload against a traced allocator and returns the
// resulting capture document.
func capture(t *testing.T, workload func(ra *gpumm.ResourceAllocator)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := trace.NewWriterTo(&buf)

	ra, err := gpumm.NewResourceAllocator(backend.NewSimProvider(), nil, gpumm.Options{Trace: w})
	require.NoError(t, err)

	workload(ra)
	require.NoError(t, ra.Close())
	return buf.Bytes()
}

func Test_Parse_RecoversOps(t *testing.T) {
	data := capture(t, func(ra *gpumm.ResourceAllocator) {
		a, err := ra.CreateResource(gpumm.ResourceDescriptor{Size: 64 << 10})
		require.NoError(t, err)
		b, err := ra.CreateResource(gpumm.ResourceDescriptor{Size: 1 << 20, Kind: backend.KindUpload})
		require.NoError(t, err)
		require.NoError(t, a.Release())
		require.NoError(t, b.Release())
	})

	c, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, c.Ops, 4)

	require.Equal(t, OpCreate, c.Ops[0].Kind)
	require.Equal(t, uint64(64<<10), c.Ops[0].Size)
	require.Equal(t, OpCreate, c.Ops[1].Kind)
	require.Equal(t, backend.KindUpload, c.Ops[1].HeapKind)
	require.Equal(t, OpFree, c.Ops[2].Kind)
	require.Equal(t, c.Ops[0].Seq, c.Ops[2].Seq)

	// The allocator snapshot is recovered for the captured profile.
	require.Equal(t, uint64(gpumm.DefaultPreferredHeapSize), c.Options.PreferredHeapSize)
}

func Test_Parse_RejectsGarbage(t *testing.T) {
	_, err := Parse(strings.NewReader("not json"))
	require.ErrorIs(t, err, ErrParse)

	_, err = Parse(strings.NewReader(`{"somethingElse": []}`))
	require.ErrorIs(t, err, ErrParse)
}

func Test_Run_ReplaysCapture(t *testing.T) {
	data := capture(t, func(ra *gpumm.ResourceAllocator) {
		var allocs []*gpumm.ResourceAllocation
		for i := 0; i < 5; i++ {
			a, err := ra.CreateResource(gpumm.ResourceDescriptor{Size: 64 << 10})
			require.NoError(t, err)
			allocs = append(allocs, a)
		}
		for _, a := range allocs {
			require.NoError(t, a.Release())
		}
	})

	c, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)

	ra, err := gpumm.NewResourceAllocator(backend.NewSimProvider(), nil, gpumm.Options{})
	require.NoError(t, err)
	defer ra.Close()

	report, err := Run(ra, c, Params{Iterations: 3})
	require.NoError(t, err)
	require.Equal(t, 3, report.Iterations)
	require.Equal(t, 15, report.Creates)
	require.Equal(t, 15, report.Frees)
	require.Equal(t, uint64(gpumm.DefaultPreferredHeapSize), report.PeakUsedBytes)
	require.Equal(t, uint64(5*64<<10), report.PeakUsedBlockBytes)
}

func Test_Run_NeverAllocateMismatch(t *testing.T) {
	data := capture(t, func(ra *gpumm.ResourceAllocator) {
		a, err := ra.CreateResource(gpumm.ResourceDescriptor{Size: 64 << 10})
		require.NoError(t, err)
		require.NoError(t, a.Release())
	})

	c, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)

	// A cold allocator with never-allocate cannot satisfy the capture.
	ra, err := gpumm.NewResourceAllocator(backend.NewSimProvider(), nil, gpumm.Options{})
	require.NoError(t, err)
	defer ra.Close()

	_, err = Run(ra, c, Params{NeverAllocate: true})
	require.ErrorIs(t, err, ErrMismatch)
}

func Test_Run_ForceStandalone(t *testing.T) {
	data := capture(t, func(ra *gpumm.ResourceAllocator) {
		a, err := ra.CreateResource(gpumm.ResourceDescriptor{Size: 64 << 10})
		require.NoError(t, err)
		require.NoError(t, a.Release())
	})

	c, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)

	p := backend.NewSimProvider()
	ra, err := gpumm.NewResourceAllocator(p, nil, gpumm.Options{})
	require.NoError(t, err)
	defer ra.Close()

	report, err := Run(ra, c, Params{ForceStandalone: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.Creates)

	// Standalone heaps match the request size, not the preferred heap size.
	require.Equal(t, uint64(64<<10), report.PeakUsedBytes)
}

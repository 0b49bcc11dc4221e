package replay

import (
	"errors"
	"fmt"

	"github.com/quietfold/gpumm"
)

// ErrMismatch indicates playback diverged from the capture: a call that
// succeeded at capture time failed on replay, or an op referenced an
// unknown allocation.
var ErrMismatch = errors.New("replay: playback mismatch")

// Params tweak playback.
type Params struct {
	// Iterations repeats the whole capture. Zero means one iteration.
	Iterations int

	// NeverAllocate adds FlagNeverAllocate to every create.
	NeverAllocate bool

	// ForceStandalone disables sub-allocation on every create.
	ForceStandalone bool
}

// Report summarises one playback run.
type Report struct {
	Iterations int
	Creates    int
	Frees      int

	// PeakUsedBytes is the high-water mark of used memory during playback.
	PeakUsedBytes uint64

	// PeakUsedBlockBytes is the high-water mark of reserved block bytes.
	PeakUsedBlockBytes uint64
}

// Run plays the capture against ra. Allocations still live at the end of an
// iteration are released, so every iteration starts from pooled-but-idle
// state, the way a frame loop would; ReleaseMemory is not called between
// iterations.
func Run(ra *gpumm.ResourceAllocator, c *Capture, p Params) (Report, error) {
	iterations := p.Iterations
	if iterations <= 0 {
		iterations = 1
	}

	report := Report{Iterations: iterations}
	for it := 0; it < iterations; it++ {
		if err := runOnce(ra, c, p, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func runOnce(ra *gpumm.ResourceAllocator, c *Capture, p Params, report *Report) error {
	live := make(map[uint64]*gpumm.ResourceAllocation)

	// Leftover allocations are released before returning so a failed
	// iteration does not leak into the next.
	defer func() {
		for _, a := range live {
			_ = a.Release()
		}
	}()

	for _, op := range c.Ops {
		switch op.Kind {
		case OpCreate:
			flags := op.Flags
			if p.NeverAllocate {
				flags |= gpumm.FlagNeverAllocate
			}
			if p.ForceStandalone {
				flags |= gpumm.FlagNeverSubAllocate
			}

			a, err := ra.CreateResource(gpumm.ResourceDescriptor{
				Size:      op.Size,
				Alignment: op.Alignment,
				Kind:      op.HeapKind,
				Flags:     flags,
			})
			if err != nil {
				return fmt.Errorf("%w: create seq %d (%d bytes): %v",
					ErrMismatch, op.Seq, op.Size, err)
			}
			live[op.Seq] = a
			report.Creates++

			info := ra.QueryInfo()
			if info.UsedMemoryBytes > report.PeakUsedBytes {
				report.PeakUsedBytes = info.UsedMemoryBytes
			}
			if info.UsedBlockBytes > report.PeakUsedBlockBytes {
				report.PeakUsedBlockBytes = info.UsedBlockBytes
			}

		case OpFree:
			a, ok := live[op.Seq]
			if !ok {
				return fmt.Errorf("%w: free of unknown seq %d", ErrMismatch, op.Seq)
			}
			delete(live, op.Seq)
			if err := a.Release(); err != nil {
				return fmt.Errorf("%w: free seq %d: %v", ErrMismatch, op.Seq, err)
			}
			report.Frees++
		}
	}
	return nil
}

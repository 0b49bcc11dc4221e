package replay

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/quietfold/gpumm"
	"github.com/quietfold/gpumm/backend"
)

// ErrParse indicates the playback file is not a valid capture.
var ErrParse = errors.New("replay: trace parse error")

// OpKind distinguishes replayable operations.
type OpKind uint8

const (
	OpCreate OpKind = iota
	OpFree
)

// Op is one replayable call recovered from a capture.
type Op struct {
	Kind OpKind
	Seq  uint64

	// Create parameters; zero for OpFree.
	Size      uint64
	Alignment uint64
	HeapKind  backend.Kind
	Flags     gpumm.AllocationFlags
}

// Capture is a parsed playback file.
type Capture struct {
	Ops []Op

	// Options holds the allocator configuration snapshotted at capture
	// time, for the "captured" replay profile.
	Options gpumm.Options
}

// Event names recorded by the root facade.
const (
	eventCreateResource = "ResourceAllocator.CreateResource"
	eventFree           = "ResourceAllocator.Free"
	eventAllocator      = "GPUMemoryAllocator"
)

type rawEvent struct {
	Name string          `json:"name"`
	Ph   string          `json:"ph"`
	Args json.RawMessage `json:"args"`
}

type rawDocument struct {
	TraceEvents []rawEvent `json:"traceEvents"`
}

type createArgs struct {
	Seq       uint64 `json:"seq"`
	Size      uint64 `json:"size"`
	Alignment uint64 `json:"alignment"`
	Kind      int    `json:"kind"`
	Flags     uint32 `json:"flags"`
}

type freeArgs struct {
	Seq uint64 `json:"seq"`
}

type snapshotArgs struct {
	Snapshot gpumm.Options `json:"snapshot"`
}

// Parse reads a capture document.
func Parse(r io.Reader) (*Capture, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}

	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}
	if doc.TraceEvents == nil {
		return nil, errors.Wrap(ErrParse, "missing traceEvents array")
	}

	c := &Capture{}
	for _, e := range doc.TraceEvents {
		switch {
		case e.Name == eventCreateResource && e.Ph == "I":
			var args createArgs
			if err := json.Unmarshal(e.Args, &args); err != nil {
				return nil, errors.Wrap(ErrParse, err.Error())
			}
			if args.Seq == 0 || args.Size == 0 {
				return nil, errors.Wrap(ErrParse, "malformed create event")
			}
			c.Ops = append(c.Ops, Op{
				Kind:      OpCreate,
				Seq:       args.Seq,
				Size:      args.Size,
				Alignment: args.Alignment,
				HeapKind:  backend.Kind(args.Kind),
				Flags:     gpumm.AllocationFlags(args.Flags),
			})

		case e.Name == eventFree && e.Ph == "I":
			var args freeArgs
			if err := json.Unmarshal(e.Args, &args); err != nil {
				return nil, errors.Wrap(ErrParse, err.Error())
			}
			if args.Seq == 0 {
				return nil, errors.Wrap(ErrParse, "malformed free event")
			}
			c.Ops = append(c.Ops, Op{Kind: OpFree, Seq: args.Seq})

		case e.Name == eventAllocator && e.Ph == "O":
			var args snapshotArgs
			if err := json.Unmarshal(e.Args, &args); err != nil {
				return nil, errors.Wrap(ErrParse, err.Error())
			}
			c.Options = args.Snapshot
		}
	}
	return c, nil
}

package mem

import "github.com/hashicorp/go-multierror"

// ConditionalAllocator routes each request to one of two children by a
// predicate. The chosen child becomes the allocation's allocator-of-record,
// so deallocation reaches it directly.
type ConditionalAllocator struct {
	primary   Allocator
	secondary Allocator

	// predicate returns true to route the request to primary.
	predicate func(Request) bool
}

// NewConditionalAllocator builds a router. The wrapper takes exclusive
// ownership of both children.
func NewConditionalAllocator(primary, secondary Allocator, predicate func(Request) bool) *ConditionalAllocator {
	return &ConditionalAllocator{primary: primary, secondary: secondary, predicate: predicate}
}

// NewSizeConditionalAllocator routes requests of size <= threshold to
// primary and everything larger to secondary.
func NewSizeConditionalAllocator(primary, secondary Allocator, threshold uint64) *ConditionalAllocator {
	return NewConditionalAllocator(primary, secondary, func(req Request) bool {
		return req.Size <= threshold
	})
}

func (c *ConditionalAllocator) TryAllocate(req Request) (*Allocation, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if c.predicate(req) {
		return c.primary.TryAllocate(req)
	}
	return c.secondary.TryAllocate(req)
}

func (c *ConditionalAllocator) Deallocate(a *Allocation) error {
	if a.IsEmpty() {
		return nil
	}
	switch a.Allocator() {
	case c.primary, c.secondary:
		return a.Allocator().Deallocate(a)
	default:
		if DebugChecks {
			panic("mem: allocation deallocated by the wrong conditional allocator")
		}
		return ErrContractViolation
	}
}

func (c *ConditionalAllocator) ReleaseMemory() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.primary.ReleaseMemory())
	errs = multierror.Append(errs, c.secondary.ReleaseMemory())
	return errs.ErrorOrNil()
}

// MemorySize returns the children's common fixed size, or InvalidSize when
// they disagree.
func (c *ConditionalAllocator) MemorySize() uint64 {
	if c.primary.MemorySize() == c.secondary.MemorySize() {
		return c.primary.MemorySize()
	}
	return InvalidSize
}

func (c *ConditionalAllocator) MemoryAlignment() uint64 {
	a, b := c.primary.MemoryAlignment(), c.secondary.MemoryAlignment()
	if a > b {
		return a
	}
	return b
}

func (c *ConditionalAllocator) QueryInfo() Info {
	info := c.primary.QueryInfo()
	info.Add(c.secondary.QueryInfo())
	return info
}

package mem

import "errors"

var (
	// ErrInvalidArgument indicates the request violates the contract
	// (zero size, non-power-of-two alignment, incompatible heap kind).
	// Never retry with the same arguments.
	ErrInvalidArgument = errors.New("mem: invalid argument")

	// ErrOutOfMemory indicates capacity is exhausted. The caller may retry
	// with different flags or after releasing memory.
	ErrOutOfMemory = errors.New("mem: out of memory")

	// ErrContractViolation indicates a programming bug such as a double
	// free or a deallocation routed to the wrong allocator. Detected
	// violations panic when GPUMM_DEBUG is set; otherwise the implementation
	// leaks rather than corrupts.
	ErrContractViolation = errors.New("mem: contract violation")
)

package buddy

import "errors"

var (
	// ErrBadConfig indicates the space or block size is not a power of two,
	// or the sizes are inconsistent.
	ErrBadConfig = errors.New("buddy: max size and min block size must be powers of two with max >= min")

	// ErrBadFree indicates a deallocation of an offset that is out of
	// bounds, misaligned for its order, or already free.
	ErrBadFree = errors.New("buddy: bad free")
)

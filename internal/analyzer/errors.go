package analyzer

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameOutOfRange is returned for a frame index outside the catalog.
	ErrFrameOutOfRange = errors.New("analyzer: frame index out of range")
	// ErrNoTileData is returned when a frame carries no tile groups to
	// decode.
	ErrNoTileData = errors.New("analyzer: frame has no tile data")
	// ErrSessionNotFound is returned by the registry for unknown ids.
	ErrSessionNotFound = errors.New("analyzer: session not found")
	// ErrClosed is returned by queries on a closed session.
	ErrClosed = errors.New("analyzer: session closed")
)

// FrameError wraps the failure of a query on a single frame. Err is the
// layer error: a *syntax.SyntaxError, *partition.PartitionError,
// *obu.UnitError, *cache.CacheError or one of the sentinels above.
type FrameError struct {
	Index int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Index, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

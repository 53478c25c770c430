// Package partition decodes superblock partition trees from tile group
// payloads into coding units.
//
// Per-node and per-block symbols are read as fixed-width or signed fields
// whose widths come from a Table, so the tree walk follows AV1's
// decode_partition rules while the symbol coding stays data driven.
package partition

import (
	"errors"
	"fmt"

	"github.com/zsiec/av1scope/internal/syntax"
)

// Type is an AV1 partition type.
type Type uint8

const (
	None Type = iota
	Horz
	Vert
	Split
	HorzA
	HorzB
	VertA
	VertB
	Horz4
	Vert4
)

// MarshalText encodes the partition type by name.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t Type) String() string {
	switch t {
	case None:
		return "NONE"
	case Horz:
		return "HORZ"
	case Vert:
		return "VERT"
	case Split:
		return "SPLIT"
	case HorzA:
		return "HORZ_A"
	case HorzB:
		return "HORZ_B"
	case VertA:
		return "VERT_A"
	case VertB:
		return "VERT_B"
	case Horz4:
		return "HORZ_4"
	case Vert4:
		return "VERT_4"
	}
	return fmt.Sprintf("partition(%d)", uint8(t))
}

// PredictionMode is a block's intra or inter prediction mode.
type PredictionMode uint8

// Intra modes occupy 0..12, inter modes follow.
const (
	DCPred PredictionMode = iota
	VPred
	HPred
	D45Pred
	D135Pred
	D113Pred
	D157Pred
	D203Pred
	D67Pred
	SmoothPred
	SmoothVPred
	SmoothHPred
	PaethPred
	NearestMV
	NearMV
	GlobalMV
	NewMV
)

const (
	numIntraModes = 13
	numInterModes = 4
)

var modeNames = [...]string{
	"DC_PRED", "V_PRED", "H_PRED", "D45_PRED", "D135_PRED", "D113_PRED",
	"D157_PRED", "D203_PRED", "D67_PRED", "SMOOTH_PRED", "SMOOTH_V_PRED",
	"SMOOTH_H_PRED", "PAETH_PRED", "NEARESTMV", "NEARMV", "GLOBALMV", "NEWMV",
}

func (m PredictionMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// MarshalText encodes the mode by name.
func (m PredictionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Intra reports whether m is an intra prediction mode.
func (m PredictionMode) Intra() bool {
	return m < NearestMV
}

// MV is a motion vector in 1/8 luma sample units.
type MV struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// CodingUnit is a leaf of a partition tree. Geometry is in luma samples and
// is already clipped to the coded frame area.
type CodingUnit struct {
	X, Y int
	W, H int

	Type       Type
	Depth      int
	Tile       int
	Superblock int

	// QPDelta is the block's quantizer delta, already scaled by the frame's
	// delta_q_res.
	QPDelta   int
	Mode      PredictionMode
	RefFrames [2]syntax.RefFrame
	MVs       []MV
}

// Intra reports whether the CU uses intra prediction.
func (cu *CodingUnit) Intra() bool {
	return len(cu.MVs) == 0
}

// Contains reports whether the luma sample (x, y) lies inside the CU.
func (cu *CodingUnit) Contains(x, y int) bool {
	return x >= cu.X && x < cu.X+cu.W && y >= cu.Y && y < cu.Y+cu.H
}

// Sentinel errors carried by PartitionError.
var (
	ErrSymbolOutOfRange = errors.New("partition: symbol out of range")
	ErrOverDepth        = errors.New("partition: recursion exceeds maximum depth")
	ErrTruncated        = errors.New("partition: tile data truncated")
	ErrTrailingData     = errors.New("partition: unconsumed tile data")
	ErrTileSize         = errors.New("partition: tile size exceeds tile group")
	ErrTileRange        = errors.New("partition: tile group range invalid")
	ErrMissingTiles     = errors.New("partition: frame tiles incomplete")
)

// PartitionError reports a decoding fault inside one superblock. Coding
// units decoded before the fault are returned alongside it. Faults in tile
// group framing carry SuperblockRow and SuperblockCol of -1.
type PartitionError struct {
	Tile          int
	SuperblockRow int
	SuperblockCol int
	Err           error
}

func (e *PartitionError) Error() string {
	if e.SuperblockRow < 0 {
		return fmt.Sprintf("tile %d: %v", e.Tile, e.Err)
	}
	return fmt.Sprintf("tile %d superblock (%d,%d): %v", e.Tile, e.SuperblockRow, e.SuperblockCol, e.Err)
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}

package overlay

import (
	"slices"

	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/syntax"
)

// MaxQIndex is the largest AV1 quantizer index.
const MaxQIndex = 255

// QP returns the effective quantizer index of every CU: the frame's base
// index plus the CU delta, clamped to 0..255.
func QP(src *Source) *Grid[int] {
	return project(src, KindQP, func(cu *partition.CodingUnit) int {
		return min(max(src.BaseQIdx+cu.QPDelta, 0), MaxQIndex)
	}, appendQP)
}

// MotionValue is the motion of an inter CU. Compound CUs carry two
// references and two vectors.
type MotionValue struct {
	RefFrame  syntax.RefFrame          `json:"ref"`
	RefFrame2 syntax.RefFrame          `json:"ref2,omitempty"`
	MVs       []partition.MV           `json:"mvs"`
	Mode      partition.PredictionMode `json:"mode"`
}

// Motion returns the motion of every CU; intra CUs get a nil value. The
// vectors are copies, so callers may modify them.
func Motion(src *Source) *Grid[*MotionValue] {
	return project(src, KindMotionVector, func(cu *partition.CodingUnit) *MotionValue {
		if cu.Intra() {
			return nil
		}
		return &MotionValue{
			RefFrame:  cu.RefFrames[0],
			RefFrame2: cu.RefFrames[1],
			MVs:       slices.Clone(cu.MVs),
			Mode:      cu.Mode,
		}
	}, appendMotion)
}

// PartitionValue describes how a CU was produced.
type PartitionValue struct {
	Type  partition.Type `json:"type"`
	W     int            `json:"w"`
	H     int            `json:"h"`
	Depth int            `json:"depth"`
}

// Partitions returns the partition shape of every CU.
func Partitions(src *Source) *Grid[PartitionValue] {
	return project(src, KindPartitionMap, func(cu *partition.CodingUnit) PartitionValue {
		return PartitionValue{Type: cu.Type, W: cu.W, H: cu.H, Depth: cu.Depth}
	}, appendPartition)
}

// Extract dispatches on kind.
func Extract(src *Source, kind Kind) (Overlay, error) {
	switch kind {
	case KindQP:
		return QP(src), nil
	case KindMotionVector:
		return Motion(src), nil
	case KindPartitionMap:
		return Partitions(src), nil
	}
	return nil, ErrUnknownKind
}

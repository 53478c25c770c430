// Package overlay projects a frame's decoded coding units into dense
// per-CU grids: quantizer index, motion vectors and partition shape.
//
// Extractors are pure functions of a Source. They never mutate it, so the
// same Source can serve any number of concurrent extractions.
package overlay

import (
	"errors"
	"fmt"

	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/spatial"
)

// Kind selects an overlay.
type Kind uint8

const (
	KindQP Kind = iota + 1
	KindMotionVector
	KindPartitionMap
)

// ErrUnknownKind is returned by ParseKind for unrecognized names.
var ErrUnknownKind = errors.New("overlay: unknown kind")

func (k Kind) String() string {
	switch k {
	case KindQP:
		return "qp"
	case KindMotionVector:
		return "mv"
	case KindPartitionMap:
		return "partition"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "qp":
		return KindQP, nil
	case "mv", "motion":
		return KindMotionVector, nil
	case "partition", "partitions":
		return KindPartitionMap, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Source is the shared, immutable input of every extractor: one frame's
// CUs in decode order and the spatial index built over them.
type Source struct {
	Width    int
	Height   int
	BaseQIdx int
	CUs      []partition.CodingUnit
	Index    *spatial.Index
}

// Cell is one CU's footprint and derived value.
type Cell[T any] struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	W     int `json:"w"`
	H     int `json:"h"`
	Value T   `json:"value"`
}

// Overlay is a grid of any kind.
type Overlay interface {
	Kind() Kind
	Len() int
	// AppendBinary appends the varint wire encoding of the grid.
	AppendBinary(b []byte) ([]byte, error)
}

// Grid is a dense overlay with one cell per CU in decode order. Cell i
// derives from CU i of the Source, so the Source's spatial index resolves
// points to cells directly.
type Grid[T any] struct {
	OverlayKind Kind      `json:"kind"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	CellSize    int       `json:"cellSize"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	Cells       []Cell[T] `json:"cells"`

	index *spatial.Index
	enc   func([]byte, T) []byte
}

func (g *Grid[T]) Kind() Kind { return g.OverlayKind }

func (g *Grid[T]) Len() int { return len(g.Cells) }

// At returns the cell covering luma sample (x, y).
func (g *Grid[T]) At(x, y int) (Cell[T], bool) {
	if g.index == nil {
		return Cell[T]{}, false
	}
	i, ok := g.index.OwningCU(x, y)
	if !ok || i >= len(g.Cells) {
		return Cell[T]{}, false
	}
	return g.Cells[i], true
}

func project[T any](src *Source, kind Kind, value func(*partition.CodingUnit) T, enc func([]byte, T) []byte) *Grid[T] {
	g := &Grid[T]{
		OverlayKind: kind,
		Width:       src.Width,
		Height:      src.Height,
		CellSize:    spatial.CellSize,
		Cells:       make([]Cell[T], len(src.CUs)),
		index:       src.Index,
		enc:         enc,
	}
	if src.Index != nil {
		g.Cols, g.Rows = src.Index.Cols(), src.Index.Rows()
	}
	for i := range src.CUs {
		cu := &src.CUs[i]
		g.Cells[i] = Cell[T]{X: cu.X, Y: cu.Y, W: cu.W, H: cu.H, Value: value(cu)}
	}
	return g
}

package partition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Table holds the field widths of the analysis syntax inside a tile. Signed
// fields are su(1+bits).
type Table struct {
	Name             string `yaml:"name"`
	PartitionBits    int    `yaml:"partition_bits"`
	PartitionBits8x8 int    `yaml:"partition_bits_8x8"`
	IsInterBits      int    `yaml:"is_inter_bits"`
	IntraModeBits    int    `yaml:"intra_mode_bits"`
	RefFrameBits     int    `yaml:"ref_frame_bits"`
	InterModeBits    int    `yaml:"inter_mode_bits"`
	CompoundBits     int    `yaml:"compound_bits"`
	MVBits           int    `yaml:"mv_bits"`
	DeltaQBits       int    `yaml:"delta_q_bits"`
	// MinBlock is the smallest block edge a split may produce. Splits below
	// it are reported as ErrOverDepth.
	MinBlock int `yaml:"min_block"`

	id [32]byte
}

// DefaultTable returns the compiled-in syntax table.
func DefaultTable() *Table {
	t := &Table{
		Name:             "default",
		PartitionBits:    4,
		PartitionBits8x8: 2,
		IsInterBits:      1,
		IntraModeBits:    4,
		RefFrameBits:     3,
		InterModeBits:    2,
		CompoundBits:     1,
		MVBits:           14,
		DeltaQBits:       8,
		MinBlock:         4,
	}
	t.id = t.digest()
	return t
}

// LoadTable reads a YAML syntax table from path. Fields missing from the
// file keep their default widths.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening syntax table: %w", err)
	}
	defer f.Close()
	return ReadTable(f)
}

// ReadTable decodes a YAML syntax table from r.
func ReadTable(r io.Reader) (*Table, error) {
	t := DefaultTable()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(t); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding syntax table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	t.id = t.digest()
	return t, nil
}

func (t *Table) validate() error {
	widths := []struct {
		name     string
		v, lo, hi int
	}{
		{"partition_bits", t.PartitionBits, 4, 16},
		{"partition_bits_8x8", t.PartitionBits8x8, 2, 16},
		{"is_inter_bits", t.IsInterBits, 0, 8},
		{"intra_mode_bits", t.IntraModeBits, 4, 16},
		{"ref_frame_bits", t.RefFrameBits, 3, 16},
		{"inter_mode_bits", t.InterModeBits, 2, 16},
		{"compound_bits", t.CompoundBits, 0, 8},
		{"mv_bits", t.MVBits, 1, 30},
		{"delta_q_bits", t.DeltaQBits, 1, 30},
	}
	for _, w := range widths {
		if w.v < w.lo || w.v > w.hi {
			return fmt.Errorf("syntax table %q: %s = %d, want %d..%d", t.Name, w.name, w.v, w.lo, w.hi)
		}
	}
	switch t.MinBlock {
	case 4, 8, 16, 32, 64:
	default:
		return fmt.Errorf("syntax table %q: min_block = %d, want a power of two in 4..64", t.Name, t.MinBlock)
	}
	return nil
}

// ID returns a digest identifying the table's field widths.
func (t *Table) ID() [32]byte {
	return t.id
}

func (t *Table) digest() [32]byte {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	_ = enc.Encode(t)
	_ = enc.Close()
	return sha256.Sum256(buf.Bytes())
}

// MaxDepth returns the deepest partition level reachable from a superblock
// of sbSize without splitting below the table's minimum block.
func (t *Table) MaxDepth(sbSize int) int {
	d := 0
	for s := sbSize; s > t.MinBlock; s >>= 1 {
		d++
	}
	return d
}

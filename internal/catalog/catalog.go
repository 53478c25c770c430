// Package catalog records per-frame structural metadata for a whole
// stream. Entries are appended once, in stream order, and never hold tile
// payload bytes.
package catalog

import (
	"fmt"
	"sync"

	"github.com/zsiec/av1scope/internal/syntax"
)

// Status is how far a frame got through analysis.
type Status uint8

const (
	// StatusParsed means the headers parsed; CU decode has not run or
	// succeeded.
	StatusParsed Status = iota
	// StatusPartial means the CU decode stopped early; CUs before the fault
	// are usable.
	StatusPartial
	// StatusFailed means the frame header did not parse.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusParsed:
		return "parsed"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NoFrame marks an unresolved frame reference.
const NoFrame = -1

// Entry summarizes one frame. A temporal unit carrying several frames
// yields several entries sharing Chunk, ChunkSize and PTS.
type Entry struct {
	Index        int              `json:"index"`
	Chunk        int              `json:"chunk"`
	ChunkSize    int              `json:"chunkSize"`
	PTS          int64            `json:"pts"`
	Type         syntax.FrameType `json:"type"`
	KeyFrame     bool             `json:"keyFrame"`
	Shown        bool             `json:"shown"`
	ShowExisting bool             `json:"showExisting,omitempty"`
	// SourceIndex is the frame a show-existing entry redisplays, or NoFrame.
	SourceIndex int `json:"sourceIndex"`
	// Size counts the frame's own OBU bytes: headers and tile groups.
	Size      int    `json:"size"`
	OrderHint uint32 `json:"orderHint"`
	// POC is the order hint unwrapped across the stream.
	POC        int64 `json:"poc"`
	TemporalID uint8 `json:"temporalId"`
	SpatialID  uint8 `json:"spatialId"`
	BaseQIdx   int   `json:"baseQIdx"`
	Width      int   `json:"width"`
	Height     int   `json:"height"`
	// Refs holds the catalog index referenced by LAST..ALTREF, or NoFrame.
	Refs       [syntax.RefsPerFrame]int `json:"refs"`
	TileGroups int                      `json:"tileGroups"`
	TileBytes  int                      `json:"tileBytes"`
	Sequence   string                   `json:"sequence,omitempty"`
	Status     Status                   `json:"status"`
	Err        string                   `json:"error,omitempty"`
}

// Stats aggregates the catalog.
type Stats struct {
	Frames       int            `json:"frames"`
	Chunks       int            `json:"chunks"`
	ByType       map[string]int `json:"byType"`
	Shown        int            `json:"shown"`
	ShowExisting int            `json:"showExisting"`
	Failed       int            `json:"failed"`
	Partial      int            `json:"partial"`
	TotalBytes   int64          `json:"totalBytes"`
	TileBytes    int64          `json:"tileBytes"`
	// KeyInterval is the mean distance, in frames, between key frames.
	KeyInterval    float64 `json:"keyInterval"`
	MaxKeyInterval int     `json:"maxKeyInterval"`
}

// Catalog is an append-only, random-access list of entries. It is safe for
// concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries []Entry
	chunks  int
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{}
}

// Append adds e, assigns its index and returns it.
func (c *Catalog) Append(e Entry) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Index = len(c.entries)
	c.entries = append(c.entries, e)
	c.chunks = max(c.chunks, e.Chunk+1)
	return e.Index
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// At returns entry i.
func (c *Catalog) At(i int) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Entries returns a copy of all entries in stream order.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// MarkDecode records the outcome of decoding entry i's coding units. A nil
// err leaves the entry as it is.
func (c *Catalog) MarkDecode(i int, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.entries) || c.entries[i].Status == StatusFailed {
		return
	}
	c.entries[i].Status = StatusPartial
	c.entries[i].Err = err.Error()
}

// Stats computes aggregate statistics.
func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Frames: len(c.entries), Chunks: c.chunks, ByType: make(map[string]int)}
	lastKey, keys, span := -1, 0, 0
	for _, e := range c.entries {
		s.TileBytes += int64(e.TileBytes)
		switch e.Status {
		case StatusFailed:
			s.Failed++
			continue
		case StatusPartial:
			s.Partial++
		}
		if e.Shown {
			s.Shown++
		}
		if e.ShowExisting {
			s.ShowExisting++
			continue
		}
		s.ByType[e.Type.String()]++
		if e.Type == syntax.FrameKey {
			if lastKey >= 0 {
				d := e.Index - lastKey
				span += d
				s.MaxKeyInterval = max(s.MaxKeyInterval, d)
				keys++
			}
			lastKey = e.Index
		}
	}
	if keys > 0 {
		s.KeyInterval = float64(span) / float64(keys)
	}

	// Entries of one chunk share its size.
	seen := -1
	for _, e := range c.entries {
		if e.Chunk != seen {
			s.TotalBytes += int64(e.ChunkSize)
			seen = e.Chunk
		}
	}
	return s
}

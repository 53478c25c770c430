// Package analyzer is the entry point of the analysis engine. Open walks an
// AV1 IVF file once, parsing every header and cataloguing every frame, and
// returns a Session that answers overlay and unit-tree queries by decoding
// frames on demand through a shared parse cache.
package analyzer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/av1scope/internal/cache"
	"github.com/zsiec/av1scope/internal/captions"
	"github.com/zsiec/av1scope/internal/catalog"
	"github.com/zsiec/av1scope/internal/ivf"
	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/syntax"
)

// FourCC is the IVF FourCC of AV1 streams.
const FourCC = "AV01"

// Options configures a Session. The zero value is usable.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Cache is shared by sessions that should share decodes. A private
	// cache with default budgets is created when nil.
	Cache *cache.Cache
	// Table is the tile analysis syntax; nil selects the default.
	Table *partition.Table
	// Workers bounds Prefetch concurrency; zero means GOMAXPROCS.
	Workers int
}

// UnitInfo describes one OBU in file coordinates.
type UnitInfo struct {
	Kind       string `json:"kind"`
	Type       uint8  `json:"type"`
	Offset     int64  `json:"offset"`
	Size       int    `json:"size"`
	TemporalID uint8  `json:"temporalId"`
	SpatialID  uint8  `json:"spatialId"`
	Metadata   string `json:"metadata,omitempty"`
}

// Caption is decoded caption text and the chunk it arrived in.
type Caption struct {
	Chunk   int    `json:"chunk"`
	PTS     int64  `json:"pts"`
	Channel int    `json:"channel"`
	Text    string `json:"text"`
}

type byteRange struct {
	off  int64
	size int
}

// frameRecord is the decode state kept per catalog entry: where its tile
// groups live in the file and the fingerprint of their contents.
type frameRecord struct {
	header *syntax.FrameHeader
	groups []byteRange
	fp     cache.Fingerprint
	units  []UnitInfo
	source int
	err    error
}

// Session is an opened stream. Queries are safe for concurrent use.
type Session struct {
	ID       string
	Path     string
	OpenedAt time.Time

	log     *slog.Logger
	r       io.ReaderAt
	closer  io.Closer
	cache   *cache.Cache
	table   *partition.Table
	workers int
	closed  atomic.Bool

	header       ivf.Header
	catalog      *catalog.Catalog
	frames       []frameRecord
	captions     []Caption
	sequences    []SequenceInfo
	metadata     map[string]int
	units        map[string]int
	containerErr error
	captionStats captions.Stats
}

// SequenceInfo summarizes a sequence header seen in the stream.
type SequenceInfo struct {
	ID             string `json:"id"`
	FirstChunk     int    `json:"firstChunk"`
	Profile        uint8  `json:"profile"`
	MaxFrameWidth  int    `json:"maxFrameWidth"`
	MaxFrameHeight int    `json:"maxFrameHeight"`
	BitDepth       int    `json:"bitDepth"`
	Chroma         string `json:"chroma"`
	SuperblockSize int    `json:"superblockSize"`
	StillPicture   bool   `json:"stillPicture,omitempty"`
	FilmGrain      bool   `json:"filmGrain,omitempty"`
}

// Open analyzes the IVF file at path. The file stays open until Close;
// tile data is re-read from it on demand.
func Open(path string, opts Options) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat stream: %w", err)
	}
	s, err := OpenReader(f, st.Size(), opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.Path = path
	s.closer = f
	return s, nil
}

// OpenReader analyzes size bytes of r. It fails only when the container
// header is unusable or r cannot be read; a truncated chunk ends the walk
// and is reported by ContainerErr.
func OpenReader(r io.ReaderAt, size int64, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := opts.Cache
	if c == nil {
		c = cache.New(cache.WithLogger(log))
	}
	table := opts.Table
	if table == nil {
		table = partition.DefaultTable()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	id := uuid.NewString()
	s := &Session{
		ID:       id,
		OpenedAt: time.Now(),
		log:      log.With("component", "analyzer", "session", id),
		r:        r,
		cache:    c,
		table:    table,
		workers:  workers,
		catalog:  catalog.New(),
		metadata: make(map[string]int),
		units:    make(map[string]int),
	}

	start := time.Now()
	if err := s.scan(size); err != nil {
		return nil, err
	}
	st := s.catalog.Stats()
	s.log.Info("stream analyzed",
		"frames", st.Frames,
		"chunks", st.Chunks,
		"failed", st.Failed,
		"elapsed", time.Since(start),
	)
	return s, nil
}

func (s *Session) scan(size int64) error {
	dmx := ivf.NewDemuxer(s.r, size)
	h, err := dmx.Header()
	if err != nil {
		return err
	}
	s.header = h
	if h.FourCC != FourCC {
		s.log.Warn("unexpected fourcc, parsing as AV1", "fourcc", h.FourCC)
	}

	w := newWalker(s)
	for {
		f, err := dmx.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var ce *ivf.ContainerError
			if !errors.As(err, &ce) {
				return err
			}
			s.containerErr = err
			s.log.Warn("container truncated, stream ends early", "error", err)
			break
		}
		payload, err := dmx.ReadPayload(f)
		if err != nil {
			return fmt.Errorf("reading chunk %d: %w", f.Index, err)
		}
		w.chunk(f, payload)
	}
	s.captionStats = w.cc.Stats()
	return nil
}

// Header returns the container header.
func (s *Session) Header() ivf.Header {
	return s.header
}

// ContainerErr returns the *ivf.ContainerError that ended the walk early,
// or nil when every chunk was read.
func (s *Session) ContainerErr() error {
	return s.containerErr
}

// Sequences returns the distinct sequence headers in stream order.
func (s *Session) Sequences() []SequenceInfo {
	return append([]SequenceInfo(nil), s.sequences...)
}

// Captions returns the caption text decoded from T.35 metadata.
func (s *Session) Captions() []Caption {
	return append([]Caption(nil), s.captions...)
}

// Close releases the underlying file. Overlays already returned stay
// valid.
func (s *Session) Close() error {
	if s.closed.Swap(true) || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

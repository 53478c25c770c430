package analyzer

import (
	"github.com/zsiec/av1scope/internal/cache"
	"github.com/zsiec/av1scope/internal/captions"
	"github.com/zsiec/av1scope/internal/catalog"
	"github.com/zsiec/av1scope/internal/ivf"
	"github.com/zsiec/av1scope/internal/obu"
	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/syntax"
)

// walker carries parse state across chunks during Open: the active
// sequence header, the reference slots and the frame whose tile groups are
// still arriving.
type walker struct {
	s   *Session
	cc  *captions.Decoder
	seq *syntax.SequenceHeader

	refs    syntax.RefState
	pending *pendingFrame

	// units collects OBUs until the frame they belong to is appended.
	units     []UnitInfo
	lastFrame int

	poc      int64
	lastHint uint32
	havePOC  bool
}

type pendingFrame struct {
	entry catalog.Entry
	rec   frameRecord
	data  [][]byte
}

func newWalker(s *Session) *walker {
	return &walker{s: s, cc: captions.NewDecoder(s.log)}
}

func (w *walker) chunk(f ivf.Frame, payload []byte) {
	w.lastFrame = catalog.NoFrame
	produced := w.s.catalog.Len()

	for u, err := range obu.NewIterator(payload).All() {
		if err != nil {
			w.s.log.Warn("malformed unit, skipping rest of chunk",
				"chunk", f.Index, "error", err)
			if w.pending == nil && w.s.catalog.Len() == produced {
				w.appendFrame(catalog.Entry{
					Chunk:       f.Index,
					ChunkSize:   f.Size,
					PTS:         f.Timestamp,
					SourceIndex: catalog.NoFrame,
					Refs:        noRefs(),
					Status:      catalog.StatusFailed,
					Err:         err.Error(),
				}, frameRecord{source: catalog.NoFrame, err: err})
			}
			break
		}
		w.s.units[u.Kind.String()]++
		w.units = append(w.units, UnitInfo{
			Kind:       u.Kind.String(),
			Type:       uint8(u.Kind),
			Offset:     f.Offset + int64(u.Offset),
			Size:       u.Size(),
			TemporalID: u.TemporalID,
			SpatialID:  u.SpatialID,
		})
		w.unit(f, u)
	}

	// A frame cannot span chunks; whatever tile groups arrived are all it
	// has, and decoding reports the missing ones.
	if w.pending != nil {
		w.s.log.Debug("frame incomplete at end of chunk", "chunk", f.Index)
		w.finish()
	}
	if len(w.units) > 0 && w.lastFrame != catalog.NoFrame {
		rec := &w.s.frames[w.lastFrame]
		rec.units = append(rec.units, w.units...)
	}
	w.units = nil
}

func (w *walker) unit(f ivf.Frame, u obu.Unit) {
	switch u.Kind {
	case obu.KindSequenceHeader:
		w.sequenceHeader(f, u)
	case obu.KindFrameHeader, obu.KindRedundantFrameHeader:
		// Copies of the current frame's header carry nothing new.
		if w.pending != nil || u.Kind == obu.KindRedundantFrameHeader {
			return
		}
		w.frameHeader(f, u)
	case obu.KindFrame:
		if w.pending != nil {
			w.finish()
		}
		if fh := w.frameHeader(f, u); fh != nil {
			if n := fh.HeaderBytes(); n <= len(u.Payload) {
				w.tileGroup(u.Payload[n:], payloadOffset(f, u)+int64(n))
			}
		}
	case obu.KindTileGroup:
		if w.pending == nil {
			w.s.log.Warn("tile group without a frame header", "chunk", f.Index)
			return
		}
		w.pending.entry.Size += u.Size()
		w.tileGroup(u.Payload, payloadOffset(f, u))
	case obu.KindMetadata:
		w.metadata(f, u)
	}
}

func payloadOffset(f ivf.Frame, u obu.Unit) int64 {
	return f.Offset + int64(u.Offset+u.HeaderSize)
}

func (w *walker) sequenceHeader(f ivf.Frame, u obu.Unit) {
	sh, err := syntax.ParseSequenceHeader(u.Payload)
	if err != nil {
		w.s.log.Warn("sequence header rejected", "chunk", f.Index, "error", err)
		return
	}
	if w.seq != nil && w.seq.ID == sh.ID {
		return
	}
	if w.seq != nil {
		w.s.log.Info("sequence header changed", "chunk", f.Index, "id", sh.ID)
	}
	w.seq = sh
	w.s.sequences = append(w.s.sequences, SequenceInfo{
		ID:             sh.ID.String(),
		FirstChunk:     f.Index,
		Profile:        sh.Profile,
		MaxFrameWidth:  sh.MaxFrameWidth,
		MaxFrameHeight: sh.MaxFrameHeight,
		BitDepth:       sh.Color.BitDepth,
		Chroma:         sh.Color.ChromaFormat(),
		SuperblockSize: sh.SuperblockSize(),
		StillPicture:   sh.StillPicture,
		FilmGrain:      sh.FilmGrainParamsPresent,
	})
}

// frameHeader parses a frame header and opens a pending frame for it. It
// returns nil when the frame needs no tile data or failed to parse.
func (w *walker) frameHeader(f ivf.Frame, u obu.Unit) *syntax.FrameHeader {
	e := catalog.Entry{
		Chunk:       f.Index,
		ChunkSize:   f.Size,
		PTS:         f.Timestamp,
		Size:        u.Size(),
		TemporalID:  u.TemporalID,
		SpatialID:   u.SpatialID,
		SourceIndex: catalog.NoFrame,
		Refs:        noRefs(),
	}
	prev := w.refs
	fh, refs, err := syntax.ParseFrameHeader(u.Payload, w.seq, w.refs, syntax.FrameContext{
		TemporalID: u.TemporalID,
		SpatialID:  u.SpatialID,
		FrameIndex: w.s.catalog.Len(),
	})
	if err != nil {
		w.s.log.Warn("frame header rejected", "chunk", f.Index, "error", err)
		e.Status = catalog.StatusFailed
		e.Err = err.Error()
		w.appendFrame(e, frameRecord{source: catalog.NoFrame, err: err})
		return nil
	}
	w.refs = refs

	e.Type = fh.FrameType
	e.KeyFrame = fh.FrameType == syntax.FrameKey
	e.Shown = fh.ShowFrame
	e.OrderHint = fh.OrderHint
	e.POC = w.unwrap(fh.OrderHint)
	e.BaseQIdx = int(fh.Quant.BaseQIdx)
	e.Width = fh.UpscaledWidth
	e.Height = fh.FrameHeight
	e.Sequence = w.seq.ID.String()

	if fh.ShowExistingFrame {
		e.ShowExisting = true
		e.SourceIndex = fh.SourceFrameIndex
		e.BaseQIdx = 0
		if src, ok := w.s.catalog.At(fh.SourceFrameIndex); ok {
			e.BaseQIdx = src.BaseQIdx
		}
		w.appendFrame(e, frameRecord{header: fh, source: fh.SourceFrameIndex})
		return nil
	}
	if !fh.FrameIsIntra {
		for i, slot := range fh.RefFrameIdx {
			if s := prev.Slots[slot]; s.Valid {
				e.Refs[i] = s.FrameIndex
			}
		}
	}
	w.pending = &pendingFrame{entry: e, rec: frameRecord{header: fh, source: catalog.NoFrame}}
	return fh
}

func (w *walker) tileGroup(data []byte, off int64) {
	p := w.pending
	p.entry.TileGroups++
	p.entry.TileBytes += len(data)
	p.rec.groups = append(p.rec.groups, byteRange{off: off, size: len(data)})
	p.data = append(p.data, data)

	fh := p.rec.header
	_, end, err := partition.GroupRange(fh, data)
	if err != nil {
		w.s.log.Debug("tile group header unreadable", "error", err)
		w.finish()
		return
	}
	if end >= fh.Tiles.NumTiles()-1 {
		w.finish()
	}
}

// finish fingerprints the pending frame and appends it to the catalog.
// The tile bytes themselves are dropped; decoding re-reads them.
func (w *walker) finish() {
	p := w.pending
	w.pending = nil
	fh := p.rec.header
	hdr := partition.AppendDecodeContext(nil, fh)
	p.rec.fp = cache.NewFingerprint(p.data, int(fh.Quant.BaseQIdx), hdr, fh.Sequence.ID, w.s.table.ID())
	w.appendFrame(p.entry, p.rec)
}

func (w *walker) appendFrame(e catalog.Entry, rec frameRecord) {
	rec.units = w.units
	w.units = nil
	idx := w.s.catalog.Append(e)
	w.s.frames = append(w.s.frames, rec)
	w.lastFrame = idx
}

func (w *walker) metadata(f ivf.Frame, u obu.Unit) {
	m, err := obu.ParseMetadata(u.Payload)
	if err != nil {
		w.s.log.Debug("metadata rejected", "chunk", f.Index, "error", err)
		return
	}
	name := m.Type.String()
	w.s.metadata[name]++
	w.units[len(w.units)-1].Metadata = name

	if m.T35 == nil {
		return
	}
	for _, cf := range w.cc.Decode(m.T35, f.Timestamp) {
		w.s.captions = append(w.s.captions, Caption{
			Chunk:   f.Index,
			PTS:     cf.PTS,
			Channel: cf.Channel,
			Text:    cf.Text,
		})
	}
}

// unwrap extends an order hint to a stream-wide picture order count. Without
// order hints the count follows decode order.
func (w *walker) unwrap(hint uint32) int64 {
	if !w.seq.EnableOrderHint {
		return int64(w.s.catalog.Len())
	}
	if !w.havePOC {
		w.havePOC = true
		w.poc = int64(hint)
	} else {
		w.poc += int64(w.seq.RelativeDist(hint, w.lastHint))
	}
	w.lastHint = hint
	return w.poc
}

func noRefs() [syntax.RefsPerFrame]int {
	var r [syntax.RefsPerFrame]int
	for i := range r {
		r[i] = catalog.NoFrame
	}
	return r
}

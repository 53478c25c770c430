package analyzer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/av1scope/internal/cache"
	"github.com/zsiec/av1scope/internal/captions"
	"github.com/zsiec/av1scope/internal/catalog"
	"github.com/zsiec/av1scope/internal/ivf"
	"github.com/zsiec/av1scope/internal/overlay"
	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/spatial"
)

// FrameCatalog returns every frame entry in stream order.
func (s *Session) FrameCatalog() []catalog.Entry {
	return s.catalog.Entries()
}

// Frame returns entry i.
func (s *Session) Frame(i int) (catalog.Entry, error) {
	e, ok := s.catalog.At(i)
	if !ok {
		return catalog.Entry{}, &FrameError{Index: i, Err: ErrFrameOutOfRange}
	}
	return e, nil
}

// Overlay returns the overlay of kind for frame idx, decoding the frame's
// coding units unless a frame with the same fingerprint is cached. A
// show-existing frame yields its source frame's overlay.
//
// When the decode stopped early Overlay returns the grid of the CUs that
// did decode together with a *FrameError.
func (s *Session) Overlay(ctx context.Context, idx int, kind overlay.Kind) (overlay.Overlay, error) {
	src, v, err := s.decoded(ctx, idx)
	if err != nil {
		return nil, err
	}
	ov, err := overlay.Extract(&overlay.Source{
		Width:    v.Result.Width,
		Height:   v.Result.Height,
		BaseQIdx: int(s.frames[src].header.Quant.BaseQIdx),
		CUs:      v.Result.CUs,
		Index:    v.Index,
	}, kind)
	if err != nil {
		return nil, &FrameError{Index: idx, Err: err}
	}
	if v.DecodeErr != nil {
		return ov, &FrameError{Index: idx, Err: v.DecodeErr}
	}
	return ov, nil
}

// Prefetch decodes the given frames into the cache on up to Workers
// goroutines. Frames that fail to decode are skipped; only cancellation
// of ctx is returned.
func (s *Session) Prefetch(ctx context.Context, indices []int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, idx := range indices {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, _, err := s.decoded(gctx, idx)
			if err == nil {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.log.Debug("prefetch skipped frame", "frame", idx, "error", err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// resolve maps idx to the frame whose tile data it displays.
func (s *Session) resolve(idx int) (int, error) {
	if idx < 0 || idx >= len(s.frames) {
		return 0, &FrameError{Index: idx, Err: ErrFrameOutOfRange}
	}
	rec := &s.frames[idx]
	if rec.err != nil {
		return 0, &FrameError{Index: idx, Err: rec.err}
	}
	src := idx
	if rec.header.ShowExistingFrame {
		src = rec.source
		if src < 0 || src >= len(s.frames) || s.frames[src].err != nil {
			return 0, &FrameError{Index: idx, Err: ErrNoTileData}
		}
	}
	if len(s.frames[src].groups) == 0 {
		return 0, &FrameError{Index: idx, Err: ErrNoTileData}
	}
	return src, nil
}

// decoded returns the cached decode of the frame idx displays.
func (s *Session) decoded(ctx context.Context, idx int) (int, *cache.Value, error) {
	if s.closed.Load() {
		return 0, nil, &FrameError{Index: idx, Err: ErrClosed}
	}
	src, err := s.resolve(idx)
	if err != nil {
		return 0, nil, err
	}
	rec := &s.frames[src]
	v, err := s.cache.Get(ctx, rec.fp, func(ctx context.Context) (*cache.Value, error) {
		return s.decodeFrame(ctx, src)
	})
	if err != nil {
		return 0, nil, &FrameError{Index: idx, Err: err}
	}
	if v.DecodeErr != nil {
		s.catalog.MarkDecode(src, v.DecodeErr)
	}
	return src, v, nil
}

func (s *Session) decodeFrame(ctx context.Context, idx int) (*cache.Value, error) {
	start := time.Now()
	rec := &s.frames[idx]
	groups := make([][]byte, 0, len(rec.groups))
	for _, g := range rec.groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := ivf.ReadRange(s.r, g.off, g.size)
		if err != nil {
			return nil, fmt.Errorf("reading tile group at %d: %w", g.off, err)
		}
		groups = append(groups, b)
	}

	res, derr := partition.Decode(rec.header, groups, s.table)
	v := &cache.Value{
		Result:    res,
		Index:     spatial.Build(res.Width, res.Height, res.CUs),
		DecodeErr: derr,
	}
	if derr != nil {
		s.log.Warn("frame decode stopped early",
			"frame", idx, "cus", len(res.CUs), "error", derr)
	}
	s.log.Debug("frame decoded",
		"frame", idx,
		"cus", len(res.CUs),
		"fingerprint", rec.fp,
		"elapsed", time.Since(start),
	)
	return v, nil
}

// Stats summarizes the session.
type Stats struct {
	ID             string         `json:"id"`
	Path           string         `json:"path,omitempty"`
	OpenedAt       time.Time      `json:"openedAt"`
	FourCC         string         `json:"fourcc"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	TimebaseNum    uint32         `json:"timebaseNum"`
	TimebaseDen    uint32         `json:"timebaseDen"`
	Catalog        catalog.Stats  `json:"catalog"`
	Cache          cache.Stats    `json:"cache"`
	Captions       captions.Stats `json:"captions"`
	Sequences      []SequenceInfo `json:"sequences"`
	Units          map[string]int `json:"units"`
	Metadata       map[string]int `json:"metadata"`
	ContainerError string         `json:"containerError,omitempty"`
}

// Stats returns the session's aggregate statistics. Cache counters cover
// every session sharing the cache.
func (s *Session) Stats() Stats {
	st := Stats{
		ID:          s.ID,
		Path:        s.Path,
		OpenedAt:    s.OpenedAt,
		FourCC:      s.header.FourCC,
		Width:       int(s.header.Width),
		Height:      int(s.header.Height),
		TimebaseNum: s.header.TimebaseNum,
		TimebaseDen: s.header.TimebaseDen,
		Catalog:     s.catalog.Stats(),
		Cache:       s.cache.Stats(),
		Captions:    s.captionStats,
		Sequences:   s.Sequences(),
		Units:       maps.Clone(s.units),
		Metadata:    maps.Clone(s.metadata),
	}
	if s.containerErr != nil {
		st.ContainerError = s.containerErr.Error()
	}
	return st
}

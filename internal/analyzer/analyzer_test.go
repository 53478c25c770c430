package analyzer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zsiec/av1scope/internal/cache"
	"github.com/zsiec/av1scope/internal/catalog"
	"github.com/zsiec/av1scope/internal/ivf"
	"github.com/zsiec/av1scope/internal/obu"
	"github.com/zsiec/av1scope/internal/overlay"
	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/syntax"
	"github.com/zsiec/av1scope/test/tools/ivfutil"
)

var (
	seq64    = ivfutil.Sequence{Width: 64, Height: 64}
	keyFrame = ivfutil.Frame{Type: ivfutil.KeyFrame, BaseQIdx: 32}
	inter    = ivfutil.Frame{Type: ivfutil.InterFrame, OrderHint: 1, BaseQIdx: 40, Refresh: 0x01}
)

func keyTile() []byte {
	return ivfutil.NewTileWriter(keyFrame).Partition(ivfutil.PartitionNone).Intra(0, 0).Bytes()
}

// motionTile is a quad split whose top-left CU moves by (4,-2) from LAST;
// the other three are intra.
func motionTile(f ivfutil.Frame) []byte {
	tw := ivfutil.NewTileWriter(f).Partition(ivfutil.PartitionSplit)
	tw.Partition(ivfutil.PartitionNone).Inter(0, []int{0}, 3, ivfutil.MV{X: 4, Y: -2})
	for range 3 {
		tw.Partition(ivfutil.PartitionNone).Intra(0, 1)
	}
	return tw.Bytes()
}

func motionStream() *ivfutil.Stream {
	s := ivfutil.NewStream(seq64)
	s.AddFrame(keyFrame, keyTile())
	s.AddFrame(inter, motionTile(inter))
	return s
}

func openBytes(t *testing.T, data []byte) *Session {
	t.Helper()
	s, err := OpenReader(bytes.NewReader(data), int64(len(data)), Options{Cache: cache.New()})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQPOverlaySingleSuperblock(t *testing.T) {
	t.Parallel()
	s := ivfutil.NewStream(seq64)
	s.AddFrame(keyFrame, keyTile())
	sess := openBytes(t, s.Bytes())

	ov, err := sess.Overlay(context.Background(), 0, overlay.KindQP)
	if err != nil {
		t.Fatal(err)
	}
	g, ok := ov.(*overlay.Grid[int])
	if !ok {
		t.Fatalf("overlay type %T", ov)
	}
	if len(g.Cells) != 1 {
		t.Fatalf("cells: got %d, want 1", len(g.Cells))
	}
	if c := g.Cells[0]; c.Value != 32 || c.W != 64 || c.H != 64 {
		t.Errorf("cell: %+v", c)
	}
}

func TestMotionOverlayQuadSplit(t *testing.T) {
	t.Parallel()
	sess := openBytes(t, motionStream().Bytes())

	ov, err := sess.Overlay(context.Background(), 1, overlay.KindMotionVector)
	if err != nil {
		t.Fatal(err)
	}
	g := ov.(*overlay.Grid[*overlay.MotionValue])
	if len(g.Cells) != 4 {
		t.Fatalf("cells: got %d, want 4", len(g.Cells))
	}
	first := g.Cells[0].Value
	if first == nil || len(first.MVs) != 1 || first.MVs[0] != (partition.MV{X: 4, Y: -2}) {
		t.Errorf("first cell: %+v", first)
	}
	if first != nil && first.RefFrame != syntax.RefLast {
		t.Errorf("first cell ref: %v", first.RefFrame)
	}
	for i, c := range g.Cells[1:] {
		if c.Value != nil {
			t.Errorf("cell %d: got %+v, want none", i+1, c.Value)
		}
	}
}

func TestMotionResultsDoNotAliasCache(t *testing.T) {
	t.Parallel()
	sess := openBytes(t, motionStream().Bytes())
	ctx := context.Background()
	want := partition.MV{X: 4, Y: -2}

	ov, err := sess.Overlay(ctx, 1, overlay.KindMotionVector)
	if err != nil {
		t.Fatal(err)
	}
	ov.(*overlay.Grid[*overlay.MotionValue]).Cells[0].Value.MVs[0].X = 999

	tree, err := sess.UnitTree(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	cu := &tree.Tiles[0].Superblocks[0].CUs[0]
	if cu.MVs[0] != want {
		t.Errorf("unit tree MV after grid edit: got %+v, want %+v", cu.MVs[0], want)
	}
	cu.MVs[0].Y = 999

	ov, err = sess.Overlay(ctx, 1, overlay.KindMotionVector)
	if err != nil {
		t.Fatal(err)
	}
	if got := ov.(*overlay.Grid[*overlay.MotionValue]).Cells[0].Value.MVs[0]; got != want {
		t.Errorf("second overlay MV: got %+v, want %+v", got, want)
	}
}

func TestCatalogEntries(t *testing.T) {
	t.Parallel()
	sess := openBytes(t, motionStream().Bytes())

	entries := sess.FrameCatalog()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	k, i := entries[0], entries[1]
	if !k.KeyFrame || i.KeyFrame {
		t.Errorf("key frame flags: %v, %v", k.KeyFrame, i.KeyFrame)
	}
	if k.Type != syntax.FrameKey || !k.Shown || k.POC != 0 || k.BaseQIdx != 32 {
		t.Errorf("key entry: %+v", k)
	}
	for j, r := range k.Refs {
		if r != catalog.NoFrame {
			t.Errorf("key ref %d = %d", j, r)
		}
	}
	if i.Type != syntax.FrameInter || i.POC != 1 || i.PTS != 1 || i.BaseQIdx != 40 {
		t.Errorf("inter entry: %+v", i)
	}
	if i.Refs[0] != 0 || i.TileGroups != 1 || i.TileBytes == 0 || i.Sequence == "" {
		t.Errorf("inter entry: %+v", i)
	}
	if i.Width != 64 || i.Height != 64 || i.Status != catalog.StatusParsed {
		t.Errorf("inter entry: %+v", i)
	}
	if _, err := sess.Frame(2); !errors.Is(err, ErrFrameOutOfRange) {
		t.Errorf("Frame(2): %v", err)
	}
}

func TestTruncatedContainerKeepsFrames(t *testing.T) {
	t.Parallel()
	s := ivfutil.NewStream(seq64)
	for range 3 {
		s.AddFrame(keyFrame, keyTile())
	}
	sess := openBytes(t, s.BytesWithCount(10))

	if n := len(sess.FrameCatalog()); n != 3 {
		t.Fatalf("frames: got %d, want 3", n)
	}
	var ce *ivf.ContainerError
	if err := sess.ContainerErr(); !errors.As(err, &ce) || !errors.Is(err, ivf.ErrTruncatedFrame) {
		t.Fatalf("ContainerErr = %v", err)
	}
	if ce.Frame != 3 {
		t.Errorf("truncation reported at chunk %d, want 3", ce.Frame)
	}
	if _, err := sess.Overlay(context.Background(), 2, overlay.KindQP); err != nil {
		t.Errorf("frame before truncation: %v", err)
	}
}

func TestUnknownUnitSkipped(t *testing.T) {
	t.Parallel()
	s := ivfutil.NewStream(seq64)
	var tu []byte
	tu = obu.AppendUnit(tu, obu.KindTemporalDelimiter, nil, nil)
	tu = obu.AppendUnit(tu, obu.Kind(9), nil, []byte{1, 2, 3})
	tu = obu.AppendUnit(tu, obu.KindSequenceHeader, nil, ivfutil.SequenceHeader(seq64))
	tu = obu.AppendUnit(tu, obu.KindFrame, nil, s.FramePayload(keyFrame, keyTile()))
	s.AddChunk(tu)
	sess := openBytes(t, s.Bytes())

	if n := len(sess.FrameCatalog()); n != 1 {
		t.Fatalf("frames: got %d, want 1", n)
	}
	if got := sess.Stats().Units["unknown(9)"]; got != 1 {
		t.Errorf("unknown units: %d", got)
	}
	tree, err := sess.UnitTree(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Units) != 4 || tree.Units[1].Kind != "unknown(9)" || tree.Units[1].Size != 5 {
		t.Errorf("units: %+v", tree.Units)
	}
}

func TestRepeatedOverlayDecodesOnce(t *testing.T) {
	t.Parallel()
	sess := openBytes(t, motionStream().Bytes())
	ctx := context.Background()

	for _, k := range []overlay.Kind{overlay.KindQP, overlay.KindMotionVector, overlay.KindPartitionMap, overlay.KindQP} {
		if _, err := sess.Overlay(ctx, 1, k); err != nil {
			t.Fatalf("%v: %v", k, err)
		}
	}
	if _, err := sess.UnitTree(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if d := sess.cache.Stats().Decodes; d != 1 {
		t.Errorf("decodes: got %d, want 1", d)
	}
}

func TestIdenticalFramesShareDecode(t *testing.T) {
	t.Parallel()
	s := ivfutil.NewStream(seq64)
	s.AddFrame(keyFrame, keyTile())
	s.AddFrame(keyFrame, keyTile())
	sess := openBytes(t, s.Bytes())
	ctx := context.Background()

	a, err := sess.Overlay(ctx, 0, overlay.KindQP)
	if err != nil {
		t.Fatal(err)
	}
	b, err := sess.Overlay(ctx, 1, overlay.KindQP)
	if err != nil {
		t.Fatal(err)
	}
	if a.Len() != b.Len() {
		t.Errorf("overlay sizes differ: %d, %d", a.Len(), b.Len())
	}
	if st := sess.cache.Stats(); st.Decodes != 1 || st.Hits != 1 {
		t.Errorf("cache: %+v", st)
	}
}

func TestSameTilesDifferentHeadersDecodeSeparately(t *testing.T) {
	t.Parallel()
	coarse := ivfutil.Frame{Type: ivfutil.KeyFrame, BaseQIdx: 32, DeltaQ: true}
	fine := coarse
	fine.DeltaQRes = 2
	tile := ivfutil.NewTileWriter(coarse).Partition(ivfutil.PartitionNone).Intra(3, 0).Bytes()
	if other := ivfutil.NewTileWriter(fine).Partition(ivfutil.PartitionNone).Intra(3, 0).Bytes(); !bytes.Equal(tile, other) {
		t.Fatal("tile bytes differ")
	}
	s := ivfutil.NewStream(seq64)
	s.AddFrame(coarse, tile)
	s.AddFrame(fine, tile)
	sess := openBytes(t, s.Bytes())

	for i, want := range []int{32 + 3, 32 + 3<<2} {
		ov, err := sess.Overlay(context.Background(), i, overlay.KindQP)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got := ov.(*overlay.Grid[int]).Cells[0].Value; got != want {
			t.Errorf("frame %d QP: got %d, want %d", i, got, want)
		}
	}
	if d := sess.cache.Stats().Decodes; d != 2 {
		t.Errorf("decodes: got %d, want 2", d)
	}
}

func TestConcurrentOverlays(t *testing.T) {
	t.Parallel()
	sess := openBytes(t, motionStream().Bytes())
	kinds := []overlay.Kind{overlay.KindQP, overlay.KindMotionVector, overlay.KindPartitionMap}

	var wg sync.WaitGroup
	for i := range 24 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ov, err := sess.Overlay(context.Background(), 1, kinds[i%len(kinds)])
			if err != nil {
				t.Error(err)
				return
			}
			if ov.Len() != 4 {
				t.Errorf("cells: got %d, want 4", ov.Len())
			}
		}()
	}
	wg.Wait()
	if d := sess.cache.Stats().Decodes; d != 1 {
		t.Errorf("decodes: got %d, want 1", d)
	}
}

func TestShowExistingResolvesSource(t *testing.T) {
	t.Parallel()
	hidden := ivfutil.Frame{Type: ivfutil.InterFrame, Hidden: true, OrderHint: 2, BaseQIdx: 40, Refresh: 0x02}
	s := ivfutil.NewStream(seq64)
	s.AddFrame(keyFrame, keyTile())
	s.AddFrame(hidden, motionTile(hidden))
	s.AddShowExisting(1)
	sess := openBytes(t, s.Bytes())
	ctx := context.Background()

	entries := sess.FrameCatalog()
	if len(entries) != 3 {
		t.Fatalf("entries: got %d, want 3", len(entries))
	}
	if entries[1].Shown {
		t.Error("hidden frame marked shown")
	}
	shown := entries[2]
	if !shown.ShowExisting || !shown.Shown || shown.SourceIndex != 1 || shown.POC != 2 {
		t.Errorf("show-existing entry: %+v", shown)
	}

	src, err := sess.Overlay(ctx, 1, overlay.KindMotionVector)
	if err != nil {
		t.Fatal(err)
	}
	shownOv, err := sess.Overlay(ctx, 2, overlay.KindMotionVector)
	if err != nil {
		t.Fatal(err)
	}
	if src.Len() != shownOv.Len() {
		t.Errorf("cells: source %d, shown %d", src.Len(), shownOv.Len())
	}
	if d := sess.cache.Stats().Decodes; d != 1 {
		t.Errorf("decodes: got %d, want 1", d)
	}
}

func TestFailedFrameIsolated(t *testing.T) {
	t.Parallel()
	s := ivfutil.NewStream(seq64)
	// An inter frame ahead of any sequence header cannot be parsed.
	s.AddFrame(inter, motionTile(inter))
	s.AddFrame(keyFrame, keyTile())
	s.AddFrame(inter, motionTile(inter))
	sess := openBytes(t, s.Bytes())
	ctx := context.Background()

	entries := sess.FrameCatalog()
	if len(entries) != 3 {
		t.Fatalf("entries: got %d, want 3", len(entries))
	}
	if entries[0].Status != catalog.StatusFailed || entries[0].Err == "" {
		t.Errorf("entry 0: %+v", entries[0])
	}

	_, err := sess.Overlay(ctx, 0, overlay.KindQP)
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Index != 0 || !errors.Is(err, syntax.ErrNoSequenceHeader) {
		t.Errorf("failed frame: %v", err)
	}
	for _, idx := range []int{1, 2} {
		if _, err := sess.Overlay(ctx, idx, overlay.KindQP); err != nil {
			t.Errorf("frame %d: %v", idx, err)
		}
	}
	if st := sess.Stats().Catalog; st.Failed != 1 {
		t.Errorf("failed count: %d", st.Failed)
	}
}

func TestPartialDecode(t *testing.T) {
	t.Parallel()
	tile := ivfutil.NewTileWriter(keyFrame).Partition(ivfutil.PartitionNone).Intra(0, 0).Bits(8, 0xFF).Bytes()
	s := ivfutil.NewStream(seq64)
	s.AddFrame(keyFrame, tile)
	sess := openBytes(t, s.Bytes())

	ov, err := sess.Overlay(context.Background(), 0, overlay.KindQP)
	var fe *FrameError
	if !errors.As(err, &fe) || !errors.Is(err, partition.ErrTrailingData) {
		t.Fatalf("got %v, want FrameError wrapping ErrTrailingData", err)
	}
	if ov == nil || ov.Len() != 1 {
		t.Fatalf("partial overlay: %v", ov)
	}
	if e, _ := sess.Frame(0); e.Status != catalog.StatusPartial {
		t.Errorf("status: %v", e.Status)
	}
}

func TestFrameWithoutTileData(t *testing.T) {
	t.Parallel()
	s := ivfutil.NewStream(seq64)
	var tu []byte
	tu = obu.AppendUnit(tu, obu.KindTemporalDelimiter, nil, nil)
	tu = obu.AppendUnit(tu, obu.KindSequenceHeader, nil, ivfutil.SequenceHeader(seq64))
	tu = obu.AppendUnit(tu, obu.KindFrameHeader, nil, s.FramePayload(keyFrame))
	s.AddChunk(tu)
	sess := openBytes(t, s.Bytes())

	if _, err := sess.Overlay(context.Background(), 0, overlay.KindQP); !errors.Is(err, ErrNoTileData) {
		t.Errorf("got %v, want ErrNoTileData", err)
	}
	tree, err := sess.UnitTree(context.Background(), 0)
	if err != nil || len(tree.Units) != 3 || len(tree.Tiles) != 0 {
		t.Errorf("tree: %+v, %v", tree, err)
	}
}

func TestPictureOrderUnwraps(t *testing.T) {
	t.Parallel()
	s := ivfutil.NewStream(seq64)
	s.AddFrame(keyFrame, keyTile())
	want := []int64{0}
	for i := 1; i <= 4; i++ {
		f := ivfutil.Frame{Type: ivfutil.InterFrame, OrderHint: uint32(40*i) % 128, BaseQIdx: 32, Refresh: 0x01}
		s.AddFrame(f, ivfutil.NewTileWriter(f).Partition(ivfutil.PartitionNone).Intra(0, 0).Bytes())
		want = append(want, int64(40*i))
	}
	sess := openBytes(t, s.Bytes())

	for i, e := range sess.FrameCatalog() {
		if e.POC != want[i] {
			t.Errorf("frame %d: POC %d, want %d", i, e.POC, want[i])
		}
	}
}

func TestUnitTree(t *testing.T) {
	t.Parallel()
	sess := openBytes(t, motionStream().Bytes())

	tree, err := sess.UnitTree(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Units) != 2 || tree.Units[0].Kind != "temporal_delimiter" || tree.Units[1].Kind != "frame" {
		t.Errorf("units: %+v", tree.Units)
	}
	if len(tree.Tiles) != 1 || len(tree.Tiles[0].Superblocks) != 1 {
		t.Fatalf("tiles: %+v", tree.Tiles)
	}
	sb := tree.Tiles[0].Superblocks[0]
	if sb.Row != 0 || sb.Col != 0 || len(sb.CUs) != 4 {
		t.Fatalf("superblock: %+v", sb)
	}
	if cu := sb.CUs[0]; len(cu.RefFrames) != 1 || cu.RefFrames[0] != syntax.RefLast || len(cu.MVs) != 1 {
		t.Errorf("first CU: %+v", cu)
	}
	if cu := sb.CUs[3]; cu.RefFrames != nil || cu.X != 32 || cu.Y != 32 {
		t.Errorf("last CU: %+v", cu)
	}

	tree, err = sess.UnitTree(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Units) != 3 || tree.Units[1].Kind != "sequence_header" {
		t.Errorf("key units: %+v", tree.Units)
	}
}

func TestPrefetch(t *testing.T) {
	t.Parallel()
	sess := openBytes(t, motionStream().Bytes())

	if err := sess.Prefetch(context.Background(), []int{0, 1, 1, 0, 7}); err != nil {
		t.Fatal(err)
	}
	if d := sess.cache.Stats().Decodes; d != 2 {
		t.Errorf("decodes: got %d, want 2", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.Prefetch(ctx, []int{0, 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled prefetch: %v", err)
	}
}

func TestMetadataAndCaptions(t *testing.T) {
	t.Parallel()
	cc := ivfutil.A53Payload(
		ivfutil.CCPair{Data1: 0x14, Data2: 0x20},
		ivfutil.CCPair{Data1: 'H', Data2: 'I'},
	)
	s := ivfutil.NewStream(seq64)
	s.AddFrameWithMetadata(keyFrame, [][]byte{
		ivfutil.MetadataT35(0xB5, cc),
		ivfutil.MetadataCLL(1000, 400),
	}, keyTile())
	sess := openBytes(t, s.Bytes())

	st := sess.Stats()
	if st.Metadata["itut_t35"] != 1 || st.Metadata["hdr_cll"] != 1 {
		t.Errorf("metadata: %v", st.Metadata)
	}
	if st.Captions.Messages != 1 || st.Captions.CC608 != 2 {
		t.Errorf("captions: %+v", st.Captions)
	}
	tree, err := sess.UnitTree(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Units[2].Metadata != "itut_t35" || tree.Units[3].Metadata != "hdr_cll" {
		t.Errorf("units: %+v", tree.Units)
	}
}

func TestSequenceInfo(t *testing.T) {
	t.Parallel()
	s := ivfutil.NewStream(seq64)
	s.AddFrame(keyFrame, keyTile())
	s.AddFrame(keyFrame, keyTile())
	sess := openBytes(t, s.Bytes())

	seqs := sess.Sequences()
	if len(seqs) != 1 {
		t.Fatalf("sequences: got %d, want 1", len(seqs))
	}
	if q := seqs[0]; q.MaxFrameWidth != 64 || q.BitDepth != 8 || q.Chroma != "4:2:0" || q.SuperblockSize != 64 {
		t.Errorf("sequence: %+v", q)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	data := motionStream().Bytes()
	data[0] = 'X'
	_, err := OpenReader(bytes.NewReader(data), int64(len(data)), Options{})
	var ce *ivf.ContainerError
	if !errors.As(err, &ce) || !errors.Is(err, ivf.ErrBadSignature) {
		t.Errorf("bad signature: %v", err)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing.ivf"), Options{}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}

func TestOpenFileAndClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clip.ivf")
	if err := os.WriteFile(path, motionStream().Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	sess, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Path != path || sess.ID == "" {
		t.Errorf("session: id %q path %q", sess.ID, sess.Path)
	}
	if _, err := sess.Overlay(context.Background(), 1, overlay.KindQP); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Overlay(context.Background(), 1, overlay.KindQP); !errors.Is(err, ErrClosed) {
		t.Errorf("after close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func BenchmarkOverlayCached(b *testing.B) {
	data := motionStream().Bytes()
	sess, err := OpenReader(bytes.NewReader(data), int64(len(data)), Options{})
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	for b.Loop() {
		if _, err := sess.Overlay(ctx, 1, overlay.KindMotionVector); err != nil {
			b.Fatal(err)
		}
	}
}

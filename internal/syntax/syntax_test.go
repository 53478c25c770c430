package syntax

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/zsiec/av1scope/internal/obu"
	"github.com/zsiec/av1scope/test/tools/ivfutil"
)

func mustSequence(t *testing.T, s ivfutil.Sequence) *SequenceHeader {
	t.Helper()
	seq, err := ParseSequenceHeader(ivfutil.SequenceHeader(s))
	if err != nil {
		t.Fatalf("ParseSequenceHeader: %v", err)
	}
	return seq
}

func TestParseSequenceHeader(t *testing.T) {
	t.Parallel()
	payload := ivfutil.SequenceHeader(ivfutil.Sequence{Width: 1920, Height: 1080})
	seq, err := ParseSequenceHeader(payload)
	if err != nil {
		t.Fatal(err)
	}

	if seq.Profile != 0 || seq.MaxFrameWidth != 1920 || seq.MaxFrameHeight != 1080 {
		t.Errorf("profile/size: got %d %dx%d", seq.Profile, seq.MaxFrameWidth, seq.MaxFrameHeight)
	}
	if seq.Color.BitDepth != 8 || seq.Color.ChromaFormat() != "4:2:0" || seq.Color.NumPlanes != 3 {
		t.Errorf("color: got %+v", seq.Color)
	}
	if len(seq.OperatingPoints) != 1 || seq.OperatingPoints[0].SeqLevelIdx != 8 {
		t.Errorf("operating points: got %+v", seq.OperatingPoints)
	}
	if !seq.EnableOrderHint || seq.OrderHintBits != 7 {
		t.Errorf("order hint: enabled=%v bits=%d", seq.EnableOrderHint, seq.OrderHintBits)
	}
	if seq.SeqForceScreenContentTools != selectScreenContentTools || seq.SeqForceIntegerMV != selectIntegerMV {
		t.Errorf("screen content: %d %d", seq.SeqForceScreenContentTools, seq.SeqForceIntegerMV)
	}
	if seq.SuperblockSize() != 64 {
		t.Errorf("superblock: got %d", seq.SuperblockSize())
	}
	if seq.ID != sha256.Sum256(payload) {
		t.Error("identity is not the payload digest")
	}

	big := mustSequence(t, ivfutil.Sequence{Width: 640, Height: 360, Use128: true})
	if big.SuperblockSize() != 128 {
		t.Errorf("128 superblock: got %d", big.SuperblockSize())
	}
	if big.ID == seq.ID {
		t.Error("different headers share an identity")
	}
}

func TestParseSequenceHeaderErrors(t *testing.T) {
	t.Parallel()
	good := ivfutil.SequenceHeader(ivfutil.Sequence{Width: 64, Height: 64})

	tests := []struct {
		name      string
		data      []byte
		want      error
		wantField string
		wantBit   int
	}{
		{"reserved profile", []byte{0xE0, 0, 0, 0}, ErrReservedValue, "seq_profile", 0},
		{"reduced without still", []byte{0x08, 0, 0, 0}, ErrOutOfRange, "reduced_still_picture_header", 4},
		{"truncated", good[:3], ErrTruncated, "", -1},
		{"empty", nil, ErrTruncated, "seq_profile", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseSequenceHeader(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("not a SyntaxError: %T", err)
			}
			if se.Header != "sequence_header" {
				t.Errorf("header: got %q", se.Header)
			}
			if tt.wantField != "" && (se.Field != tt.wantField || se.BitOffset != tt.wantBit) {
				t.Errorf("field: got %s@%d, want %s@%d", se.Field, se.BitOffset, tt.wantField, tt.wantBit)
			}
		})
	}
}

// frameUnit returns the payload of the first frame or frame header OBU of
// the stream's chunk i.
func frameUnit(t *testing.T, s *ivfutil.Stream, i int) []byte {
	t.Helper()
	units, err := obu.Units(s.Chunks()[i])
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range units {
		if u.Kind == obu.KindFrame || u.Kind == obu.KindFrameHeader {
			return u.Payload
		}
	}
	t.Fatalf("chunk %d has no frame header", i)
	return nil
}

func TestParseFrameHeaderKeyAndInter(t *testing.T) {
	t.Parallel()
	seqDesc := ivfutil.Sequence{Width: 128, Height: 64}
	seq := mustSequence(t, seqDesc)
	s := ivfutil.NewStream(seqDesc)
	s.AddFrame(ivfutil.Frame{Type: ivfutil.KeyFrame, BaseQIdx: 32})
	s.AddFrame(ivfutil.Frame{Type: ivfutil.InterFrame, OrderHint: 1, BaseQIdx: 40, Refresh: 0x01})

	key, refs, err := ParseFrameHeader(frameUnit(t, s, 0), seq, RefState{}, FrameContext{FrameIndex: 0})
	if err != nil {
		t.Fatal(err)
	}
	if key.FrameType != FrameKey || !key.ShowFrame || !key.FrameIsIntra || !key.ErrorResilientMode {
		t.Errorf("key flags: %+v", key)
	}
	if key.FrameWidth != 128 || key.FrameHeight != 64 || key.MiCols != 32 || key.MiRows != 16 {
		t.Errorf("key size: %dx%d mi %dx%d", key.FrameWidth, key.FrameHeight, key.MiCols, key.MiRows)
	}
	if key.Quant.BaseQIdx != 32 || key.CodedLossless || key.DeltaQ.Present {
		t.Errorf("key quant: %+v lossless=%v", key.Quant, key.CodedLossless)
	}
	if key.Tiles.NumTiles() != 1 || key.Tiles.MiColStarts[1] != 32 {
		t.Errorf("key tiles: %+v", key.Tiles)
	}
	if key.Sequence != seq {
		t.Error("frame header does not reference its sequence header")
	}
	if refs.Valid() != NumRefFrames {
		t.Errorf("valid slots after key: got %d", refs.Valid())
	}

	inter, next, err := ParseFrameHeader(frameUnit(t, s, 1), seq, refs, FrameContext{FrameIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if inter.FrameType != FrameInter || inter.FrameIsIntra || inter.PrimaryRefFrame != PrimaryRefNone {
		t.Errorf("inter flags: type=%v intra=%v primary=%d", inter.FrameType, inter.FrameIsIntra, inter.PrimaryRefFrame)
	}
	if inter.InterpolationFilter != InterpolationSwitchable {
		t.Errorf("interpolation filter: got %d", inter.InterpolationFilter)
	}
	if inter.RefFrameIndex(RefGolden) != 0 || inter.OrderHints[RefLast] != 0 {
		t.Errorf("refs: idx=%v hints=%v", inter.RefFrameIdx, inter.OrderHints)
	}
	if next.Slots[0].FrameIndex != 1 || next.Slots[0].OrderHint != 1 || next.Slots[1].FrameIndex != 0 {
		t.Errorf("updated slots: %+v / %+v", next.Slots[0], next.Slots[1])
	}
	if refs.Slots[0].FrameIndex != 0 {
		t.Error("ParseFrameHeader modified its input reference state")
	}
	if inter.GlobalMotion.Params[RefLast][2] != 1<<warpedModelPrecBits {
		t.Errorf("identity global motion: got %v", inter.GlobalMotion.Params[RefLast])
	}
}

func TestParseFrameHeaderShowExisting(t *testing.T) {
	t.Parallel()
	seqDesc := ivfutil.Sequence{Width: 64, Height: 64}
	seq := mustSequence(t, seqDesc)
	s := ivfutil.NewStream(seqDesc)
	s.AddFrame(ivfutil.Frame{Type: ivfutil.KeyFrame, BaseQIdx: 10})
	s.AddFrame(ivfutil.Frame{Type: ivfutil.InterFrame, Hidden: true, OrderHint: 2, BaseQIdx: 10, Refresh: 0x04})
	s.AddShowExisting(2)

	var refs RefState
	var err error
	for i := 0; i < 2; i++ {
		_, refs, err = ParseFrameHeader(frameUnit(t, s, i), seq, refs, FrameContext{FrameIndex: i})
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	shown, after, err := ParseFrameHeader(frameUnit(t, s, 2), seq, refs, FrameContext{FrameIndex: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !shown.ShowExistingFrame || shown.SourceFrameIndex != 1 || shown.FrameType != FrameInter {
		t.Errorf("show existing: src=%d type=%v", shown.SourceFrameIndex, shown.FrameType)
	}
	if shown.FrameWidth != 64 || shown.OrderHint != 2 {
		t.Errorf("show existing copied state: width %d hint %d", shown.FrameWidth, shown.OrderHint)
	}
	for i := range after.Slots {
		if after.Slots[i].FrameIndex != refs.Slots[i].FrameIndex {
			t.Errorf("slot %d changed by showing an inter frame", i)
		}
	}
}

func TestParseFrameHeaderErrors(t *testing.T) {
	t.Parallel()
	seqDesc := ivfutil.Sequence{Width: 64, Height: 64}
	seq := mustSequence(t, seqDesc)
	s := ivfutil.NewStream(seqDesc)
	s.AddFrame(ivfutil.Frame{Type: ivfutil.KeyFrame, BaseQIdx: 10})
	s.AddFrame(ivfutil.Frame{Type: ivfutil.InterFrame, OrderHint: 1, BaseQIdx: 10, Refresh: 0x01})
	s.AddShowExisting(5)

	_, refs, err := ParseFrameHeader(frameUnit(t, s, 0), seq, RefState{}, FrameContext{})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("no sequence header", func(t *testing.T) {
		_, _, err := ParseFrameHeader(frameUnit(t, s, 0), nil, RefState{}, FrameContext{})
		if !errors.Is(err, ErrNoSequenceHeader) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("missing reference", func(t *testing.T) {
		_, out, err := ParseFrameHeader(frameUnit(t, s, 1), seq, RefState{}, FrameContext{})
		var se *SyntaxError
		if !errors.As(err, &se) || se.Field != "ref_frame_idx" || !errors.Is(err, ErrMissingReference) {
			t.Fatalf("got %v", err)
		}
		if out.Valid() != 0 {
			t.Error("failed parse returned a modified state")
		}
	})
	t.Run("truncated", func(t *testing.T) {
		_, _, err := ParseFrameHeader(frameUnit(t, s, 1)[:2], seq, refs, FrameContext{})
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("got %v", err)
		}
		// A later valid header still parses against the same state.
		if _, _, err := ParseFrameHeader(frameUnit(t, s, 1), seq, refs, FrameContext{}); err != nil {
			t.Errorf("recovery: %v", err)
		}
	})
	t.Run("show existing empty slot", func(t *testing.T) {
		var partial RefState
		partial.Slots[0] = refs.Slots[0]
		_, _, err := ParseFrameHeader(frameUnit(t, s, 2), seq, partial, FrameContext{})
		if !errors.Is(err, ErrMissingReference) {
			t.Errorf("got %v", err)
		}
	})
}

func TestParseFrameHeaderTilesAndDeltaQ(t *testing.T) {
	t.Parallel()
	seqDesc := ivfutil.Sequence{Width: 512, Height: 128}
	seq := mustSequence(t, seqDesc)
	s := ivfutil.NewStream(seqDesc)
	s.AddFrame(ivfutil.Frame{Type: ivfutil.KeyFrame, BaseQIdx: 100, DeltaQ: true, DeltaQRes: 2, TileColsLog2: 2})

	fh, _, err := ParseFrameHeader(frameUnit(t, s, 0), seq, RefState{}, FrameContext{})
	if err != nil {
		t.Fatal(err)
	}
	if fh.Tiles.Cols != 4 || fh.Tiles.Rows != 1 || fh.Tiles.SizeBytes != 4 {
		t.Errorf("tiles: %+v", fh.Tiles)
	}
	want := []int{0, 32, 64, 96, 128}
	for i, v := range want {
		if fh.Tiles.MiColStarts[i] != v {
			t.Errorf("MiColStarts[%d] = %d, want %d", i, fh.Tiles.MiColStarts[i], v)
		}
	}
	if rs, re, cs, ce := fh.Tiles.Bounds(2); rs != 0 || re != 32 || cs != 64 || ce != 96 {
		t.Errorf("Bounds(2) = %d %d %d %d", rs, re, cs, ce)
	}
	if !fh.DeltaQ.Present || fh.DeltaQ.Res != 2 {
		t.Errorf("delta q: %+v", fh.DeltaQ)
	}
}

func TestSetFrameRefs(t *testing.T) {
	t.Parallel()
	seq := &SequenceHeader{EnableOrderHint: true, OrderHintBits: 7}
	hints := [NumRefFrames]uint32{9, 8, 7, 12, 14, 11, 6, 5}
	fp := &frameParser{seq: seq, fh: &FrameHeader{OrderHint: 10}}
	for i, h := range hints {
		fp.refs.Slots[i] = RefSlot{Valid: true, OrderHint: h}
	}
	fp.setFrameRefs(0, 2)

	want := [RefsPerFrame]int{0, 1, 6, 2, 5, 3, 4}
	if fp.fh.RefFrameIdx != want {
		t.Errorf("got %v, want %v", fp.fh.RefFrameIdx, want)
	}
}

func TestRelativeDist(t *testing.T) {
	t.Parallel()
	seq := &SequenceHeader{EnableOrderHint: true, OrderHintBits: 7}
	tests := []struct {
		a, b uint32
		want int
	}{
		{10, 5, 5},
		{5, 10, -5},
		{0, 127, 1},
		{127, 0, -1},
		{64, 0, -64},
	}
	for _, tt := range tests {
		if got := relativeDist(seq, tt.a, tt.b); got != tt.want {
			t.Errorf("relativeDist(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
	if relativeDist(&SequenceHeader{}, 10, 5) != 0 {
		t.Error("distance without order hints should be 0")
	}
}

func TestSubexp(t *testing.T) {
	t.Parallel()
	if got := inverseRecenter(5, 11); got != 11 {
		t.Errorf("inverseRecenter(5, 11) = %d", got)
	}
	if got := inverseRecenter(5, 3); got != 3 {
		t.Errorf("inverseRecenter(5, 3) = %d", got)
	}
	if got := inverseRecenter(5, 4); got != 7 {
		t.Errorf("inverseRecenter(5, 4) = %d", got)
	}

	// subexp_more_bits = 0 then a 3-bit value of 5.
	fp := &frameParser{fieldReader: newFieldReader([]byte{0x50}, "frame_header")}
	if got := fp.decodeSubexp(8193); got != 5 {
		t.Errorf("decodeSubexp(8193) = %d, want 5", got)
	}
	// Small alphabets use ns(n) directly: 3 bits "011" decode to 3.
	fp = &frameParser{fieldReader: newFieldReader([]byte{0x60}, "frame_header")}
	if got := fp.decodeSubexp(10); got != 3 {
		t.Errorf("decodeSubexp(10) = %d, want 3", got)
	}
}

func BenchmarkParseFrameHeader(b *testing.B) {
	seqDesc := ivfutil.Sequence{Width: 1920, Height: 1080}
	seq, err := ParseSequenceHeader(ivfutil.SequenceHeader(seqDesc))
	if err != nil {
		b.Fatal(err)
	}
	s := ivfutil.NewStream(seqDesc)
	payload := s.FramePayload(ivfutil.Frame{Type: ivfutil.KeyFrame, BaseQIdx: 80})

	b.ReportAllocs()
	for b.Loop() {
		if _, _, err := ParseFrameHeader(payload, seq, RefState{}, FrameContext{}); err != nil {
			b.Fatal(err)
		}
	}
}

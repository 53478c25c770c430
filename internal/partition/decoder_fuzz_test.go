package partition

import (
	"testing"

	"github.com/zsiec/av1scope/internal/syntax"
	"github.com/zsiec/av1scope/test/tools/ivfutil"
)

func FuzzDecode(f *testing.F) {
	sd := ivfutil.Sequence{Width: 200, Height: 120}
	seq, err := syntax.ParseSequenceHeader(ivfutil.SequenceHeader(sd))
	if err != nil {
		f.Fatal(err)
	}
	key := ivfutil.Frame{Type: ivfutil.KeyFrame, BaseQIdx: 60, DeltaQ: true}
	payload := ivfutil.NewStream(sd).FramePayload(key)
	fh, _, err := syntax.ParseFrameHeader(payload, seq, syntax.RefState{}, syntax.FrameContext{})
	if err != nil {
		f.Fatal(err)
	}

	f.Add(ivfutil.NewTileWriter(key).Partition(ivfutil.PartitionSplit).Bytes())
	f.Add([]byte{0x00, 0x00, 0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, tile []byte) {
		res, err := Decode(fh, [][]byte{tile}, nil)
		if res == nil {
			t.Fatal("nil result")
		}
		for _, cu := range res.CUs {
			if cu.X < 0 || cu.Y < 0 || cu.W <= 0 || cu.H <= 0 || cu.X+cu.W > fh.FrameWidth || cu.Y+cu.H > fh.FrameHeight {
				t.Fatalf("CU outside frame: %+v (err %v)", cu, err)
			}
		}
	})
}

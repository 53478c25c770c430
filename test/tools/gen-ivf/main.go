// Command gen-ivf writes a synthetic AV1-in-IVF stream for exercising the
// analyzer: key frames every -gop frames, inter frames with moving blocks,
// and optionally CEA-608 captions carried in T.35 metadata.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/zsiec/av1scope/test/tools/ivfutil"
)

// captionText is sent as a pop-on caption, one byte pair per frame.
const captionText = "AV1SCOPE TEST"

func main() {
	out := flag.String("o", "test.ivf", "output file")
	frames := flag.Int("frames", 60, "number of frames")
	width := flag.Int("width", 256, "frame width, a multiple of 64")
	height := flag.Int("height", 128, "frame height, a multiple of 64")
	gop := flag.Int("gop", 30, "key frame interval")
	captions := flag.Bool("captions", false, "embed CEA-608 captions")
	flag.Parse()

	if err := run(*out, *frames, *width, *height, *gop, *captions); err != nil {
		slog.Error("gen-ivf failed", "error", err)
		os.Exit(1)
	}
}

func run(out string, frames, width, height, gop int, captions bool) error {
	if width <= 0 || height <= 0 || width%64 != 0 || height%64 != 0 {
		return fmt.Errorf("dimensions %dx%d are not positive multiples of 64", width, height)
	}
	if frames <= 0 || gop <= 0 {
		return fmt.Errorf("frames and gop must be positive")
	}

	seq := ivfutil.Sequence{Width: width, Height: height}
	s := ivfutil.NewStream(seq)
	sbs := seq.SuperblockCols() * seq.SuperblockRows()
	pairs := captionPairs()

	for i := range frames {
		f := ivfutil.Frame{
			Type:      ivfutil.InterFrame,
			OrderHint: uint32(i % 128),
			BaseQIdx:  uint8(40 + 4*(i%gop)%120),
			Refresh:   0x01,
		}
		if i%gop == 0 {
			f.Type = ivfutil.KeyFrame
			f.BaseQIdx = 24
		}
		tile := frameTile(f, i, sbs)

		if captions && i < len(pairs) {
			md := ivfutil.MetadataT35(0xB5, ivfutil.A53Payload(pairs[i]))
			s.AddFrameWithMetadata(f, [][]byte{md}, tile)
		} else {
			s.AddFrame(f, tile)
		}
	}

	if err := os.WriteFile(out, s.Bytes(), 0o644); err != nil {
		return err
	}
	slog.Info("stream written", "path", out, "frames", frames, "width", width, "height", height)
	return nil
}

// frameTile splits every superblock into four blocks. In inter frames one
// block per superblock moves with the frame number; the rest are intra.
func frameTile(f ivfutil.Frame, n, sbs int) []byte {
	tw := ivfutil.NewTileWriter(f)
	for sb := range sbs {
		tw.Partition(ivfutil.PartitionSplit)
		for q := range 4 {
			tw.Partition(ivfutil.PartitionNone)
			if f.Type != ivfutil.KeyFrame && q == (sb+n)%4 {
				mv := ivfutil.MV{X: int32(8 * (n % 16)), Y: int32(-4 * (sb % 8))}
				tw.Inter(0, []int{0}, 3, mv)
				continue
			}
			tw.Intra(0, (sb+q)%13)
		}
	}
	return tw.Bytes()
}

// captionPairs encodes captionText as a pop-on caption on CC1.
func captionPairs() []ivfutil.CCPair {
	pairs := []ivfutil.CCPair{{Data1: 0x14, Data2: 0x20}} // resume caption loading
	text := []byte(captionText)
	for i := 0; i < len(text); i += 2 {
		p := ivfutil.CCPair{Data1: text[i]}
		if i+1 < len(text) {
			p.Data2 = text[i+1]
		}
		pairs = append(pairs, p)
	}
	return append(pairs, ivfutil.CCPair{Data1: 0x14, Data2: 0x2F}) // end of caption
}

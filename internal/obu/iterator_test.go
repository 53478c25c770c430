package obu

import (
	"bytes"
	"errors"
	"testing"
)

func TestIteratorKnownUnits(t *testing.T) {
	t.Parallel()
	var buf []byte
	buf = AppendUnit(buf, KindTemporalDelimiter, nil, nil)
	buf = AppendUnit(buf, KindSequenceHeader, nil, []byte{0x01, 0x02, 0x03})
	buf = AppendUnit(buf, KindFrame, &Extension{TemporalID: 2, SpatialID: 1}, bytes.Repeat([]byte{0xEE}, 200))
	buf = AppendUnit(buf, KindPadding, nil, []byte{0, 0})

	units, err := Units(buf)
	if err != nil {
		t.Fatal(err)
	}
	want := []Kind{KindTemporalDelimiter, KindSequenceHeader, KindFrame, KindPadding}
	if len(units) != len(want) {
		t.Fatalf("units: got %d, want %d", len(units), len(want))
	}
	for i, u := range units {
		if u.Kind != want[i] {
			t.Errorf("unit %d kind: got %v, want %v", i, u.Kind, want[i])
		}
	}

	frame := units[2]
	if !frame.HasExtension || frame.TemporalID != 2 || frame.SpatialID != 1 {
		t.Errorf("extension: got tid=%d sid=%d ext=%v", frame.TemporalID, frame.SpatialID, frame.HasExtension)
	}
	if len(frame.Payload) != 200 || frame.HeaderSize != 4 {
		t.Errorf("frame unit: payload %d, header %d", len(frame.Payload), frame.HeaderSize)
	}

	// Units tile the buffer with no gaps.
	end := 0
	for _, u := range units {
		if u.Offset != end {
			t.Errorf("unit at %d, want %d", u.Offset, end)
		}
		end = u.Offset + u.Size()
	}
	if end != len(buf) {
		t.Errorf("units end at %d, buffer is %d bytes", end, len(buf))
	}
}

func TestIteratorUnknownUnitContinues(t *testing.T) {
	t.Parallel()
	var buf []byte
	buf = AppendUnit(buf, Kind(11), nil, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00})
	buf = AppendUnit(buf, KindTemporalDelimiter, nil, nil)

	units, err := Units(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("units: got %d, want 2", len(units))
	}
	if !units[0].Unknown() {
		t.Error("reserved tag 11 should be unknown")
	}
	if len(units[0].Payload) != 5 || units[0].Size() != 7 {
		t.Errorf("unknown unit: payload %d bytes, size %d", len(units[0].Payload), units[0].Size())
	}
	if !bytes.Equal(units[0].Payload, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00}) {
		t.Errorf("unknown payload: %x", units[0].Payload)
	}
	if units[1].Kind != KindTemporalDelimiter {
		t.Errorf("second unit: got %v", units[1].Kind)
	}
}

func TestIteratorNoSizeField(t *testing.T) {
	t.Parallel()
	buf := []byte{byte(KindTileGroup) << 3, 0xAA, 0xBB, 0xCC}
	units, err := Units(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || len(units[0].Payload) != 3 {
		t.Fatalf("got %+v", units)
	}
}

func TestIteratorErrors(t *testing.T) {
	t.Parallel()
	good := AppendUnit(nil, KindPadding, nil, []byte{1, 2, 3, 4})

	tests := []struct {
		name       string
		data       []byte
		want       error
		wantOffset int
	}{
		{"payload past end", good[:len(good)-1], ErrTruncated, 2},
		{"forbidden bit", []byte{0x80 | byte(KindPadding)<<3 | 0x02, 0x00}, ErrForbiddenBit, 0},
		{"missing extension", []byte{byte(KindFrame)<<3 | 0x04}, ErrTruncated, 1},
		{"unterminated size", []byte{byte(KindFrame)<<3 | 0x02, 0x80}, ErrTruncated, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Units(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var ue *UnitError
			if !errors.As(err, &ue) || ue.Offset != tt.wantOffset {
				t.Errorf("offset: got %+v, want %d", ue, tt.wantOffset)
			}
		})
	}
}

func TestIteratorStopsAfterError(t *testing.T) {
	t.Parallel()
	buf := AppendUnit(nil, KindPadding, nil, []byte{1})
	buf = append(buf, 0xFF)
	it := NewIterator(buf)

	var n int
	var lastErr error
	for _, err := range it.All() {
		n++
		lastErr = err
	}
	if n != 2 || lastErr == nil {
		t.Errorf("yielded %d items, last error %v", n, lastErr)
	}
	if _, err := it.Next(); err == nil {
		t.Error("Next after error should keep failing")
	}
}

func TestParseMetadata(t *testing.T) {
	t.Parallel()

	cll := []byte{0x01, 0x03, 0xE8, 0x01, 0x90}
	m, err := ParseMetadata(cll)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != MetadataHDRCLL || m.CLL == nil || m.CLL.MaxCLL != 1000 || m.CLL.MaxFALL != 400 {
		t.Errorf("CLL: got %+v", m.CLL)
	}

	t35 := []byte{0x04, 0xB5, 0x00, 0x31, 'G', 'A', '9', '4'}
	m, err = ParseMetadata(t35)
	if err != nil {
		t.Fatal(err)
	}
	if m.T35 == nil || m.T35.CountryCode != 0xB5 || !bytes.Equal(m.T35.Payload, t35[2:]) {
		t.Errorf("T35: got %+v", m.T35)
	}

	if _, err := ParseMetadata([]byte{0x01, 0x03}); !errors.Is(err, ErrTruncated) {
		t.Errorf("short CLL: got %v, want ErrTruncated", err)
	}

	unknown, err := ParseMetadata([]byte{0x20, 0xAA})
	if err != nil {
		t.Fatal(err)
	}
	if unknown.Type != 32 || len(unknown.Raw) != 1 {
		t.Errorf("unknown: got %+v", unknown)
	}
}

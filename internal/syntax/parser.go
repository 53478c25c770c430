package syntax

import "github.com/zsiec/av1scope/internal/bitstream"

// fieldReader wraps a bit cursor and records the first failing field. Reads
// after a failure keep returning zero-filled values, so parse functions check
// failed() at section boundaries rather than after every element.
type fieldReader struct {
	r      *bitstream.Reader
	header string
	err    *SyntaxError
}

func newFieldReader(data []byte, header string) *fieldReader {
	return &fieldReader{r: bitstream.NewReader(data), header: header}
}

func (p *fieldReader) failed() bool {
	return p.err != nil
}

func (p *fieldReader) result() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

// fail records err against field at bit offset pos unless an earlier
// failure is already recorded.
func (p *fieldReader) fail(field string, pos int, err error) {
	if p.err == nil {
		p.err = &SyntaxError{Header: p.header, Field: field, BitOffset: pos, Err: err}
	}
}

func (p *fieldReader) check(field string, pos int) {
	if p.r.Overflow() {
		p.fail(field, pos, ErrTruncated)
	}
}

func (p *fieldReader) f(field string, n int) uint32 {
	pos := p.r.Pos()
	v := p.r.ReadBits(n)
	p.check(field, pos)
	return v
}

func (p *fieldReader) flag(field string) bool {
	return p.f(field, 1) == 1
}

func (p *fieldReader) su(field string, n int) int32 {
	pos := p.r.Pos()
	v := p.r.ReadSU(n)
	p.check(field, pos)
	return v
}

func (p *fieldReader) ns(field string, n uint32) uint32 {
	pos := p.r.Pos()
	v := p.r.ReadNS(n)
	p.check(field, pos)
	return v
}

func (p *fieldReader) uvlc(field string) uint32 {
	pos := p.r.Pos()
	v := p.r.ReadUVLC()
	p.check(field, pos)
	return v
}

// invalid records a semantic failure for a field that started at pos.
func (p *fieldReader) invalid(field string, pos int, err error) {
	p.fail(field, pos, err)
}

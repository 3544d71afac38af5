package unityfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// reader is a bounds-checked cursor over a byte slice. The first failure is
// sticky: every later read returns zero values and err keeps the first cause.
type reader struct {
	data  []byte
	pos   int
	order binary.ByteOrder
	err   error
}

func newReader(data []byte, order binary.ByteOrder) *reader {
	return &reader{data: data, order: order}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos < 0 || n > len(r.data)-r.pos {
		r.err = fmt.Errorf("%w: read of %d bytes at offset %d exceeds size %d", ErrMalformed, n, r.pos, len(r.data))
		return false
	}
	return true
}

func (r *reader) seek(pos int) {
	if r.err != nil {
		return
	}
	if pos < 0 || pos > len(r.data) {
		r.err = fmt.Errorf("%w: seek to %d outside size %d", ErrMalformed, pos, len(r.data))
		return
	}
	r.pos = pos
}

func (r *reader) skip(n int) {
	if r.need(n) {
		r.pos += n
	}
}

// align advances to the next multiple of n relative to the slice start.
func (r *reader) align(n int) {
	if rem := r.pos % n; rem != 0 {
		r.skip(n - rem)
	}
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := r.order.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := r.order.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := r.order.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) i64() int64 { return int64(r.u64()) }

// cstring reads a NUL-terminated string and consumes the terminator.
func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 {
		r.err = fmt.Errorf("%w: unterminated string at offset %d", ErrMalformed, r.pos)
		return ""
	}
	s := string(r.data[r.pos : r.pos+end])
	r.pos += end + 1
	return s
}

// count reads an int32 element count and rejects values that cannot fit in
// the remaining bytes given a minimum element size.
func (r *reader) count(minElem int) int {
	n := r.i32()
	if r.err != nil {
		return 0
	}
	if n < 0 || (minElem > 0 && int(n) > (len(r.data)-r.pos)/minElem) {
		r.err = fmt.Errorf("%w: implausible element count %d at offset %d", ErrMalformed, n, r.pos-4)
		return 0
	}
	return int(n)
}

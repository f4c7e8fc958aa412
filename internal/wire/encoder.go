// Package wire implements D-Bus 1 message framing: alignment-aware
// encoding and decoding of the fixed header, the header field array and
// message bodies. The mapping between argument values and wire bytes is
// layered on top of the primitives here.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortData is returned when a decode runs off the end of the buffer.
	ErrShortData = errors.New("wire: short data")

	// ErrInvalid is returned for malformed frames.
	ErrInvalid = errors.New("wire: invalid data")
)

// Encoder builds an aligned little-endian D-Bus byte stream. Offsets are
// relative to the start of the message, so a body encoder must be seeded
// with the absolute offset its bytes will land at.
type Encoder struct {
	buf  []byte
	base int // absolute offset of buf[0] within the message
}

// NewEncoder returns an encoder whose first byte lands at absolute offset
// base.
func NewEncoder(base int) *Encoder {
	return &Encoder{base: base}
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Bytes returns the encoded stream.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Align pads with zero bytes to the next multiple of n (absolute offset).
func (e *Encoder) Align(n int) {
	pos := e.base + len(e.buf)
	if rem := pos % n; rem != 0 {
		e.buf = append(e.buf, make([]byte, n-rem)...)
	}
}

func (e *Encoder) PutByte(v byte) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutBool(v bool) {
	var u uint32
	if v {
		u = 1
	}
	e.PutU32(u)
}

func (e *Encoder) PutU16(v uint16) {
	e.Align(2)
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) PutI16(v int16) {
	e.PutU16(uint16(v))
}

func (e *Encoder) PutU32(v uint32) {
	e.Align(4)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutI32(v int32) {
	e.PutU32(uint32(v))
}

func (e *Encoder) PutU64(v uint64) {
	e.Align(8)
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PutI64(v int64) {
	e.PutU64(uint64(v))
}

// PutString encodes a UTF-8 string: u32 length, bytes, NUL.
func (e *Encoder) PutString(s string) {
	e.PutU32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// PutSignature encodes a signature string: byte length, bytes, NUL.
func (e *Encoder) PutSignature(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("%w: signature longer than 255 bytes", ErrInvalid)
	}
	e.buf = append(e.buf, byte(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	return nil
}

// PutRaw appends pre-encoded bytes without alignment.
func (e *Encoder) PutRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// MaxArraySize is the D-Bus limit on a single array's byte length.
const MaxArraySize = 1 << 26

// PutArray encodes an array: u32 byte length, padding to the element
// alignment, then the elements written by fn. The length counts only the
// element bytes, not the alignment padding. Empty arrays still carry the
// element-boundary padding so the element signature is preserved.
func (e *Encoder) PutArray(elemAlign int, fn func(*Encoder) error) error {
	e.Align(4)
	lenPos := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0, 0)
	e.Align(elemAlign)
	start := len(e.buf)
	if err := fn(e); err != nil {
		return err
	}
	n := len(e.buf) - start
	if n > MaxArraySize {
		return fmt.Errorf("%w: array exceeds maximum size", ErrInvalid)
	}
	binary.LittleEndian.PutUint32(e.buf[lenPos:lenPos+4], uint32(n))
	return nil
}

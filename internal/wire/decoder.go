package wire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Decoder walks an aligned D-Bus byte stream. As with Encoder, offsets are
// absolute within the message so padding is computed correctly for bodies.
type Decoder struct {
	data  []byte
	pos   int
	base  int // absolute offset of data[0] within the message
	order binary.ByteOrder
}

// NewDecoder returns a decoder over data starting at absolute offset base.
func NewDecoder(data []byte, base int, order binary.ByteOrder) *Decoder {
	return &Decoder{data: data, base: base, order: order}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Pos returns the current absolute offset.
func (d *Decoder) Pos() int {
	return d.base + d.pos
}

// Align skips padding to the next multiple of n (absolute offset).
func (d *Decoder) Align(n int) error {
	pos := d.base + d.pos
	if rem := pos % n; rem != 0 {
		skip := n - rem
		if d.pos+skip > len(d.data) {
			return ErrShortData
		}
		d.pos += skip
	}
	return nil
}

func (d *Decoder) need(n int) ([]byte, error) {
	if d.pos+n > len(d.data) {
		return nil, ErrShortData
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) Byte() (byte, error) {
	b, err := d.need(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.U32()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: boolean value %d", ErrInvalid, v)
	}
}

func (d *Decoder) U16() (uint16, error) {
	if err := d.Align(2); err != nil {
		return 0, err
	}
	b, err := d.need(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *Decoder) I16() (int16, error) {
	v, err := d.U16()
	return int16(v), err
}

func (d *Decoder) U32() (uint32, error) {
	if err := d.Align(4); err != nil {
		return 0, err
	}
	b, err := d.need(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *Decoder) I32() (int32, error) {
	v, err := d.U32()
	return int32(v), err
}

func (d *Decoder) U64() (uint64, error) {
	if err := d.Align(8); err != nil {
		return 0, err
	}
	b, err := d.need(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

func (d *Decoder) String() (string, error) {
	n, err := d.U32()
	if err != nil {
		return "", err
	}
	b, err := d.need(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", fmt.Errorf("%w: string missing NUL terminator", ErrInvalid)
	}
	s := string(b[:n])
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrInvalid)
	}
	return s, nil
}

func (d *Decoder) Signature() (string, error) {
	n, err := d.Byte()
	if err != nil {
		return "", err
	}
	b, err := d.need(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", fmt.Errorf("%w: signature missing NUL terminator", ErrInvalid)
	}
	return string(b[:n]), nil
}

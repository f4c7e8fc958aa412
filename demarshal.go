package ipcbus

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/wire"
)

// demarshalArgs decodes a message body into an argument list. Incoming file
// descriptors are duplicated (close-on-exec) into fresh UnixFd values; the
// originals stay attached to the message and are released by the caller via
// CloseFds, satisfying the one-open-one-close rule for every descriptor.
func demarshalArgs(m *wire.Message) (VariantList, error) {
	if m.Signature == "" {
		return VariantList{}, nil
	}

	d := wire.NewDecoder(m.Body, 0, m.Order)
	args := make(VariantList, 0, 4)

	sig := m.Signature
	for sig != "" {
		t, rest, err := nextSigType(sig)
		if err == nil {
			var v Value
			v, err = demarshalValue(d, t, m.Fds)
			if err == nil {
				args = append(args, v)
				sig = rest
				continue
			}
		}
		CloseArgs(args)
		return nil, wrapError("demarshalArgs", ErrCodeDemarshal,
			fmt.Sprintf("failed to decode %q arguments", m.Signature), err)
	}
	return args, nil
}

func nextSigType(sig string) (string, string, error) {
	if sig == "" {
		return "", "", newError("demarshalArgs", ErrCodeDemarshal, "empty signature")
	}
	if isBasicSig(sig[0]) {
		return sig[:1], sig[1:], nil
	}
	if sig[0] == 'a' {
		if strings.HasPrefix(sig, "a{sv}") {
			return "a{sv}", sig[5:], nil
		}
		if len(sig) >= 2 && isBasicSig(sig[1]) {
			return sig[:2], sig[2:], nil
		}
	}
	return "", "", newError("demarshalArgs", ErrCodeDemarshal,
		fmt.Sprintf("unsupported signature %q", sig))
}

func isBasicSig(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 's', 'o', 'h':
		return true
	}
	return false
}

func basicAlign(c byte) int {
	switch c {
	case 'y':
		return 1
	case 'n', 'q':
		return 2
	case 'x', 't':
		return 8
	default:
		return 4
	}
}

func demarshalValue(d *wire.Decoder, sig string, fds []int) (Value, error) {
	if len(sig) == 1 {
		return demarshalBasic(d, sig[0], fds)
	}
	if sig == "a{sv}" {
		return demarshalDict(d, fds)
	}
	return demarshalVector(d, sig[1], fds)
}

func demarshalBasic(d *wire.Decoder, c byte, fds []int) (Value, error) {
	switch c {
	case 'y':
		v, err := d.Byte()
		return Byte(v), err
	case 'b':
		v, err := d.Bool()
		return Bool(v), err
	case 'n':
		v, err := d.I16()
		return Int16(v), err
	case 'q':
		v, err := d.U16()
		return Uint16(v), err
	case 'i':
		v, err := d.I32()
		return Int32(v), err
	case 'u':
		v, err := d.U32()
		return Uint32(v), err
	case 'x':
		v, err := d.I64()
		return Int64(v), err
	case 't':
		v, err := d.U64()
		return Uint64(v), err
	case 's':
		v, err := d.String()
		return String(v), err
	case 'o':
		v, err := d.String()
		return ObjectPath(v), err
	case 'h':
		return demarshalFd(d, fds)
	}
	return nil, fmt.Errorf("unsupported basic type %q", string(c))
}

func demarshalFd(d *wire.Decoder, fds []int) (Value, error) {
	idx, err := d.U32()
	if err != nil {
		return nil, err
	}
	if int(idx) >= len(fds) || fds[idx] < 0 {
		return nil, fmt.Errorf("fd index %d out of range (%d attached)", idx, len(fds))
	}
	dup, err := unix.FcntlInt(uintptr(fds[idx]), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to dup received fd: %w", err)
	}
	return NewUnixFd(dup), nil
}

func demarshalVector(d *wire.Decoder, elem byte, fds []int) (Value, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	if err := d.Align(basicAlign(elem)); err != nil {
		return nil, err
	}
	end := d.Pos() + int(n)

	switch elem {
	case 'b':
		out := BoolVector{}
		for d.Pos() < end {
			v, err := d.Bool()
			if err != nil {
				return nil, err
			}
			out = append(out, Bool(v))
		}
		return out, nil
	case 'y':
		out := ByteVector{}
		for d.Pos() < end {
			v, err := d.Byte()
			if err != nil {
				return nil, err
			}
			out = append(out, Byte(v))
		}
		return out, nil
	case 'n':
		out := Int16Vector{}
		for d.Pos() < end {
			v, err := d.I16()
			if err != nil {
				return nil, err
			}
			out = append(out, Int16(v))
		}
		return out, nil
	case 'q':
		out := Uint16Vector{}
		for d.Pos() < end {
			v, err := d.U16()
			if err != nil {
				return nil, err
			}
			out = append(out, Uint16(v))
		}
		return out, nil
	case 'i':
		out := Int32Vector{}
		for d.Pos() < end {
			v, err := d.I32()
			if err != nil {
				return nil, err
			}
			out = append(out, Int32(v))
		}
		return out, nil
	case 'u':
		out := Uint32Vector{}
		for d.Pos() < end {
			v, err := d.U32()
			if err != nil {
				return nil, err
			}
			out = append(out, Uint32(v))
		}
		return out, nil
	case 'x':
		out := Int64Vector{}
		for d.Pos() < end {
			v, err := d.I64()
			if err != nil {
				return nil, err
			}
			out = append(out, Int64(v))
		}
		return out, nil
	case 't':
		out := Uint64Vector{}
		for d.Pos() < end {
			v, err := d.U64()
			if err != nil {
				return nil, err
			}
			out = append(out, Uint64(v))
		}
		return out, nil
	case 's':
		out := StringVector{}
		for d.Pos() < end {
			v, err := d.String()
			if err != nil {
				return nil, err
			}
			out = append(out, String(v))
		}
		return out, nil
	case 'o':
		out := ObjectPathVector{}
		for d.Pos() < end {
			v, err := d.String()
			if err != nil {
				return nil, err
			}
			out = append(out, ObjectPath(v))
		}
		return out, nil
	case 'h':
		out := FdVector{}
		for d.Pos() < end {
			v, err := demarshalFd(d, fds)
			if err != nil {
				for _, fd := range out {
					_ = fd.Close()
				}
				return nil, err
			}
			out = append(out, v.(*UnixFd))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported array element type %q", string(elem))
}

func demarshalDict(d *wire.Decoder, fds []int) (Value, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	if err := d.Align(8); err != nil {
		return nil, err
	}
	end := d.Pos() + int(n)

	out := Dict{}
	fail := func(err error) (Value, error) {
		for _, v := range out {
			if fd, ok := v.(*UnixFd); ok {
				_ = fd.Close()
			}
		}
		return nil, err
	}
	for d.Pos() < end {
		if err := d.Align(8); err != nil {
			return fail(err)
		}
		key, err := d.String()
		if err != nil {
			return fail(err)
		}
		sig, err := d.Signature()
		if err != nil {
			return fail(err)
		}
		if len(sig) != 1 || !isBasicSig(sig[0]) {
			return fail(fmt.Errorf("dictionary value has non-scalar signature %q", sig))
		}
		v, err := demarshalBasic(d, sig[0], fds)
		if err != nil {
			return fail(err)
		}
		dv, ok := v.(DictValue)
		if !ok {
			return fail(fmt.Errorf("dictionary value signature %q not allowed", sig))
		}
		out[key] = dv
	}
	return out, nil
}

package ipcbus

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/wire"
)

// marshalArgs encodes an argument list into a message body. File-descriptor
// values are duplicated into the returned fd slice, which the message owns
// from then on; the caller's values are untouched. On any failure the
// partial body is discarded and every duplicated descriptor is closed, so
// no partially built message can ever be sent.
func marshalArgs(args VariantList) (sig string, body []byte, fds []int, err error) {
	var sb strings.Builder
	e := wire.NewEncoder(0)
	fds = make([]int, 0, 4)

	defer func() {
		if err != nil {
			for _, fd := range fds {
				_ = unix.Close(fd)
			}
			fds = nil
			body = nil
			sig = ""
		}
	}()

	for i, arg := range args {
		if arg == nil {
			err = newError("marshalArgs", ErrCodeMarshal, fmt.Sprintf("argument %d is nil", i))
			return
		}
		sb.WriteString(arg.Signature())
		if err = marshalValue(e, arg, &fds); err != nil {
			return
		}
	}
	return sb.String(), e.Bytes(), fds, nil
}

func marshalValue(e *wire.Encoder, v Value, fds *[]int) error {
	switch val := v.(type) {
	case Bool:
		e.PutBool(bool(val))
	case Byte:
		e.PutByte(byte(val))
	case Int16:
		e.PutI16(int16(val))
	case Uint16:
		e.PutU16(uint16(val))
	case Int32:
		e.PutI32(int32(val))
	case Uint32:
		e.PutU32(uint32(val))
	case Int64:
		e.PutI64(int64(val))
	case Uint64:
		e.PutU64(uint64(val))
	case String:
		e.PutString(string(val))
	case ObjectPath:
		if !validObjectPath(string(val)) {
			return newError("marshalArgs", ErrCodeMarshal,
				fmt.Sprintf("invalid object path %q", string(val)))
		}
		e.PutString(string(val))
	case *UnixFd:
		return marshalFd(e, val, fds)
	case BoolVector:
		return e.PutArray(4, func(sub *wire.Encoder) error {
			for _, b := range val {
				sub.PutBool(bool(b))
			}
			return nil
		})
	case ByteVector:
		return e.PutArray(1, func(sub *wire.Encoder) error {
			for _, b := range val {
				sub.PutByte(byte(b))
			}
			return nil
		})
	case Int16Vector:
		return e.PutArray(2, func(sub *wire.Encoder) error {
			for _, n := range val {
				sub.PutI16(int16(n))
			}
			return nil
		})
	case Uint16Vector:
		return e.PutArray(2, func(sub *wire.Encoder) error {
			for _, n := range val {
				sub.PutU16(uint16(n))
			}
			return nil
		})
	case Int32Vector:
		return e.PutArray(4, func(sub *wire.Encoder) error {
			for _, n := range val {
				sub.PutI32(int32(n))
			}
			return nil
		})
	case Uint32Vector:
		return e.PutArray(4, func(sub *wire.Encoder) error {
			for _, n := range val {
				sub.PutU32(uint32(n))
			}
			return nil
		})
	case Int64Vector:
		return e.PutArray(8, func(sub *wire.Encoder) error {
			for _, n := range val {
				sub.PutI64(int64(n))
			}
			return nil
		})
	case Uint64Vector:
		return e.PutArray(8, func(sub *wire.Encoder) error {
			for _, n := range val {
				sub.PutU64(uint64(n))
			}
			return nil
		})
	case StringVector:
		return e.PutArray(4, func(sub *wire.Encoder) error {
			for _, s := range val {
				sub.PutString(string(s))
			}
			return nil
		})
	case ObjectPathVector:
		return e.PutArray(4, func(sub *wire.Encoder) error {
			for _, p := range val {
				if !validObjectPath(string(p)) {
					return newError("marshalArgs", ErrCodeMarshal,
						fmt.Sprintf("invalid object path %q", string(p)))
				}
				sub.PutString(string(p))
			}
			return nil
		})
	case FdVector:
		return e.PutArray(4, func(sub *wire.Encoder) error {
			for _, fd := range val {
				if err := marshalFd(sub, fd, fds); err != nil {
					return err
				}
			}
			return nil
		})
	case Dict:
		return marshalDict(e, val, fds)
	default:
		return newError("marshalArgs", ErrCodeMarshal,
			fmt.Sprintf("unsupported value type %T", v))
	}
	return nil
}

func marshalFd(e *wire.Encoder, fd *UnixFd, fds *[]int) error {
	if fd == nil || !fd.Valid() {
		return newError("marshalArgs", ErrCodeMarshal, "attempting to append invalid file descriptor")
	}
	dup, err := unix.FcntlInt(uintptr(fd.Fd()), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return sysError("marshalArgs", "failed to dup file descriptor", err)
	}
	e.PutU32(uint32(len(*fds)))
	*fds = append(*fds, dup)
	return nil
}

func marshalDict(e *wire.Encoder, d Dict, fds *[]int) error {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return e.PutArray(8, func(sub *wire.Encoder) error {
		for _, k := range keys {
			v := d[k]
			if v == nil {
				return newError("marshalArgs", ErrCodeMarshal,
					fmt.Sprintf("dictionary value for key %q is nil", k))
			}
			sub.Align(8)
			sub.PutString(k)
			if err := sub.PutSignature(v.Signature()); err != nil {
				return wrapError("marshalArgs", ErrCodeMarshal, "bad variant signature", err)
			}
			if err := marshalValue(sub, v, fds); err != nil {
				return err
			}
		}
		return nil
	})
}

func validObjectPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	if p[len(p)-1] == '/' {
		return false
	}
	for i := 1; i < len(p); i++ {
		c := p[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		case c == '/':
			if p[i-1] == '/' {
				return false
			}
		default:
			return false
		}
	}
	return true
}

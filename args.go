package ipcbus

import "fmt"

// Arg extracts the argument at index with the expected concrete type. It
// fails with a TypeMismatch error when the runtime tag differs, and with
// InvalidArgument when the index is out of range.
func Arg[T Value](args VariantList, index int) (T, error) {
	var zero T
	if index < 0 || index >= len(args) {
		return zero, newError("Arg", ErrCodeInvalidArgument,
			fmt.Sprintf("argument index %d out of range (%d args)", index, len(args)))
	}
	v, ok := args[index].(T)
	if !ok {
		return zero, newError("Arg", ErrCodeTypeMismatch,
			fmt.Sprintf("argument %d has signature %q, not the requested type", index, args[index].Signature()))
	}
	return v, nil
}

// ParseArgs unpacks an argument list into the supplied pointers, one per
// argument. Pointers may be to the Value types themselves or to the
// underlying native types (e.g. *string for a String argument). The list
// must contain at least len(outs) arguments.
func ParseArgs(args VariantList, outs ...any) error {
	if len(outs) > len(args) {
		return newError("ParseArgs", ErrCodeInvalidArgument,
			fmt.Sprintf("expected %d arguments, got %d", len(outs), len(args)))
	}
	for i, out := range outs {
		if err := parseArg(args[i], i, out); err != nil {
			return err
		}
	}
	return nil
}

func parseArg(arg Value, index int, out any) error {
	ok := true
	switch p := out.(type) {
	case *Value:
		*p = arg
	case *Bool:
		var v Bool
		if v, ok = arg.(Bool); ok {
			*p = v
		}
	case *bool:
		var v Bool
		if v, ok = arg.(Bool); ok {
			*p = bool(v)
		}
	case *Byte:
		var v Byte
		if v, ok = arg.(Byte); ok {
			*p = v
		}
	case *uint8:
		var v Byte
		if v, ok = arg.(Byte); ok {
			*p = uint8(v)
		}
	case *Int16:
		var v Int16
		if v, ok = arg.(Int16); ok {
			*p = v
		}
	case *int16:
		var v Int16
		if v, ok = arg.(Int16); ok {
			*p = int16(v)
		}
	case *Uint16:
		var v Uint16
		if v, ok = arg.(Uint16); ok {
			*p = v
		}
	case *uint16:
		var v Uint16
		if v, ok = arg.(Uint16); ok {
			*p = uint16(v)
		}
	case *Int32:
		var v Int32
		if v, ok = arg.(Int32); ok {
			*p = v
		}
	case *int32:
		var v Int32
		if v, ok = arg.(Int32); ok {
			*p = int32(v)
		}
	case *Uint32:
		var v Uint32
		if v, ok = arg.(Uint32); ok {
			*p = v
		}
	case *uint32:
		var v Uint32
		if v, ok = arg.(Uint32); ok {
			*p = uint32(v)
		}
	case *Int64:
		var v Int64
		if v, ok = arg.(Int64); ok {
			*p = v
		}
	case *int64:
		var v Int64
		if v, ok = arg.(Int64); ok {
			*p = int64(v)
		}
	case *Uint64:
		var v Uint64
		if v, ok = arg.(Uint64); ok {
			*p = v
		}
	case *uint64:
		var v Uint64
		if v, ok = arg.(Uint64); ok {
			*p = uint64(v)
		}
	case *String:
		var v String
		if v, ok = arg.(String); ok {
			*p = v
		}
	case *string:
		var v String
		if v, ok = arg.(String); ok {
			*p = string(v)
		}
	case *ObjectPath:
		var v ObjectPath
		if v, ok = arg.(ObjectPath); ok {
			*p = v
		}
	case **UnixFd:
		var v *UnixFd
		if v, ok = arg.(*UnixFd); ok {
			*p = v
		}
	case *ByteVector:
		var v ByteVector
		if v, ok = arg.(ByteVector); ok {
			*p = v
		}
	case *StringVector:
		var v StringVector
		if v, ok = arg.(StringVector); ok {
			*p = v
		}
	case *Dict:
		var v Dict
		if v, ok = arg.(Dict); ok {
			*p = v
		}
	default:
		return newError("ParseArgs", ErrCodeInvalidArgument,
			fmt.Sprintf("unsupported output pointer type %T for argument %d", out, index))
	}
	if !ok {
		return newError("ParseArgs", ErrCodeTypeMismatch,
			fmt.Sprintf("argument %d has signature %q, not the requested type", index, arg.Signature()))
	}
	return nil
}

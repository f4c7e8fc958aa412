package ipcbus

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/wire"
)

// roundTrip marshals args into a message body and demarshals it back.
func roundTrip(t *testing.T, args VariantList) VariantList {
	t.Helper()
	sig, body, fds, err := marshalArgs(args)
	require.NoError(t, err)

	msg := &wire.Message{Signature: sig, Body: body, Fds: fds, Order: binary.LittleEndian}
	out, err := demarshalArgs(msg)
	require.NoError(t, err)
	msg.CloseFds()
	return out
}

func TestMarshalRoundTripScalars(t *testing.T) {
	args := VariantList{
		Bool(true),
		Bool(false),
		Byte(0xab),
		Int16(-12345),
		Uint16(54321),
		Int32(-7),
		Uint32(7),
		Int64(-1 << 40),
		Uint64(1 << 60),
		String("hello"),
		String(""),
		ObjectPath("/a/b/c"),
	}
	assert.Equal(t, args, roundTrip(t, args))
}

func TestMarshalRoundTripVectors(t *testing.T) {
	args := VariantList{
		BoolVector{true, false, true},
		ByteVector{1, 2, 3},
		Int16Vector{-1, 2},
		Uint16Vector{1, 2},
		Int32Vector{-5},
		Uint32Vector{5, 6, 7},
		Int64Vector{-9},
		Uint64Vector{9, 10},
		StringVector{"a", "", "bc"},
		ObjectPathVector{"/x", "/y/z"},
	}
	assert.Equal(t, args, roundTrip(t, args))
}

func TestMarshalRoundTripEmptyVectors(t *testing.T) {
	// Empty vectors must preserve their element signature through the
	// round trip.
	args := VariantList{
		BoolVector{},
		ByteVector{},
		Int16Vector{},
		Uint16Vector{},
		Int32Vector{},
		Uint32Vector{},
		Int64Vector{},
		Uint64Vector{},
		StringVector{},
		ObjectPathVector{},
	}
	out := roundTrip(t, args)
	assert.Equal(t, args, out)
}

func TestMarshalRoundTripDict(t *testing.T) {
	args := VariantList{
		Dict{
			"bool":   Bool(true),
			"byte":   Byte(9),
			"i16":    Int16(-2),
			"u16":    Uint16(2),
			"i32":    Int32(-3),
			"u32":    Uint32(3),
			"i64":    Int64(-4),
			"u64":    Uint64(4),
			"string": String("value"),
			"path":   ObjectPath("/obj"),
		},
		Dict{},
	}
	assert.Equal(t, args, roundTrip(t, args))
}

func TestMarshalRoundTripMixed(t *testing.T) {
	args := VariantList{
		Uint32(7),
		String("hi"),
		ByteVector{0xde, 0xad},
		Dict{"k": String("v")},
		Int64(-1),
	}
	assert.Equal(t, args, roundTrip(t, args))
}

func TestMarshalFdRoundTrip(t *testing.T) {
	// Write through a pipe so the fd identity is observable end to end.
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[1])

	fd := NewUnixFd(p[0]) // takes ownership of the read end
	defer fd.Close()
	args := VariantList{fd, String("tag")}

	sig, body, fds, err := marshalArgs(args)
	require.NoError(t, err)
	assert.Equal(t, "hs", sig)
	require.Len(t, fds, 1)
	assert.NotEqual(t, fd.Fd(), fds[0], "message owns a duplicate, not the original")

	msg := &wire.Message{Signature: sig, Body: body, Fds: fds, Order: binary.LittleEndian}
	out, err := demarshalArgs(msg)
	require.NoError(t, err)
	msg.CloseFds()

	got, err := Arg[*UnixFd](out, 0)
	require.NoError(t, err)
	require.True(t, got.Valid())

	// Data written into the pipe must be readable through the travelled
	// descriptor.
	_, err = unix.Write(p[1], []byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := unix.Read(got.Fd(), buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, got.Close())
	assert.NoError(t, got.Close(), "double close is a no-op")
}

func TestMarshalInvalidObjectPath(t *testing.T) {
	_, _, _, err := marshalArgs(VariantList{ObjectPath("not-a-path")})
	assert.ErrorIs(t, err, ErrMarshal)

	_, _, _, err = marshalArgs(VariantList{ObjectPath("/trailing/")})
	assert.ErrorIs(t, err, ErrMarshal)
}

func TestMarshalClosedFdFails(t *testing.T) {
	fd := NewUnixFd(-1)
	_, _, _, err := marshalArgs(VariantList{fd})
	assert.ErrorIs(t, err, ErrMarshal)
}

func TestMarshalNilArgFails(t *testing.T) {
	_, _, _, err := marshalArgs(VariantList{nil})
	assert.ErrorIs(t, err, ErrMarshal)
}

func TestMarshalFailureClosesDups(t *testing.T) {
	// A marshalling failure after an fd was duplicated must close the
	// duplicate: no partial message state survives.
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[1])

	fd := NewUnixFd(p[0])
	defer fd.Close()

	_, _, fds, err := marshalArgs(VariantList{fd, ObjectPath("bad path")})
	assert.ErrorIs(t, err, ErrMarshal)
	assert.Nil(t, fds)
}

func TestDemarshalRejectsUnknownSignature(t *testing.T) {
	msg := &wire.Message{Signature: "d", Body: make([]byte, 8), Order: binary.LittleEndian}
	_, err := demarshalArgs(msg)
	assert.ErrorIs(t, err, ErrDemarshal)
}

func TestDemarshalEmptySignature(t *testing.T) {
	msg := &wire.Message{Order: binary.LittleEndian}
	args, err := demarshalArgs(msg)
	require.NoError(t, err)
	assert.Empty(t, args)
}

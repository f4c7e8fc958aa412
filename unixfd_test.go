package ipcbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newEventFd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)
	return fd
}

func TestUnixFdOwnership(t *testing.T) {
	fd := NewUnixFd(newEventFd(t))
	assert.True(t, fd.Valid())

	require.NoError(t, fd.Close())
	assert.False(t, fd.Valid())
	assert.Equal(t, -1, fd.Fd())

	// Second close is a no-op, not a double close.
	assert.NoError(t, fd.Close())
}

func TestUnixFdClone(t *testing.T) {
	fd := NewUnixFd(newEventFd(t))
	defer fd.Close()

	dup, err := fd.Clone()
	require.NoError(t, err)
	defer dup.Close()

	assert.NotEqual(t, fd.Fd(), dup.Fd())

	// The clone stays usable after the original closes.
	require.NoError(t, fd.Close())
	_, err = unix.Write(dup.Fd(), []byte{1, 0, 0, 0, 0, 0, 0, 0})
	assert.NoError(t, err)
}

func TestUnixFdCloneClosed(t *testing.T) {
	fd := NewUnixFd(newEventFd(t))
	require.NoError(t, fd.Close())
	_, err := fd.Clone()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewUnixFdDup(t *testing.T) {
	raw := newEventFd(t)
	defer unix.Close(raw)

	fd, err := NewUnixFdDup(raw)
	require.NoError(t, err)
	defer fd.Close()
	assert.NotEqual(t, raw, fd.Fd())

	_, err = NewUnixFdDup(-1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCloseArgs(t *testing.T) {
	a := NewUnixFd(newEventFd(t))
	b := NewUnixFd(newEventFd(t))
	c := NewUnixFd(newEventFd(t))

	args := VariantList{
		a,
		FdVector{b},
		Dict{"fd": c},
		String("untouched"),
	}
	CloseArgs(args)

	assert.False(t, a.Valid())
	assert.False(t, b.Valid())
	assert.False(t, c.Valid())
}

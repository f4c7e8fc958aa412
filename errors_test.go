package ipcbus

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := &Error{Op: "Connect", Code: ErrCodeBus, Errno: syscall.ECONNREFUSED, Msg: "failed to connect"}
	s := err.Error()
	assert.Contains(t, s, "ipcbus:")
	assert.Contains(t, s, "failed to connect")
	assert.Contains(t, s, "op=Connect")
	assert.Contains(t, s, fmt.Sprintf("errno=%d", int(syscall.ECONNREFUSED)))
}

func TestErrorDefaultMessage(t *testing.T) {
	err := &Error{Code: ErrCodeTimeout}
	assert.Equal(t, "ipcbus: timeout", err.Error())
}

func TestErrorIsMatchesByCategory(t *testing.T) {
	err := newError("GetReply", ErrCodeTimeout, "gave up")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrNotConnected)
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("socket broke")
	err := wrapError("Flush", ErrCodeBus, "flush failed", inner)
	assert.ErrorIs(t, err, inner)
}

func TestSysErrorExtractsErrno(t *testing.T) {
	err := sysError("Add", "epoll add failed", syscall.ENOSPC)
	assert.Equal(t, syscall.ENOSPC, err.Errno)
	assert.ErrorIs(t, err, ErrBus)
}

func TestBusErrorClassifiesTimeouts(t *testing.T) {
	err := busError("GetReply", "org.freedesktop.DBus.Error.NoReply", "timed out")
	assert.ErrorIs(t, err, ErrTimeout)

	err = busError("GetReply", "org.freedesktop.DBus.Error.UnknownMethod", "nope")
	assert.ErrorIs(t, err, ErrBus)
	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownMethod", err.DbusErr)
}

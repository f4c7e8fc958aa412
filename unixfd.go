package ipcbus

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// UnixFd is a file-descriptor argument value. Every UnixFd owns its
// descriptor: Clone duplicates the descriptor (close-on-exec), Close
// releases it exactly once, and the marshalling layer never shares a
// descriptor between two values.
type UnixFd struct {
	fd atomic.Int64
}

// NewUnixFd wraps fd, taking ownership of it. Passing a negative fd yields
// an already-closed value.
func NewUnixFd(fd int) *UnixFd {
	u := &UnixFd{}
	if fd < 0 {
		fd = -1
	}
	u.fd.Store(int64(fd))
	return u
}

// NewUnixFdDup duplicates fd (close-on-exec) and wraps the duplicate; the
// caller keeps ownership of the original.
func NewUnixFdDup(fd int) (*UnixFd, error) {
	if fd < 0 {
		return nil, newError("NewUnixFdDup", ErrCodeInvalidArgument, "invalid file descriptor")
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return nil, sysError("NewUnixFdDup", "failed to dup file descriptor", err)
	}
	return NewUnixFd(dup), nil
}

func (u *UnixFd) Signature() string { return "h" }
func (u *UnixFd) dictValue()        {}

// Fd returns the owned descriptor, or -1 if the value has been closed.
// The descriptor remains owned by the UnixFd.
func (u *UnixFd) Fd() int {
	return int(u.fd.Load())
}

// Valid reports whether the value still owns a descriptor.
func (u *UnixFd) Valid() bool {
	return u.fd.Load() >= 0
}

// Clone returns a new UnixFd owning a close-on-exec duplicate of the
// descriptor.
func (u *UnixFd) Clone() (*UnixFd, error) {
	fd := u.fd.Load()
	if fd < 0 {
		return nil, newError("UnixFd.Clone", ErrCodeInvalidArgument, "file descriptor already closed")
	}
	return NewUnixFdDup(int(fd))
}

// Close releases the descriptor. Safe to call more than once; only the
// first call closes.
func (u *UnixFd) Close() error {
	fd := u.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	if err := unix.Close(int(fd)); err != nil {
		return sysError("UnixFd.Close", "failed to close file descriptor", err)
	}
	return nil
}

// CloseArgs closes every file descriptor value (including those inside
// vectors) in the list. Used by handlers that received fd arguments they
// do not keep.
func CloseArgs(args VariantList) {
	for _, arg := range args {
		switch v := arg.(type) {
		case *UnixFd:
			_ = v.Close()
		case FdVector:
			for _, fd := range v {
				_ = fd.Close()
			}
		case Dict:
			for _, dv := range v {
				if fd, ok := dv.(*UnixFd); ok {
					_ = fd.Close()
				}
			}
		}
	}
}

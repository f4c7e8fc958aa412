// Package sectoken implements the security-agent client: short
// length-prefixed request/reply frames over a unix stream socket, used to
// exchange a bearer URL for an opaque token.
package sectoken

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/constants"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
)

// Agent talks to the security agent over its unix socket. A frame is
// [var-len length][var-len id][payload]; var-len fields are little-endian,
// seven bits per byte, MSB set on continuation. The id travels shifted
// left by one; a reply's id is the request's with the low bit set.
type Agent struct {
	log        *logging.Logger
	socketPath string
	timeout    time.Duration

	mu sync.Mutex
	fd int
}

// New creates a closed agent client. A zero timeout selects the default
// reply timeout.
func New(socketPath string, timeout time.Duration, log *logging.Logger) *Agent {
	if log == nil {
		log = logging.Default()
	}
	if timeout <= 0 {
		timeout = constants.TokenReplyTimeout
	}
	return &Agent{
		log:        log,
		socketPath: socketPath,
		timeout:    timeout,
		fd:         -1,
	}
}

// IsOpen reports whether the socket is connected.
func (a *Agent) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fd >= 0
}

// Open connects to the agent socket.
func (a *Agent) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openNoLock()
}

func (a *Agent) openNoLock() error {
	if a.fd >= 0 {
		a.log.Warnf("socket is already opened")
		return nil
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("sectoken: failed to create socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: a.socketPath}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("sectoken: failed to connect to %q: %w", a.socketPath, err)
	}
	a.fd = fd
	a.log.Infof("opened connection to security agent @ %q", a.socketPath)
	return nil
}

// Close disconnects from the agent.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeNoLock()
}

func (a *Agent) closeNoLock() {
	if a.fd >= 0 {
		if err := unix.Close(a.fd); err != nil {
			a.log.Errorf("failed to close socket: %v", err)
		}
		a.fd = -1
	}
}

// RequestToken exchanges the bearer URL for an opaque token. On any
// framing mismatch the socket is closed and reopened so the next request
// starts from a clean stream.
func (a *Agent) RequestToken(bearerURL string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fd < 0 {
		return "", fmt.Errorf("sectoken: not connected to the security agent")
	}

	if err := a.send(constants.TokenRequestID, bearerURL); err == nil {
		replyID, payload, err := a.recv()
		if err == nil {
			if replyID == constants.TokenRequestID || len(payload) >= constants.TokenMinLength {
				return payload, nil
			}
			a.log.Errorf("invalid reply received from security agent (id:%d length:%d)",
				replyID, len(payload))
		} else {
			a.log.Errorf("failed to read token reply: %v", err)
		}
	} else {
		a.log.Errorf("failed to send token request: %v", err)
	}

	a.closeNoLock()
	if err := a.openNoLock(); err != nil {
		a.log.Errorf("failed to reopen security agent socket: %v", err)
	}
	return "", fmt.Errorf("sectoken: token request failed")
}

func (a *Agent) send(id uint32, data string) error {
	message := constructMessage(id, data)
	for len(message) > 0 {
		n, err := unix.Write(a.fd, message)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		message = message[n:]
	}
	return nil
}

func (a *Agent) recv() (uint32, string, error) {
	pollFds := []unix.PollFd{{Fd: int32(a.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pollFds, int(a.timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, "", err
		}
		if n == 0 {
			return 0, "", fmt.Errorf("timed out waiting for reply")
		}
		break
	}

	buf := make([]byte, 2048)
	n, err := unix.Read(a.fd, buf)
	if err != nil {
		return 0, "", err
	}
	if n == 0 {
		return 0, "", fmt.Errorf("socket closed unexpectedly")
	}
	return deconstructMessage(buf[:n])
}

// constructMessage builds a frame. The length field counts the encoded id
// plus the payload.
func constructMessage(id uint32, data string) []byte {
	idBytes := putVarint(id << 1)
	message := putVarint(uint32(len(data) + len(idBytes)))
	message = append(message, idBytes...)
	message = append(message, data...)
	return message
}

// deconstructMessage validates a frame and returns the unshifted reply id
// and the payload.
func deconstructMessage(buf []byte) (uint32, string, error) {
	length, index, err := getVarint(buf, 0)
	if err != nil {
		return 0, "", fmt.Errorf("invalid or truncated frame - length field")
	}
	if length == 0 || int(length)+index != len(buf) {
		return 0, "", fmt.Errorf("invalid or truncated frame - length mismatch")
	}
	ident, index, err := getVarint(buf, index)
	if err != nil {
		return 0, "", fmt.Errorf("invalid or truncated frame - id field")
	}
	return ident >> 1, string(buf[index:]), nil
}

func putVarint(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func getVarint(buf []byte, index int) (uint32, int, error) {
	var value uint32
	for n := 0; ; n++ {
		if index >= len(buf) {
			return 0, index, fmt.Errorf("truncated varint")
		}
		b := buf[index]
		index++
		value |= uint32(b&0x7f) << (7 * n)
		if b&0x80 == 0 {
			return value, index, nil
		}
	}
}

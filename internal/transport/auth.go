package transport

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/logging"
)

// authenticate performs the SASL EXTERNAL handshake on a freshly connected
// socket and negotiates unix-fd passing. Returns whether the server agreed
// to pass descriptors.
func authenticate(fd int, log *logging.Logger) (canPassFds bool, err error) {
	lr := &lineReader{fd: fd}

	// The credentials byte that precedes the SASL exchange.
	if err := writeAll(fd, []byte{0}); err != nil {
		return false, fmt.Errorf("failed to send nul byte: %w", err)
	}

	uid := strconv.Itoa(os.Getuid())
	cmd := "AUTH EXTERNAL " + hex.EncodeToString([]byte(uid)) + "\r\n"
	if err := writeAll(fd, []byte(cmd)); err != nil {
		return false, fmt.Errorf("failed to send AUTH: %w", err)
	}

	line, err := lr.readLine()
	if err != nil {
		return false, fmt.Errorf("failed to read AUTH response: %w", err)
	}
	if !strings.HasPrefix(line, "OK ") {
		return false, fmt.Errorf("authentication rejected: %q", line)
	}

	if err := writeAll(fd, []byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
		return false, fmt.Errorf("failed to send NEGOTIATE_UNIX_FD: %w", err)
	}
	line, err = lr.readLine()
	if err != nil {
		return false, fmt.Errorf("failed to read NEGOTIATE_UNIX_FD response: %w", err)
	}
	canPassFds = line == "AGREE_UNIX_FD"
	if !canPassFds {
		log.Warnf("bus refused unix fd passing (%q), fd arguments will fail", line)
	}

	if err := writeAll(fd, []byte("BEGIN\r\n")); err != nil {
		return false, fmt.Errorf("failed to send BEGIN: %w", err)
	}
	return canPassFds, nil
}

// lineReader reads CR-LF terminated SASL lines. The server only speaks in
// response to our commands, so buffered bytes never spill past BEGIN.
type lineReader struct {
	fd  int
	buf []byte
}

func (lr *lineReader) readLine() (string, error) {
	for {
		if i := strings.Index(string(lr.buf), "\r\n"); i >= 0 {
			line := string(lr.buf[:i])
			lr.buf = lr.buf[i+2:]
			return line, nil
		}
		var chunk [256]byte
		n, err := unix.Read(lr.fd, chunk[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("connection closed during auth")
		}
		lr.buf = append(lr.buf, chunk[:n]...)
	}
}

func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

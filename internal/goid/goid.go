// Package goid exposes the current goroutine's id, used only to enforce
// the single-thread invariant of the watch and timeout multiplexers.
package goid

import (
	"runtime"
	"strconv"
	"strings"
)

// ID returns the numeric id of the calling goroutine. It parses the
// "goroutine N [...]" prefix of a stack dump; this is slow, so callers
// should restrict it to debug assertions and setup paths.
func ID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseUint(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}

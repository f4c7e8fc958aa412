// Package watches multiplexes the descriptors the bus endpoint asks to
// have monitored into a single epoll set the event loop can poll on.
package watches

import (
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/busio"
	"github.com/ehrlich-b/go-ipcbus/internal/constants"
	"github.com/ehrlich-b/go-ipcbus/internal/goid"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
)

type watchEntry struct {
	fd    int // dup'd descriptor, -1 when the slot is free
	tag   uint64
	watch busio.Watch
}

// Mux owns the epoll set. It is strictly single-threaded: every method
// must run on the goroutine that created it (the event loop); violations
// are a programming error and are logged as such.
type Mux struct {
	log        *logging.Logger
	epollFd    int
	tagCounter uint64
	watches    [constants.MaxWatches]watchEntry
	tags       map[busio.Watch]uint64
	events     [constants.MaxWatches]unix.EpollEvent
	ownerGoid  uint64
}

// NewMux creates the epoll set. Must be called on the event-loop
// goroutine.
func NewMux(log *logging.Logger) (*Mux, error) {
	if log == nil {
		log = logging.Default()
	}
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	m := &Mux{
		log:       log,
		epollFd:   epollFd,
		tags:      make(map[busio.Watch]uint64),
		ownerGoid: goid.ID(),
	}
	for n := range m.watches {
		m.watches[n].fd = -1
	}
	return m, nil
}

// Fd returns the epoll descriptor for the event loop to poll.
func (m *Mux) Fd() int {
	return m.epollFd
}

// Close releases the epoll set and every dup'd descriptor.
func (m *Mux) Close() {
	m.checkThread("Close")

	if m.epollFd >= 0 {
		if err := unix.Close(m.epollFd); err != nil {
			m.log.Errorf("failed to close epoll fd: %v", err)
		}
		m.epollFd = -1
	}
	for n := range m.watches {
		if m.watches[n].fd >= 0 {
			if err := unix.Close(m.watches[n].fd); err != nil {
				m.log.Errorf("failed to close dup'd fd: %v", err)
			}
			m.watches[n].fd = -1
			m.watches[n].watch = nil
			m.watches[n].tag = 0
		}
	}
	m.tags = make(map[busio.Watch]uint64)
}

// Add duplicates the watch's descriptor, allocates a slot and registers
// the requested interest with the epoll set. Fails without mutating state
// when the slot array is full.
func (m *Mux) Add(w busio.Watch) error {
	m.checkThread("Add")

	fd := w.Fd()
	if fd < 0 {
		return unix.EBADF
	}

	// The endpoint may hand us the same descriptor under two watches and
	// an epoll set cannot hold one fd twice, so register a duplicate.
	duppedFd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		m.log.Errorf("failed to dup the file descriptor: %v", err)
		return err
	}

	tag := m.createWatch(w, duppedFd)
	if tag == 0 {
		_ = unix.Close(duppedFd)
		m.log.Errorf("failed to create the watch, no free slots")
		return unix.ENOSPC
	}

	epollFlags := m.epollFlags(w)
	if epollFlags != 0 {
		event := unix.EpollEvent{Events: epollFlags}
		setTag(&event, tag)
		if err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_ADD, duppedFd, &event); err != nil {
			m.deleteWatch(tag)
			m.log.Errorf("failed to add watch to epoll: %v", err)
			return err
		}
	}
	return nil
}

// Remove releases the watch's slot, closes the dup'd descriptor and drops
// it from the epoll set (tolerating "not present").
func (m *Mux) Remove(w busio.Watch) {
	m.checkThread("Remove")

	tag, ok := m.tags[w]
	if !ok {
		m.log.Errorf("trying to remove a watch that was never added")
		return
	}
	idx := tag % constants.MaxWatches
	if m.watches[idx].fd >= 0 {
		if err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_DEL, m.watches[idx].fd, nil); err != nil && err != unix.ENOENT {
			m.log.Errorf("failed to delete watch from epoll: %v", err)
		}
	}
	m.deleteWatch(tag)
}

// Toggle recomputes the interest mask. An empty mask removes the
// descriptor from the set (tolerating "not present"); a non-empty mask
// modifies it, falling back to add when it was absent.
func (m *Mux) Toggle(w busio.Watch) {
	m.checkThread("Toggle")

	tag, ok := m.tags[w]
	if !ok {
		m.log.Errorf("trying to toggle a watch that was never added")
		return
	}
	idx := tag % constants.MaxWatches
	fd := m.watches[idx].fd
	if fd < 0 {
		m.log.Errorf("watch slot has no fd (tag=%d)", tag)
		return
	}

	epollFlags := m.epollFlags(w)
	if epollFlags == 0 {
		if err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
			m.log.Errorf("failed to delete watch from epoll: %v", err)
		}
		return
	}

	event := unix.EpollEvent{Events: epollFlags}
	setTag(&event, tag)
	err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_MOD, fd, &event)
	if err == unix.ENOENT {
		err = unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_ADD, fd, &event)
	}
	if err != nil {
		m.log.Errorf("failed to modify watch in epoll: %v", err)
	}
}

// ProcessEvents drains the epoll set and dispatches the handler of every
// ready, still-enabled watch.
func (m *Mux) ProcessEvents(pollFlags int16) {
	m.checkThread("ProcessEvents")

	if pollFlags&(unix.POLLERR|unix.POLLHUP) != 0 {
		m.log.Errorf("unexpected error / hang-up detected on epoll fd")
	}

	nEvents, err := unix.EpollWait(m.epollFd, m.events[:], 0)
	if err != nil && err != unix.EINTR {
		m.log.Errorf("epoll_wait failed: %v", err)
		return
	}

	for i := 0; i < nEvents; i++ {
		events := m.events[i].Events
		tag := getTag(&m.events[i])
		idx := tag % constants.MaxWatches

		if m.watches[idx].tag != tag {
			m.log.Errorf("invalid tag value (tag=%d)", tag)
			return
		}
		w := m.watches[idx].watch
		if w == nil {
			m.log.Errorf("trying to handle a watch that doesn't exist (tag=%d)", tag)
			return
		}

		if !w.Enabled() {
			continue
		}
		var flags busio.WatchFlags
		if events&unix.EPOLLIN != 0 {
			flags |= busio.WatchReadable
		}
		if events&unix.EPOLLOUT != 0 {
			flags |= busio.WatchWritable
		}
		if events&unix.EPOLLERR != 0 {
			flags |= busio.WatchError
		}
		if events&unix.EPOLLHUP != 0 {
			flags |= busio.WatchHangup
		}
		w.Handle(flags)
	}
}

// createWatch allocates a slot, returning its non-zero tag or 0 when the
// array is full. The tag's low bits index the slot array.
func (m *Mux) createWatch(w busio.Watch, duppedFd int) uint64 {
	for n := 0; n < constants.MaxWatches; n++ {
		m.tagCounter++
		idx := m.tagCounter % constants.MaxWatches
		if m.watches[idx].watch == nil {
			m.watches[idx].fd = duppedFd
			m.watches[idx].tag = m.tagCounter
			m.watches[idx].watch = w
			m.tags[w] = m.tagCounter
			return m.tagCounter
		}
	}
	return 0
}

func (m *Mux) deleteWatch(tag uint64) {
	idx := tag % constants.MaxWatches

	if m.watches[idx].fd >= 0 {
		if err := unix.Close(m.watches[idx].fd); err != nil {
			m.log.Errorf("failed to close dup'd file descriptor: %v", err)
		}
		m.watches[idx].fd = -1
	}
	if m.watches[idx].tag != tag {
		m.log.Errorf("invalid tag value (tag=%d)", tag)
		return
	}
	if m.watches[idx].watch == nil {
		m.log.Errorf("trying to delete a watch that doesn't exist (tag=%d)", tag)
		return
	}
	delete(m.tags, m.watches[idx].watch)
	m.watches[idx].tag = 0
	m.watches[idx].watch = nil
}

func (m *Mux) epollFlags(w busio.Watch) uint32 {
	var epollFlags uint32
	if w.Enabled() {
		flags := w.Flags()
		if flags&busio.WatchReadable != 0 {
			epollFlags |= unix.EPOLLIN
		}
		if flags&busio.WatchWritable != 0 {
			epollFlags |= unix.EPOLLOUT
		}
		if flags&busio.WatchHangup != 0 {
			epollFlags |= unix.EPOLLHUP
		}
	}
	return epollFlags
}

func (m *Mux) checkThread(op string) {
	if goid.ID() != m.ownerGoid {
		m.log.Errorf("watches.%s called from wrong goroutine", op)
	}
}

func setTag(ev *unix.EpollEvent, tag uint64) {
	ev.Fd = int32(tag)
	ev.Pad = int32(tag >> 32)
}

func getTag(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

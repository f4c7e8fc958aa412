// Package timeouts schedules the bus endpoint's deadlines on a single
// monotonic timerfd the event loop can poll on.
package timeouts

import (
	"math"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/busio"
	"github.com/ehrlich-b/go-ipcbus/internal/goid"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
)

type timeoutEntry struct {
	// expiry is an absolute CLOCK_MONOTONIC time in nanoseconds.
	// math.MaxInt64 marks a tombstoned entry awaiting the sweep.
	expiry  int64
	timeout busio.Timeout
}

// Mux owns the timerfd and the sorted deadline list. Strictly
// single-threaded, like the watch multiplexer.
type Mux struct {
	log        *logging.Logger
	timerFd    int
	entries    []*timeoutEntry
	inDispatch bool
	ownerGoid  uint64
}

// NewMux creates the timerfd. Must be called on the event-loop goroutine.
func NewMux(log *logging.Logger) (*Mux, error) {
	if log == nil {
		log = logging.Default()
	}
	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Mux{
		log:       log,
		timerFd:   timerFd,
		ownerGoid: goid.ID(),
	}, nil
}

// Fd returns the timer descriptor for the event loop to poll.
func (m *Mux) Fd() int {
	return m.timerFd
}

// Close releases the timer descriptor.
func (m *Mux) Close() {
	m.checkThread("Close")

	if m.timerFd >= 0 {
		if err := unix.Close(m.timerFd); err != nil {
			m.log.Errorf("failed to close timerfd: %v", err)
		}
		m.timerFd = -1
	}
	m.entries = nil
}

// Add schedules a timeout at now + interval. When called outside a
// dispatch pass the list is re-sorted and the timer re-armed if the head
// changed; inside a pass the sort is deferred to the sweep.
func (m *Mux) Add(t busio.Timeout) error {
	m.checkThread("Add")

	if !t.Enabled() {
		m.log.Errorf("trying to add disabled timeout")
		return unix.EINVAL
	}
	interval := t.Interval()
	if interval <= 0 {
		m.log.Errorf("trying to add timeout with invalid interval (%v)", interval)
		return unix.EINVAL
	}

	entry := &timeoutEntry{
		expiry:  monotonicNow() + interval.Nanoseconds(),
		timeout: t,
	}
	m.entries = append(m.entries, entry)

	if !m.inDispatch {
		m.sortEntries()
		if m.entries[0] == entry {
			m.updateTimerFd()
		}
	}
	return nil
}

// Remove drops a timeout. During dispatch the entry is only tombstoned so
// the iteration in ProcessEvent is not invalidated; the sweep erases it.
func (m *Mux) Remove(t busio.Timeout) {
	m.checkThread("Remove")

	for _, entry := range m.entries {
		if entry.timeout != t {
			continue
		}
		if m.inDispatch {
			entry.timeout = nil
			entry.expiry = math.MaxInt64
		} else {
			m.eraseEntry(entry)
			m.sortEntries()
			m.updateTimerFd()
		}
		return
	}
}

// Toggle recomputes the deadline of a now-enabled timeout, or drops a
// now-disabled one (tombstoning inside dispatch).
func (m *Mux) Toggle(t busio.Timeout) {
	m.checkThread("Toggle")

	if !t.Enabled() {
		m.Remove(t)
		return
	}
	for _, entry := range m.entries {
		if entry.timeout != t {
			continue
		}
		entry.expiry = monotonicNow() + t.Interval().Nanoseconds()
		if !m.inDispatch {
			m.sortEntries()
			m.updateTimerFd()
		}
		return
	}
}

// ProcessEvent reads the timer, fires every expired, still-enabled entry
// once in deadline order, then sweeps tombstoned and disabled entries,
// re-sorts and re-arms from the new head. Handlers may remove themselves,
// re-arm themselves or add new entries.
func (m *Mux) ProcessEvent(pollFlags int16) {
	m.checkThread("ProcessEvent")

	if pollFlags&(unix.POLLERR|unix.POLLHUP) != 0 {
		m.log.Errorf("unexpected error / hang-up detected on timerfd")
	}

	var buf [8]byte
	if _, err := unix.Read(m.timerFd, buf[:]); err != nil && err != unix.EAGAIN {
		m.log.Errorf("failed to read from timerfd: %v", err)
	}

	now := monotonicNow()

	m.inDispatch = true
	// Iterate a snapshot: handlers may append entries, and those must not
	// fire until their own deadline.
	snapshot := make([]*timeoutEntry, len(m.entries))
	copy(snapshot, m.entries)
	for _, entry := range snapshot {
		if entry.timeout == nil {
			continue
		}
		if entry.expiry > now {
			continue
		}
		if entry.timeout.Enabled() {
			entry.expiry = now + entry.timeout.Interval().Nanoseconds()
			entry.timeout.Handle()
		}
	}
	m.inDispatch = false

	kept := m.entries[:0]
	for _, entry := range m.entries {
		if entry.timeout != nil && entry.timeout.Enabled() {
			kept = append(kept, entry)
		}
	}
	m.entries = kept

	m.sortEntries()
	m.updateTimerFd()
}

func (m *Mux) eraseEntry(target *timeoutEntry) {
	for i, entry := range m.entries {
		if entry == target {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

func (m *Mux) sortEntries() {
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].expiry < m.entries[j].expiry
	})
}

// updateTimerFd arms the timer for the head entry's absolute deadline, or
// disarms it when no entries remain.
func (m *Mux) updateTimerFd() {
	var its unix.ItimerSpec
	if len(m.entries) > 0 && m.entries[0].expiry != math.MaxInt64 {
		its.Value = unix.NsecToTimespec(m.entries[0].expiry)
	}
	if err := unix.TimerfdSettime(m.timerFd, unix.TFD_TIMER_ABSTIME, &its, nil); err != nil {
		m.log.Errorf("failed to set timerfd value: %v", err)
	}
}

func (m *Mux) checkThread(op string) {
	if goid.ID() != m.ownerGoid {
		m.log.Errorf("timeouts.%s called from wrong goroutine", op)
	}
}

func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// Fallback; only reachable if the vDSO call itself fails.
		return time.Now().UnixNano()
	}
	return ts.Nano()
}

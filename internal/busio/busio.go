// Package busio defines the seam between the bus endpoint and the event
// machinery: the watch and timeout registration hooks, the dispatch-status
// model, and the Bus interface the connection layer drives. Keeping these
// here lets the multiplexers and the event loop stay independent of the
// transport implementation.
package busio

import (
	"time"

	"github.com/ehrlich-b/go-ipcbus/internal/wire"
)

// WatchFlags describes descriptor readiness interest or results.
type WatchFlags uint32

const (
	WatchReadable WatchFlags = 1 << 0
	WatchWritable WatchFlags = 1 << 1
	WatchError    WatchFlags = 1 << 2
	WatchHangup   WatchFlags = 1 << 3
)

// Watch is a descriptor the bus endpoint wants monitored. All methods are
// invoked on the event-loop thread only.
type Watch interface {
	// Fd returns the descriptor to monitor. The multiplexer duplicates it,
	// so the same descriptor may back several watches.
	Fd() int

	// Flags returns the current interest mask (readable/writable).
	Flags() WatchFlags

	// Enabled reports whether the watch should currently be armed.
	Enabled() bool

	// Handle is called with the readiness flags observed on the
	// descriptor.
	Handle(flags WatchFlags)
}

// Timeout is a deadline the bus endpoint wants scheduled. All methods are
// invoked on the event-loop thread only.
type Timeout interface {
	// Interval returns the duration from arming to expiry.
	Interval() time.Duration

	// Enabled reports whether the timeout should currently be armed.
	Enabled() bool

	// Handle is called once per expiry.
	Handle()
}

// WatchHooks is the registration interface the event loop hands to the bus
// endpoint.
type WatchHooks struct {
	Add    func(Watch) error
	Remove func(Watch)
	Toggle func(Watch)
}

// TimeoutHooks is the timeout registration interface the event loop hands
// to the bus endpoint.
type TimeoutHooks struct {
	Add    func(Timeout) error
	Remove func(Timeout)
	Toggle func(Timeout)
}

// DispatchStatus mirrors the endpoint's inbound-queue state.
type DispatchStatus int

const (
	// DispatchComplete means no queued inbound messages remain.
	DispatchComplete DispatchStatus = iota

	// DispatchDataRemains means Dispatch must be called again.
	DispatchDataRemains
)

// Pending is a handle on an in-flight method call.
type Pending interface {
	// Cancel drops the call; its completion function will not run.
	Cancel()
}

// Bus is the endpoint the connection layer drives. Unless noted otherwise
// every method must be called on the event-loop thread; the connection
// layer routes callers there.
type Bus interface {
	// SetWatchHooks installs (or clears, with zero hooks) the watch
	// registration callbacks. Installing triggers immediate registration
	// of the endpoint's descriptors.
	SetWatchHooks(hooks WatchHooks)

	// SetTimeoutHooks installs the timeout registration callbacks.
	SetTimeoutHooks(hooks TimeoutHooks)

	// SetDispatchStatusFn installs the callback invoked when the inbound
	// queue transitions to non-empty.
	SetDispatchStatusFn(fn func(DispatchStatus))

	// SetWakeupFn installs the callback used to wake the event loop.
	SetWakeupFn(fn func())

	// SetFilter installs the message filter invoked by Dispatch. May be
	// called from any thread.
	SetFilter(fn func(*wire.Message))

	// DispatchStatus reports whether inbound messages remain queued.
	DispatchStatus() DispatchStatus

	// Dispatch delivers one queued inbound message to the filter.
	Dispatch()

	// Send queues an outbound message (no reply tracking). The message's
	// serial is assigned here.
	Send(msg *wire.Message) error

	// SendWithReply queues a method call and arranges for notify to run
	// on the event-loop thread with the reply, an error reply, or a
	// synthesized timeout error after timeout.
	SendWithReply(msg *wire.Message, timeout time.Duration, notify func(*wire.Message)) (Pending, error)

	// BlockingCall writes the call directly and reads frames until its
	// reply arrives or the timeout expires. Unrelated inbound frames are
	// queued for Dispatch.
	BlockingCall(msg *wire.Message, timeout time.Duration) (*wire.Message, error)

	// Flush blocks until the outbound queue has drained to the socket.
	Flush() error

	// Close shuts the endpoint down and releases its resources.
	Close() error
}

package constants

import "time"

// Default configuration constants
const (
	// DefaultMethodCallTimeout is used for outbound method calls when the
	// caller passes a timeout of -1.
	DefaultMethodCallTimeout = 25 * time.Second

	// MaxReplyWait is the upper-bound safety timeout in GetReply. A reply
	// (success, error or call-timeout) should always arrive well before
	// this; hitting it means the pending-call machinery lost the reply.
	MaxReplyWait = 120 * time.Second

	// ExecWarnInterval is how long RunOnEventLoop waits before logging a
	// diagnostic warning that the event loop appears stalled. The wait
	// itself continues; only the warning fires.
	ExecWarnInterval = 1 * time.Second

	// MaxPollFailures is the number of consecutive poll errors tolerated
	// before the event loop shuts itself down.
	MaxPollFailures = 5
)

// Watch multiplexer constants
const (
	// MaxWatches is the size of the watch slot array. The bus endpoint
	// requests at most a handful of watches per connection, so 128 leaves
	// a wide margin.
	MaxWatches = 128
)

// Security token helper constants
const (
	// TokenRequestID is the frame identifier of a token request.
	TokenRequestID = 10

	// TokenReplyTimeout is the default wait for a token reply frame.
	TokenReplyTimeout = 1 * time.Second

	// TokenMinLength is the shortest payload accepted as an opaque token
	// when the reply identifier does not match the request.
	TokenMinLength = 64
)

// Bus daemon identity
const (
	BusDaemonService   = "org.freedesktop.DBus"
	BusDaemonObject    = "/org/freedesktop/DBus"
	BusDaemonInterface = "org.freedesktop.DBus"
)

// Well-known bus socket locations, used when a bus selector rather than an
// explicit unix address is given.
const (
	SystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

	// SessionBusEnvVar names the environment variable consulted for the
	// session bus address.
	SessionBusEnvVar = "DBUS_SESSION_BUS_ADDRESS"
)

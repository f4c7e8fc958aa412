// Package transport implements the D-Bus client endpoint: unix-socket
// connection and authentication, message framing over the socket, watch
// and timeout registration against the event machinery, and pending-call
// tracking. The connection layer drives it through the busio.Bus
// interface.
package transport

import (
	"fmt"
	"os"
	"strings"

	"github.com/ehrlich-b/go-ipcbus/internal/constants"
)

// ResolveAddress maps a well-known bus selector ("session" or "system") to
// its bus address; anything else is returned unchanged as a free-form
// address.
func ResolveAddress(addressOrBus string) (string, error) {
	switch addressOrBus {
	case "session":
		addr := os.Getenv(constants.SessionBusEnvVar)
		if addr == "" {
			return "", fmt.Errorf("transport: %s is not set", constants.SessionBusEnvVar)
		}
		return addr, nil
	case "system":
		if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
			return addr, nil
		}
		return constants.SystemBusAddress, nil
	default:
		return addressOrBus, nil
	}
}

// SocketPath extracts the unix socket path from a bus address of the form
// "unix:path=<path>[,key=value...]". Abstract sockets ("unix:abstract=")
// are returned with a leading '@'.
func SocketPath(address string) (string, error) {
	rest, ok := strings.CutPrefix(address, "unix:")
	if !ok {
		return "", fmt.Errorf("transport: unsupported bus address %q", address)
	}
	// A bus address may list several transports separated by ';'; only the
	// first unix transport is used.
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		rest = rest[:i]
	}
	for _, kv := range strings.Split(rest, ",") {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		if value == "" {
			continue
		}
		switch key {
		case "path":
			return value, nil
		case "abstract":
			return "@" + value, nil
		}
	}
	return "", fmt.Errorf("transport: no unix socket path in address %q", address)
}

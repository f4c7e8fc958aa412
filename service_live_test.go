package ipcbus

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireSessionBus skips the test unless a real session bus is
// reachable. These tests exercise the transport against a live daemon.
func requireSessionBus(t *testing.T) {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		t.Skip("DBUS_SESSION_BUS_ADDRESS not set, skipping live bus test")
	}
}

func TestLiveSessionBusEcho(t *testing.T) {
	requireSessionBus(t)

	name := fmt.Sprintf("test.ipcbus.live.p%d", os.Getpid())
	svc, err := New(Config{
		Address:     "session",
		ServiceName: name,
		LogLevel:    "error",
		LogOutput:   io.Discard,
	})
	require.NoError(t, err)
	defer svc.Close()
	require.True(t, svc.Start())

	echo := NewMethod(name, "/live", "test.ipcbus.live", "Echo")
	_, err = svc.RegisterMethodHandler(echo, func(sender *AsyncReplySender) {
		assert.NoError(t, sender.SendReply(sender.Arguments()))
	})
	require.NoError(t, err)

	client, err := New(Config{
		Address:     "session",
		ServiceName: name + ".client",
		LogLevel:    "error",
		LogOutput:   io.Discard,
	})
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.Start())

	args := VariantList{Uint32(7), String("over a real daemon")}
	reply, err := client.Call(echo, args, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, args, reply)

	owned, err := client.IsServiceAvailable(name)
	require.NoError(t, err)
	assert.True(t, owned)
}

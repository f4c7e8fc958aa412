package ipcbus

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

)


func startDaemon(t *testing.T) *TestDaemon {
	t.Helper()
	daemon, err := StartTestDaemon(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(daemon.Close)
	return daemon
}

func newService(t *testing.T, daemon *TestDaemon, name string, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Address:     daemon.Address(),
		ServiceName: name,
		LogLevel:    "error",
		LogOutput:   io.Discard,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	require.True(t, svc.Start())
	return svc
}

func TestEchoMethod(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)
	client := newService(t, daemon, "test.ipc.client", nil)

	echo := NewMethod("test.ipc.svc", "/test", "test.ipc.if", "Echo")
	_, err := svc.RegisterMethodHandler(echo, func(sender *AsyncReplySender) {
		assert.NoError(t, sender.SendReply(sender.Arguments()))
	})
	require.NoError(t, err)

	args := VariantList{Uint32(7), String("hi")}
	reply, err := client.Call(echo, args, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, args, reply)

	assert.Equal(t, uint64(1), client.Metrics().CallsSent.Load())
	assert.Equal(t, uint64(1), client.Metrics().RepliesReceived.Load())
	assert.Equal(t, uint64(1), svc.Metrics().MethodCallsDispatched.Load())
}

func TestTimedOutCall(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)
	client := newService(t, daemon, "test.ipc.client", nil)

	sink := NewMethod("test.ipc.svc", "/test", "test.ipc.if", "BlackHole")
	_, err := svc.RegisterMethodHandler(sink, func(sender *AsyncReplySender) {
		sender.Close() // never replies
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Call(sink, nil, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
	assert.Equal(t, uint64(1), client.Metrics().CallTimeouts.Load())
}

func TestSignalFanout(t *testing.T) {
	daemon := startDaemon(t)
	consumer := newService(t, daemon, "test.ipc.consumer", nil)
	producer := newService(t, daemon, "test.ipc.producer", nil)

	tick := NewSignal("/obj", "test.ipc.if", "Tick")

	var mu sync.Mutex
	var got []string
	values := map[string]Uint64{}

	register := func(name string) {
		_, err := consumer.RegisterSignalHandler(tick, func(args VariantList) {
			v, err := Arg[Uint64](args, 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got = append(got, name)
			values[name] = v
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	register("first")
	register("second")

	require.NoError(t, producer.EmitSignal(tick, VariantList{Uint64(42)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	consumer.Flush()
	mu.Lock()
	defer mu.Unlock()
	// Both handlers saw exactly one invocation each, in registration order.
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, Uint64(42), values["first"])
	assert.Equal(t, Uint64(42), values["second"])
}

func TestFdRoundTrip(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)
	client := newService(t, daemon, "test.ipc.client", nil)

	readFd := NewMethod("test.ipc.svc", "/test", "test.ipc.if", "ReadFd")
	_, err := svc.RegisterMethodHandler(readFd, func(sender *AsyncReplySender) {
		fd, err := Arg[*UnixFd](sender.Arguments(), 0)
		if err != nil {
			sender.Close()
			return
		}
		buf := make([]byte, 64)
		n, err := unix.Pread(fd.Fd(), buf, 0)
		_ = fd.Close()
		if err != nil {
			sender.Close()
			return
		}
		assert.NoError(t, sender.SendReply(VariantList{String(buf[:n])}))
	})
	require.NoError(t, err)

	f, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("hello")
	require.NoError(t, err)

	fd, err := NewUnixFdDup(int(f.Fd()))
	require.NoError(t, err)
	defer fd.Close()

	reply, err := client.Call(readFd, VariantList{fd}, time.Second)
	require.NoError(t, err)
	content, err := Arg[String](reply, 0)
	require.NoError(t, err)
	assert.Equal(t, String("hello"), content)

	// The caller's value still owns its descriptor; everything sent over
	// the bus was a duplicate.
	assert.True(t, fd.Valid())
}

// countingPM observes how often the entitlement cache takes the slow path.
type countingPM struct {
	*MockPackageManager
	loads atomic.Int32
}

func (p *countingPM) LoadedAppIDs() []string {
	p.loads.Add(1)
	return p.MockPackageManager.LoadedAppIDs()
}

func TestEntitlementGate(t *testing.T) {
	daemon := startDaemon(t)

	pm := &countingPM{MockPackageManager: NewMockPackageManager()}
	pm.Install(PackageMetadata{
		AppID:  "app1",
		UserID: 1001,
		Capability: map[string][]string{
			"test.ipc.svc": {"test.app.if1"},
		},
	})

	svc := newService(t, daemon, "test.ipc.svc", func(cfg *Config) {
		cfg.PackageManager = pm
		cfg.EnableEntitlementCheck = true
	})
	client := newService(t, daemon, "test.ipc.client", nil)
	daemon.SetUid(client.UniqueName(), 1001)

	echoReply := func(sender *AsyncReplySender) {
		assert.NoError(t, sender.SendReply(sender.Arguments()))
	}
	allowed := NewMethod("test.ipc.svc", "/test", "test.app.if1", "Echo")
	denied := NewMethod("test.ipc.svc", "/test", "test.app.if2", "Echo")
	_, err := svc.RegisterMethodHandler(allowed, echoReply)
	require.NoError(t, err)
	_, err = svc.RegisterMethodHandler(denied, echoReply)
	require.NoError(t, err)

	// Entitled interface goes through.
	_, err = client.Call(allowed, VariantList{String("ok")}, time.Second)
	require.NoError(t, err)

	// Unentitled interface is silently dropped, so the caller times out.
	_, err = client.Call(denied, nil, 150*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), svc.Metrics().MethodCallsDenied.Load())
}

func TestSenderEviction(t *testing.T) {
	daemon := startDaemon(t)

	pm := &countingPM{MockPackageManager: NewMockPackageManager()}
	pm.Install(PackageMetadata{
		AppID:  "app1",
		UserID: 1001,
		Capability: map[string][]string{
			"test.ipc.svc": {"test.app.if1"},
		},
	})

	svc := newService(t, daemon, "test.ipc.svc", func(cfg *Config) {
		cfg.PackageManager = pm
		cfg.EnableEntitlementCheck = true
	})
	client := newService(t, daemon, "test.ipc.client", nil)
	clientName := client.UniqueName()
	daemon.SetUid(clientName, 1001)

	method := NewMethod("test.ipc.svc", "/test", "test.app.if1", "Echo")
	_, err := svc.RegisterMethodHandler(method, func(sender *AsyncReplySender) {
		assert.NoError(t, sender.SendReply(nil))
	})
	require.NoError(t, err)

	// First call populates both caches through the slow path.
	_, err = client.Call(method, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), pm.loads.Load())

	// A second call is served entirely from cache.
	_, err = client.Call(method, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), pm.loads.Load())

	// The sender leaves the bus: both its uid mapping and the uid's
	// entitlement row must go.
	daemon.EmitNameOwnerChanged(clientName, clientName, "")
	require.Eventually(t, func() bool {
		_, cached := svc.senderCache.UserID(clientName)
		return !cached
	}, 2*time.Second, 10*time.Millisecond)

	// The next call must hit the package-manager slow path again.
	_, err = client.Call(method, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(2), pm.loads.Load())
}

func TestRegisterUnregisterRestoresState(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)

	snapshot := func() (int, int, map[string]int) {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		paths := make(map[string]int, len(svc.objectPaths))
		for k, v := range svc.objectPaths {
			paths[k] = v
		}
		return len(svc.methodHandlers), len(svc.signalHandlers), paths
	}
	methodsBefore, signalsBefore, pathsBefore := snapshot()

	method := NewMethod("test.ipc.svc", "/reg", "test.ipc.if", "M")
	signal := NewSignal("/reg", "test.ipc.if", "S")

	methodID, err := svc.RegisterMethodHandler(method, func(*AsyncReplySender) {})
	require.NoError(t, err)
	assert.Equal(t, method.MatchRule(), methodID)
	signalID, err := svc.RegisterSignalHandler(signal, func(VariantList) {})
	require.NoError(t, err)

	// Both registrations share /reg; the refcount reflects that.
	svc.mu.Lock()
	assert.Equal(t, 2, svc.objectPaths["/reg"])
	svc.mu.Unlock()

	require.NoError(t, svc.UnregisterHandler(methodID))
	require.NoError(t, svc.UnregisterHandler(signalID))

	methodsAfter, signalsAfter, pathsAfter := snapshot()
	assert.Equal(t, methodsBefore, methodsAfter)
	assert.Equal(t, signalsBefore, signalsAfter)
	assert.Equal(t, pathsBefore, pathsAfter)
}

func TestDuplicateMethodHandler(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)

	method := NewMethod("test.ipc.svc", "/dup", "test.ipc.if", "M")
	_, err := svc.RegisterMethodHandler(method, func(*AsyncReplySender) {})
	require.NoError(t, err)

	_, err = svc.RegisterMethodHandler(method, func(*AsyncReplySender) {})
	assert.ErrorIs(t, err, ErrDuplicateHandler)
}

func TestRegisterForeignServiceRejected(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)

	method := NewMethod("some.other.svc", "/x", "test.ipc.if", "M")
	_, err := svc.RegisterMethodHandler(method, func(*AsyncReplySender) {})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUnregisterUnknownHandler(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)

	err := svc.UnregisterHandler("no-such-registration")
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestStartStopStartKeepsHandlers(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)
	client := newService(t, daemon, "test.ipc.client", nil)

	echo := NewMethod("test.ipc.svc", "/test", "test.ipc.if", "Echo")
	_, err := svc.RegisterMethodHandler(echo, func(sender *AsyncReplySender) {
		assert.NoError(t, sender.SendReply(sender.Arguments()))
	})
	require.NoError(t, err)

	_, err = client.Call(echo, VariantList{Byte(1)}, time.Second)
	require.NoError(t, err)

	require.True(t, svc.Stop())
	require.True(t, svc.Start())

	reply, err := client.Call(echo, VariantList{Byte(2)}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, VariantList{Byte(2)}, reply)
}

func TestUnknownMethodReturnsBusError(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)
	client := newService(t, daemon, "test.ipc.client", nil)

	known := NewMethod("test.ipc.svc", "/test", "test.ipc.if", "Known")
	_, err := svc.RegisterMethodHandler(known, func(sender *AsyncReplySender) {
		assert.NoError(t, sender.SendReply(nil))
	})
	require.NoError(t, err)

	// Same registered object path, unregistered member.
	unknown := NewMethod("test.ipc.svc", "/test", "test.ipc.if", "Nope")
	_, err = client.Call(unknown, nil, time.Second)
	require.Error(t, err)

	var ipcErr *Error
	require.True(t, errors.As(err, &ipcErr))
	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownMethod", ipcErr.DbusErr)
}

func TestGetterCloseCancelsReply(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)
	client := newService(t, daemon, "test.ipc.client", nil)

	echo := NewMethod("test.ipc.svc", "/test", "test.ipc.if", "Echo")
	_, err := svc.RegisterMethodHandler(echo, func(sender *AsyncReplySender) {
		assert.NoError(t, sender.SendReply(nil))
	})
	require.NoError(t, err)

	getter, err := client.InvokeMethod(echo, nil, time.Second)
	require.NoError(t, err)
	getter.Close()

	_, err = getter.GetReply()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMonitorMode(t *testing.T) {
	daemon := startDaemon(t)
	monitor := newService(t, daemon, "test.ipc.monitor", nil)
	producer := newService(t, daemon, "test.ipc.producer", nil)

	var mu sync.Mutex
	var seen []MonitorEvent
	require.NoError(t, monitor.EnableMonitor(nil, func(event MonitorEvent) {
		mu.Lock()
		seen = append(seen, event)
		mu.Unlock()
	}))

	tick := NewSignal("/mon", "test.ipc.if", "Tick")
	require.NoError(t, producer.EmitSignal(tick, VariantList{Uint32(9)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range seen {
			if ev.Type == SignalEvent && ev.Member == "Tick" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, monitor.DisableMonitor())
	assert.Error(t, monitor.DisableMonitor(), "double disable reports not in monitor mode")
}

func TestIsServiceAvailable(t *testing.T) {
	daemon := startDaemon(t)
	svc := newService(t, daemon, "test.ipc.svc", nil)
	client := newService(t, daemon, "test.ipc.client", nil)

	owned, err := client.IsServiceAvailable(svc.ServiceName())
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = client.IsServiceAvailable("no.such.service")
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestDuplicateServiceNameRejected(t *testing.T) {
	daemon := startDaemon(t)
	newService(t, daemon, "test.ipc.svc", nil)

	_, err := New(Config{
		Address:     daemon.Address(),
		ServiceName: "test.ipc.svc",
		LogLevel:    "error",
		LogOutput:   io.Discard,
	})
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{ServiceName: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(Config{Address: "session"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(Config{Address: "session", ServiceName: "x", EnableEntitlementCheck: true})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

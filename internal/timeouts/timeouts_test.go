package timeouts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testTimeout is a controllable busio.Timeout.
type testTimeout struct {
	interval time.Duration
	enabled  bool
	onFire   func(*testTimeout)
	fired    int
}

func (tt *testTimeout) Interval() time.Duration { return tt.interval }
func (tt *testTimeout) Enabled() bool           { return tt.enabled }
func (tt *testTimeout) Handle() {
	tt.fired++
	if tt.onFire != nil {
		tt.onFire(tt)
	}
}

func newTestMux(t *testing.T) *Mux {
	t.Helper()
	m, err := NewMux(nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// waitFire polls the timerfd until it signals or the deadline passes,
// then runs one dispatch pass.
func waitFire(t *testing.T, m *Mux, deadline time.Duration) bool {
	t.Helper()
	pollFds := []unix.PollFd{{Fd: int32(m.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(pollFds, int(deadline.Milliseconds()))
	require.NoError(t, err)
	if n == 0 {
		return false
	}
	m.ProcessEvent(unix.POLLIN)
	return true
}

func TestSingleTimeoutFires(t *testing.T) {
	m := newTestMux(t)

	tt := &testTimeout{interval: 10 * time.Millisecond, enabled: true}
	// One-shot behaviour: disable on fire so the sweep erases the entry.
	tt.onFire = func(x *testTimeout) { x.enabled = false }
	require.NoError(t, m.Add(tt))

	start := time.Now()
	require.True(t, waitFire(t, m, time.Second))
	assert.Equal(t, 1, tt.fired)
	assert.GreaterOrEqual(t, time.Since(start), 9*time.Millisecond)

	// Entry swept: timer disarmed, nothing further fires.
	assert.False(t, waitFire(t, m, 50*time.Millisecond))
}

func TestFireOrder(t *testing.T) {
	m := newTestMux(t)

	var order []string
	mk := func(name string, interval time.Duration) *testTimeout {
		tt := &testTimeout{interval: interval, enabled: true}
		tt.onFire = func(x *testTimeout) {
			order = append(order, name)
			x.enabled = false
		}
		return tt
	}
	late := mk("late", 30*time.Millisecond)
	early := mk("early", 10*time.Millisecond)
	require.NoError(t, m.Add(late))
	require.NoError(t, m.Add(early))

	deadline := time.Now().Add(time.Second)
	for len(order) < 2 && time.Now().Before(deadline) {
		waitFire(t, m, 100*time.Millisecond)
	}
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestHandlerRemovesItself(t *testing.T) {
	m := newTestMux(t)

	var tt *testTimeout
	tt = &testTimeout{interval: 10 * time.Millisecond, enabled: true}
	tt.onFire = func(*testTimeout) {
		// Removal during dispatch must tombstone, not erase.
		m.Remove(tt)
	}
	require.NoError(t, m.Add(tt))

	require.True(t, waitFire(t, m, time.Second))
	assert.Equal(t, 1, tt.fired)
	assert.False(t, waitFire(t, m, 50*time.Millisecond))
}

func TestHandlerRearmsItself(t *testing.T) {
	m := newTestMux(t)

	tt := &testTimeout{interval: 10 * time.Millisecond, enabled: true}
	tt.onFire = func(x *testTimeout) {
		if x.fired >= 3 {
			x.enabled = false
		}
	}
	require.NoError(t, m.Add(tt))

	deadline := time.Now().Add(2 * time.Second)
	for tt.fired < 3 && time.Now().Before(deadline) {
		waitFire(t, m, 100*time.Millisecond)
	}
	assert.Equal(t, 3, tt.fired)
	assert.False(t, waitFire(t, m, 50*time.Millisecond))
}

func TestHandlerAddsEarlierTimeout(t *testing.T) {
	m := newTestMux(t)

	var order []string
	second := &testTimeout{interval: 5 * time.Millisecond, enabled: true}
	second.onFire = func(x *testTimeout) {
		order = append(order, "second")
		x.enabled = false
	}

	slow := &testTimeout{interval: 100 * time.Millisecond, enabled: true}
	slow.onFire = func(x *testTimeout) {
		order = append(order, "slow")
		x.enabled = false
	}

	first := &testTimeout{interval: 10 * time.Millisecond, enabled: true}
	first.onFire = func(x *testTimeout) {
		order = append(order, "first")
		x.enabled = false
		// The freshly added entry fires before the long-standing one.
		require.NoError(t, m.Add(second))
	}

	require.NoError(t, m.Add(slow))
	require.NoError(t, m.Add(first))

	deadline := time.Now().Add(2 * time.Second)
	for len(order) < 3 && time.Now().Before(deadline) {
		waitFire(t, m, 200*time.Millisecond)
	}
	assert.Equal(t, []string{"first", "second", "slow"}, order)
}

func TestToggleDisableErases(t *testing.T) {
	m := newTestMux(t)

	tt := &testTimeout{interval: 10 * time.Millisecond, enabled: true}
	require.NoError(t, m.Add(tt))

	tt.enabled = false
	m.Toggle(tt)

	assert.False(t, waitFire(t, m, 50*time.Millisecond))
	assert.Equal(t, 0, tt.fired)
}

func TestAddDisabledRejected(t *testing.T) {
	m := newTestMux(t)
	tt := &testTimeout{interval: 10 * time.Millisecond, enabled: false}
	assert.Error(t, m.Add(tt))

	tt = &testTimeout{interval: 0, enabled: true}
	assert.Error(t, m.Add(tt))
}

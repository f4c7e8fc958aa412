package watches

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/busio"
	"github.com/ehrlich-b/go-ipcbus/internal/constants"
)

// testWatch is a controllable busio.Watch over a pipe read end.
type testWatch struct {
	fd      int
	flags   busio.WatchFlags
	enabled bool
	handled []busio.WatchFlags
}

func (w *testWatch) Fd() int                 { return w.fd }
func (w *testWatch) Flags() busio.WatchFlags { return w.flags }
func (w *testWatch) Enabled() bool           { return w.enabled }
func (w *testWatch) Handle(f busio.WatchFlags) {
	w.handled = append(w.handled, f)
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func newTestMux(t *testing.T) *Mux {
	t.Helper()
	m, err := NewMux(nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestAddAndDispatch(t *testing.T) {
	m := newTestMux(t)
	r, w := newPipe(t)

	watch := &testWatch{fd: r, flags: busio.WatchReadable, enabled: true}
	require.NoError(t, m.Add(watch))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	m.ProcessEvents(unix.POLLIN)
	require.Len(t, watch.handled, 1)
	assert.Equal(t, busio.WatchReadable, watch.handled[0]&busio.WatchReadable)
}

func TestDisabledWatchNotDispatched(t *testing.T) {
	m := newTestMux(t)
	r, w := newPipe(t)

	watch := &testWatch{fd: r, flags: busio.WatchReadable, enabled: true}
	require.NoError(t, m.Add(watch))

	watch.enabled = false
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	m.ProcessEvents(unix.POLLIN)
	assert.Empty(t, watch.handled)
}

func TestSameFdTwice(t *testing.T) {
	// The endpoint may register the same descriptor under two watches;
	// the dup on Add makes that legal for the epoll set.
	m := newTestMux(t)
	r, w := newPipe(t)

	w1 := &testWatch{fd: r, flags: busio.WatchReadable, enabled: true}
	w2 := &testWatch{fd: r, flags: busio.WatchReadable, enabled: true}
	require.NoError(t, m.Add(w1))
	require.NoError(t, m.Add(w2))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	m.ProcessEvents(unix.POLLIN)
	assert.Len(t, w1.handled, 1)
	assert.Len(t, w2.handled, 1)
}

func TestToggleRemovesAndRestores(t *testing.T) {
	m := newTestMux(t)
	r, w := newPipe(t)

	watch := &testWatch{fd: r, flags: busio.WatchReadable, enabled: true}
	require.NoError(t, m.Add(watch))

	// Empty interest mask removes the fd from the set.
	watch.enabled = false
	m.Toggle(watch)

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	m.ProcessEvents(unix.POLLIN)
	assert.Empty(t, watch.handled)

	// Re-enabling adds it back (modify falls back to add).
	watch.enabled = true
	m.Toggle(watch)
	m.ProcessEvents(unix.POLLIN)
	assert.Len(t, watch.handled, 1)
}

func TestRemove(t *testing.T) {
	m := newTestMux(t)
	r, w := newPipe(t)

	watch := &testWatch{fd: r, flags: busio.WatchReadable, enabled: true}
	require.NoError(t, m.Add(watch))
	m.Remove(watch)

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	m.ProcessEvents(unix.POLLIN)
	assert.Empty(t, watch.handled)

	// The slot is reusable after removal.
	require.NoError(t, m.Add(watch))
}

func TestCapacityLimit(t *testing.T) {
	m := newTestMux(t)
	r, _ := newPipe(t)

	all := make([]*testWatch, 0, constants.MaxWatches)
	for i := 0; i < constants.MaxWatches; i++ {
		watch := &testWatch{fd: r, flags: busio.WatchReadable, enabled: true}
		require.NoError(t, m.Add(watch))
		all = append(all, watch)
	}

	// The 129th watch must be refused without mutating state.
	extra := &testWatch{fd: r, flags: busio.WatchReadable, enabled: true}
	assert.Error(t, m.Add(extra))

	// Freeing one slot makes the rejected watch addable.
	m.Remove(all[0])
	assert.NoError(t, m.Add(extra))
}

func TestAddInvalidFd(t *testing.T) {
	m := newTestMux(t)
	watch := &testWatch{fd: -1, flags: busio.WatchReadable, enabled: true}
	assert.Error(t, m.Add(watch))
}

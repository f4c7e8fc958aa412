// Package eventloop runs the single worker goroutine that owns all bus
// I/O: it drains the endpoint's dispatch queue, executes closures posted
// from other goroutines, and polls the watch and timeout multiplexers
// alongside its own control eventfds.
package eventloop

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/busio"
	"github.com/ehrlich-b/go-ipcbus/internal/constants"
	"github.com/ehrlich-b/go-ipcbus/internal/goid"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
	"github.com/ehrlich-b/go-ipcbus/internal/timeouts"
	"github.com/ehrlich-b/go-ipcbus/internal/watches"
)

// ErrNotRunning is returned when a closure is posted while the dispatcher
// is stopped (or was dropped during teardown).
var ErrNotRunning = errors.New("eventloop: dispatcher not running")

type execItem struct {
	tag     uint64
	fn      func()
	done    chan struct{}
	dropped bool
}

// Dispatcher owns the event-loop goroutine and its four control eventfds:
// death (exit request), wakeup (re-poll request), dispatch (inbound
// messages remain) and exec (queued closures).
type Dispatcher struct {
	log *logging.Logger

	deathEventFd    int
	wakeupEventFd   int
	dispatchEventFd int
	execEventFd     int

	bus busio.Bus

	execLock    sync.Mutex
	execQueue   []*execItem
	callCounter uint64
	running     bool
	loopGoid    uint64

	done chan struct{}
}

// New creates a stopped dispatcher.
func New(log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Default()
	}
	return &Dispatcher{
		log:             log,
		deathEventFd:    -1,
		wakeupEventFd:   -1,
		dispatchEventFd: -1,
		execEventFd:     -1,
	}
}

// Start creates the eventfds, installs the wakeup and dispatch-status
// callbacks on the bus endpoint, and spawns the loop goroutine. The loop
// goroutine creates the watch/timeout multiplexers and installs their
// hooks before Start returns.
func (d *Dispatcher) Start(bus busio.Bus) error {
	d.execLock.Lock()
	if d.running {
		d.execLock.Unlock()
		return errors.New("eventloop: dispatch loop already running")
	}
	d.execLock.Unlock()

	var err error
	if d.deathEventFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC); err != nil {
		return err
	}
	if d.wakeupEventFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC); err != nil {
		d.cleanupAllEvents()
		return err
	}
	if d.dispatchEventFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC); err != nil {
		d.cleanupAllEvents()
		return err
	}
	if d.execEventFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC); err != nil {
		d.cleanupAllEvents()
		return err
	}

	d.bus = bus
	bus.SetDispatchStatusFn(func(status busio.DispatchStatus) {
		if status == busio.DispatchDataRemains {
			d.signalEventFd(d.dispatchEventFd)
		}
	})
	bus.SetWakeupFn(func() {
		d.signalEventFd(d.wakeupEventFd)
	})

	d.done = make(chan struct{})
	ready := make(chan error, 1)
	go d.loop(ready)
	if err := <-ready; err != nil {
		d.bus.SetDispatchStatusFn(nil)
		d.bus.SetWakeupFn(nil)
		d.bus = nil
		d.cleanupAllEvents()
		return err
	}

	d.execLock.Lock()
	d.running = true
	d.execLock.Unlock()
	return nil
}

// Stop asks the loop to exit, joins it, and releases every waiter still
// queued on RunOnEventLoop with a failure. Queued closures are dropped
// without running.
func (d *Dispatcher) Stop() {
	d.execLock.Lock()
	if !d.running {
		d.execLock.Unlock()
		d.log.Errorf("dispatch loop not running")
		return
	}
	d.running = false
	d.execLock.Unlock()

	d.signalEventFd(d.deathEventFd)
	<-d.done

	// The loop is gone; clearing the endpoint callbacks cannot race it.
	d.bus.SetDispatchStatusFn(nil)
	d.bus.SetWakeupFn(nil)
	d.bus = nil

	d.cleanupAllEvents()

	// Drop anything posted after the loop's final drain; waking the
	// waiters here stops them blocking forever.
	d.execLock.Lock()
	for _, item := range d.execQueue {
		item.dropped = true
		close(item.done)
	}
	d.execQueue = nil
	d.execLock.Unlock()

	d.log.Infof("event dispatcher finished")
}

// Running reports whether the loop is live.
func (d *Dispatcher) Running() bool {
	d.execLock.Lock()
	defer d.execLock.Unlock()
	return d.running
}

// OnLoop reports whether the caller is the event-loop goroutine.
func (d *Dispatcher) OnLoop() bool {
	d.execLock.Lock()
	defer d.execLock.Unlock()
	return d.running && goid.ID() == d.loopGoid
}

// RunOnEventLoop executes fn on the event-loop goroutine. Called from the
// loop itself, fn runs inline; otherwise it is queued and the call blocks
// until the loop has run it. Closures posted from one goroutine run in
// posting order. A diagnostic warning is logged if the loop takes more
// than a second to get to the closure; the wait itself continues.
func (d *Dispatcher) RunOnEventLoop(fn func()) error {
	d.execLock.Lock()
	if !d.running {
		d.execLock.Unlock()
		return ErrNotRunning
	}
	if goid.ID() == d.loopGoid {
		d.execLock.Unlock()
		fn()
		return nil
	}

	item := &execItem{
		tag:  d.callCounter,
		fn:   fn,
		done: make(chan struct{}),
	}
	d.callCounter++
	d.execQueue = append(d.execQueue, item)
	d.execLock.Unlock()

	d.signalEventFd(d.execEventFd)

	warn := time.NewTimer(constants.ExecWarnInterval)
	defer warn.Stop()
	for {
		select {
		case <-item.done:
			if item.dropped {
				return ErrNotRunning
			}
			return nil
		case <-warn.C:
			d.log.Warnf("closure %d still waiting for the event loop after %v",
				item.tag, constants.ExecWarnInterval)
		}
	}
}

// loop is the event-loop goroutine body.
func (d *Dispatcher) loop(ready chan<- error) {
	defer close(d.done)

	// The loop owns the bus endpoint; pin it to one OS thread so blocking
	// socket operations in the endpoint cannot migrate mid-call.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	d.execLock.Lock()
	d.loopGoid = goid.ID()
	d.execLock.Unlock()

	timeoutMux, err := timeouts.NewMux(d.log)
	if err != nil {
		d.log.Errorf("failed to create timeout multiplexer: %v", err)
		ready <- err
		return
	}
	defer timeoutMux.Close()

	watchMux, err := watches.NewMux(d.log)
	if err != nil {
		d.log.Errorf("failed to create watch multiplexer: %v", err)
		ready <- err
		return
	}
	defer watchMux.Close()

	d.bus.SetTimeoutHooks(busio.TimeoutHooks{
		Add:    timeoutMux.Add,
		Remove: timeoutMux.Remove,
		Toggle: timeoutMux.Toggle,
	})
	d.bus.SetWatchHooks(busio.WatchHooks{
		Add:    watchMux.Add,
		Remove: watchMux.Remove,
		Toggle: watchMux.Toggle,
	})
	defer func() {
		d.bus.SetWatchHooks(busio.WatchHooks{})
		d.bus.SetTimeoutHooks(busio.TimeoutHooks{})
	}()

	ready <- nil

	pollFds := make([]unix.PollFd, 6)
	const (
		idxTimeouts = 0
		idxWatches  = 1
		idxDeath    = 2
		idxWakeup   = 3
		idxDispatch = 4
		idxExec     = 5
	)

	failures := 0
	done := false
	for !done {
		// Run the endpoint's dispatcher while messages remain queued.
		for d.bus.DispatchStatus() == busio.DispatchDataRemains {
			d.bus.Dispatch()
		}

		// Run any closures queued for this goroutine. The lock is dropped
		// around each call to avoid deadlocks in client code.
		d.execLock.Lock()
		for len(d.execQueue) > 0 {
			item := d.execQueue[0]
			d.execQueue = d.execQueue[1:]
			d.execLock.Unlock()
			item.fn()
			close(item.done)
			d.execLock.Lock()
		}
		d.execLock.Unlock()

		pollFds[idxTimeouts] = unix.PollFd{Fd: int32(timeoutMux.Fd()), Events: unix.POLLIN}
		pollFds[idxWatches] = unix.PollFd{Fd: int32(watchMux.Fd()), Events: unix.POLLIN}
		pollFds[idxDeath] = unix.PollFd{Fd: int32(d.deathEventFd), Events: unix.POLLIN}
		pollFds[idxWakeup] = unix.PollFd{Fd: int32(d.wakeupEventFd), Events: unix.POLLIN}
		pollFds[idxDispatch] = unix.PollFd{Fd: int32(d.dispatchEventFd), Events: unix.POLLIN}
		pollFds[idxExec] = unix.PollFd{Fd: int32(d.execEventFd), Events: unix.POLLIN}

		n, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.log.Errorf("poll failed: %v", err)
			failures++
			if failures > constants.MaxPollFailures {
				d.log.Errorf("too many errors occurred on poll, shutting down loop")
				break
			}
			continue
		}
		failures = 0
		if n == 0 {
			continue
		}

		for i := range pollFds {
			revents := pollFds[i].Revents
			if revents == 0 {
				continue
			}

			switch i {
			case idxDeath:
				done = true
			case idxWakeup, idxDispatch, idxExec:
				// Clear the eventfd; the work itself happens at the top
				// of the loop.
				d.clearEventFd(int(pollFds[i].Fd))
			case idxWatches:
				watchMux.ProcessEvents(revents)
			case idxTimeouts:
				timeoutMux.ProcessEvent(revents)
			}
			if done {
				break
			}
		}
	}
}

func (d *Dispatcher) signalEventFd(fd int) {
	if fd < 0 {
		d.log.Errorf("no eventfd to signal")
		return
	}
	var value [8]byte
	binary.NativeEndian.PutUint64(value[:], 1)
	if _, err := unix.Write(fd, value[:]); err != nil {
		d.log.Errorf("failed to write to eventfd: %v", err)
	}
}

func (d *Dispatcher) clearEventFd(fd int) {
	var value [8]byte
	if _, err := unix.Read(fd, value[:]); err != nil {
		d.log.Errorf("failed to read eventfd: %v", err)
	}
}

func (d *Dispatcher) cleanupAllEvents() {
	for _, fd := range []*int{&d.deathEventFd, &d.wakeupEventFd, &d.dispatchEventFd, &d.execEventFd} {
		if *fd >= 0 {
			if err := unix.Close(*fd); err != nil {
				d.log.Errorf("failed to close eventfd: %v", err)
			}
			*fd = -1
		}
	}
}

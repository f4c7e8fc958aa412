package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/busio"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
	"github.com/ehrlich-b/go-ipcbus/internal/wire"
)

var (
	// ErrClosed is returned once the socket has been shut down.
	ErrClosed = errors.New("transport: endpoint closed")

	// ErrCallTimeout is returned by BlockingCall when the deadline passes.
	ErrCallTimeout = errors.New("transport: call timed out")
)

// errNoReply is the D-Bus error name synthesized for timed-out calls.
const errNoReply = "org.freedesktop.DBus.Error.NoReply"

const readChunk = 4096

type outFrame struct {
	data   []byte
	fds    []int // owned; closed once the frame is on the socket
	offset int
}

// pendingCall tracks one in-flight method call.
type pendingCall struct {
	s         *Socket
	serial    uint32
	notify    func(*wire.Message)
	timeout   *callTimeout
	cancelled bool
}

// Cancel drops the call. Must run on the event-loop goroutine.
func (p *pendingCall) Cancel() {
	p.cancelled = true
	p.s.dropPending(p)
}

// callTimeout is the deadline of one pending call, registered with the
// timeout multiplexer. It fires at most once.
type callTimeout struct {
	p        *pendingCall
	interval time.Duration
	enabled  bool
}

func (ct *callTimeout) Interval() time.Duration { return ct.interval }
func (ct *callTimeout) Enabled() bool           { return ct.enabled }

func (ct *callTimeout) Handle() {
	ct.enabled = false
	ct.p.s.log.Debugf("call %d timed out after %v", ct.p.serial, ct.interval)
	ct.p.s.completePending(ct.p.serial, timeoutReply(ct.p.serial, ct.interval))
}

// socketWatch is the single descriptor watch the endpoint registers with
// the watch multiplexer: always readable interest, writable interest while
// the outbound queue is non-empty.
type socketWatch struct {
	s *Socket
}

func (w *socketWatch) Fd() int { return w.s.fd }

func (w *socketWatch) Flags() busio.WatchFlags {
	flags := busio.WatchReadable | busio.WatchHangup
	if len(w.s.txQueue) > 0 {
		flags |= busio.WatchWritable
	}
	return flags
}

func (w *socketWatch) Enabled() bool { return !w.s.closed }

func (w *socketWatch) Handle(flags busio.WatchFlags) { w.s.handleIO(flags) }

// Socket is the bus endpoint over one unix stream socket. Apart from
// SetFilter, every method must run on the event-loop goroutine (or, before
// the loop starts, on the connecting goroutine).
type Socket struct {
	log *logging.Logger
	fd  int

	canPassFds bool
	serial     uint32
	closed     bool

	watch        *socketWatch
	watchHooks   busio.WatchHooks
	timeoutHooks busio.TimeoutHooks
	statusFn     func(busio.DispatchStatus)
	wakeupFn     func()

	filterMu sync.Mutex
	filter   func(*wire.Message)

	txQueue []*outFrame
	rxBuf   []byte
	rxFds   []int
	inbound []*wire.Message
	pending map[uint32]*pendingCall

	// blockedReply stashes the reply a BlockingCall is waiting for when it
	// surfaces during frame parsing.
	blockedReply *wire.Message
}

// Dial connects and authenticates to the bus at the given address (either
// a well-known selector or a unix:path= address).
func Dial(address string, log *logging.Logger) (*Socket, error) {
	if log == nil {
		log = logging.Default()
	}

	resolved, err := ResolveAddress(address)
	if err != nil {
		return nil, err
	}
	path, err := SocketPath(resolved)
	if err != nil {
		return nil, err
	}
	if path[0] == '@' {
		// Abstract socket namespace: leading NUL on the wire.
		path = "\x00" + path[1:]
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: failed to connect to %q: %w", path, err)
	}

	canPassFds, err := authenticate(fd, log)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: failed to set non-blocking: %w", err)
	}

	s := &Socket{
		log:        log,
		fd:         fd,
		canPassFds: canPassFds,
		pending:    make(map[uint32]*pendingCall),
	}
	s.watch = &socketWatch{s: s}
	return s, nil
}

// SetWatchHooks installs the watch registration callbacks; non-zero hooks
// immediately register the socket watch.
func (s *Socket) SetWatchHooks(hooks busio.WatchHooks) {
	if s.watchHooks.Remove != nil && hooks.Add == nil {
		s.watchHooks.Remove(s.watch)
	}
	s.watchHooks = hooks
	if hooks.Add != nil && !s.closed {
		if err := hooks.Add(s.watch); err != nil {
			s.log.Errorf("failed to register socket watch: %v", err)
		}
	}
}

// SetTimeoutHooks installs the timeout registration callbacks.
func (s *Socket) SetTimeoutHooks(hooks busio.TimeoutHooks) {
	s.timeoutHooks = hooks
}

// SetDispatchStatusFn installs the inbound-queue callback.
func (s *Socket) SetDispatchStatusFn(fn func(busio.DispatchStatus)) {
	s.statusFn = fn
	if fn != nil && len(s.inbound) > 0 {
		fn(busio.DispatchDataRemains)
	}
}

// SetWakeupFn installs the loop wakeup callback.
func (s *Socket) SetWakeupFn(fn func()) {
	s.wakeupFn = fn
}

// SetFilter installs the message filter. May be called from any thread.
func (s *Socket) SetFilter(fn func(*wire.Message)) {
	s.filterMu.Lock()
	s.filter = fn
	s.filterMu.Unlock()
}

// DispatchStatus reports whether inbound messages remain.
func (s *Socket) DispatchStatus() busio.DispatchStatus {
	if len(s.inbound) > 0 {
		return busio.DispatchDataRemains
	}
	return busio.DispatchComplete
}

// Dispatch delivers the oldest inbound message to the filter. Descriptors
// attached to the message are released when the filter returns; the filter
// duplicates anything it keeps.
func (s *Socket) Dispatch() {
	if len(s.inbound) == 0 {
		return
	}
	msg := s.inbound[0]
	s.inbound = s.inbound[1:]

	s.filterMu.Lock()
	filter := s.filter
	s.filterMu.Unlock()

	if filter != nil {
		filter(msg)
	}
	msg.CloseFds()
}

// Send queues msg on the socket, assigning its serial. The message's fd
// slice is owned by the endpoint from here on.
func (s *Socket) Send(msg *wire.Message) error {
	if s.closed {
		return ErrClosed
	}
	if len(msg.Fds) > 0 && !s.canPassFds {
		closeFds(msg.Fds)
		msg.Fds = nil
		return errors.New("transport: bus connection cannot pass file descriptors")
	}

	if msg.Serial == 0 {
		s.serial++
		msg.Serial = s.serial
	}
	frame, err := msg.Marshal()
	if err != nil {
		closeFds(msg.Fds)
		msg.Fds = nil
		return err
	}

	s.txQueue = append(s.txQueue, &outFrame{data: frame, fds: msg.Fds})
	msg.Fds = nil
	s.writeSome()
	s.updateWatch()
	if s.wakeupFn != nil {
		s.wakeupFn()
	}
	return nil
}

// SendWithReply queues a method call and tracks its reply. notify runs on
// the event-loop goroutine with the reply message, an error reply, or a
// synthesized NoReply error when timeout passes first.
func (s *Socket) SendWithReply(msg *wire.Message, timeout time.Duration, notify func(*wire.Message)) (busio.Pending, error) {
	if s.closed {
		return nil, ErrClosed
	}

	s.serial++
	msg.Serial = s.serial

	p := &pendingCall{s: s, serial: msg.Serial, notify: notify}
	if timeout > 0 {
		p.timeout = &callTimeout{p: p, interval: timeout, enabled: true}
	}

	if err := s.Send(msg); err != nil {
		return nil, err
	}

	s.pending[p.serial] = p
	if p.timeout != nil {
		if s.timeoutHooks.Add == nil {
			s.log.Warnf("no timeout hooks registered, call %d has no deadline", p.serial)
			p.timeout = nil
		} else if err := s.timeoutHooks.Add(p.timeout); err != nil {
			s.log.Errorf("failed to schedule call timeout: %v", err)
			p.timeout = nil
		}
	}
	return p, nil
}

// BlockingCall writes the call directly and reads the socket until its
// reply arrives or the timeout passes. Unrelated inbound frames are queued
// for Dispatch. Used for bus-daemon helpers, mirroring the way the
// reference library implements them.
func (s *Socket) BlockingCall(msg *wire.Message, timeout time.Duration) (*wire.Message, error) {
	if s.closed {
		return nil, ErrClosed
	}

	s.serial++
	msg.Serial = s.serial
	callSerial := msg.Serial

	frame, err := msg.Marshal()
	if err != nil {
		closeFds(msg.Fds)
		msg.Fds = nil
		return nil, err
	}
	s.txQueue = append(s.txQueue, &outFrame{data: frame, fds: msg.Fds})
	msg.Fds = nil

	deadline := time.Now().Add(timeout)
	if err := s.flushUntil(deadline); err != nil {
		return nil, err
	}

	for {
		// A frame read for an earlier call may already hold our reply.
		if reply := s.takeReply(callSerial); reply != nil {
			return reply, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrCallTimeout
		}
		ready, err := s.waitFd(unix.POLLIN, remaining)
		if err != nil {
			return nil, err
		}
		if !ready {
			return nil, ErrCallTimeout
		}
		if err := s.readSome(); err != nil {
			return nil, err
		}
		if s.closed {
			return nil, ErrClosed
		}
		s.parseFrames(callSerial)
	}
}

// Flush blocks until the outbound queue has drained to the socket.
func (s *Socket) Flush() error {
	if s.closed {
		return ErrClosed
	}
	// No deadline: flush means the queue is empty when we return.
	return s.flushUntil(time.Now().Add(24 * time.Hour))
}

// Close shuts the endpoint down, releasing the socket, queued frames and
// any attached descriptors. Pending-call notify functions do not run; the
// connection layer owns that cleanup.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.watchHooks.Remove != nil {
		s.watchHooks.Remove(s.watch)
		s.watchHooks = busio.WatchHooks{}
	}
	for _, p := range s.pending {
		if p.timeout != nil && s.timeoutHooks.Remove != nil {
			p.timeout.enabled = false
			s.timeoutHooks.Remove(p.timeout)
		}
	}
	s.pending = make(map[uint32]*pendingCall)

	for _, of := range s.txQueue {
		closeFds(of.fds)
	}
	s.txQueue = nil
	for _, msg := range s.inbound {
		msg.CloseFds()
	}
	s.inbound = nil
	closeFds(s.rxFds)
	s.rxFds = nil

	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("transport: failed to close socket: %w", err)
	}
	s.fd = -1
	return nil
}

// handleIO is the socket watch handler.
func (s *Socket) handleIO(flags busio.WatchFlags) {
	if s.closed {
		return
	}
	if flags&(busio.WatchError|busio.WatchHangup) != 0 {
		s.log.Errorf("error / hang-up on bus socket")
	}
	if flags&busio.WatchReadable != 0 {
		if err := s.readSome(); err != nil {
			s.log.Errorf("read error on bus socket: %v", err)
		}
		s.parseFrames(0)
	}
	if flags&busio.WatchWritable != 0 && !s.closed {
		s.writeSome()
		s.updateWatch()
	}
	if s.closed && s.watchHooks.Remove != nil {
		// A dead socket must leave the readiness set or the loop would
		// spin on its hang-up state.
		s.watchHooks.Remove(s.watch)
		s.watchHooks = busio.WatchHooks{}
	}
}

// readSome drains the socket into the receive buffer, collecting any
// descriptors passed alongside (received close-on-exec).
func (s *Socket) readSome() error {
	for {
		buf := make([]byte, readChunk)
		oob := make([]byte, 1024)
		n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			s.log.Errorf("bus daemon closed the connection")
			s.closed = true
			return nil
		}
		if oobn > 0 {
			scms, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				s.log.Errorf("failed to parse control message: %v", err)
			} else {
				for i := range scms {
					fds, err := unix.ParseUnixRights(&scms[i])
					if err != nil {
						continue
					}
					s.rxFds = append(s.rxFds, fds...)
				}
			}
		}
		s.rxBuf = append(s.rxBuf, buf[:n]...)
		if n < readChunk {
			return nil
		}
	}
}

// parseFrames decodes every complete frame in the receive buffer and
// routes it. When skipSerial is non-zero, the matching reply is set aside
// for takeReply instead of being routed (the BlockingCall path).
func (s *Socket) parseFrames(skipSerial uint32) {
	for {
		size, err := wire.Size(s.rxBuf)
		if err == wire.ErrShortData {
			return
		}
		if err != nil {
			s.log.Errorf("invalid frame on bus socket: %v", err)
			s.rxBuf = nil
			return
		}
		if len(s.rxBuf) < size {
			return
		}
		frame := make([]byte, size)
		copy(frame, s.rxBuf[:size])
		s.rxBuf = s.rxBuf[size:]

		msg, err := wire.Unmarshal(frame)
		if err != nil {
			s.log.Errorf("failed to decode frame: %v", err)
			continue
		}
		if msg.AnnouncedFds > 0 {
			if msg.AnnouncedFds > len(s.rxFds) {
				s.log.Errorf("frame announces %d fds but only %d received", msg.AnnouncedFds, len(s.rxFds))
				continue
			}
			msg.Fds = s.rxFds[:msg.AnnouncedFds]
			s.rxFds = append([]int(nil), s.rxFds[msg.AnnouncedFds:]...)
		}

		if skipSerial != 0 && msg.ReplySerial == skipSerial &&
			(msg.Type == wire.TypeMethodReturn || msg.Type == wire.TypeError) {
			s.blockedReply = msg
			continue
		}
		s.route(msg)
	}
}

// takeReply claims a reply stashed by parseFrames for a blocking call.
func (s *Socket) takeReply(serial uint32) *wire.Message {
	if s.blockedReply != nil && s.blockedReply.ReplySerial == serial {
		reply := s.blockedReply
		s.blockedReply = nil
		return reply
	}
	return nil
}

// route completes a pending call or queues the message for dispatch.
func (s *Socket) route(msg *wire.Message) {
	if msg.Type == wire.TypeMethodReturn || msg.Type == wire.TypeError {
		if _, ok := s.pending[msg.ReplySerial]; ok {
			s.completePending(msg.ReplySerial, msg)
			return
		}
	}
	s.inbound = append(s.inbound, msg)
	if s.statusFn != nil {
		s.statusFn(busio.DispatchDataRemains)
	}
}

// completePending finishes one in-flight call with the given reply.
func (s *Socket) completePending(serial uint32, reply *wire.Message) {
	p, ok := s.pending[serial]
	if !ok {
		reply.CloseFds()
		return
	}
	delete(s.pending, serial)
	if p.timeout != nil {
		p.timeout.enabled = false
		if s.timeoutHooks.Remove != nil {
			s.timeoutHooks.Remove(p.timeout)
		}
	}
	if p.notify != nil && !p.cancelled {
		p.notify(reply)
	} else {
		reply.CloseFds()
	}
}

// dropPending removes a cancelled call from the table.
func (s *Socket) dropPending(p *pendingCall) {
	if _, ok := s.pending[p.serial]; !ok {
		return
	}
	delete(s.pending, p.serial)
	if p.timeout != nil {
		p.timeout.enabled = false
		if s.timeoutHooks.Remove != nil {
			s.timeoutHooks.Remove(p.timeout)
		}
	}
}

// writeSome writes queued frames until the socket would block. A frame's
// descriptors ride with its first byte; once a frame is fully written its
// descriptor duplicates are closed.
func (s *Socket) writeSome() {
	for len(s.txQueue) > 0 {
		of := s.txQueue[0]
		var oob []byte
		if of.offset == 0 && len(of.fds) > 0 {
			oob = unix.UnixRights(of.fds...)
		}
		n, err := unix.SendmsgN(s.fd, of.data[of.offset:], oob, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.log.Errorf("write error on bus socket: %v", err)
			s.closed = true
			return
		}
		of.offset += n
		if of.offset < len(of.data) {
			return
		}
		closeFds(of.fds)
		s.txQueue = s.txQueue[1:]
	}
}

// updateWatch retoggles the socket watch so write interest matches the
// outbound queue state.
func (s *Socket) updateWatch() {
	if s.watchHooks.Toggle != nil {
		s.watchHooks.Toggle(s.watch)
	}
}

// flushUntil drains the outbound queue, waiting for writability up to the
// deadline.
func (s *Socket) flushUntil(deadline time.Time) error {
	for len(s.txQueue) > 0 {
		s.writeSome()
		if s.closed {
			return ErrClosed
		}
		if len(s.txQueue) == 0 {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrCallTimeout
		}
		ready, err := s.waitFd(unix.POLLOUT, remaining)
		if err != nil {
			return err
		}
		if !ready {
			return ErrCallTimeout
		}
	}
	s.updateWatch()
	return nil
}

// waitFd polls the socket for the given events.
func (s *Socket) waitFd(events int16, timeout time.Duration) (bool, error) {
	pollFds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	for {
		n, err := unix.Poll(pollFds, int(timeout.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

// timeoutReply synthesizes the error reply stored for a timed-out call,
// shaped exactly like a peer's error message so the reply path needs no
// special case.
func timeoutReply(serial uint32, timeout time.Duration) *wire.Message {
	e := wire.NewEncoder(0)
	e.PutString(fmt.Sprintf("method call timed out after %v", timeout))
	return &wire.Message{
		Type:        wire.TypeError,
		ErrorName:   errNoReply,
		ReplySerial: serial,
		Signature:   "s",
		Body:        e.Bytes(),
		Order:       binary.LittleEndian,
	}
}

func closeFds(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}

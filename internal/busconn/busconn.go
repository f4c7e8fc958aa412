// Package busconn wraps a live bus endpoint: it owns the event dispatcher,
// tracks in-flight method calls by opaque tokens, and provides the
// thread-safe wrappers that bounce every endpoint call onto the event-loop
// goroutine.
package busconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-ipcbus/internal/busio"
	"github.com/ehrlich-b/go-ipcbus/internal/constants"
	"github.com/ehrlich-b/go-ipcbus/internal/eventloop"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
	"github.com/ehrlich-b/go-ipcbus/internal/transport"
	"github.com/ehrlich-b/go-ipcbus/internal/wire"
)

var (
	// ErrNotConnected is returned when an operation needs a live bus.
	ErrNotConnected = errors.New("busconn: not connected")

	// ErrReplyWait is returned when GetReply hits the safety bound.
	ErrReplyWait = errors.New("busconn: exceeded maximum timeout waiting for reply")

	// ErrUnknownToken is returned for a token not present in the table.
	ErrUnknownToken = errors.New("busconn: unknown reply token")
)

// Request-name flag and reply codes from the D-Bus specification.
const (
	nameFlagDoNotQueue    = 0x4
	requestNamePrimary    = 1
	requestNameExists     = 3
	requestNameAlreadyOwn = 4
)

// replySlot holds one token's reply channel. An empty channel is a pending
// token, a buffered message is a ready one; consumed tokens leave the map.
type replySlot struct {
	ch chan *wire.Message
}

// Connection owns one bus endpoint and its event dispatcher.
type Connection struct {
	log        *logging.Logger
	dispatcher *eventloop.Dispatcher

	bus         busio.Bus
	serviceName string
	uniqueName  string

	tokenCounter atomic.Uint64

	repliesMu sync.Mutex
	replies   map[uint64]*replySlot

	handlerMu sync.Mutex
	handler   func(*wire.Message)
}

// New creates a disconnected Connection.
func New(log *logging.Logger) *Connection {
	if log == nil {
		log = logging.Default()
	}
	return &Connection{
		log:        log,
		dispatcher: eventloop.New(log),
		replies:    make(map[uint64]*replySlot),
	}
}

// Connect opens a private connection to the given address (a well-known
// bus selector or a unix:path= address), registers on the bus, and, when
// serviceName is non-empty, claims it with do-not-queue semantics. A name
// that cannot be acquired as primary owner is fatal to the connection.
func (c *Connection) Connect(address, serviceName string) error {
	if c.bus != nil {
		return errors.New("busconn: already connected")
	}

	sock, err := transport.Dial(address, c.log)
	if err != nil {
		return err
	}
	if err := c.completeConnect(sock, serviceName); err != nil {
		_ = sock.Close()
		return err
	}
	return nil
}

// ConnectWithBus attaches to an already-dialled endpoint. Split out from
// Connect so tests can drive the connection over their own endpoint.
func (c *Connection) ConnectWithBus(bus busio.Bus, serviceName string) error {
	if c.bus != nil {
		return errors.New("busconn: already connected")
	}
	if err := c.completeConnect(bus, serviceName); err != nil {
		_ = bus.Close()
		return err
	}
	return nil
}

func (c *Connection) completeConnect(bus busio.Bus, serviceName string) error {
	// Register on the bus before anything else; the daemon refuses all
	// other traffic until Hello.
	reply, err := bus.BlockingCall(daemonCall("Hello"), constants.DefaultMethodCallTimeout)
	if err != nil {
		return fmt.Errorf("busconn: Hello failed: %w", err)
	}
	uniqueName, err := replyString(reply, "Hello")
	reply.CloseFds()
	if err != nil {
		return err
	}

	if serviceName != "" {
		if err := c.reserveServiceName(bus, serviceName); err != nil {
			return err
		}
	}

	bus.SetFilter(c.filterMessage)
	c.bus = bus
	c.uniqueName = uniqueName
	c.serviceName = serviceName

	if err := c.dispatcher.Start(bus); err != nil {
		bus.SetFilter(nil)
		c.bus = nil
		c.uniqueName = ""
		c.serviceName = ""
		return fmt.Errorf("busconn: failed to start event dispatcher: %w", err)
	}
	return nil
}

// reserveServiceName checks the name is unowned and requests it without
// queueing.
func (c *Connection) reserveServiceName(bus busio.Bus, name string) error {
	reply, err := bus.BlockingCall(daemonCall("NameHasOwner", name), constants.DefaultMethodCallTimeout)
	if err != nil {
		return fmt.Errorf("busconn: NameHasOwner failed: %w", err)
	}
	hasOwner, err := replyBool(reply, "NameHasOwner")
	reply.CloseFds()
	if err != nil {
		return err
	}
	if hasOwner {
		return fmt.Errorf("busconn: bus name %q already reserved", name)
	}

	reply, err = bus.BlockingCall(daemonCall("RequestName", name, uint32(nameFlagDoNotQueue)),
		constants.DefaultMethodCallTimeout)
	if err != nil {
		return fmt.Errorf("busconn: RequestName failed: %w", err)
	}
	code, err := replyU32(reply, "RequestName")
	reply.CloseFds()
	if err != nil {
		return err
	}
	if code != requestNamePrimary && code != requestNameAlreadyOwn {
		return fmt.Errorf("busconn: primary ownership not granted for bus name %q (code %d)", name, code)
	}
	return nil
}

// Disconnect stops the dispatcher, removes the filter, releases the
// service name if held, flushes and closes the endpoint, and consumes
// every live reply token, releasing any stored messages.
func (c *Connection) Disconnect() {
	if c.bus == nil {
		c.log.Errorf("not connected")
		return
	}

	if c.dispatcher.Running() {
		c.dispatcher.Stop()
	}
	c.bus.SetFilter(nil)

	// The loop is down; the endpoint can be driven directly now.
	if c.serviceName != "" {
		if _, err := c.bus.BlockingCall(daemonCall("ReleaseName", c.serviceName),
			constants.DefaultMethodCallTimeout); err != nil {
			c.log.Errorf("failed to release name %q: %v", c.serviceName, err)
		}
		c.serviceName = ""
	}

	if err := c.bus.Flush(); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.log.Errorf("failed to flush connection: %v", err)
	}
	if err := c.bus.Close(); err != nil {
		c.log.Errorf("failed to close endpoint: %v", err)
	}
	c.bus = nil
	c.uniqueName = ""

	c.repliesMu.Lock()
	if len(c.replies) > 0 {
		c.log.Warnf("outstanding replies left over, cleaning up")
	}
	for _, slot := range c.replies {
		select {
		case msg := <-slot.ch:
			if msg != nil {
				msg.CloseFds()
			}
		default:
		}
		close(slot.ch)
	}
	c.replies = make(map[uint64]*replySlot)
	c.repliesMu.Unlock()
}

// Connected reports whether a live bus is attached.
func (c *Connection) Connected() bool {
	return c.bus != nil
}

// UniqueName returns the unique bus name assigned at registration.
func (c *Connection) UniqueName() string {
	return c.uniqueName
}

// ServiceName returns the claimed well-known name, if any.
func (c *Connection) ServiceName() string {
	return c.serviceName
}

// RegisterMessageHandler installs (or clears) the handler invoked on the
// event-loop goroutine for every inbound message.
func (c *Connection) RegisterMessageHandler(handler func(*wire.Message)) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()

	if c.dispatcher.Running() {
		_ = c.Flush()
	}
}

func (c *Connection) filterMessage(msg *wire.Message) {
	c.handlerMu.Lock()
	handler := c.handler
	c.handlerMu.Unlock()

	if handler == nil {
		c.log.Debugf("no handler installed for bus messages")
		return
	}
	handler(msg)
}

// SendMessageWithReply queues a method call on the event loop and returns
// the token its reply will be stored under. Token zero means failure.
func (c *Connection) SendMessageWithReply(msg *wire.Message, timeout time.Duration) (uint64, error) {
	if c.bus == nil {
		return 0, ErrNotConnected
	}

	var token uint64
	var sendErr error
	worker := func() {
		t := c.tokenCounter.Add(1)
		slot := &replySlot{ch: make(chan *wire.Message, 1)}

		c.repliesMu.Lock()
		c.replies[t] = slot
		c.repliesMu.Unlock()

		_, err := c.bus.SendWithReply(msg, timeout, func(reply *wire.Message) {
			c.storeReply(t, reply)
		})
		if err != nil {
			c.repliesMu.Lock()
			delete(c.replies, t)
			c.repliesMu.Unlock()
			sendErr = err
			return
		}
		token = t
	}

	if err := c.dispatcher.RunOnEventLoop(worker); err != nil {
		return 0, fmt.Errorf("busconn: failed to execute worker on event loop: %w", err)
	}
	return token, sendErr
}

// SendMessageNoReply queues a message with no reply tracking.
func (c *Connection) SendMessageNoReply(msg *wire.Message) error {
	if c.bus == nil {
		return ErrNotConnected
	}

	var sendErr error
	if err := c.dispatcher.RunOnEventLoop(func() {
		msg.Flags |= wire.FlagNoReplyExpected
		sendErr = c.bus.Send(msg)
	}); err != nil {
		return fmt.Errorf("busconn: failed to execute worker on event loop: %w", err)
	}
	return sendErr
}

// storeReply moves a completed call's reply into its token slot. Runs on
// the event-loop goroutine.
func (c *Connection) storeReply(token uint64, reply *wire.Message) {
	c.repliesMu.Lock()
	slot, ok := c.replies[token]
	c.repliesMu.Unlock()
	if !ok {
		// Token was cancelled while the reply was in flight.
		reply.CloseFds()
		return
	}
	slot.ch <- reply
}

// GetReply blocks until the token's reply arrives and consumes the token.
// A safety bound guards against the reply machinery losing a completion;
// hitting it consumes the token and returns ErrReplyWait.
func (c *Connection) GetReply(token uint64) (*wire.Message, error) {
	c.repliesMu.Lock()
	slot, ok := c.replies[token]
	c.repliesMu.Unlock()
	if !ok {
		return nil, ErrUnknownToken
	}

	timer := time.NewTimer(constants.MaxReplyWait)
	defer timer.Stop()

	select {
	case msg, open := <-slot.ch:
		c.repliesMu.Lock()
		delete(c.replies, token)
		c.repliesMu.Unlock()
		if !open || msg == nil {
			return nil, ErrNotConnected
		}
		return msg, nil
	case <-timer.C:
		c.log.Errorf("exceeded maximum timeout waiting for reply (%v)", constants.MaxReplyWait)
		c.repliesMu.Lock()
		delete(c.replies, token)
		// Drain a reply that raced the timeout so its descriptors are not
		// leaked.
		select {
		case msg := <-slot.ch:
			if msg != nil {
				msg.CloseFds()
			}
		default:
		}
		c.repliesMu.Unlock()
		return nil, ErrReplyWait
	}
}

// CancelReply consumes a token without waiting, releasing any stored
// reply.
func (c *Connection) CancelReply(token uint64) bool {
	c.repliesMu.Lock()
	defer c.repliesMu.Unlock()

	slot, ok := c.replies[token]
	if !ok {
		c.log.Errorf("token %d is not in the reply table", token)
		return false
	}
	delete(c.replies, token)
	select {
	case msg := <-slot.ch:
		if msg != nil {
			msg.CloseFds()
		}
	default:
	}
	return true
}

// NameHasOwner asks the bus daemon whether name currently has an owner.
func (c *Connection) NameHasOwner(name string) (bool, error) {
	var owned bool
	err := c.daemonRequest("NameHasOwner", daemonCall("NameHasOwner", name),
		func(reply *wire.Message) error {
			var err error
			owned, err = replyBool(reply, "NameHasOwner")
			return err
		})
	return owned, err
}

// GetUnixUser resolves the unix uid of the given bus name's owner.
func (c *Connection) GetUnixUser(name string) (uint32, error) {
	var uid uint32
	err := c.daemonRequest("GetUnixUser", daemonCall("GetConnectionUnixUser", name),
		func(reply *wire.Message) error {
			var err error
			uid, err = replyU32(reply, "GetConnectionUnixUser")
			return err
		})
	return uid, err
}

// AddMatch installs a match rule with the bus daemon.
func (c *Connection) AddMatch(rule string) error {
	return c.daemonRequest("AddMatch", daemonCall("AddMatch", rule), nil)
}

// RemoveMatch removes a previously added match rule.
func (c *Connection) RemoveMatch(rule string) error {
	return c.daemonRequest("RemoveMatch", daemonCall("RemoveMatch", rule), nil)
}

// Flush drains the outbound queue from the event-loop goroutine.
func (c *Connection) Flush() error {
	if c.bus == nil {
		return ErrNotConnected
	}
	var flushErr error
	if err := c.dispatcher.RunOnEventLoop(func() {
		flushErr = c.bus.Flush()
	}); err != nil {
		return err
	}
	return flushErr
}

// daemonRequest runs a blocking bus-daemon call on the event loop and
// hands the reply to parse.
func (c *Connection) daemonRequest(op string, msg *wire.Message, parse func(*wire.Message) error) error {
	if c.bus == nil {
		return ErrNotConnected
	}

	var callErr error
	worker := func() {
		reply, err := c.bus.BlockingCall(msg, constants.DefaultMethodCallTimeout)
		if err != nil {
			callErr = fmt.Errorf("busconn: %s failed: %w", op, err)
			return
		}
		defer reply.CloseFds()
		if reply.Type == wire.TypeError {
			callErr = daemonError(op, reply)
			return
		}
		if parse != nil {
			callErr = parse(reply)
		}
	}

	if err := c.dispatcher.RunOnEventLoop(worker); err != nil {
		return fmt.Errorf("busconn: failed to execute worker on event loop: %w", err)
	}
	return callErr
}

// daemonCall builds a method call on the bus daemon with string and u32
// arguments.
func daemonCall(member string, args ...any) *wire.Message {
	e := wire.NewEncoder(0)
	sig := ""
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			sig += "s"
			e.PutString(v)
		case uint32:
			sig += "u"
			e.PutU32(v)
		}
	}
	return &wire.Message{
		Type:        wire.TypeMethodCall,
		Destination: constants.BusDaemonService,
		Path:        constants.BusDaemonObject,
		Interface:   constants.BusDaemonInterface,
		Member:      member,
		Signature:   sig,
		Body:        e.Bytes(),
		Order:       binary.LittleEndian,
	}
}

func daemonError(op string, reply *wire.Message) error {
	detail := ""
	if len(reply.Signature) > 0 && reply.Signature[0] == 's' {
		d := wire.NewDecoder(reply.Body, 0, reply.Order)
		if s, err := d.String(); err == nil {
			detail = ": " + s
		}
	}
	return fmt.Errorf("busconn: %s failed with %s%s", op, reply.ErrorName, detail)
}

func replyString(reply *wire.Message, op string) (string, error) {
	if reply.Type == wire.TypeError {
		return "", daemonError(op, reply)
	}
	if len(reply.Signature) == 0 || reply.Signature[0] != 's' {
		return "", fmt.Errorf("busconn: unexpected %s reply signature %q", op, reply.Signature)
	}
	d := wire.NewDecoder(reply.Body, 0, reply.Order)
	return d.String()
}

func replyU32(reply *wire.Message, op string) (uint32, error) {
	if reply.Type == wire.TypeError {
		return 0, daemonError(op, reply)
	}
	if len(reply.Signature) == 0 || reply.Signature[0] != 'u' {
		return 0, fmt.Errorf("busconn: unexpected %s reply signature %q", op, reply.Signature)
	}
	d := wire.NewDecoder(reply.Body, 0, reply.Order)
	return d.U32()
}

func replyBool(reply *wire.Message, op string) (bool, error) {
	if reply.Type == wire.TypeError {
		return false, daemonError(op, reply)
	}
	if len(reply.Signature) == 0 || reply.Signature[0] != 'b' {
		return false, fmt.Errorf("busconn: unexpected %s reply signature %q", op, reply.Signature)
	}
	d := wire.NewDecoder(reply.Body, 0, reply.Order)
	return d.Bool()
}

package ipcbus

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-ipcbus/internal/busconn"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
	"github.com/ehrlich-b/go-ipcbus/internal/wire"
)

const errNoReplyName = "org.freedesktop.DBus.Error.NoReply"

// AsyncReplyGetter is the handle on one outbound method call. Exactly one
// of GetReply or Close consumes the underlying reply token; dropping the
// getter without either leaves the cancellation to Close (call it from a
// defer when the reply may go unread).
type AsyncReplyGetter struct {
	conn    *busconn.Connection
	log     *logging.Logger
	metrics *Metrics
	token   atomic.Uint64
}

func newAsyncReplyGetter(conn *busconn.Connection, log *logging.Logger, metrics *Metrics, token uint64) *AsyncReplyGetter {
	g := &AsyncReplyGetter{conn: conn, log: log, metrics: metrics}
	g.token.Store(token)
	runtime.SetFinalizer(g, (*AsyncReplyGetter).Close)
	return g
}

// GetReply blocks for the reply and returns its arguments. A call that
// timed out, was answered with a bus error, or whose connection was torn
// down returns an error; in every case the token is consumed.
func (g *AsyncReplyGetter) GetReply() (VariantList, error) {
	token := g.token.Swap(0)
	if token == 0 {
		return nil, newError("GetReply", ErrCodeInvalidArgument, "reply already consumed")
	}

	msg, err := g.conn.GetReply(token)
	if err != nil {
		switch err {
		case busconn.ErrReplyWait:
			g.metrics.CallTimeouts.Add(1)
			return nil, wrapError("GetReply", ErrCodeTimeout, "gave up waiting for reply", err)
		case busconn.ErrUnknownToken:
			return nil, wrapError("GetReply", ErrCodeInvalidArgument, "invalid reply token", err)
		default:
			return nil, wrapError("GetReply", ErrCodeNotConnected, "connection torn down", err)
		}
	}
	defer msg.CloseFds()

	switch msg.Type {
	case wire.TypeMethodReturn:
		args, err := demarshalArgs(msg)
		if err != nil {
			return nil, err
		}
		g.metrics.RepliesReceived.Add(1)
		return args, nil
	case wire.TypeError:
		detail := errorDetail(msg)
		if msg.ErrorName == errNoReplyName {
			g.metrics.CallTimeouts.Add(1)
		} else {
			g.metrics.ErrorReplies.Add(1)
		}
		g.log.Errorf("error while waiting for reply - %s (%s)", detail, msg.ErrorName)
		return nil, busError("GetReply", msg.ErrorName, detail)
	default:
		return nil, newError("GetReply", ErrCodeDemarshal, "invalid reply message type")
	}
}

// Close cancels the call if the reply was never consumed, releasing any
// stored reply message. Safe to call more than once.
func (g *AsyncReplyGetter) Close() {
	token := g.token.Swap(0)
	if token == 0 {
		return
	}
	runtime.SetFinalizer(g, nil)
	g.metrics.RepliesDropped.Add(1)
	if !g.conn.CancelReply(token) {
		g.log.Errorf("failed to cancel reply for token %d", token)
	}
}

// errorDetail extracts the conventional first string argument of an error
// reply.
func errorDetail(msg *wire.Message) string {
	if len(msg.Signature) > 0 && msg.Signature[0] == 's' {
		d := wire.NewDecoder(msg.Body, 0, msg.Order)
		if s, err := d.String(); err == nil {
			return s
		}
	}
	return "unknown error"
}

// AsyncReplySender carries one inbound method call to its handler: the
// demarshalled arguments, the sender identity, and the single-shot reply
// path. Dropping a sender without replying is a protocol error; it is
// logged when the sender is finalized or closed.
type AsyncReplySender struct {
	conn    *busconn.Connection
	log     *logging.Logger
	metrics *Metrics

	senderName  string
	replySerial uint32
	args        VariantList

	replied atomic.Bool

	uidMu     sync.Mutex
	uidCached bool
	uid       uint32
}

func newAsyncReplySender(conn *busconn.Connection, log *logging.Logger, metrics *Metrics,
	senderName string, replySerial uint32, args VariantList) *AsyncReplySender {
	s := &AsyncReplySender{
		conn:        conn,
		log:         log,
		metrics:     metrics,
		senderName:  senderName,
		replySerial: replySerial,
		args:        args,
	}
	runtime.SetFinalizer(s, (*AsyncReplySender).finalize)
	return s
}

// Arguments returns the demarshalled method-call arguments. Descriptor
// arguments are owned by the handler; close them when done.
func (s *AsyncReplySender) Arguments() VariantList {
	return s.args
}

// SendReply marshals the arguments into the reply message and sends it.
// Only the first call sends; subsequent calls fail.
func (s *AsyncReplySender) SendReply(replyArgs VariantList) error {
	if !s.replied.CompareAndSwap(false, true) {
		return newError("SendReply", ErrCodeInvalidArgument, "reply already sent")
	}
	runtime.SetFinalizer(s, nil)

	sig, body, fds, err := marshalArgs(replyArgs)
	if err != nil {
		return err
	}
	msg := &wire.Message{
		Type:        wire.TypeMethodReturn,
		Destination: s.senderName,
		ReplySerial: s.replySerial,
		Signature:   sig,
		Body:        body,
		Fds:         fds,
		Order:       binary.LittleEndian,
	}
	if err := s.conn.SendMessageNoReply(msg); err != nil {
		return wrapError("SendReply", ErrCodeBus, "failed to send reply", err)
	}
	s.metrics.RepliesSent.Add(1)
	return nil
}

// SenderName returns the unique bus name of the caller.
func (s *AsyncReplySender) SenderName() string {
	return s.senderName
}

// SenderUid resolves the caller's unix uid, fetching it from the bus on
// the first call and caching it.
func (s *AsyncReplySender) SenderUid() (uint32, error) {
	s.uidMu.Lock()
	defer s.uidMu.Unlock()

	if s.uidCached {
		return s.uid, nil
	}
	if s.senderName == "" {
		return 0, newError("SenderUid", ErrCodeInvalidArgument, "no sender name stored")
	}
	uid, err := s.conn.GetUnixUser(s.senderName)
	if err != nil {
		return 0, wrapError("SenderUid", ErrCodeBus, "failed to resolve sender uid", err)
	}
	s.uid = uid
	s.uidCached = true
	return uid, nil
}

// Close drops the call without replying, logging the protocol error.
func (s *AsyncReplySender) Close() {
	if s.replied.CompareAndSwap(false, true) {
		runtime.SetFinalizer(s, nil)
		s.log.Warnf("method call from %s dropped without a reply", s.senderName)
	}
}

func (s *AsyncReplySender) finalize() {
	if !s.replied.Load() {
		s.log.Warnf("method call from %s dropped without a reply", s.senderName)
	}
}

package ipcbus

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ipcbus/internal/wire"
)

// MockPackageManager provides an in-memory PackageManager for testing and
// examples.
type MockPackageManager struct {
	mu   sync.Mutex
	apps map[string]PackageMetadata
}

// NewMockPackageManager creates an empty mock.
func NewMockPackageManager() *MockPackageManager {
	return &MockPackageManager{apps: make(map[string]PackageMetadata)}
}

// Install registers a package.
func (m *MockPackageManager) Install(md PackageMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[md.AppID] = md
}

// Uninstall removes a package.
func (m *MockPackageManager) Uninstall(appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, appID)
}

// LoadedAppIDs implements PackageManager.
func (m *MockPackageManager) LoadedAppIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.apps))
	for id := range m.apps {
		ids = append(ids, id)
	}
	return ids
}

// Metadata implements PackageManager.
func (m *MockPackageManager) Metadata(appID string) (PackageMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.apps[appID]
	return md, ok
}

// TestDaemon is a minimal in-process bus daemon speaking enough of the
// wire protocol for tests and examples: SASL EXTERNAL auth, the daemon
// methods the connection layer uses, and message routing between its
// connections (including fd passing). It is not a general-purpose bus.
type TestDaemon struct {
	listener   *net.UnixListener
	socketPath string

	serial atomic.Uint32

	mu      sync.Mutex
	conns   map[*daemonConn]struct{}
	names   map[string]*daemonConn // unique and well-known names
	uids    map[string]uint32      // name → uid override
	nextID  int
	closed  bool
	wg      sync.WaitGroup
}

// StartTestDaemon listens on a fresh socket under dir.
func StartTestDaemon(dir string) (*TestDaemon, error) {
	socketPath := filepath.Join(dir, "bus.sock")
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, err
	}
	d := &TestDaemon{
		listener:   listener,
		socketPath: socketPath,
		conns:      make(map[*daemonConn]struct{}),
		names:      make(map[string]*daemonConn),
		uids:       make(map[string]uint32),
	}
	d.wg.Add(1)
	go d.acceptLoop()
	return d, nil
}

// Address returns the bus address clients should connect to.
func (d *TestDaemon) Address() string {
	return "unix:path=" + d.socketPath
}

// SetUid overrides the uid reported for the owner of name (unique or
// well-known).
func (d *TestDaemon) SetUid(name string, uid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uids[name] = uid
}

// EmitNameOwnerChanged broadcasts a NameOwnerChanged signal to every
// connection, as the daemon does when a name changes hands.
func (d *TestDaemon) EmitNameOwnerChanged(name, oldOwner, newOwner string) {
	e := wire.NewEncoder(0)
	e.PutString(name)
	e.PutString(oldOwner)
	e.PutString(newOwner)
	msg := &wire.Message{
		Type:      wire.TypeSignal,
		Sender:    "org.freedesktop.DBus",
		Path:      "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus",
		Member:    "NameOwnerChanged",
		Signature: "sss",
		Body:      e.Bytes(),
		Order:     binary.LittleEndian,
	}
	d.broadcast(msg)
}

// Close shuts the daemon down and closes every connection.
func (d *TestDaemon) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conns := make([]*daemonConn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	_ = d.listener.Close()
	for _, c := range conns {
		_ = c.conn.Close()
	}
	d.wg.Wait()
	_ = os.Remove(d.socketPath)
}

func (d *TestDaemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.AcceptUnix()
		if err != nil {
			return
		}
		c := &daemonConn{daemon: d, conn: conn}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = conn.Close()
			return
		}
		d.conns[c] = struct{}{}
		d.mu.Unlock()

		d.wg.Add(1)
		go c.serve()
	}
}

func (d *TestDaemon) nextSerial() uint32 {
	return d.serial.Add(1)
}

// resolve maps a unique or well-known name to its connection.
func (d *TestDaemon) resolve(name string) *daemonConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.names[name]
}

// uidFor returns the uid reported for a name's owner.
func (d *TestDaemon) uidFor(name string, owner *daemonConn) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uid, ok := d.uids[name]; ok {
		return uid
	}
	if uid, ok := d.uids[owner.uniqueName]; ok {
		return uid
	}
	return uint32(os.Getuid())
}

func (d *TestDaemon) broadcast(msg *wire.Message) {
	d.mu.Lock()
	conns := make([]*daemonConn, 0, len(d.conns))
	for c := range d.conns {
		if c.uniqueName != "" {
			conns = append(conns, c)
		}
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.writeMessage(msg)
	}
}

// dropConn removes a closed connection and announces its names leaving
// the bus.
func (d *TestDaemon) dropConn(c *daemonConn) {
	d.mu.Lock()
	delete(d.conns, c)
	var released []string
	for name, owner := range d.names {
		if owner == c {
			delete(d.names, name)
			released = append(released, name)
		}
	}
	closed := d.closed
	d.mu.Unlock()

	if !closed {
		for _, name := range released {
			d.EmitNameOwnerChanged(name, name, "")
		}
	}
}

// daemonConn is one authenticated client connection.
type daemonConn struct {
	daemon *TestDaemon
	conn   *net.UnixConn

	uniqueName string

	writeMu sync.Mutex

	rxBuf []byte
	rxFds []int
}

func (c *daemonConn) serve() {
	defer c.daemon.wg.Done()
	defer c.daemon.dropConn(c)
	defer c.conn.Close()

	if err := c.serverAuth(); err != nil {
		return
	}

	buf := make([]byte, 4096)
	oob := make([]byte, 1024)
	for {
		n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			return
		}
		if oobn > 0 {
			scms, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err == nil {
				for i := range scms {
					if fds, err := unix.ParseUnixRights(&scms[i]); err == nil {
						c.rxFds = append(c.rxFds, fds...)
					}
				}
			}
		}
		c.rxBuf = append(c.rxBuf, buf[:n]...)
		c.parseFrames()
	}
}

func (c *daemonConn) parseFrames() {
	for {
		size, err := wire.Size(c.rxBuf)
		if err != nil {
			return
		}
		if len(c.rxBuf) < size {
			return
		}
		frame := make([]byte, size)
		copy(frame, c.rxBuf[:size])
		c.rxBuf = c.rxBuf[size:]

		msg, err := wire.Unmarshal(frame)
		if err != nil {
			continue
		}
		if msg.AnnouncedFds > 0 && msg.AnnouncedFds <= len(c.rxFds) {
			msg.Fds = c.rxFds[:msg.AnnouncedFds]
			c.rxFds = append([]int(nil), c.rxFds[msg.AnnouncedFds:]...)
		}
		c.handleMessage(msg)
	}
}

func (c *daemonConn) handleMessage(msg *wire.Message) {
	if msg.Destination == "org.freedesktop.DBus" && msg.Type == wire.TypeMethodCall {
		c.handleDaemonCall(msg)
		msg.CloseFds()
		return
	}

	msg.Sender = c.uniqueName
	switch msg.Type {
	case wire.TypeSignal:
		c.daemon.broadcast(msg)
		msg.CloseFds()
	case wire.TypeMethodCall:
		dest := c.daemon.resolve(msg.Destination)
		if dest == nil {
			c.sendError(msg, "org.freedesktop.DBus.Error.ServiceUnknown",
				fmt.Sprintf("the name %s has no owner", msg.Destination))
			msg.CloseFds()
			return
		}
		dest.writeMessage(msg)
		msg.CloseFds()
	case wire.TypeMethodReturn, wire.TypeError:
		if dest := c.daemon.resolve(msg.Destination); dest != nil {
			dest.writeMessage(msg)
		}
		msg.CloseFds()
	}
}

func (c *daemonConn) handleDaemonCall(msg *wire.Message) {
	args := decodeStringArgs(msg)
	switch msg.Member {
	case "Hello":
		c.daemon.mu.Lock()
		c.daemon.nextID++
		c.uniqueName = fmt.Sprintf(":1.%d", c.daemon.nextID)
		c.daemon.names[c.uniqueName] = c
		c.daemon.mu.Unlock()
		c.sendReply(msg, "s", func(e *wire.Encoder) { e.PutString(c.uniqueName) })

	case "RequestName":
		if len(args) < 1 {
			c.sendError(msg, "org.freedesktop.DBus.Error.InvalidArgs", "missing name")
			return
		}
		name := args[0]
		var code uint32
		c.daemon.mu.Lock()
		owner, owned := c.daemon.names[name]
		switch {
		case owned && owner == c:
			code = 4 // already owner
		case owned:
			code = 3 // exists
		default:
			c.daemon.names[name] = c
			code = 1 // primary owner
		}
		c.daemon.mu.Unlock()
		c.sendReply(msg, "u", func(e *wire.Encoder) { e.PutU32(code) })

	case "ReleaseName":
		if len(args) >= 1 {
			c.daemon.mu.Lock()
			if c.daemon.names[args[0]] == c {
				delete(c.daemon.names, args[0])
			}
			c.daemon.mu.Unlock()
		}
		c.sendReply(msg, "u", func(e *wire.Encoder) { e.PutU32(1) })

	case "NameHasOwner":
		owned := false
		if len(args) >= 1 {
			owned = c.daemon.resolve(args[0]) != nil
		}
		c.sendReply(msg, "b", func(e *wire.Encoder) { e.PutBool(owned) })

	case "GetConnectionUnixUser":
		if len(args) < 1 {
			c.sendError(msg, "org.freedesktop.DBus.Error.InvalidArgs", "missing name")
			return
		}
		owner := c.daemon.resolve(args[0])
		if owner == nil {
			c.sendError(msg, "org.freedesktop.DBus.Error.NameHasNoOwner",
				fmt.Sprintf("could not get uid of name '%s': no such name", args[0]))
			return
		}
		uid := c.daemon.uidFor(args[0], owner)
		c.sendReply(msg, "u", func(e *wire.Encoder) { e.PutU32(uid) })

	case "AddMatch", "RemoveMatch":
		c.sendReply(msg, "", nil)

	default:
		c.sendError(msg, "org.freedesktop.DBus.Error.UnknownMethod",
			fmt.Sprintf("method %s is not implemented by the test daemon", msg.Member))
	}
}

func (c *daemonConn) sendReply(to *wire.Message, sig string, encode func(*wire.Encoder)) {
	reply := &wire.Message{
		Type:        wire.TypeMethodReturn,
		Sender:      "org.freedesktop.DBus",
		Destination: c.uniqueName,
		ReplySerial: to.Serial,
		Signature:   sig,
		Order:       binary.LittleEndian,
	}
	if encode != nil {
		e := wire.NewEncoder(0)
		encode(e)
		reply.Body = e.Bytes()
	}
	c.writeMessage(reply)
}

func (c *daemonConn) sendError(to *wire.Message, name, text string) {
	e := wire.NewEncoder(0)
	e.PutString(text)
	c.writeMessage(&wire.Message{
		Type:        wire.TypeError,
		Sender:      "org.freedesktop.DBus",
		Destination: c.uniqueName,
		ErrorName:   name,
		ReplySerial: to.Serial,
		Signature:   "s",
		Body:        e.Bytes(),
		Order:       binary.LittleEndian,
	})
}

// writeMessage marshals and writes one message, preserving the original
// serial when set and attaching any descriptors.
func (c *daemonConn) writeMessage(msg *wire.Message) {
	out := *msg
	if out.Serial == 0 {
		out.Serial = c.daemon.nextSerial()
	}
	frame, err := out.Marshal()
	if err != nil {
		return
	}
	var oob []byte
	if len(out.Fds) > 0 {
		oob = unix.UnixRights(out.Fds...)
	}
	c.writeMu.Lock()
	_, _, _ = c.conn.WriteMsgUnix(frame, oob, nil)
	c.writeMu.Unlock()
}

// serverAuth performs the daemon side of the SASL exchange.
func (c *daemonConn) serverAuth() error {
	var nul [1]byte
	if _, err := c.conn.Read(nul[:]); err != nil {
		return err
	}
	for {
		line, err := c.readLine()
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(line, "AUTH EXTERNAL"):
			if err := c.writeLine("OK 1234deadbeefcafe5678"); err != nil {
				return err
			}
		case line == "NEGOTIATE_UNIX_FD":
			if err := c.writeLine("AGREE_UNIX_FD"); err != nil {
				return err
			}
		case line == "BEGIN":
			return nil
		default:
			if err := c.writeLine("ERROR"); err != nil {
				return err
			}
		}
	}
}

// readLine reads one CR-LF line a byte at a time so no frame bytes are
// over-read before BEGIN.
func (c *daemonConn) readLine() (string, error) {
	var line []byte
	var b [1]byte
	for {
		if _, err := c.conn.Read(b[:]); err != nil {
			return "", err
		}
		line = append(line, b[0])
		if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
			return string(line[:len(line)-2]), nil
		}
		if len(line) > 512 {
			return "", fmt.Errorf("auth line too long")
		}
	}
}

func (c *daemonConn) writeLine(line string) error {
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

// decodeStringArgs extracts the leading string arguments of a daemon call.
func decodeStringArgs(msg *wire.Message) []string {
	var out []string
	d := wire.NewDecoder(msg.Body, 0, msg.Order)
	for _, ch := range msg.Signature {
		if ch != 's' {
			break
		}
		s, err := d.String()
		if err != nil {
			break
		}
		out = append(out, s)
	}
	return out
}

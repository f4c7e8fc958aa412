package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// MsgType is the D-Bus message type byte.
type MsgType uint8

const (
	TypeInvalid      MsgType = 0
	TypeMethodCall   MsgType = 1
	TypeMethodReturn MsgType = 2
	TypeError        MsgType = 3
	TypeSignal       MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Flags is the D-Bus message flag byte.
type Flags uint8

const (
	FlagNoReplyExpected Flags = 1 << 0
	FlagNoAutoStart     Flags = 1 << 1
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFds     = 9
)

const (
	// FixedHeaderSize is the length of the fixed part of the header.
	FixedHeaderSize = 16

	// MaxMessageSize bounds a single message (the bus daemon's own limit).
	MaxMessageSize = 128 * 1024 * 1024

	protocolVersion = 1
)

// Message is a decoded (or to-be-encoded) D-Bus message. Body holds the raw
// argument bytes described by Signature; Fds holds descriptors received (or
// to be sent) out-of-band. A message that was received from the bus owns
// the descriptors in Fds until CloseFds is called.
type Message struct {
	Type  MsgType
	Flags Flags

	Serial      uint32
	ReplySerial uint32

	Path        string
	Interface   string
	Member      string
	ErrorName   string
	Destination string
	Sender      string

	Signature string
	Body      []byte
	Fds       []int

	// AnnouncedFds is the UNIX_FDS header count of an inbound frame; the
	// transport attaches exactly this many received descriptors to Fds.
	AnnouncedFds int

	// Order is the byte order the body was received in. Outbound messages
	// are always little-endian.
	Order binary.ByteOrder
}

// Marshal encodes the message (header + body) as a little-endian frame.
// The caller must have set Serial.
func (m *Message) Marshal() ([]byte, error) {
	if m.Type == TypeInvalid || m.Type > TypeSignal {
		return nil, fmt.Errorf("%w: bad message type %d", ErrInvalid, m.Type)
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return nil, fmt.Errorf("%w: method call needs path and member", ErrInvalid)
		}
	case TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return nil, fmt.Errorf("%w: signal needs path, interface and member", ErrInvalid)
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return nil, fmt.Errorf("%w: method return needs reply serial", ErrInvalid)
		}
	case TypeError:
		if m.ErrorName == "" || m.ReplySerial == 0 {
			return nil, fmt.Errorf("%w: error needs name and reply serial", ErrInvalid)
		}
	}

	e := NewEncoder(0)
	e.PutByte('l')
	e.PutByte(byte(m.Type))
	e.PutByte(byte(m.Flags))
	e.PutByte(protocolVersion)
	e.PutU32(uint32(len(m.Body)))
	e.PutU32(m.Serial)

	fields := NewEncoder(FixedHeaderSize)
	putStrField := func(code byte, sig, value string) {
		if value == "" {
			return
		}
		fields.Align(8)
		fields.PutByte(code)
		_ = fields.PutSignature(sig)
		if sig == "g" {
			_ = fields.PutSignature(value)
		} else {
			fields.PutString(value)
		}
	}
	putU32Field := func(code byte, value uint32) {
		fields.Align(8)
		fields.PutByte(code)
		_ = fields.PutSignature("u")
		fields.PutU32(value)
	}

	putStrField(fieldPath, "o", m.Path)
	putStrField(fieldInterface, "s", m.Interface)
	putStrField(fieldMember, "s", m.Member)
	putStrField(fieldErrorName, "s", m.ErrorName)
	if m.ReplySerial != 0 {
		putU32Field(fieldReplySerial, m.ReplySerial)
	}
	putStrField(fieldDestination, "s", m.Destination)
	putStrField(fieldSender, "s", m.Sender)
	putStrField(fieldSignature, "g", m.Signature)
	if len(m.Fds) > 0 {
		putU32Field(fieldUnixFds, uint32(len(m.Fds)))
	}

	e.PutU32(uint32(fields.Len()))
	e.PutRaw(fields.Bytes())
	e.Align(8)
	e.PutRaw(m.Body)

	out := e.Bytes()
	if len(out) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message exceeds maximum size", ErrInvalid)
	}
	return out, nil
}

// Size returns the total frame length described by a fixed-header prefix
// (at least FixedHeaderSize bytes), or an error if the prefix is malformed.
func Size(prefix []byte) (int, error) {
	if len(prefix) < FixedHeaderSize {
		return 0, ErrShortData
	}
	order, err := byteOrder(prefix[0])
	if err != nil {
		return 0, err
	}
	if prefix[3] != protocolVersion {
		return 0, fmt.Errorf("%w: protocol version %d", ErrInvalid, prefix[3])
	}
	bodyLen := int(order.Uint32(prefix[4:8]))
	fieldsLen := int(order.Uint32(prefix[12:16]))
	headerLen := FixedHeaderSize + fieldsLen
	if rem := headerLen % 8; rem != 0 {
		headerLen += 8 - rem
	}
	total := headerLen + bodyLen
	if total > MaxMessageSize || bodyLen < 0 || fieldsLen < 0 {
		return 0, fmt.Errorf("%w: message exceeds maximum size", ErrInvalid)
	}
	return total, nil
}

func byteOrder(b byte) (binary.ByteOrder, error) {
	switch b {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: endianness marker %q", ErrInvalid, b)
	}
}

// Unmarshal decodes a complete frame previously sized with Size.
func Unmarshal(frame []byte) (*Message, error) {
	if len(frame) < FixedHeaderSize {
		return nil, ErrShortData
	}
	order, err := byteOrder(frame[0])
	if err != nil {
		return nil, err
	}

	m := &Message{
		Type:  MsgType(frame[1]),
		Flags: Flags(frame[2]),
		Order: order,
	}
	if m.Type == TypeInvalid || m.Type > TypeSignal {
		return nil, fmt.Errorf("%w: bad message type %d", ErrInvalid, frame[1])
	}
	m.Serial = order.Uint32(frame[8:12])

	fieldsLen := int(order.Uint32(frame[12:16]))
	fieldsEnd := FixedHeaderSize + fieldsLen
	if fieldsEnd > len(frame) {
		return nil, ErrShortData
	}

	var fdCount uint32
	d := NewDecoder(frame[FixedHeaderSize:fieldsEnd], FixedHeaderSize, order)
	for d.Remaining() > 0 {
		if err := d.Align(8); err != nil {
			return nil, err
		}
		if d.Remaining() == 0 {
			break
		}
		code, err := d.Byte()
		if err != nil {
			return nil, err
		}
		sig, err := d.Signature()
		if err != nil {
			return nil, err
		}
		switch sig {
		case "o", "s":
			s, err := d.String()
			if err != nil {
				return nil, err
			}
			switch code {
			case fieldPath:
				m.Path = s
			case fieldInterface:
				m.Interface = s
			case fieldMember:
				m.Member = s
			case fieldErrorName:
				m.ErrorName = s
			case fieldDestination:
				m.Destination = s
			case fieldSender:
				m.Sender = s
			}
		case "g":
			s, err := d.Signature()
			if err != nil {
				return nil, err
			}
			if code == fieldSignature {
				m.Signature = s
			}
		case "u":
			v, err := d.U32()
			if err != nil {
				return nil, err
			}
			switch code {
			case fieldReplySerial:
				m.ReplySerial = v
			case fieldUnixFds:
				fdCount = v
			}
		default:
			// Unknown field type: skip is not possible without a full
			// signature walker, and the daemon only emits the types above.
			return nil, fmt.Errorf("%w: unexpected header field signature %q", ErrInvalid, sig)
		}
	}
	m.AnnouncedFds = int(fdCount)

	headerLen := fieldsEnd
	if rem := headerLen % 8; rem != 0 {
		headerLen += 8 - rem
	}
	if headerLen > len(frame) {
		return nil, ErrShortData
	}
	m.Body = frame[headerLen:]
	return m, nil
}

// CloseFds closes any descriptors still attached to an inbound message.
// Demarshalling duplicates descriptors into argument values, so once a
// message has been parsed (or dropped) the originals must be released
// exactly once.
func (m *Message) CloseFds() {
	for _, fd := range m.Fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	m.Fds = nil
}

// IsMethodCall reports whether the message is a call of the given interface
// and member.
func (m *Message) IsMethodCall(iface, member string) bool {
	return m.Type == TypeMethodCall && m.Interface == iface && m.Member == member
}

// IsSignal reports whether the message is the given signal.
func (m *Message) IsSignal(iface, member string) bool {
	return m.Type == TypeSignal && m.Interface == iface && m.Member == member
}

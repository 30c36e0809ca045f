package dbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"sync/atomic"
)

// MessageType distinguishes the four D-Bus message kinds (spec §4.2).
type MessageType byte

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
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

// MessageFlag is a bitmask of the per-message flags (spec §4.2).
type MessageFlag byte

const (
	FlagNoReplyExpected MessageFlag = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

const protocolVersion = 1

// headerField codes, per the D-Bus specification's header field table.
const (
	fieldPath = iota + 1
	fieldInterface
	fieldMember
	fieldErrorName
	fieldReplySerial
	fieldDestination
	fieldSender
	fieldSignature
	fieldUnixFDs
)

// Message is a single D-Bus message: a fixed header plus a body encoded
// according to Signature (spec §4.2). Messages are constructed with the
// New*Message factories and are immutable after serial assignment.
type Message struct {
	Type  MessageType
	Flags MessageFlag
	Serial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature
	NumFDs      uint32

	body []byte
	fds  []UnixFD
}

var serialCounter uint32

// nextSerial returns the next process-wide monotonically increasing
// serial, per spec §4.2's "unique, non-zero serial per connection"
// requirement (a single shared counter is a safe over-approximation of
// per-connection uniqueness).
func nextSerial() uint32 {
	return atomic.AddUint32(&serialCounter, 1)
}

// NewMethodCallMessage builds a method_call message targeting path,
// iface, member on the (possibly empty) well-known or unique destination.
func NewMethodCallMessage(destination string, path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}
}

// NewSignalMessage builds a signal message emitted from path/iface/member.
func NewSignalMessage(path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}

// NewMethodReturnMessage builds the method_return reply to call.
func NewMethodReturnMessage(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
}

// NewErrorMessage builds the error reply to call carrying errName and an
// optional human-readable description as its sole string argument.
func NewErrorMessage(call *Message, errName, description string) *Message {
	msg := &Message{
		Type:        TypeError,
		ErrorName:   errName,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if description != "" {
		w := NewWriter()
		_ = w.PushString(description)
		b, _ := w.Bytes()
		msg.body = b
		msg.Signature = "s"
	}
	return msg
}

// SetBody attaches an already-encoded body and its signature to msg,
// along with any Unix FDs referenced from within it.
func (m *Message) SetBody(sig Signature, body []byte, fds []UnixFD) {
	m.Signature = sig
	m.body = body
	m.fds = fds
	m.NumFDs = uint32(len(fds))
}

// EncodeBody runs fn (a populate-the-body callback) against a fresh
// Writer and attaches the result to m.
func (m *Message) EncodeBody(fn func(w *Writer) error) error {
	w := NewWriter()
	if err := fn(w); err != nil {
		return err
	}
	b, err := w.Bytes()
	if err != nil {
		return err
	}
	m.Signature = w.Signature()
	m.body = b
	return nil
}

// Body returns a Reader over m's body, scoped to m.Signature.
func (m *Message) Body() *Reader {
	return NewReader(m.Signature, m.body)
}

// FDs returns the Unix file descriptors carried by m, in the order
// referenced by UnixFD indices in the body.
func (m *Message) FDs() []UnixFD { return m.fds }

// Err returns a *CallError describing m if m is an error message, or
// ErrNotAnError if it is not (spec §4.2's error() on a non-error
// message).
func (m *Message) Err() error {
	if m.Type != TypeError {
		return ErrNotAnError
	}
	desc := ""
	_ = Decode(m.Body(), &desc)
	return NewCallError(m.ErrorName, desc)
}

// assignSerial assigns the next process-wide serial to m if it has none.
func (m *Message) assignSerial() {
	if m.Serial == 0 {
		m.Serial = nextSerial()
	}
}

// ---------------------------------------------------------------------
// Wire framing
// ---------------------------------------------------------------------

// WriteTo serializes m into the D-Bus wire format (fixed header, header
// fields array, body), assigning it a serial if it doesn't already have
// one.
func (m *Message) WriteTo(buf *bytes.Buffer) error {
	m.assignSerial()

	// The fixed header is written into the same Writer as the header
	// fields so that array and struct alignment is relative to the start
	// of the message, as the wire format requires.
	headerFields := NewWriter()
	hdr := headerFields.cur.buf
	hdr.WriteByte('l') // little-endian
	hdr.WriteByte(byte(m.Type))
	hdr.WriteByte(byte(m.Flags))
	hdr.WriteByte(protocolVersion)
	binary.Write(hdr, binary.LittleEndian, uint32(len(m.body)))
	binary.Write(hdr, binary.LittleEndian, m.Serial)
	sub, err := headerFields.OpenArray("(yv)")
	if err != nil {
		return err
	}
	if m.Path != "" {
		if err := writeHeaderField(sub, fieldPath, "o", m.Path); err != nil {
			return err
		}
	}
	if m.Interface != "" {
		if err := writeHeaderField(sub, fieldInterface, "s", m.Interface); err != nil {
			return err
		}
	}
	if m.Member != "" {
		if err := writeHeaderField(sub, fieldMember, "s", m.Member); err != nil {
			return err
		}
	}
	if m.ErrorName != "" {
		if err := writeHeaderField(sub, fieldErrorName, "s", m.ErrorName); err != nil {
			return err
		}
	}
	if m.ReplySerial != 0 {
		if err := writeHeaderField(sub, fieldReplySerial, "u", m.ReplySerial); err != nil {
			return err
		}
	}
	if m.Destination != "" {
		if err := writeHeaderField(sub, fieldDestination, "s", m.Destination); err != nil {
			return err
		}
	}
	if m.Sender != "" {
		if err := writeHeaderField(sub, fieldSender, "s", m.Sender); err != nil {
			return err
		}
	}
	if len(m.Signature) > 0 {
		if err := writeHeaderField(sub, fieldSignature, "g", m.Signature); err != nil {
			return err
		}
	}
	if m.NumFDs > 0 {
		if err := writeHeaderField(sub, fieldUnixFDs, "u", m.NumFDs); err != nil {
			return err
		}
	}
	if err := headerFields.CloseArray(sub); err != nil {
		return err
	}
	fieldsBytes, err := headerFields.Bytes()
	if err != nil {
		return err
	}

	buf.Write(fieldsBytes)
	for buf.Len()%8 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(m.body)
	return nil
}

func writeHeaderField(w *Writer, code byte, variantSig Signature, value interface{}) error {
	entry, err := w.OpenStruct()
	if err != nil {
		return err
	}
	if err := entry.PushByte(code); err != nil {
		return err
	}
	v, err := entry.OpenVariant(variantSig)
	if err != nil {
		return err
	}
	if err := encodeReflect(v, reflect.ValueOf(value)); err != nil {
		return err
	}
	if err := entry.CloseVariant(v); err != nil {
		return err
	}
	return w.CloseStruct(entry)
}

// headerPrefix holds the fields of the fixed header prefix shared by every
// message: endianness byte, type, flags, protocol version, body length
// and serial. readHeaderPrefix fills it from the first 16 bytes without
// consuming the header fields array.
type headerPrefix struct {
	endian   byte
	msgType  MessageType
	flags    MessageFlag
	version  byte
	bodyLen  uint32
	serial   uint32
}

func readHeaderPrefix(b []byte) (headerPrefix, error) {
	if len(b) < 16 {
		return headerPrefix{}, fmt.Errorf("dbus: %w: short fixed header", ErrInvalidArgument)
	}
	if b[0] != 'l' {
		return headerPrefix{}, fmt.Errorf("dbus: %w: only little-endian wire messages are supported", ErrInvalidArgument)
	}
	return headerPrefix{
		endian:  b[0],
		msgType: MessageType(b[1]),
		flags:   MessageFlag(b[2]),
		version: b[3],
		bodyLen: binary.LittleEndian.Uint32(b[4:8]),
		serial:  binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// headerFieldsArrayLen reads the uint32 array-length prefix for the
// header fields array that immediately follows the 16-byte fixed header.
func headerFieldsArrayLen(b []byte) (uint32, error) {
	if len(b) < 16 {
		return 0, fmt.Errorf("dbus: %w: short fixed header", ErrInvalidArgument)
	}
	return binary.LittleEndian.Uint32(b[12:16]), nil
}

// ParseMessage decodes a complete wire-format message (fixed header +
// header fields + body) from b.
func ParseMessage(b []byte) (*Message, error) {
	prefix, err := readHeaderPrefix(b)
	if err != nil {
		return nil, err
	}
	arrLen, err := headerFieldsArrayLen(b)
	if err != nil {
		return nil, err
	}
	fieldsStart := 16
	fieldsEnd := fieldsStart + int(arrLen)
	if fieldsEnd > len(b) {
		return nil, fmt.Errorf("dbus: %w: header fields array overruns buffer", ErrInvalidArgument)
	}
	// Read from offset 12 (the array length) over the message's own
	// bytes, so alignment is relative to the start of the message.
	r := &Reader{cur: &cursor{data: b[:fieldsEnd], pos: 12}, sig: "a(yv)"}
	arr, err := r.PopArray()
	if err != nil {
		return nil, err
	}

	m := &Message{Type: prefix.msgType, Flags: prefix.flags, Serial: prefix.serial}
	for arr.More() {
		entry, err := arr.Element().PopStruct()
		if err != nil {
			return nil, err
		}
		code, err := entry.PopByte()
		if err != nil {
			return nil, err
		}
		sub, _, err := entry.PopVariant()
		if err != nil {
			return nil, err
		}
		switch code {
		case fieldPath:
			v, err := sub.PopObjectPath()
			if err != nil {
				return nil, err
			}
			m.Path = v
		case fieldInterface:
			v, err := sub.PopString()
			if err != nil {
				return nil, err
			}
			m.Interface = v
		case fieldMember:
			v, err := sub.PopString()
			if err != nil {
				return nil, err
			}
			m.Member = v
		case fieldErrorName:
			v, err := sub.PopString()
			if err != nil {
				return nil, err
			}
			m.ErrorName = v
		case fieldReplySerial:
			v, err := sub.PopUint32()
			if err != nil {
				return nil, err
			}
			m.ReplySerial = v
		case fieldDestination:
			v, err := sub.PopString()
			if err != nil {
				return nil, err
			}
			m.Destination = v
		case fieldSender:
			v, err := sub.PopString()
			if err != nil {
				return nil, err
			}
			m.Sender = v
		case fieldSignature:
			v, err := sub.PopSignature()
			if err != nil {
				return nil, err
			}
			m.Signature = v
		case fieldUnixFDs:
			v, err := sub.PopUint32()
			if err != nil {
				return nil, err
			}
			m.NumFDs = v
		}
	}

	bodyStart := fieldsEnd
	for bodyStart%8 != 0 {
		bodyStart++
	}
	bodyEnd := bodyStart + int(prefix.bodyLen)
	if bodyEnd > len(b) {
		return nil, fmt.Errorf("dbus: %w: body overruns buffer", ErrInvalidArgument)
	}
	m.body = b[bodyStart:bodyEnd]
	return m, nil
}

// RequiredBytes inspects the leading bytes of a not-yet-fully-buffered
// message and reports how many total bytes must be read before
// ParseMessage can succeed, per spec §4.2's length-prefixed framing. It
// returns 0 if b does not yet contain the 16-byte fixed header.
func RequiredBytes(b []byte) int {
	if len(b) < 16 {
		return 0
	}
	arrLen := binary.LittleEndian.Uint32(b[12:16])
	bodyLen := binary.LittleEndian.Uint32(b[4:8])
	fieldsEnd := 16 + int(arrLen)
	bodyStart := fieldsEnd
	for bodyStart%8 != 0 {
		bodyStart++
	}
	return bodyStart + int(bodyLen)
}


package sdbus

import (
	"fmt"
	"io"

	"github.com/sdbus-go/sdbus/fragments"
)

// A MessageType identifies the role a message plays on the bus.
type MessageType byte

const (
	// TypeMethodCall is a request to invoke a method on an object.
	TypeMethodCall MessageType = iota + 1
	// TypeMethodReturn is the successful reply to a method call.
	TypeMethodReturn
	// TypeError is the failure reply to a method call.
	TypeError
	// TypeSignal is a broadcast notification.
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method call"
	case TypeMethodReturn:
		return "method return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// protoVersion is the wire protocol major version this package
// speaks.
const protoVersion = 1

// Wire size limits from the DBus specification.
const (
	// maxMsgBytes is the largest total message the bus will relay.
	maxMsgBytes = 1 << 27
	// maxArrayBytes is the largest any single array can be, the
	// header field block included.
	maxArrayBytes = 1 << 26
)

// Header field keys.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// Message flag bits.
const (
	// flagNoReplyExpected marks a call whose sender does not want a
	// reply of any kind.
	flagNoReplyExpected = 0x1
)

// header is a DBus message header: the fixed 16 byte preamble plus
// the header field array.
type header struct {
	// Order is the byte order the message is encoded in.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type MessageType
	// Flags is the message's flag byte.
	Flags byte
	// Serial is the sender-assigned serial for this message. It must
	// be non-zero.
	Serial uint32
	// BodyLen is the length of the message body, not including the
	// header or the padding between header and body.
	BodyLen uint32

	// Path is the target object for a call, or the source object for
	// a signal. Required for TypeMethodCall and TypeSignal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the source
	// interface for a signal.
	Interface string
	// Member is the method name for a call, or the signal name for a
	// signal. Required for TypeMethodCall and TypeSignal.
	Member string
	// ErrName is the name of the error that occurred. Required for
	// TypeError.
	ErrName string
	// ReplySerial is the serial of the call this message answers.
	// Required for TypeMethodReturn and TypeError.
	ReplySerial uint32
	// Destination is the intended recipient of the message. Required
	// for calls routed through a bus, optional for signals.
	Destination string
	// Sender is the unique name of the sending client. The message
	// bus populates this itself, any sent value is ignored.
	Sender string
	// Signature is the type signature of the message body. Absent
	// when the body is empty.
	Signature Signature
	// NumFDs is the number of file descriptors attached to the
	// message. Absent when no descriptors are attached.
	NumFDs uint32
}

// encodeTo writes the header's wire encoding to e, including the
// trailing padding that aligns the start of the message body.
func (h *header) encodeTo(e *fragments.Encoder) {
	e.Order = h.Order
	e.ByteOrderFlag()
	e.Uint8(byte(h.Type))
	e.Uint8(h.Flags)
	e.Uint8(protoVersion)
	e.Uint32(h.BodyLen)
	e.Uint32(h.Serial)

	// Each field is a (yv) struct: key byte, then the value with its
	// signature.
	fields := e.BeginArray(8)
	field := func(key uint8, sig string) {
		e.Pad(8)
		e.Uint8(key)
		e.Signature(sig)
	}
	if h.Path != "" {
		field(fieldPath, "o")
		e.String(string(h.Path))
	}
	if h.Interface != "" {
		field(fieldInterface, "s")
		e.String(h.Interface)
	}
	if h.Member != "" {
		field(fieldMember, "s")
		e.String(h.Member)
	}
	if h.ErrName != "" {
		field(fieldErrName, "s")
		e.String(h.ErrName)
	}
	if h.ReplySerial != 0 {
		field(fieldReplySerial, "u")
		e.Uint32(h.ReplySerial)
	}
	if h.Destination != "" {
		field(fieldDestination, "s")
		e.String(h.Destination)
	}
	if h.Sender != "" {
		field(fieldSender, "s")
		e.String(h.Sender)
	}
	if h.Signature != "" {
		field(fieldSignature, "g")
		e.Signature(string(h.Signature))
	}
	if h.NumFDs != 0 {
		field(fieldNumFDs, "u")
		e.Uint32(h.NumFDs)
	}
	e.EndArray(fields)
	e.Pad(8)
}

// readHeader reads one message header from r: the fixed preamble, the
// header field array, and the padding that precedes the body.
func readHeader(r io.Reader) (*header, error) {
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	d := &fragments.Decoder{In: fixed[:]}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	h := &header{Order: d.Order}

	// The remaining preamble reads are all within the 16 byte buffer
	// and cannot fail.
	t, _ := d.Uint8()
	h.Type = MessageType(t)
	h.Flags, _ = d.Uint8()
	ver, _ := d.Uint8()
	if ver != protoVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", ver)
	}
	h.BodyLen, _ = d.Uint32()
	h.Serial, _ = d.Uint32()
	fieldsLen, _ := d.Uint32()

	if h.BodyLen > maxMsgBytes {
		return nil, fmt.Errorf("message body too large (%d bytes)", h.BodyLen)
	}
	if fieldsLen > maxArrayBytes {
		return nil, fmt.Errorf("header field array too large (%d bytes)", fieldsLen)
	}

	// The field array starts at offset 16 and the body starts at the
	// next multiple of 8 after the fields end.
	buf := make([]byte, int(fieldsLen+7)&^7)
	if _, err := io.ReadFull(r, buf); err != nil {
		// An EOF after the preamble is a torn message, not a clean
		// disconnect.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	fd := &fragments.Decoder{Order: h.Order, In: buf[:fieldsLen]}
	for fd.Remaining() > 0 {
		if err := h.readField(fd); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// readField decodes one (yv) header field struct and records its
// value. Fields with unknown keys are skipped, as the DBus spec
// requires.
func (h *header) readField(fd *fragments.Decoder) error {
	if err := fd.Pad(8); err != nil {
		return err
	}
	key, err := fd.Uint8()
	if err != nil {
		return err
	}
	sig, err := fd.Signature()
	if err != nil {
		return err
	}
	wantSig := func(want string) error {
		if sig != want {
			return fmt.Errorf("header field %d has signature %q, want %q", key, sig, want)
		}
		return nil
	}
	switch key {
	case fieldPath:
		if err := wantSig("o"); err != nil {
			return err
		}
		s, err := fd.String()
		if err != nil {
			return err
		}
		h.Path = ObjectPath(s)
	case fieldInterface:
		if err := wantSig("s"); err != nil {
			return err
		}
		if h.Interface, err = fd.String(); err != nil {
			return err
		}
	case fieldMember:
		if err := wantSig("s"); err != nil {
			return err
		}
		if h.Member, err = fd.String(); err != nil {
			return err
		}
	case fieldErrName:
		if err := wantSig("s"); err != nil {
			return err
		}
		if h.ErrName, err = fd.String(); err != nil {
			return err
		}
	case fieldReplySerial:
		if err := wantSig("u"); err != nil {
			return err
		}
		if h.ReplySerial, err = fd.Uint32(); err != nil {
			return err
		}
	case fieldDestination:
		if err := wantSig("s"); err != nil {
			return err
		}
		if h.Destination, err = fd.String(); err != nil {
			return err
		}
	case fieldSender:
		if err := wantSig("s"); err != nil {
			return err
		}
		if h.Sender, err = fd.String(); err != nil {
			return err
		}
	case fieldSignature:
		if err := wantSig("g"); err != nil {
			return err
		}
		s, err := fd.Signature()
		if err != nil {
			return err
		}
		// Stored unvalidated: the signature is checked lazily as
		// reads consume it.
		h.Signature = Signature(s)
	case fieldNumFDs:
		if err := wantSig("u"); err != nil {
			return err
		}
		if h.NumFDs, err = fd.Uint32(); err != nil {
			return err
		}
	default:
		if err := skipValue(fd, sig); err != nil {
			return fmt.Errorf("skipping unknown header field %d: %w", key, err)
		}
	}
	return nil
}

// skipValue advances d past one complete value of type sig.
func skipValue(d *fragments.Decoder, sig string) error {
	if !isSingleType(sig) {
		return fmt.Errorf("cannot skip value of type %q", sig)
	}
	switch sig[0] {
	case 'y':
		_, err := d.Uint8()
		return err
	case 'n', 'q':
		_, err := d.Uint16()
		return err
	case 'b', 'i', 'u', 'h':
		_, err := d.Uint32()
		return err
	case 'x', 't', 'd':
		_, err := d.Uint64()
		return err
	case 's', 'o':
		_, err := d.String()
		return err
	case 'g':
		_, err := d.Signature()
		return err
	case 'v':
		vs, err := d.Signature()
		if err != nil {
			return err
		}
		return skipValue(d, vs)
	case 'a':
		ln, err := d.Uint32()
		if err != nil {
			return err
		}
		if err := d.Pad(alignOf(sig[1])); err != nil {
			return err
		}
		_, err = d.Read(int(ln))
		return err
	case '(', '{':
		if err := d.Pad(8); err != nil {
			return err
		}
		inner := sig[1 : len(sig)-1]
		for inner != "" {
			var t string
			var err error
			if t, inner, err = nextType(inner, false); err != nil {
				return err
			}
			if err := skipValue(d, t); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("cannot skip value of type %q", sig)
}

// valid checks that the header carries the fields its message type
// requires.
func (h *header) valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch h.Type {
	case 0:
		return fmt.Errorf("invalid message with Type 0")
	case TypeMethodCall:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
		if h.Destination == "" {
			return fmt.Errorf("missing required header field Destination")
		}
	case TypeMethodReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case TypeError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return fmt.Errorf("missing required header field ErrName")
		}
	case TypeSignal:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the DBus spec
		// requires us to gracefully allow them.
	}
	return nil
}

// wantReply reports whether the message requires a response.
func (h *header) wantReply() bool {
	return h.Type == TypeMethodCall && h.Flags&flagNoReplyExpected == 0
}

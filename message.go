package sdbus

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/sdbus-go/sdbus/fragments"
)

// A Message is a single DBus message: either an outgoing message
// whose body is being composed, or an incoming message whose body is
// being read.
//
// Outgoing messages come from [Conn.NewMethodCall], [NewMethodReturn]
// or [NewMethodError]. Body values are added with [Message.Append],
// with [Message.OpenContainer] and [Message.CloseContainer] bracketing
// container values built up piecemeal. The body's type signature
// accumulates as values are appended.
//
// Incoming messages come from [Conn.Call] or [ReadMessage]. Body
// values are decoded with [Message.Read], with
// [Message.EnterContainer] and [Message.ExitContainer] walking into
// container values. The requested types are checked against the
// message's signature as the cursor advances.
//
// A Message is not safe for concurrent use. Close releases it;
// operations on a closed message fail. If an Append or Read returns
// an error the body cursor is left in an unspecified state, and the
// message should be closed.
type Message struct {
	h header

	enc *fragments.Encoder // compose mode
	dec *fragments.Decoder // read mode

	sig   Signature // body signature, accumulated or declared
	stack []*container
	files []*os.File
	recv  bool // files came off the wire and are owned by the message

	closed bool
}

// A ReadResult reports the outcome of a successful [Message.Read]:
// whether values were decoded, or the cursor was already at the end
// of the current container.
type ReadResult int

const (
	// ReadEnd means the read cursor was at the end of the current
	// container (or of the message body) and no values were decoded.
	// It is the loop termination condition when iterating a
	// container's elements, not a failure.
	ReadEnd ReadResult = iota
	// ReadValues means values were decoded into the supplied
	// pointers and the cursor advanced past them.
	ReadValues
)

func (r ReadResult) String() string {
	switch r {
	case ReadEnd:
		return "end of container"
	case ReadValues:
		return "values"
	}
	return fmt.Sprintf("ReadResult(%d)", int(r))
}

// errMessageClosed is reported by operations on a released message.
var errMessageClosed = errors.New("message is closed")

// A container is one open level of the message's container stack.
// The bottom of the stack is a pseudo-container for the message body
// itself, with kind 0.
type container struct {
	kind     ContainerType
	contents string

	// fix is the patch site for an array's length word, compose side.
	fix fragments.ArrayFixup
	// rest is the unconsumed portion of the expected signature: the
	// remaining fields of a struct or dict entry, the not yet
	// consumed value of a variant, or the remaining body signature on
	// the read side. Arrays do not use it, their elements repeat.
	rest string
	// end bounds the byte extent of an array being read, as a cursor
	// position. -1 when not reading an array.
	end int
}

func (m *Message) top() *container   { return m.stack[len(m.stack)-1] }
func (m *Message) push(c *container) { m.stack = append(m.stack, c) }
func (m *Message) pop()              { m.stack = m.stack[:len(m.stack)-1] }

// newMessage returns a compose-mode message of the given type, in
// native byte order.
func newMessage(typ MessageType) *Message {
	return &Message{
		h:     header{Order: fragments.NativeEndian, Type: typ},
		enc:   &fragments.Encoder{Order: fragments.NativeEndian},
		stack: []*container{{end: -1}},
	}
}

// NewMethodReturn constructs the successful reply to call, addressed
// to its sender. Return values are added with [Message.Append].
func NewMethodReturn(call *Message) (*Message, error) {
	if call == nil || call.h.Type != TypeMethodCall {
		return nil, errors.New("reply must answer a method call")
	}
	if call.h.Serial == 0 {
		return nil, errors.New("cannot reply to a call with no serial")
	}
	m := newMessage(TypeMethodReturn)
	m.h.ReplySerial = call.h.Serial
	m.h.Destination = call.h.Sender
	return m, nil
}

// NewMethodError constructs the failure reply to call, carrying the
// given error name and optional human-readable detail string.
func NewMethodError(call *Message, name, detail string) (*Message, error) {
	if call == nil || call.h.Type != TypeMethodCall {
		return nil, errors.New("reply must answer a method call")
	}
	if call.h.Serial == 0 {
		return nil, errors.New("cannot reply to a call with no serial")
	}
	if !validErrorName(name) {
		return nil, fmt.Errorf("invalid error name %q", name)
	}
	m := newMessage(TypeError)
	m.h.ErrName = name
	m.h.ReplySerial = call.h.Serial
	m.h.Destination = call.h.Sender
	if detail != "" {
		if err := m.Append("s", detail); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Type returns the message's type.
func (m *Message) Type() MessageType { return m.h.Type }

// Serial returns the message's serial number, or zero if none has
// been assigned yet.
func (m *Message) Serial() uint32 { return m.h.Serial }

// SetSerial assigns the message's serial number. [Conn.Call] assigns
// serials itself; SetSerial exists for code that writes messages to a
// transport directly.
func (m *Message) SetSerial(serial uint32) { m.h.Serial = serial }

// ReplySerial returns the serial of the call this message answers, or
// zero for messages that are not replies.
func (m *Message) ReplySerial() uint32 { return m.h.ReplySerial }

// SetSender records the message's sender name. A real bus stamps this
// field itself on every message it relays; SetSender exists for bus
// implementations and tests.
func (m *Message) SetSender(name string) { m.h.Sender = name }

// Destination returns the bus name the message is addressed to.
func (m *Message) Destination() string { return m.h.Destination }

// Sender returns the unique name of the message's sender, as stamped
// by the bus, or empty if the message has not crossed a bus.
func (m *Message) Sender() string { return m.h.Sender }

// Path returns the object path a call targets or a signal originates
// from.
func (m *Message) Path() ObjectPath { return m.h.Path }

// Interface returns the interface a call targets or a signal belongs
// to.
func (m *Message) Interface() string { return m.h.Interface }

// Member returns the method or signal name.
func (m *Message) Member() string { return m.h.Member }

// ErrorName returns the symbolic error name of an error reply, or
// empty for other message types.
func (m *Message) ErrorName() string { return m.h.ErrName }

// Signature returns the type signature of the message body: the
// declared signature of an incoming message, or the signature
// accumulated so far on a message under composition.
func (m *Message) Signature() Signature { return m.sig }

// WantReply reports whether the message is a call whose sender
// expects a reply.
func (m *Message) WantReply() bool { return m.h.wantReply() }

// Close releases the message. An incoming message's attached file
// descriptors are closed with it; files appended to an outgoing
// message remain owned by the caller. Closing an already closed
// message is a no-op, and all other operations on a closed message
// fail.
func (m *Message) Close() error {
	if m == nil || m.closed {
		return nil
	}
	m.closed = true
	var err error
	if m.recv {
		for _, f := range m.files {
			err = errors.Join(err, f.Close())
		}
	}
	m.enc, m.dec, m.stack, m.files = nil, nil, nil, nil
	return err
}

func (m *Message) appendable() error {
	if m == nil || m.closed {
		return errMessageClosed
	}
	if m.enc == nil {
		return errors.New("message is read-only")
	}
	return nil
}

func (m *Message) readable() error {
	if m == nil || m.closed {
		return errMessageClosed
	}
	if m.dec == nil {
		return errors.New("message body is not readable until Rewind")
	}
	return nil
}

// noteAppend accounts for one complete type t being appended to the
// innermost open container, checking it against the container's
// expected contents.
func (m *Message) noteAppend(t string) error {
	c := m.top()
	switch {
	case c.kind == 0:
		if len(m.sig)+len(t) > maxSignatureLen {
			return fmt.Errorf("message signature exceeds %d bytes", maxSignatureLen)
		}
		m.sig += Signature(t)
	case c.kind == Array:
		if t != c.contents {
			return fmt.Errorf("cannot append %q to array of %q", t, c.contents)
		}
	default:
		if !strings.HasPrefix(c.rest, t) {
			return fmt.Errorf("cannot append %q to %v expecting %q", t, c.kind, c.rest)
		}
		c.rest = c.rest[len(t):]
	}
	return nil
}

// noteRead accounts for one complete type t being read from the
// innermost open container, checking it against the message's
// signature.
func (m *Message) noteRead(t string) error {
	c := m.top()
	if c.kind == Array {
		if m.dec.Pos() >= c.end {
			return fmt.Errorf("cannot read %q past the end of the array", t)
		}
		if t != c.contents {
			return fmt.Errorf("cannot read %q from array of %q", t, c.contents)
		}
		return nil
	}
	if !strings.HasPrefix(c.rest, t) {
		return fmt.Errorf("cannot read %q, message has %q here", t, c.rest)
	}
	c.rest = c.rest[len(t):]
	return nil
}

// atEnd reports whether the read cursor is at the end of the
// innermost open container, or of the body for the bottom frame.
func (m *Message) atEnd() bool {
	c := m.top()
	if c.kind == Array {
		return m.dec.Pos() >= c.end
	}
	return c.rest == ""
}

// Append adds values to the message body. sig is a sequence of
// complete types describing vs, which must line up with it as
// follows:
//
//	y  byte        b  bool        n  int16      q  uint16
//	i  int32       u  uint32      x  int64      t  uint64
//	d  float64     s  string      h  *os.File
//	o  ObjectPath or string       g  Signature or string
//	aT (primitive T)  a slice of T's value type
//	(T1T2...)   one value per field, in order
//	v           a contents signature (string or Signature)
//	            followed by the contained value's arguments
//
// Arrays of composite types and dict entries cannot be appended in
// one shot; open them with [Message.OpenContainer] and append their
// elements individually.
//
// If Append returns an error the body is left in an unspecified
// state, and the message should be closed.
func (m *Message) Append(sig string, vs ...any) error {
	if err := m.appendable(); err != nil {
		return err
	}
	rest := sig
	for rest != "" {
		var t string
		var err error
		if t, rest, err = nextType(rest, m.top().kind == Array); err != nil {
			return fmt.Errorf("invalid append signature %q: %w", sig, err)
		}
		n, err := m.appendOne(t, vs)
		if err != nil {
			return err
		}
		vs = vs[n:]
	}
	if len(vs) > 0 {
		return fmt.Errorf("%d values left over after appending %q", len(vs), sig)
	}
	return nil
}

// appendOne encodes a single complete type t, consuming the values it
// needs from the front of vs and reporting how many it took.
func (m *Message) appendOne(t string, vs []any) (int, error) {
	switch t[0] {
	case 'a':
		return m.appendArray(t, vs)
	case '(':
		fields := t[1 : len(t)-1]
		if err := m.openCompose(Struct, fields); err != nil {
			return 0, err
		}
		n, err := m.appendFlat(fields, vs)
		if err != nil {
			return 0, err
		}
		return n, m.CloseContainer()
	case '{':
		kv := t[1 : len(t)-1]
		if err := m.openCompose(DictEntry, kv); err != nil {
			return 0, err
		}
		n, err := m.appendFlat(kv, vs)
		if err != nil {
			return 0, err
		}
		return n, m.CloseContainer()
	case 'v':
		if len(vs) == 0 {
			return 0, errors.New("missing variant signature")
		}
		cs, ok := asSigString(vs[0])
		if !ok {
			return 0, fmt.Errorf("variant signature must be a string or Signature, got %T", vs[0])
		}
		if err := m.openCompose(Variant, cs); err != nil {
			return 0, err
		}
		n, err := m.appendFlat(cs, vs[1:])
		if err != nil {
			return 0, err
		}
		return 1 + n, m.CloseContainer()
	}

	if len(vs) == 0 {
		return 0, fmt.Errorf("missing value for type %q", t)
	}
	if err := m.noteAppend(t); err != nil {
		return 0, err
	}
	v := vs[0]
	switch t[0] {
	case 'y':
		u, ok := v.(byte)
		if !ok {
			return 0, valErr(t, v, "byte")
		}
		m.enc.Uint8(u)
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return 0, valErr(t, v, "bool")
		}
		var u uint32
		if b {
			u = 1
		}
		m.enc.Uint32(u)
	case 'n':
		u, ok := v.(int16)
		if !ok {
			return 0, valErr(t, v, "int16")
		}
		m.enc.Uint16(uint16(u))
	case 'q':
		u, ok := v.(uint16)
		if !ok {
			return 0, valErr(t, v, "uint16")
		}
		m.enc.Uint16(u)
	case 'i':
		u, ok := v.(int32)
		if !ok {
			return 0, valErr(t, v, "int32")
		}
		m.enc.Uint32(uint32(u))
	case 'u':
		u, ok := v.(uint32)
		if !ok {
			return 0, valErr(t, v, "uint32")
		}
		m.enc.Uint32(u)
	case 'x':
		u, ok := v.(int64)
		if !ok {
			return 0, valErr(t, v, "int64")
		}
		m.enc.Uint64(uint64(u))
	case 't':
		u, ok := v.(uint64)
		if !ok {
			return 0, valErr(t, v, "uint64")
		}
		m.enc.Uint64(u)
	case 'd':
		f, ok := v.(float64)
		if !ok {
			return 0, valErr(t, v, "float64")
		}
		m.enc.Uint64(math.Float64bits(f))
	case 's':
		s, ok := v.(string)
		if !ok {
			return 0, valErr(t, v, "string")
		}
		if strings.IndexByte(s, 0) >= 0 {
			return 0, fmt.Errorf("string %q contains a NUL byte", s)
		}
		m.enc.String(s)
	case 'o':
		p, ok := asObjectPath(v)
		if !ok {
			return 0, valErr(t, v, "ObjectPath or string")
		}
		if !validObjectPath(p) {
			return 0, fmt.Errorf("invalid object path %q", p)
		}
		m.enc.String(p)
	case 'g':
		s, ok := asSigString(v)
		if !ok {
			return 0, valErr(t, v, "Signature or string")
		}
		if _, err := ParseSignature(s); err != nil {
			return 0, err
		}
		m.enc.Signature(s)
	case 'h':
		f, ok := v.(*os.File)
		if !ok || f == nil {
			return 0, valErr(t, v, "*os.File")
		}
		// The wire value is an index into the message's descriptor
		// set, sent out of band by the transport.
		m.files = append(m.files, f)
		m.enc.Uint32(uint32(len(m.files) - 1))
	default:
		return 0, fmt.Errorf("unknown type specifier %q", t[0])
	}
	return 1, nil
}

// appendFlat appends the complete type sequence seq, consuming values
// from vs.
func (m *Message) appendFlat(seq string, vs []any) (int, error) {
	total := 0
	for rest := seq; rest != ""; {
		var t string
		var err error
		if t, rest, err = nextType(rest, false); err != nil {
			return 0, err
		}
		n, err := m.appendOne(t, vs)
		if err != nil {
			return 0, err
		}
		vs = vs[n:]
		total += n
	}
	return total, nil
}

// appendArray appends an array of a primitive element type from a Go
// slice.
func (m *Message) appendArray(t string, vs []any) (int, error) {
	if len(vs) == 0 {
		return 0, fmt.Errorf("missing value for type %q", t)
	}
	switch elem := t[1:]; elem {
	case "y":
		return putArray(m, t, vs, func(v byte) error {
			m.enc.Uint8(v)
			return nil
		})
	case "b":
		return putArray(m, t, vs, func(v bool) error {
			var u uint32
			if v {
				u = 1
			}
			m.enc.Uint32(u)
			return nil
		})
	case "n":
		return putArray(m, t, vs, func(v int16) error {
			m.enc.Uint16(uint16(v))
			return nil
		})
	case "q":
		return putArray(m, t, vs, func(v uint16) error {
			m.enc.Uint16(v)
			return nil
		})
	case "i":
		return putArray(m, t, vs, func(v int32) error {
			m.enc.Uint32(uint32(v))
			return nil
		})
	case "u":
		return putArray(m, t, vs, func(v uint32) error {
			m.enc.Uint32(v)
			return nil
		})
	case "x":
		return putArray(m, t, vs, func(v int64) error {
			m.enc.Uint64(uint64(v))
			return nil
		})
	case "t":
		return putArray(m, t, vs, func(v uint64) error {
			m.enc.Uint64(v)
			return nil
		})
	case "d":
		return putArray(m, t, vs, func(v float64) error {
			m.enc.Uint64(math.Float64bits(v))
			return nil
		})
	case "s":
		return putArray(m, t, vs, func(v string) error {
			if strings.IndexByte(v, 0) >= 0 {
				return fmt.Errorf("string %q contains a NUL byte", v)
			}
			m.enc.String(v)
			return nil
		})
	case "o":
		return putArray(m, t, vs, func(v ObjectPath) error {
			if !v.Valid() {
				return fmt.Errorf("invalid object path %q", v)
			}
			m.enc.String(string(v))
			return nil
		})
	case "g":
		return putArray(m, t, vs, func(v Signature) error {
			if _, err := ParseSignature(string(v)); err != nil {
				return err
			}
			m.enc.Signature(string(v))
			return nil
		})
	}
	return 0, fmt.Errorf("array of %q cannot be appended in one shot, use OpenContainer", t[1:])
}

// putArray encodes vs[0], a []T, as a complete array.
func putArray[T any](m *Message, t string, vs []any, put func(T) error) (int, error) {
	s, ok := vs[0].([]T)
	if !ok {
		return 0, valErr(t, vs[0], fmt.Sprintf("%T", []T(nil)))
	}
	if err := m.noteAppend(t); err != nil {
		return 0, err
	}
	fix := m.enc.BeginArray(alignOf(t[1]))
	for _, v := range s {
		if err := put(v); err != nil {
			return 0, err
		}
	}
	m.enc.EndArray(fix)
	return 1, nil
}

// OpenContainer begins composing a container value in the message
// body. contents is the contained type: an array's element type, a
// struct's field sequence, a variant's value type, or a dict entry's
// key and value types. Contained values are then added with
// [Message.Append] (or further OpenContainer calls), and the
// container is finished with [Message.CloseContainer].
//
// Dict entries may only be opened inside an array of the same entry
// type.
func (m *Message) OpenContainer(kind ContainerType, contents string) error {
	if err := m.appendable(); err != nil {
		return err
	}
	return m.openCompose(kind, contents)
}

func (m *Message) openCompose(kind ContainerType, contents string) error {
	full, err := containerSig(kind, contents)
	if err != nil {
		return err
	}
	if kind == DictEntry {
		if c := m.top(); c.kind != Array || c.contents != full {
			return fmt.Errorf("dict entry %q must be opened inside an array of %q", contents, full)
		}
	}
	if err := m.noteAppend(full); err != nil {
		return err
	}
	c := &container{kind: kind, contents: contents, end: -1}
	switch kind {
	case Array:
		c.fix = m.enc.BeginArray(alignOf(contents[0]))
	case Struct, DictEntry:
		m.enc.Pad(8)
		c.rest = contents
	case Variant:
		m.enc.Signature(contents)
		c.rest = contents
	}
	m.push(c)
	return nil
}

// CloseContainer finishes the innermost open container. Containers
// with a fixed shape (structs, dict entries, variants) must have all
// their contents appended before closing.
func (m *Message) CloseContainer() error {
	if err := m.appendable(); err != nil {
		return err
	}
	c := m.top()
	if c.kind == 0 {
		return errors.New("no container to close")
	}
	if c.kind == Array {
		m.enc.EndArray(c.fix)
	} else if c.rest != "" {
		return fmt.Errorf("cannot close %v still expecting %q", c.kind, c.rest)
	}
	m.pop()
	return nil
}

// Read decodes the next values from the message body into outs. sig
// is a sequence of complete types; the out arguments line up with it
// as follows:
//
//	y  *byte       b  *bool       n  *int16     q  *uint16
//	i  *int32      u  *uint32     x  *int64     t  *uint64
//	d  *float64    s  *string     h  **os.File
//	o  *ObjectPath or *string     g  *Signature or *string
//	aT (primitive T)  a pointer to a slice of T's value type
//	(T1T2...)   one pointer per field, in order
//	{KV}        one pointer for the key, then the value's arguments
//	v           the expected contents signature (string or
//	            Signature), then the contained value's arguments
//
// The requested types must match the message's signature at the
// cursor, or Read fails. When the cursor is at the end of the current
// container (or of the body), Read decodes nothing and returns
// [ReadEnd]; iterating an array is a loop calling Read with the
// element type until it stops returning [ReadValues]. Read with an
// empty sig is a pure end-of-container probe.
//
// Arrays of composite types can be read either wholesale, by passing
// the element type's flattened out arguments per element, or
// cursor-style with [Message.EnterContainer]. If Read returns an
// error the cursor is left in an unspecified state, and the message
// should be closed.
func (m *Message) Read(sig string, outs ...any) (ReadResult, error) {
	if err := m.readable(); err != nil {
		return 0, err
	}
	if m.atEnd() {
		return ReadEnd, nil
	}
	rest := sig
	for rest != "" {
		var t string
		var err error
		if t, rest, err = nextType(rest, m.top().kind == Array); err != nil {
			return 0, fmt.Errorf("invalid read signature %q: %w", sig, err)
		}
		n, err := m.readOne(t, outs)
		if err != nil {
			return 0, err
		}
		outs = outs[n:]
	}
	if len(outs) > 0 {
		return 0, fmt.Errorf("%d output arguments left over after reading %q", len(outs), sig)
	}
	return ReadValues, nil
}

// readOne decodes a single complete type t, consuming the out
// arguments it needs from the front of outs and reporting how many it
// took.
func (m *Message) readOne(t string, outs []any) (int, error) {
	switch t[0] {
	case 'a':
		return m.readArray(t, outs)
	case '(':
		fields := t[1 : len(t)-1]
		if err := m.enterRead(Struct, fields); err != nil {
			return 0, err
		}
		n, err := m.readFlat(fields, outs)
		if err != nil {
			return 0, err
		}
		return n, m.exitRead()
	case '{':
		kv := t[1 : len(t)-1]
		if err := m.enterRead(DictEntry, kv); err != nil {
			return 0, err
		}
		n, err := m.readFlat(kv, outs)
		if err != nil {
			return 0, err
		}
		return n, m.exitRead()
	case 'v':
		if len(outs) == 0 {
			return 0, errors.New("missing variant signature")
		}
		want, ok := asSigString(outs[0])
		if !ok {
			return 0, fmt.Errorf("variant signature must be a string or Signature, got %T", outs[0])
		}
		if err := m.enterRead(Variant, want); err != nil {
			return 0, err
		}
		n, err := m.readFlat(want, outs[1:])
		if err != nil {
			return 0, err
		}
		return 1 + n, m.exitRead()
	}

	if len(outs) == 0 {
		return 0, fmt.Errorf("missing output argument for type %q", t)
	}
	if err := m.noteRead(t); err != nil {
		return 0, err
	}
	switch out := outs[0].(type) {
	case *byte:
		if t != "y" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint8()
		if err != nil {
			return 0, err
		}
		*out = v
	case *bool:
		if t != "b" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint32()
		if err != nil {
			return 0, err
		}
		if v > 1 {
			return 0, fmt.Errorf("invalid boolean value %d", v)
		}
		*out = v == 1
	case *int16:
		if t != "n" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint16()
		if err != nil {
			return 0, err
		}
		*out = int16(v)
	case *uint16:
		if t != "q" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint16()
		if err != nil {
			return 0, err
		}
		*out = v
	case *int32:
		if t != "i" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint32()
		if err != nil {
			return 0, err
		}
		*out = int32(v)
	case *uint32:
		if t != "u" && t != "h" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint32()
		if err != nil {
			return 0, err
		}
		*out = v
	case *int64:
		if t != "x" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint64()
		if err != nil {
			return 0, err
		}
		*out = int64(v)
	case *uint64:
		if t != "t" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint64()
		if err != nil {
			return 0, err
		}
		*out = v
	case *float64:
		if t != "d" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Uint64()
		if err != nil {
			return 0, err
		}
		*out = math.Float64frombits(v)
	case *string:
		switch t {
		case "s", "o":
			v, err := m.dec.String()
			if err != nil {
				return 0, err
			}
			*out = v
		case "g":
			v, err := m.dec.Signature()
			if err != nil {
				return 0, err
			}
			*out = v
		default:
			return 0, outErr(t, out)
		}
	case *ObjectPath:
		if t != "o" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.String()
		if err != nil {
			return 0, err
		}
		*out = ObjectPath(v)
	case *Signature:
		if t != "g" {
			return 0, outErr(t, out)
		}
		v, err := m.dec.Signature()
		if err != nil {
			return 0, err
		}
		*out = Signature(v)
	case **os.File:
		if t != "h" {
			return 0, outErr(t, out)
		}
		idx, err := m.dec.Uint32()
		if err != nil {
			return 0, err
		}
		if int(idx) >= len(m.files) {
			return 0, fmt.Errorf("file descriptor index %d out of range", idx)
		}
		*out = m.files[idx]
	default:
		return 0, outErr(t, outs[0])
	}
	return 1, nil
}

// readFlat decodes the complete type sequence seq, consuming out
// arguments from outs.
func (m *Message) readFlat(seq string, outs []any) (int, error) {
	total := 0
	for rest := seq; rest != ""; {
		var t string
		var err error
		if t, rest, err = nextType(rest, false); err != nil {
			return 0, err
		}
		n, err := m.readOne(t, outs)
		if err != nil {
			return 0, err
		}
		outs = outs[n:]
		total += n
	}
	return total, nil
}

// readArray decodes an array of a primitive element type into a Go
// slice. The slice is freshly allocated, it does not alias the
// message's buffer.
func (m *Message) readArray(t string, outs []any) (int, error) {
	if len(outs) == 0 {
		return 0, fmt.Errorf("missing output argument for type %q", t)
	}
	switch elem := t[1:]; elem {
	case "y":
		p, ok := outs[0].(*[]byte)
		if !ok {
			return 0, outErr(t, outs[0])
		}
		if err := m.noteRead(t); err != nil {
			return 0, err
		}
		bs, err := m.dec.Bytes()
		if err != nil {
			return 0, err
		}
		if len(bs) > maxArrayBytes {
			return 0, fmt.Errorf("array too large (%d bytes)", len(bs))
		}
		*p = append([]byte(nil), bs...)
		return 1, nil
	case "b":
		return getArray(m, t, outs, func() (bool, error) {
			v, err := m.dec.Uint32()
			if err != nil {
				return false, err
			}
			if v > 1 {
				return false, fmt.Errorf("invalid boolean value %d", v)
			}
			return v == 1, nil
		})
	case "n":
		return getArray(m, t, outs, func() (int16, error) {
			v, err := m.dec.Uint16()
			return int16(v), err
		})
	case "q":
		return getArray(m, t, outs, m.dec.Uint16)
	case "i":
		return getArray(m, t, outs, func() (int32, error) {
			v, err := m.dec.Uint32()
			return int32(v), err
		})
	case "u":
		return getArray(m, t, outs, m.dec.Uint32)
	case "x":
		return getArray(m, t, outs, func() (int64, error) {
			v, err := m.dec.Uint64()
			return int64(v), err
		})
	case "t":
		return getArray(m, t, outs, m.dec.Uint64)
	case "d":
		return getArray(m, t, outs, func() (float64, error) {
			v, err := m.dec.Uint64()
			return math.Float64frombits(v), err
		})
	case "s":
		return getArray(m, t, outs, m.dec.String)
	case "o":
		return getArray(m, t, outs, func() (ObjectPath, error) {
			v, err := m.dec.String()
			return ObjectPath(v), err
		})
	case "g":
		return getArray(m, t, outs, func() (Signature, error) {
			v, err := m.dec.Signature()
			return Signature(v), err
		})
	}
	return 0, fmt.Errorf("array of %q cannot be read in one shot, use EnterContainer", t[1:])
}

// getArray decodes a complete array into outs[0], a *[]T.
func getArray[T any](m *Message, t string, outs []any, get func() (T, error)) (int, error) {
	p, ok := outs[0].(*[]T)
	if !ok {
		return 0, outErr(t, outs[0])
	}
	if err := m.noteRead(t); err != nil {
		return 0, err
	}
	ln, err := m.dec.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > maxArrayBytes {
		return 0, fmt.Errorf("array of %q too large (%d bytes)", t[1:], ln)
	}
	if err := m.dec.Pad(alignOf(t[1])); err != nil {
		return 0, err
	}
	if int(ln) > m.dec.Remaining() {
		return 0, io.ErrUnexpectedEOF
	}
	end := m.dec.Pos() + int(ln)
	var ret []T
	for m.dec.Pos() < end {
		v, err := get()
		if err != nil {
			return 0, err
		}
		ret = append(ret, v)
	}
	if m.dec.Pos() != end {
		return 0, fmt.Errorf("malformed array of %q", t[1:])
	}
	*p = ret
	return 1, nil
}

// EnterContainer positions the read cursor at the first value inside
// a container. contents must match the message's signature: the
// element type for an array, the field sequence for a struct, the key
// and value types for a dict entry, or the contained type for a
// variant, which is checked against the signature the variant
// actually carries. The container's values are then decoded with
// [Message.Read] (or nested EnterContainer calls), and the cursor
// steps back out with [Message.ExitContainer].
//
// To iterate an array's elements, enter it and call Read with the
// element type until it returns [ReadEnd]. [Message.PeekType]
// discovers the types of a message whose signature is not known in
// advance.
func (m *Message) EnterContainer(kind ContainerType, contents string) error {
	if err := m.readable(); err != nil {
		return err
	}
	return m.enterRead(kind, contents)
}

func (m *Message) enterRead(kind ContainerType, contents string) error {
	full, err := containerSig(kind, contents)
	if err != nil {
		return err
	}
	if kind == DictEntry {
		if c := m.top(); c.kind != Array || c.contents != full {
			return fmt.Errorf("dict entry %q must be entered inside an array of %q", contents, full)
		}
	}
	c := &container{kind: kind, contents: contents, end: -1}
	switch kind {
	case Array:
		if err := m.noteRead(full); err != nil {
			return err
		}
		ln, err := m.dec.Uint32()
		if err != nil {
			return err
		}
		if ln > maxArrayBytes {
			return fmt.Errorf("array of %q too large (%d bytes)", contents, ln)
		}
		if err := m.dec.Pad(alignOf(contents[0])); err != nil {
			return err
		}
		if int(ln) > m.dec.Remaining() {
			return io.ErrUnexpectedEOF
		}
		c.end = m.dec.Pos() + int(ln)
	case Struct, DictEntry:
		if err := m.noteRead(full); err != nil {
			return err
		}
		if err := m.dec.Pad(8); err != nil {
			return err
		}
		c.rest = contents
	case Variant:
		if err := m.noteRead("v"); err != nil {
			return err
		}
		got, err := m.dec.Signature()
		if err != nil {
			return err
		}
		if got != contents {
			return fmt.Errorf("variant contains %q, expected %q", got, contents)
		}
		c.rest = contents
	}
	m.push(c)
	return nil
}

// ExitContainer steps the read cursor out of the innermost entered
// container, whose contents must be fully consumed.
func (m *Message) ExitContainer() error {
	if err := m.readable(); err != nil {
		return err
	}
	return m.exitRead()
}

func (m *Message) exitRead() error {
	c := m.top()
	if c.kind == 0 {
		return errors.New("no container to exit")
	}
	if c.kind == Array {
		if n := c.end - m.dec.Pos(); n > 0 {
			return fmt.Errorf("cannot exit array with %d bytes unread", n)
		}
	} else if c.rest != "" {
		return fmt.Errorf("cannot exit %v still expecting %q", c.kind, c.rest)
	}
	m.pop()
	return nil
}

// PeekType reports the complete type of the next value at the read
// cursor, without advancing it. Structs are reported as code 'r' and
// dict entries as 'e', with contents carrying the interior signature;
// arrays report 'a' with the element type; variants report 'v' with
// the contained type the wire actually carries. At the end of the
// current container PeekType reports code 0.
func (m *Message) PeekType() (code byte, contents Signature, err error) {
	if err := m.readable(); err != nil {
		return 0, "", err
	}
	if m.atEnd() {
		return 0, "", nil
	}
	c := m.top()
	t := c.contents
	if c.kind != Array {
		if t, _, err = nextType(c.rest, false); err != nil {
			return 0, "", err
		}
	}
	switch t[0] {
	case 'a':
		return 'a', Signature(t[1:]), nil
	case '(':
		return byte(Struct), Signature(t[1 : len(t)-1]), nil
	case '{':
		return byte(DictEntry), Signature(t[1 : len(t)-1]), nil
	case 'v':
		probe := *m.dec
		s, err := probe.Signature()
		if err != nil {
			return 0, "", err
		}
		return 'v', Signature(s), nil
	}
	return t[0], "", nil
}

// Rewind resets the read cursor to the start of the message body and
// forgets any entered containers. On a message under composition,
// Rewind seals the body: the bytes composed so far become readable
// and no further values can be appended.
func (m *Message) Rewind() error {
	if m == nil || m.closed {
		return errMessageClosed
	}
	if m.enc != nil {
		if len(m.stack) > 1 {
			return fmt.Errorf("cannot rewind with a %v still open", m.top().kind)
		}
		m.h.Signature = m.sig
		m.dec = &fragments.Decoder{Order: m.enc.Order, In: m.enc.Out}
		m.enc = nil
	}
	m.dec.Rewind()
	m.stack = []*container{{rest: string(m.sig), end: -1}}
	return nil
}

// ReadMessage reads one wire message from r. If the header announces
// attached file descriptors, the caller must collect them from the
// transport and attach them before the body's 'h' values are read.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if err := h.valid(); err != nil {
		return nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Message{
		h:     *h,
		sig:   h.Signature,
		dec:   &fragments.Decoder{Order: h.Order, In: body},
		stack: []*container{{rest: string(h.Signature), end: -1}},
		recv:  true,
	}, nil
}

// Encode writes the message's wire encoding to w: header, header
// fields, and body. The message must have a serial assigned and all
// containers closed. Attached file descriptors are not written, they
// travel out of band.
func (m *Message) Encode(w io.Writer) error {
	if m == nil || m.closed {
		return errMessageClosed
	}
	if m.enc == nil {
		return errors.New("cannot encode a message being read")
	}
	if len(m.stack) > 1 {
		return fmt.Errorf("cannot encode with a %v still open", m.top().kind)
	}
	h := m.h
	h.Signature = m.sig
	h.BodyLen = uint32(len(m.enc.Out))
	h.NumFDs = uint32(len(m.files))
	if err := h.valid(); err != nil {
		return err
	}
	e := &fragments.Encoder{Order: h.Order}
	h.encodeTo(e)
	if len(e.Out)+len(m.enc.Out) > maxMsgBytes {
		return fmt.Errorf("message too large (%d bytes)", len(e.Out)+len(m.enc.Out))
	}
	if _, err := w.Write(e.Out); err != nil {
		return err
	}
	if len(m.enc.Out) == 0 {
		return nil
	}
	_, err := w.Write(m.enc.Out)
	return err
}

func asSigString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case Signature:
		return string(s), true
	}
	return "", false
}

func asObjectPath(v any) (string, bool) {
	switch p := v.(type) {
	case ObjectPath:
		return string(p), true
	case string:
		return p, true
	}
	return "", false
}

func valErr(t string, got any, want string) error {
	return fmt.Errorf("append %q: cannot encode %T, want %s", t, got, want)
}

func outErr(t string, got any) error {
	return fmt.Errorf("read %q: cannot decode into %T", t, got)
}

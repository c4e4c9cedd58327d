package sdbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sdbus-go/sdbus/transport"
)

// sessionBusEnv is the environment variable carrying the session bus
// address, set by the desktop session for its descendant processes.
const sessionBusEnv = "DBUS_SESSION_BUS_ADDRESS"

// systemBusPath is the well-known location of the system bus socket.
const systemBusPath = "/run/dbus/system_bus_socket"

// defaultCallTimeout bounds calls whose context carries no deadline,
// matching the bus's own method call timeout.
const defaultCallTimeout = 25 * time.Second

// Conn is a handle onto a DBus connection.
//
// Handles returned by [DefaultBus] share one underlying connection;
// [SessionBus], [SystemBus] and [Dial] open private ones. Closing a
// Conn releases its handle, and the underlying connection closes with
// its last handle.
type Conn struct {
	mu      sync.Mutex
	s       *session // nil once closed
	lastErr CallError
	hasErr  bool
}

// session is the state shared by every Conn handle onto one bus
// connection. Its mutex serializes method calls, so a connection
// carries one call at a time.
type session struct {
	t         transport.Transport
	localName string // assigned by Hello, read-only afterwards

	mu         sync.Mutex
	closed     bool
	refs       int
	lastSerial uint32
}

var (
	defaultMu      sync.Mutex
	defaultSession *session
)

// DefaultBus connects to the default bus for the current process: the
// session bus when DBUS_SESSION_BUS_ADDRESS is set, the system bus
// otherwise. Conns returned by DefaultBus share a single underlying
// connection, opened on first use and closed when the last of them is
// closed.
func DefaultBus(ctx context.Context) (*Conn, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if s := defaultSession; s != nil && s.ref() {
		return &Conn{s: s}, nil
	}
	var (
		s   *session
		err error
	)
	if os.Getenv(sessionBusEnv) != "" {
		s, err = dialSession(ctx)
	} else {
		s, err = dialSystem(ctx)
	}
	if err != nil {
		return nil, err
	}
	defaultSession = s
	return &Conn{s: s}, nil
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	s, err := dialSession(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{s: s}, nil
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	s, err := dialSystem(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{s: s}, nil
}

// Dial connects to the bus listening on the unix socket at path. A
// leading '@' addresses the abstract socket namespace.
func Dial(ctx context.Context, path string) (*Conn, error) {
	s, err := dial(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Conn{s: s}, nil
}

func dialSession(ctx context.Context) (*session, error) {
	addrs := os.Getenv(sessionBusEnv)
	if addrs == "" {
		return nil, errors.New("session bus not available")
	}
	for _, uri := range strings.Split(addrs, ";") {
		if rest, ok := strings.CutPrefix(uri, "unix:path="); ok {
			path, _, _ := strings.Cut(rest, ",")
			return dial(ctx, path)
		}
		if rest, ok := strings.CutPrefix(uri, "unix:abstract="); ok {
			name, _, _ := strings.Cut(rest, ",")
			return dial(ctx, "@"+name)
		}
	}
	return nil, fmt.Errorf("could not find usable session bus address in %s value %q", sessionBusEnv, addrs)
}

func dialSystem(ctx context.Context) (*session, error) {
	return dial(ctx, systemBusPath)
}

func dial(ctx context.Context, path string) (*session, error) {
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &session{t: t, refs: 1}
	if err := s.hello(ctx); err != nil {
		t.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	return s, nil
}

// hello performs the mandatory first call on a fresh connection,
// which registers it with the bus and assigns its unique name.
func (s *session) hello(ctx context.Context) error {
	m := newMessage(TypeMethodCall)
	m.h.Destination = busName
	m.h.Path = busPath
	m.h.Interface = busIface
	m.h.Member = "Hello"
	defer m.Close()

	reply, err := s.call(ctx, m)
	if err != nil {
		return err
	}
	defer reply.Close()
	_, err = reply.Read("s", &s.localName)
	return err
}

// ref adds a handle reference to the session. It fails if the session
// is already closed.
func (s *session) ref() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.refs++
	return true
}

// unref drops a handle reference, closing the transport when the last
// one goes.
func (s *session) unref() error {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0 && !s.closed
	if last {
		s.closed = true
	}
	s.mu.Unlock()
	if !last {
		return nil
	}
	defaultMu.Lock()
	if defaultSession == s {
		defaultSession = nil
	}
	defaultMu.Unlock()
	return s.t.Close()
}

// Close releases the connection handle and drops any retained call
// error. Close is idempotent, and all other methods fail on a closed
// Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	s := c.s
	c.s = nil
	c.lastErr, c.hasErr = CallError{}, false
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.unref()
}

// LocalName returns the unique bus name the bus assigned to this
// connection, such as ":1.42".
func (c *Conn) LocalName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s == nil {
		return ""
	}
	return c.s.localName
}

// NewMethodCall constructs a method call message addressed to method
// iface.member on the object at path, hosted by the client that owns
// the bus name dest. All four names are validated syntactically.
// Arguments are added with [Message.Append] and the call is issued
// with [Conn.Call].
func (c *Conn) NewMethodCall(dest string, path ObjectPath, iface, member string) (*Message, error) {
	if !validBusName(dest) {
		return nil, fmt.Errorf("invalid bus name %q", dest)
	}
	if !path.Valid() {
		return nil, fmt.Errorf("invalid object path %q", path)
	}
	if !validInterfaceName(iface) {
		return nil, fmt.Errorf("invalid interface name %q", iface)
	}
	if !validMemberName(member) {
		return nil, fmt.Errorf("invalid member name %q", member)
	}
	m := newMessage(TypeMethodCall)
	m.h.Destination = dest
	m.h.Path = path
	m.h.Interface = iface
	m.h.Member = member
	return m, nil
}

// Call sends call, which must be a method call message, and blocks
// until its reply arrives. On success the returned Message is ready
// for reading at the start of the reply body. If the peer answered
// with an error reply, Call returns it as a [CallError], which the
// Conn also retains for [Conn.LastCallError] until the next Call or
// Close. Any other error is a local or transport failure.
//
// The deadline is taken from ctx if it has one, and otherwise
// defaults to 25 seconds. Expiry fails the call but leaves the Conn
// usable. call remains owned by the caller either way, and can be
// reused or closed once Call returns.
func (c *Conn) Call(ctx context.Context, call *Message) (*Message, error) {
	c.mu.Lock()
	s := c.s
	c.lastErr, c.hasErr = CallError{}, false
	c.mu.Unlock()
	if s == nil {
		return nil, net.ErrClosed
	}

	reply, err := s.call(ctx, call)
	var ce CallError
	if errors.As(err, &ce) {
		c.mu.Lock()
		if c.s == s { // lost a race with Close: retain nothing
			c.lastErr, c.hasErr = ce, true
		}
		c.mu.Unlock()
	}
	return reply, err
}

// LastCallError returns the error reply retained from this handle's
// most recent Call, and whether there is one. The retained error is
// cleared by the next Call and by Close.
func (c *Conn) LastCallError() (CallError, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr, c.hasErr
}

// call sends one method call and waits for its reply, holding the
// session lock for the whole exchange. Incoming traffic that is not
// the awaited reply is discarded.
func (s *session) call(ctx context.Context, call *Message) (*Message, error) {
	if call == nil || call.Type() != TypeMethodCall {
		return nil, errors.New("Call requires a method call message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, net.ErrClosed
	}

	s.lastSerial++
	call.SetSerial(s.lastSerial)

	var buf bytes.Buffer
	if err := call.Encode(&buf); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	if err := s.t.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer s.t.SetDeadline(time.Time{})

	if _, err := s.t.WriteWithFiles(buf.Bytes(), call.files); err != nil {
		return nil, fmt.Errorf("sending %s.%s: %w", call.Interface(), call.Member(), err)
	}
	if !call.WantReply() {
		return nil, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reply, err := s.read()
		if err != nil {
			return nil, fmt.Errorf("awaiting reply to %s.%s: %w", call.Interface(), call.Member(), err)
		}
		if reply.ReplySerial() != call.Serial() {
			// Not ours: a signal, a call aimed at us, or the reply to
			// some earlier abandoned call.
			reply.Close()
			continue
		}
		switch reply.Type() {
		case TypeMethodReturn:
			return reply, nil
		case TypeError:
			ce := CallError{Name: reply.ErrorName()}
			if strings.HasPrefix(string(reply.Signature()), "s") {
				reply.Read("s", &ce.Detail)
			}
			reply.Close()
			return nil, ce
		default:
			reply.Close()
		}
	}
}

// read pulls one complete message off the transport, claiming any
// file descriptors that traveled with it.
func (s *session) read() (*Message, error) {
	m, err := ReadMessage(s.t)
	if err != nil {
		return nil, err
	}
	if n := m.h.NumFDs; n > 0 {
		files, err := s.t.GetFiles(int(n))
		if err != nil {
			m.Close()
			return nil, err
		}
		m.files = files
	}
	return m, nil
}

// Package bustest provides an in-process message bus for tests: a
// unix socket listener that speaks enough of the DBus protocol for a
// client to connect, say Hello, and exchange method calls with
// handlers the test registers. Unlike a real bus it serves each
// connection synchronously, which is all a blocking client needs.
package bustest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/sdbus-go/sdbus"
)

const (
	busName  = "org.freedesktop.DBus"
	busPath  = sdbus.ObjectPath("/org/freedesktop/DBus")
	busIface = "org.freedesktop.DBus"

	peerIface = "org.freedesktop.DBus.Peer"

	errNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"

	// ownerName is the unique name that fronts for every destination
	// registered with Handle.
	ownerName = ":1.0"

	// busGUID is the server identifier sent during authentication.
	// Real buses generate one; tests do not care.
	busGUID = "6275737465737462757374e2808bd0"
)

// A Handler services one method registered on the test bus. It
// returns the reply to send, built with [sdbus.NewMethodReturn], or
// an error. An [sdbus.CallError] turns into an error reply carrying
// that name and detail; any other error is reported to the caller as
// org.freedesktop.DBus.Error.Failed.
type Handler func(call *sdbus.Message) (*sdbus.Message, error)

// method keys the handler table.
type method struct {
	Dest, Interface, Member string
}

// Bus is an in-process message bus listening on a unix socket.
type Bus struct {
	t    *testing.T
	sock string
	ln   net.Listener
	g    *taskgroup.Group

	mu         sync.Mutex
	closed     bool
	lastName   int
	lastSerial uint32
	dests      mapset.Set[string]
	uniques    mapset.Set[string]
	conns      mapset.Set[net.Conn]
	handlers   map[method]Handler
}

// New starts a bus dedicated to the calling test, listening on a
// socket under t.TempDir. It shuts down in the test's cleanup.
func New(t *testing.T) *Bus {
	sock := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listening on test bus socket: %v", err)
	}
	b := &Bus{
		t:        t,
		sock:     sock,
		ln:       ln,
		g:        taskgroup.New(nil),
		dests:    mapset.New[string](),
		uniques:  mapset.New[string](),
		conns:    mapset.New[net.Conn](),
		handlers: map[method]Handler{},
	}
	b.g.Go(b.acceptLoop)
	t.Cleanup(b.close)
	return b
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// MustConn returns a client connection to the bus. It fails the test
// immediately if it cannot connect.
func (b *Bus) MustConn(t *testing.T) *sdbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := sdbus.Dial(ctx, b.sock)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Handle registers fn to service calls to iface.member on any object
// hosted by the bus name dest. Registering any handler for dest makes
// the name owned: calls to unregistered methods of an owned name
// report UnknownMethod, while calls to names nobody owns report
// ServiceUnknown.
func (b *Bus) Handle(dest, iface, member string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dests.Add(dest)
	b.handlers[method{dest, iface, member}] = fn
}

func (b *Bus) close() {
	b.mu.Lock()
	b.closed = true
	conns := b.conns
	b.conns = mapset.New[net.Conn]()
	b.mu.Unlock()

	b.ln.Close()
	for c := range conns {
		c.Close()
	}
	if err := b.g.Wait(); err != nil {
		b.t.Errorf("test bus shutdown: %v", err)
	}
}

func (b *Bus) acceptLoop() error {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return nil
		}
		b.conns.Add(conn)
		b.mu.Unlock()
		b.g.Go(func() error { return b.serve(conn) })
	}
}

// serve runs one client connection: the authentication exchange, then
// the message loop.
func (b *Bus) serve(conn net.Conn) error {
	defer func() {
		b.mu.Lock()
		b.conns.Remove(conn)
		b.mu.Unlock()
		conn.Close()
	}()

	br := bufio.NewReader(conn)
	if err := serverAuth(br, conn); err != nil {
		if isDisconnect(err) {
			return nil
		}
		return fmt.Errorf("authenticating client: %w", err)
	}

	var st clientState
	defer func() {
		if st.name != "" {
			b.mu.Lock()
			b.uniques.Remove(st.name)
			b.mu.Unlock()
		}
	}()

	for {
		call, err := sdbus.ReadMessage(br)
		if err != nil {
			if isDisconnect(err) {
				return nil
			}
			return fmt.Errorf("reading client message: %w", err)
		}
		err = b.dispatch(&st, call, conn)
		call.Close()
		if err != nil {
			if isDisconnect(err) {
				return nil
			}
			return err
		}
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// clientState is what the bus remembers about one connection.
type clientState struct {
	name string // unique name, assigned by Hello
}

// dispatch routes one message from a client and writes the reply, if
// one is due.
func (b *Bus) dispatch(st *clientState, call *sdbus.Message, w io.Writer) error {
	if call.Type() != sdbus.TypeMethodCall {
		// Clients may emit signals; a message bus that is not routing
		// them just drops them.
		return nil
	}
	call.SetSender(st.name)

	reply, err := b.route(st, call)
	if !call.WantReply() {
		if reply != nil {
			reply.Close()
		}
		return nil
	}
	if err != nil {
		name, detail := sdbus.ErrFailed, err.Error()
		var ce sdbus.CallError
		if errors.As(err, &ce) {
			name, detail = ce.Name, ce.Detail
		}
		if reply, err = sdbus.NewMethodError(call, name, detail); err != nil {
			return err
		}
	}
	defer reply.Close()
	reply.SetSerial(b.nextSerial())
	return reply.Encode(w)
}

// route picks and runs the handler for a call. Calls to the bus's own
// name run the builtin handlers.
func (b *Bus) route(st *clientState, call *sdbus.Message) (*sdbus.Message, error) {
	if st.name == "" && !isHello(call) {
		return nil, errors.New("client must call Hello first")
	}
	dest := call.Destination()
	if dest == busName {
		return b.builtin(st, call)
	}

	b.mu.Lock()
	owned := b.dests.Has(dest)
	h := b.handlers[method{dest, call.Interface(), call.Member()}]
	b.mu.Unlock()

	if !owned {
		return nil, sdbus.CallError{
			Name:   sdbus.ErrServiceUnknown,
			Detail: fmt.Sprintf("The name %s was not provided by any .service files", dest),
		}
	}
	if call.Interface() == peerIface && call.Member() == "Ping" {
		// Owned names always answer pings, like a live peer would.
		return pong(call)
	}
	if h == nil {
		return nil, sdbus.CallError{
			Name:   sdbus.ErrUnknownMethod,
			Detail: fmt.Sprintf("Unknown method %s on interface %s", call.Member(), call.Interface()),
		}
	}
	reply, err := h(call)
	if err == nil {
		if reply == nil {
			return nil, errors.New("handler returned no reply")
		}
		reply.SetSender(ownerName)
	}
	return reply, err
}

func isHello(call *sdbus.Message) bool {
	return call.Destination() == busName && call.Interface() == busIface && call.Member() == "Hello"
}

// builtin services the bus's own org.freedesktop.DBus interface, plus
// pings.
func (b *Bus) builtin(st *clientState, call *sdbus.Message) (*sdbus.Message, error) {
	if call.Interface() == peerIface && call.Member() == "Ping" {
		return pong(call)
	}
	if call.Interface() != busIface {
		return nil, sdbus.CallError{
			Name:   sdbus.ErrUnknownMethod,
			Detail: fmt.Sprintf("Unknown interface %s", call.Interface()),
		}
	}
	switch call.Member() {
	case "Hello":
		if st.name != "" {
			return nil, errors.New("Hello already called")
		}
		b.mu.Lock()
		b.lastName++
		st.name = fmt.Sprintf(":1.%d", b.lastName)
		b.uniques.Add(st.name)
		b.mu.Unlock()
		call.SetSender(st.name)
		return okReply(call, "s", st.name)

	case "ListNames":
		b.mu.Lock()
		names := []string{busName}
		for d := range b.dests {
			names = append(names, d)
		}
		for u := range b.uniques {
			names = append(names, u)
		}
		b.mu.Unlock()
		slices.Sort(names)
		return okReply(call, "as", names)

	case "NameHasOwner":
		name, err := stringArg(call)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		has := name == busName || b.dests.Has(name) || b.uniques.Has(name)
		b.mu.Unlock()
		return okReply(call, "b", has)

	case "GetNameOwner":
		name, err := stringArg(call)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		owned, unique := b.dests.Has(name), b.uniques.Has(name)
		b.mu.Unlock()
		switch {
		case name == busName:
			return okReply(call, "s", busName)
		case owned:
			return okReply(call, "s", ownerName)
		case unique:
			return okReply(call, "s", name)
		}
		return nil, sdbus.CallError{
			Name:   errNameHasNoOwner,
			Detail: fmt.Sprintf("Could not get owner of name %q: no such name", name),
		}
	}
	return nil, sdbus.CallError{
		Name:   sdbus.ErrUnknownMethod,
		Detail: fmt.Sprintf("Unknown method %s on interface %s", call.Member(), call.Interface()),
	}
}

func pong(call *sdbus.Message) (*sdbus.Message, error) {
	reply, err := sdbus.NewMethodReturn(call)
	if err != nil {
		return nil, err
	}
	reply.SetSender(busName)
	return reply, nil
}

func okReply(call *sdbus.Message, sig string, vs ...any) (*sdbus.Message, error) {
	reply, err := sdbus.NewMethodReturn(call)
	if err != nil {
		return nil, err
	}
	if err := reply.Append(sig, vs...); err != nil {
		reply.Close()
		return nil, err
	}
	reply.SetSender(busName)
	return reply, nil
}

func stringArg(call *sdbus.Message) (string, error) {
	var s string
	if _, err := call.Read("s", &s); err != nil {
		return "", err
	}
	return s, nil
}

func (b *Bus) nextSerial() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSerial++
	return b.lastSerial
}

// serverAuth speaks the bus side of the authentication handshake:
// a NUL byte, AUTH EXTERNAL, optional unix fd negotiation, BEGIN.
func serverAuth(br *bufio.Reader, w io.Writer) error {
	nul, err := br.ReadByte()
	if err != nil {
		return err
	}
	if nul != 0 {
		return fmt.Errorf("expected NUL credentials byte, got %#x", nul)
	}

	line, err := authLine(br)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "AUTH EXTERNAL ") {
		fmt.Fprintf(w, "REJECTED EXTERNAL\r\n")
		return fmt.Errorf("unsupported auth command %q", line)
	}
	if _, err := fmt.Fprintf(w, "OK %s\r\n", busGUID); err != nil {
		return err
	}

	for {
		line, err := authLine(br)
		if err != nil {
			return err
		}
		switch line {
		case "BEGIN":
			return nil
		case "NEGOTIATE_UNIX_FD":
			if _, err := io.WriteString(w, "AGREE_UNIX_FD\r\n"); err != nil {
				return err
			}
		default:
			if _, err := io.WriteString(w, "ERROR\r\n"); err != nil {
				return err
			}
		}
	}
}

func authLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\r\n"), nil
}

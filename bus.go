package sdbus

import "context"

// The message bus itself is a peer on the bus, reachable at a
// well-known name.
const (
	busName  = "org.freedesktop.DBus"
	busPath  = ObjectPath("/org/freedesktop/DBus")
	busIface = "org.freedesktop.DBus"
)

// busCall issues a method call to the bus itself, with string
// arguments, and returns the reply.
func (c *Conn) busCall(ctx context.Context, member string, args ...string) (*Message, error) {
	call, err := c.NewMethodCall(busName, busPath, busIface, member)
	if err != nil {
		return nil, err
	}
	defer call.Close()
	for _, a := range args {
		if err := call.Append("s", a); err != nil {
			return nil, err
		}
	}
	return c.Call(ctx, call)
}

// ListNames returns the bus names currently in use on the bus, unique
// connection names included.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	reply, err := c.busCall(ctx, "ListNames")
	if err != nil {
		return nil, err
	}
	defer reply.Close()
	var names []string
	if _, err := reply.Read("as", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// NameHasOwner reports whether name currently has an owner on the
// bus.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	reply, err := c.busCall(ctx, "NameHasOwner", name)
	if err != nil {
		return false, err
	}
	defer reply.Close()
	var has bool
	if _, err := reply.Read("b", &has); err != nil {
		return false, err
	}
	return has, nil
}

// GetNameOwner returns the unique name of the client that owns the
// given bus name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	reply, err := c.busCall(ctx, "GetNameOwner", name)
	if err != nil {
		return "", err
	}
	defer reply.Close()
	var owner string
	if _, err := reply.Read("s", &owner); err != nil {
		return "", err
	}
	return owner, nil
}

// Ping performs an org.freedesktop.DBus.Peer.Ping round trip to the
// client owning name.
func (c *Conn) Ping(ctx context.Context, name string) error {
	call, err := c.NewMethodCall(name, "/", "org.freedesktop.DBus.Peer", "Ping")
	if err != nil {
		return err
	}
	defer call.Close()
	reply, err := c.Call(ctx, call)
	if err != nil {
		return err
	}
	return reply.Close()
}

// Package sdbus is a client library for the DBus message bus system.
//
// # Connections
//
// A [Conn] is a handle onto a bus connection. [DefaultBus] connects
// to the process's default bus, meaning the session bus when
// DBUS_SESSION_BUS_ADDRESS is set and the system bus otherwise, and
// hands out handles that share one underlying connection.
// [SessionBus], [SystemBus] and [Dial] open private connections. A
// connection carries one method call at a time; calls block until the
// reply arrives, the context expires, or the transport fails.
//
// # Messages
//
// A [Message] is an owned buffer plus a cursor, either under
// composition or being read. [Conn.NewMethodCall] builds an outgoing
// call, [Message.Append] adds typed values to its body described by a
// DBus type signature, and [Conn.Call] sends it and returns the
// reply, which is read back with [Message.Read] against the expected
// signature:
//
//	call, err := conn.NewMethodCall(
//		"org.freedesktop.systemd1", "/org/freedesktop/systemd1",
//		"org.freedesktop.systemd1.Manager", "GetUnit")
//	if err != nil {
//		return err
//	}
//	defer call.Close()
//	if err := call.Append("s", "dbus.service"); err != nil {
//		return err
//	}
//	reply, err := conn.Call(ctx, call)
//	if err != nil {
//		return err
//	}
//	defer reply.Close()
//
//	var path sdbus.ObjectPath
//	if _, err := reply.Read("o", &path); err != nil {
//		return err
//	}
//
// Containers nest. [Message.OpenContainer] and
// [Message.CloseContainer] compose arrays, structs, dict entries and
// variants piecemeal; [Message.EnterContainer] and
// [Message.ExitContainer] walk them on the reading side. Iterating an
// array is a loop that stops at [ReadEnd]:
//
//	if err := reply.EnterContainer(sdbus.Array, "(su)"); err != nil {
//		return err
//	}
//	for {
//		var name string
//		var id uint32
//		res, err := reply.Read("(su)", &name, &id)
//		if err != nil {
//			return err
//		} else if res == sdbus.ReadEnd {
//			break
//		}
//		// one element decoded
//	}
//	if err := reply.ExitContainer(); err != nil {
//		return err
//	}
//
// [Message.PeekType] discovers the shape of messages whose signature
// is not known ahead of time.
//
// # Errors
//
// Call failures come in two tiers. When a call reaches its
// destination and the peer answers with an error reply, [Conn.Call]
// returns a [CallError] carrying the peer's symbolic error name, and
// the Conn retains it for [Conn.LastCallError] until the next call.
// Every other failure is local: an invalid argument, an expired
// context, a broken transport.
//
// Messages and connections hold resources, including received file
// descriptors, and are released with their Close methods.
package sdbus

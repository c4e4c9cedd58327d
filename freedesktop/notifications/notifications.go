// Package notifications provides an interface to the Freedesktop
// notifications API.
//
// This corresponds to the org.freedesktop.Notifications service on
// the session bus.
package notifications

import (
	"context"
	"fmt"

	"github.com/sdbus-go/sdbus"
)

const (
	busName    = "org.freedesktop.Notifications"
	busPath    = sdbus.ObjectPath("/org/freedesktop/Notifications")
	notifIface = "org.freedesktop.Notifications"
	propsIface = "org.freedesktop.DBus.Properties"
)

// Notifier is a client for the session's notification service.
type Notifier struct {
	conn *sdbus.Conn
}

// New returns a Notifier that issues calls over conn, which should be
// a connection to the session bus.
func New(conn *sdbus.Conn) Notifier {
	return Notifier{conn: conn}
}

// Urgency is the notification urgency hint. The zero value leaves the
// hint unset, with the server's default in force.
type Urgency byte

const (
	UrgencyLow Urgency = iota + 1
	UrgencyNormal
	UrgencyCritical
)

// Notification describes one notification to post.
type Notification struct {
	AppName    string
	ReplacesID uint32 // notification to replace, 0 posts a new one
	AppIcon    string
	Summary    string
	Body       string
	Actions    []string // pairs of action key and button label
	Timeout    int32    // milliseconds; 0 never expires, -1 is the server default

	// Standard hints. Unset fields are not sent.
	Urgency   Urgency
	Category  string // a notification class, such as "email.arrived"
	SoundName string // a sound from the freedesktop sound theme
	Transient bool   // bypass the server's persistence
	Resident  bool   // keep the notification after its actions run
}

// hint is one variant-valued dictionary entry of the hints argument.
type hint struct {
	key, sig string
	val      any
}

// hints flattens the Notification's hint fields into dict entries.
func (n Notification) hints() []hint {
	var hs []hint
	if n.Urgency != 0 {
		hs = append(hs, hint{"urgency", "y", byte(n.Urgency - 1)})
	}
	if n.Category != "" {
		hs = append(hs, hint{"category", "s", n.Category})
	}
	if n.SoundName != "" {
		hs = append(hs, hint{"sound-name", "s", n.SoundName})
	}
	if n.Transient {
		hs = append(hs, hint{"transient", "b", true})
	}
	if n.Resident {
		hs = append(hs, hint{"resident", "b", true})
	}
	return hs
}

// Notify posts a notification and returns the server-assigned id,
// which can recall it later with [Notifier.CloseNotification] or
// replace it with another Notify.
func (n Notifier) Notify(ctx context.Context, note Notification) (uint32, error) {
	call, err := n.conn.NewMethodCall(busName, busPath, notifIface, "Notify")
	if err != nil {
		return 0, err
	}
	defer call.Close()

	if err := call.Append("susssas",
		note.AppName, note.ReplacesID, note.AppIcon, note.Summary,
		note.Body, note.Actions); err != nil {
		return 0, err
	}
	if err := call.OpenContainer(sdbus.Array, "{sv}"); err != nil {
		return 0, err
	}
	for _, h := range note.hints() {
		if err := call.Append("{sv}", h.key, h.sig, h.val); err != nil {
			return 0, fmt.Errorf("adding hint %q: %w", h.key, err)
		}
	}
	if err := call.CloseContainer(); err != nil {
		return 0, err
	}
	if err := call.Append("i", note.Timeout); err != nil {
		return 0, err
	}

	reply, err := n.conn.Call(ctx, call)
	if err != nil {
		return 0, err
	}
	defer reply.Close()
	var id uint32
	if _, err := reply.Read("u", &id); err != nil {
		return 0, fmt.Errorf("reading notification id: %w", err)
	}
	return id, nil
}

// CloseNotification dismisses the notification with the given id.
func (n Notifier) CloseNotification(ctx context.Context, id uint32) error {
	call, err := n.conn.NewMethodCall(busName, busPath, notifIface, "CloseNotification")
	if err != nil {
		return err
	}
	defer call.Close()
	if err := call.Append("u", id); err != nil {
		return err
	}
	reply, err := n.conn.Call(ctx, call)
	if err != nil {
		return err
	}
	return reply.Close()
}

// Capabilities lists the optional capability strings the server
// advertises, such as "body" or "actions".
func (n Notifier) Capabilities(ctx context.Context) ([]string, error) {
	call, err := n.conn.NewMethodCall(busName, busPath, notifIface, "GetCapabilities")
	if err != nil {
		return nil, err
	}
	defer call.Close()
	reply, err := n.conn.Call(ctx, call)
	if err != nil {
		return nil, err
	}
	defer reply.Close()
	var caps []string
	if _, err := reply.Read("as", &caps); err != nil {
		return nil, fmt.Errorf("reading capabilities: %w", err)
	}
	return caps, nil
}

// ServerInformation identifies a notification server implementation.
type ServerInformation struct {
	Name        string
	Vendor      string
	Version     string
	SpecVersion string
}

// ServerInformation reports the identity of the notification server.
func (n Notifier) ServerInformation(ctx context.Context) (ServerInformation, error) {
	call, err := n.conn.NewMethodCall(busName, busPath, notifIface, "GetServerInformation")
	if err != nil {
		return ServerInformation{}, err
	}
	defer call.Close()
	reply, err := n.conn.Call(ctx, call)
	if err != nil {
		return ServerInformation{}, err
	}
	defer reply.Close()
	var info ServerInformation
	if _, err := reply.Read("ssss",
		&info.Name, &info.Vendor, &info.Version, &info.SpecVersion); err != nil {
		return ServerInformation{}, fmt.Errorf("reading server information: %w", err)
	}
	return info, nil
}

// Inhibited reports whether notifications are currently suppressed.
//
// Inhibited is a KDE extension to the notifications API.
func (n Notifier) Inhibited(ctx context.Context) (bool, error) {
	call, err := n.conn.NewMethodCall(busName, busPath, propsIface, "Get")
	if err != nil {
		return false, err
	}
	defer call.Close()
	if err := call.Append("ss", notifIface, "Inhibited"); err != nil {
		return false, err
	}
	reply, err := n.conn.Call(ctx, call)
	if err != nil {
		return false, err
	}
	defer reply.Close()
	var inhibited bool
	if _, err := reply.Read("v", "b", &inhibited); err != nil {
		return false, fmt.Errorf("reading Inhibited property: %w", err)
	}
	return inhibited, nil
}

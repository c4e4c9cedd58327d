package notifications_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sdbus-go/sdbus"
	"github.com/sdbus-go/sdbus/bustest"
	"github.com/sdbus-go/sdbus/freedesktop/notifications"
)

const (
	dest  = "org.freedesktop.Notifications"
	iface = "org.freedesktop.Notifications"
)

// notified is what the test server decodes out of one Notify call.
type notified struct {
	AppName    string
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	Actions    []string
	Hints      map[string]any
	Timeout    int32
}

func notifyBus(t *testing.T, got *notified) *bustest.Bus {
	t.Helper()
	b := bustest.New(t)
	b.Handle(dest, iface, "Notify", func(call *sdbus.Message) (*sdbus.Message, error) {
		var n notified
		if _, err := call.Read("susssas",
			&n.AppName, &n.ReplacesID, &n.AppIcon, &n.Summary, &n.Body,
			&n.Actions); err != nil {
			return nil, err
		}
		if err := call.EnterContainer(sdbus.Array, "{sv}"); err != nil {
			return nil, err
		}
		n.Hints = map[string]any{}
		for {
			code, _, err := call.PeekType()
			if err != nil {
				return nil, err
			}
			if code == 0 {
				break
			}
			if err := call.EnterContainer(sdbus.DictEntry, "sv"); err != nil {
				return nil, err
			}
			var key string
			if _, err := call.Read("s", &key); err != nil {
				return nil, err
			}
			_, contents, err := call.PeekType()
			if err != nil {
				return nil, err
			}
			switch contents {
			case "y":
				var v byte
				if _, err := call.Read("v", "y", &v); err != nil {
					return nil, err
				}
				n.Hints[key] = v
			case "b":
				var v bool
				if _, err := call.Read("v", "b", &v); err != nil {
					return nil, err
				}
				n.Hints[key] = v
			case "s":
				var v string
				if _, err := call.Read("v", "s", &v); err != nil {
					return nil, err
				}
				n.Hints[key] = v
			default:
				return nil, fmt.Errorf("unexpected hint type %q", contents)
			}
			if err := call.ExitContainer(); err != nil {
				return nil, err
			}
		}
		if err := call.ExitContainer(); err != nil {
			return nil, err
		}
		if _, err := call.Read("i", &n.Timeout); err != nil {
			return nil, err
		}
		*got = n

		reply, err := sdbus.NewMethodReturn(call)
		if err != nil {
			return nil, err
		}
		if err := reply.Append("u", uint32(7)); err != nil {
			reply.Close()
			return nil, err
		}
		return reply, nil
	})
	return b
}

func TestNotify(t *testing.T) {
	var got notified
	b := notifyBus(t, &got)
	n := notifications.New(b.MustConn(t))

	id, err := n.Notify(context.Background(), notifications.Notification{
		AppName:   "testapp",
		AppIcon:   "dialog-information",
		Summary:   "Disk space low",
		Body:      "Only 2% left on /",
		Actions:   []string{"default", "Open"},
		Timeout:   5000,
		Urgency:   notifications.UrgencyCritical,
		Category:  "device",
		Transient: true,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if id != 7 {
		t.Errorf("Notify id = %d, want 7", id)
	}

	want := notified{
		AppName: "testapp",
		AppIcon: "dialog-information",
		Summary: "Disk space low",
		Body:    "Only 2% left on /",
		Actions: []string{"default", "Open"},
		Hints: map[string]any{
			"urgency":   byte(2),
			"category":  "device",
			"transient": true,
		},
		Timeout: 5000,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("notification received (-got+want):\n%s", diff)
	}
}

func TestNotifyNoHints(t *testing.T) {
	var got notified
	b := notifyBus(t, &got)
	n := notifications.New(b.MustConn(t))

	if _, err := n.Notify(context.Background(), notifications.Notification{
		AppName: "testapp",
		Summary: "hello",
		Timeout: -1,
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(got.Hints) != 0 {
		t.Errorf("server got hints %v, want none", got.Hints)
	}
	if got.Timeout != -1 {
		t.Errorf("server got timeout %d, want -1", got.Timeout)
	}
}

func TestCloseNotification(t *testing.T) {
	b := bustest.New(t)
	var closed uint32
	b.Handle(dest, iface, "CloseNotification", func(call *sdbus.Message) (*sdbus.Message, error) {
		if _, err := call.Read("u", &closed); err != nil {
			return nil, err
		}
		return sdbus.NewMethodReturn(call)
	})
	n := notifications.New(b.MustConn(t))
	if err := n.CloseNotification(context.Background(), 99); err != nil {
		t.Fatalf("CloseNotification: %v", err)
	}
	if closed != 99 {
		t.Errorf("server closed notification %d, want 99", closed)
	}
}

func TestCapabilities(t *testing.T) {
	b := bustest.New(t)
	b.Handle(dest, iface, "GetCapabilities", func(call *sdbus.Message) (*sdbus.Message, error) {
		reply, err := sdbus.NewMethodReturn(call)
		if err != nil {
			return nil, err
		}
		if err := reply.Append("as", []string{"actions", "body", "persistence"}); err != nil {
			reply.Close()
			return nil, err
		}
		return reply, nil
	})
	n := notifications.New(b.MustConn(t))
	caps, err := n.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if diff := cmp.Diff(caps, []string{"actions", "body", "persistence"}); diff != "" {
		t.Errorf("Capabilities (-got+want):\n%s", diff)
	}
}

func TestServerInformation(t *testing.T) {
	b := bustest.New(t)
	b.Handle(dest, iface, "GetServerInformation", func(call *sdbus.Message) (*sdbus.Message, error) {
		reply, err := sdbus.NewMethodReturn(call)
		if err != nil {
			return nil, err
		}
		if err := reply.Append("ssss", "fake", "bustest", "0.1", "1.2"); err != nil {
			reply.Close()
			return nil, err
		}
		return reply, nil
	})
	n := notifications.New(b.MustConn(t))
	info, err := n.ServerInformation(context.Background())
	if err != nil {
		t.Fatalf("ServerInformation: %v", err)
	}
	want := notifications.ServerInformation{
		Name: "fake", Vendor: "bustest", Version: "0.1", SpecVersion: "1.2",
	}
	if info != want {
		t.Errorf("ServerInformation = %+v, want %+v", info, want)
	}
}

func TestInhibited(t *testing.T) {
	b := bustest.New(t)
	b.Handle(dest, "org.freedesktop.DBus.Properties", "Get", func(call *sdbus.Message) (*sdbus.Message, error) {
		var prop, member string
		if _, err := call.Read("ss", &prop, &member); err != nil {
			return nil, err
		}
		if prop != iface || member != "Inhibited" {
			return nil, fmt.Errorf("unexpected property %s.%s", prop, member)
		}
		reply, err := sdbus.NewMethodReturn(call)
		if err != nil {
			return nil, err
		}
		if err := reply.Append("v", "b", true); err != nil {
			reply.Close()
			return nil, err
		}
		return reply, nil
	})
	n := notifications.New(b.MustConn(t))
	inhibited, err := n.Inhibited(context.Background())
	if err != nil {
		t.Fatalf("Inhibited: %v", err)
	}
	if !inhibited {
		t.Error("Inhibited = false, want true")
	}
}

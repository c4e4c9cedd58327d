package sdbus

import "fmt"

// CallError is the error returned from failed DBus method calls, when
// the failure was reported by the remote peer rather than by the
// local transport.
//
// Errors returned by [Conn.Call] can be inspected with [errors.As] to
// tell the two tiers apart: a CallError means the call reached the
// peer and was turned down, anything else means a local or transport
// failure.
type CallError struct {
	// Name is the symbolic error name provided by the remote peer,
	// such as "org.freedesktop.DBus.Error.UnknownMethod".
	Name string
	// Detail is the human-readable explanation of what went wrong.
	// It may be empty.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Well-known error names the bus itself reports.
const (
	// ErrServiceUnknown is returned when a call names a destination
	// that no connected client owns.
	ErrServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	// ErrUnknownMethod is returned when a call names a method the
	// destination does not provide.
	ErrUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	// ErrFailed is the generic failure error name.
	ErrFailed = "org.freedesktop.DBus.Error.Failed"
)

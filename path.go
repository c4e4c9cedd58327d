package sdbus

// An ObjectPath names an object exposed by a service on the bus,
// using a filesystem-like syntax such as "/org/freedesktop/systemd1".
type ObjectPath string

func (p ObjectPath) String() string { return string(p) }

// Valid reports whether the path is syntactically valid according to
// the DBus specification.
func (p ObjectPath) Valid() bool { return validObjectPath(string(p)) }

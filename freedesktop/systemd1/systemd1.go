// Package systemd1 provides a client for the systemd manager API.
//
// This corresponds to the org.freedesktop.systemd1 service on the
// system bus.
package systemd1

import (
	"context"
	"fmt"

	"github.com/sdbus-go/sdbus"
)

const (
	busName      = "org.freedesktop.systemd1"
	busPath      = sdbus.ObjectPath("/org/freedesktop/systemd1")
	managerIface = "org.freedesktop.systemd1.Manager"

	// unitRecord is the wire shape of one unit table row.
	unitRecord = "(ssssssouso)"
)

// Manager is a client for the systemd manager object.
type Manager struct {
	conn *sdbus.Conn
}

// New returns a Manager that issues calls over conn, which should
// normally be a connection to the system bus.
func New(conn *sdbus.Conn) Manager {
	return Manager{conn: conn}
}

// UnitStatus is one row of the manager's unit table.
type UnitStatus struct {
	Name        string // primary unit name
	Description string
	LoadState   string // whether the unit definition loaded: loaded, error, masked
	ActiveState string // active, reloading, inactive, failed, activating, deactivating
	SubState    string // unit type specific refinement of ActiveState
	Following   string // unit this one is following in state, if any
	Path        sdbus.ObjectPath
	JobID       uint32 // queued job for this unit, 0 if none
	JobType     string
	JobPath     sdbus.ObjectPath
}

// ListUnits returns the units systemd currently has in memory.
func (m Manager) ListUnits(ctx context.Context) ([]UnitStatus, error) {
	call, err := m.conn.NewMethodCall(busName, busPath, managerIface, "ListUnits")
	if err != nil {
		return nil, err
	}
	defer call.Close()
	reply, err := m.conn.Call(ctx, call)
	if err != nil {
		return nil, err
	}
	defer reply.Close()

	if err := reply.EnterContainer(sdbus.Array, unitRecord); err != nil {
		return nil, fmt.Errorf("reading unit table: %w", err)
	}
	var units []UnitStatus
	for {
		var u UnitStatus
		res, err := reply.Read(unitRecord,
			&u.Name, &u.Description, &u.LoadState, &u.ActiveState,
			&u.SubState, &u.Following, &u.Path, &u.JobID, &u.JobType,
			&u.JobPath)
		if err != nil {
			return nil, fmt.Errorf("reading unit record %d: %w", len(units), err)
		}
		if res == sdbus.ReadEnd {
			break
		}
		units = append(units, u)
	}
	if err := reply.ExitContainer(); err != nil {
		return nil, err
	}
	return units, nil
}

// GetUnit returns the object path of the named unit. The unit must be
// loaded, or the call fails with org.freedesktop.systemd1.NoSuchUnit.
func (m Manager) GetUnit(ctx context.Context, name string) (sdbus.ObjectPath, error) {
	call, err := m.conn.NewMethodCall(busName, busPath, managerIface, "GetUnit")
	if err != nil {
		return "", err
	}
	defer call.Close()
	if err := call.Append("s", name); err != nil {
		return "", err
	}
	reply, err := m.conn.Call(ctx, call)
	if err != nil {
		return "", err
	}
	defer reply.Close()

	var path sdbus.ObjectPath
	if _, err := reply.Read("o", &path); err != nil {
		return "", fmt.Errorf("reading unit path: %w", err)
	}
	return path, nil
}

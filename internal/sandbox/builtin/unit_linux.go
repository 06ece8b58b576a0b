//go:build linux

package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// unitClient holds one lazily opened system bus connection. A failed call
// drops it so the next refresh reconnects.
type unitClient struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func newUnitClient() *unitClient { return &unitClient{} }

func (u *unitClient) get(ctx context.Context) (*dbus.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil && u.conn.Connected() {
		return u.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	u.conn = conn
	return conn, nil
}

func (u *unitClient) reset(conn *dbus.Conn) {
	u.mu.Lock()
	if u.conn == conn {
		u.conn.Close()
		u.conn = nil
	}
	u.mu.Unlock()
}

func (u *unitClient) Status(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := u.get(ctx)
	if err != nil {
		return UnitStatus{}, err
	}

	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		u.reset(conn)
		return UnitStatus{}, fmt.Errorf("list unit %s: %w", unit, err)
	}
	if len(units) == 0 || units[0].LoadState == "not-found" {
		return notFound(unit), nil
	}
	s := units[0]
	st := UnitStatus{
		Name:        unit,
		Active:      s.ActiveState,
		SubState:    s.SubState,
		LoadState:   s.LoadState,
		Description: s.Description,
	}

	key := "ActiveEnterTimestamp"
	if st.Active != "active" {
		key = "InactiveEnterTimestamp"
	}
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return notFound(unit), nil
		}
		return st, nil
	}
	if v, ok := props[key].(uint64); ok && v > 0 {
		t := time.UnixMicro(int64(v)).UTC()
		st.Since = &t
	}
	return st, nil
}

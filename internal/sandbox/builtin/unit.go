package builtin

import (
	"context"
	"time"
)

// UnitStatus is the state of one systemd unit.
type UnitStatus struct {
	Name        string     `json:"name"`
	Active      string     `json:"active"`
	SubState    string     `json:"sub_state"`
	LoadState   string     `json:"load_state"`
	Description string     `json:"description,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
}

type UnitStatusFunc func(ctx context.Context, unit string) (UnitStatus, error)

func notFound(unit string) UnitStatus {
	return UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

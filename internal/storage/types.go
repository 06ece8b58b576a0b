package storage

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// WidgetRecord is the persisted form of a widget instance.
type WidgetRecord struct {
	ID       string            `json:"id"`
	Token    string            `json:"token"`
	Cadence  string            `json:"cadence"`
	Script   string            `json:"script"`
	Params   map[string]string `json:"params,omitempty"`
	Row      int               `json:"row,omitempty"`
	Col      int               `json:"col,omitempty"`
	Width    int               `json:"width,omitempty"`
	Height   int               `json:"height,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Status   string            `json:"status"`
	Error    string            `json:"error,omitempty"`
	Failures int               `json:"failures,omitempty"`
	// UpdatedAt is the time of the last execution result or reconfiguration.
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry records one operator command.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}

// Package orchestrator connects widget commands, the refresh scheduler and
// the broadcast dispatcher. It owns widget state.
package orchestrator

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/goccy/go-json"

	"livedash/internal/live/event"
	"livedash/internal/task/scheduler"
)

type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusNeverRun Status = "NEVER_RUN"
)

var (
	// ErrUnknownWidget reports a command for a widget id that does not exist.
	// Callers treat it as a no-op.
	ErrUnknownWidget   = errors.New("unknown widget")
	ErrDuplicateWidget = errors.New("widget already exists")
	ErrInvalidWidget   = errors.New("invalid widget")
)

// Widget is one widget instance and its last-known state.
type Widget struct {
	ID      string            `json:"id"`
	Token   string            `json:"token"`
	Cadence string            `json:"cadence"`
	Script  string            `json:"script"`
	Params  map[string]string `json:"params,omitempty"`
	Position

	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Failures  int             `json:"failures"`
	Degraded  bool            `json:"degraded"`
	UpdatedAt time.Time       `json:"updated_at"`

	cadence scheduler.Cadence
}

func (w *Widget) clone() Widget {
	c := *w
	c.Params = maps.Clone(w.Params)
	return c
}

func (w *Widget) hasState() bool { return w.Status != StatusNeverRun }

func (w *Widget) update() event.Update {
	return event.NewData(event.Widget{
		ID:        w.ID,
		Payload:   w.Payload,
		Status:    string(w.Status),
		Error:     w.Error,
		Degraded:  w.Degraded,
		Failures:  w.Failures,
		UpdatedAt: w.UpdatedAt,
	})
}

// Position places a widget on its dashboard grid. Rows and columns count
// from zero; a zero width or height means the viewer's default size.
type Position struct {
	Row    int `json:"row"`
	Col    int `json:"col"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (p Position) valid() bool {
	return p.Row >= 0 && p.Col >= 0 && p.Width >= 0 && p.Height >= 0
}

// Placement moves one widget in a layout change.
type Placement struct {
	ID string `json:"id"`
	Position
}

// AddRequest describes a new widget. An empty ID is generated.
type AddRequest struct {
	ID      string            `json:"id"`
	Token   string            `json:"token"`
	Cadence string            `json:"cadence"`
	Script  string            `json:"script"`
	Params  map[string]string `json:"params,omitempty"`
	Position
}

// Reconfig changes a widget. Nil fields are kept.
type Reconfig struct {
	Cadence *string            `json:"cadence,omitempty"`
	Script  *string            `json:"script,omitempty"`
	Params  *map[string]string `json:"params,omitempty"`
}

// Scheduler is the part of the refresh scheduler the orchestrator drives.
type Scheduler interface {
	Schedule(ctx context.Context, spec scheduler.Spec) error
	Cancel(ctx context.Context, id string) (bool, error)
	TriggerNow(ctx context.Context, id string) error
	Ceiling() int
}

// Publisher delivers events to a dashboard's viewers.
type Publisher interface {
	Publish(token string, u event.Update) int
	PublishScreen(token string, screen int, u event.Update) int
	Forget(token string)
}

// Package event defines the update events pushed to dashboard viewers.
package event

import (
	"time"

	"github.com/goccy/go-json"
)

type Kind string

const (
	Data        Kind = "DATA"
	GridLayout  Kind = "GRID_LAYOUT"
	Disconnect  Kind = "DISCONNECT"
	Reconfigure Kind = "RECONFIGURE"
	Reload      Kind = "RELOAD"
	// DisplayScreenCode asks viewers to show their screen code for a while.
	DisplayScreenCode Kind = "DISPLAY_SCREEN_CODE"
)

// Critical events are never dropped from a viewer's outbound queue.
func (k Kind) Critical() bool {
	switch k {
	case Disconnect, GridLayout, Reconfigure, Reload:
		return true
	default:
		return false
	}
}

// Widget is the DATA content.
type Widget struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Degraded bool            `json:"degraded,omitempty"`
	// Failures is the consecutive failure count.
	Failures  int       `json:"failures,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Update is one event. Values are treated as immutable once published.
type Update struct {
	Kind  Kind   `json:"type"`
	Token string `json:"token"`
	// Seq orders events per token; assigned by the dispatcher.
	Seq      uint64    `json:"seq"`
	WidgetID string    `json:"widgetId,omitempty"`
	Widget   *Widget   `json:"content,omitempty"`
	Date     time.Time `json:"date"`
}

// NewData builds a DATA event for w.
func NewData(w Widget) Update {
	return Update{Kind: Data, WidgetID: w.ID, Widget: &w}
}

// New builds a contentless event of kind k, optionally about one widget.
func New(k Kind, widgetID string) Update {
	return Update{Kind: k, WidgetID: widgetID}
}

// Supersedes reports whether u makes older queued event o redundant.
func (u Update) Supersedes(o Update) bool {
	return u.Kind == Data && o.Kind == Data && u.WidgetID == o.WidgetID
}

// Encode is the wire form used by the websocket transport.
func Encode(u Update) ([]byte, error) {
	return json.Marshal(u)
}

func Decode(b []byte) (Update, error) {
	var u Update
	err := json.Unmarshal(b, &u)
	return u, err
}

package eventbus

import "time"

// Event types published by the refresh pipeline.
const (
	RefreshStarted   = "refresh.started"
	RefreshFinished  = "refresh.finished"
	RefreshDiscarded = "refresh.discarded"

	BroadcastPublished = "broadcast.published"
	BroadcastDropped   = "broadcast.dropped"
	BroadcastFailed    = "broadcast.failed"

	ConnectionOpened = "connection.opened"
	ConnectionClosed = "connection.closed"
)

// RefreshEvent is the Data of refresh.* events.
type RefreshEvent struct {
	WidgetID string
	Forced   bool
	// Outcome is empty for refresh.started, otherwise SUCCESS or the failure kind.
	Outcome  string
	Duration time.Duration
	Backoff  int
}

// BroadcastEvent is the Data of broadcast.* and connection.* events.
type BroadcastEvent struct {
	Token  string
	Kind   string
	PeerID string
	Peers  int
}

// Worker pool events.
const (
	TaskDropped  = "task.dropped"
	TaskPanicked = "task.panicked"
)

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	ID    string
	Name  string
	Error string
}

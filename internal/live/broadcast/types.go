// Package broadcast fans update events out to the live connections of a
// dashboard token.
//
// Every connection is a Peer with its own bounded queue and writer goroutine.
// Publish only appends to those queues, so a slow viewer delays nobody.
package broadcast

import (
	"context"
	"errors"
	"time"

	"livedash/internal/live/event"
)

var ErrStopped = errors.New("dispatcher stopped")

// Config controls per-peer queues and pacing.
type Config struct {
	QueueSize      int
	SendRatePerSec float64
	SendBurst      int
	WriteTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = 50
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Conn is the transport side of a peer. WriteEvent must honour ctx's deadline.
type Conn interface {
	WriteEvent(ctx context.Context, u event.Update) error
	Close() error
}

// PeerStats is a diagnostic view of one peer.
type PeerStats struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	Screen  int    `json:"screen"`
	Queued  int    `json:"queued"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

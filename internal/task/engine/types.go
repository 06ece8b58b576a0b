package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool that executes refresh tasks.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize < c.Workers {
		c.QueueSize = c.Workers
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// RunState gates overlapping executions of tasks sharing it.
type RunState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

// Running reports whether a task holding s is queued or executing.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the pool.
//
// When State is set the task is rejected with ErrOverlapSkip while another
// task holding the same State is queued or running.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool          `json:"running"`
	Workers        int           `json:"workers"`
	QueueLen       int           `json:"queue_len"`
	QueueCap       int           `json:"queue_cap"`
	InFlight       int           `json:"in_flight"`
	Dropped        uint64        `json:"dropped"`
	Panics         uint64        `json:"panics"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	History        []HistoryItem `json:"history,omitempty"`
}

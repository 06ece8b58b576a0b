package scheduler

import "errors"

var (
	ErrStopped = errors.New("scheduler stopped")
	// ErrUnknownTask is returned for ids with no live (non-cancelled) task.
	ErrUnknownTask = errors.New("unknown refresh task")
	ErrInvalidSpec = errors.New("invalid refresh spec")
)

package scheduler

import (
	"errors"
	"time"

	"livedash/internal/task/engine"
	logx "livedash/pkg/logx"
)

const (
	enqueueWarnThrottle = 5 * time.Second
	// enqueueRetryDelay is how long a task waits after the pool refused it.
	enqueueRetryDelay = time.Second
)

func (s *Service) reportEnqueueError(widgetID string, err error) {
	if err == nil {
		return
	}
	// Expected while the pool shuts down.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("refresh not dispatched: pool stopping", logx.String("widget", widgetID), logx.Err(err))
		return
	}

	now := s.clock.Now()
	s.enqMu.Lock()
	if s.lastEnqWarn == nil {
		s.lastEnqWarn = make(map[string]time.Time)
	}
	last := s.lastEnqWarn[widgetID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[widgetID] = now
	s.enqMu.Unlock()

	s.log.Warn("refresh failed to enqueue", logx.String("widget", widgetID), logx.Err(err))
}

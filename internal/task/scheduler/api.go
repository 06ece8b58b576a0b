package scheduler

import (
	"context"
	"fmt"
	"maps"
	"strings"
)

// Schedule inserts or replaces the refresh task for spec.WidgetID.
//
// The first run is immediate unless spec.HasState is set, in which case it
// is one cadence period away. A manual cadence never runs on its own.
// Replacing a task discards its pending runs; an execution already running
// finishes but its result is dropped.
func (s *Service) Schedule(ctx context.Context, spec Spec) error {
	spec.WidgetID = strings.TrimSpace(spec.WidgetID)
	if spec.WidgetID == "" {
		return fmt.Errorf("%w: widget id required", ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.Script) == "" {
		return fmt.Errorf("%w: script required for %s", ErrInvalidSpec, spec.WidgetID)
	}
	spec.Params = maps.Clone(spec.Params)
	err, callErr := request(ctx, s, func(reply chan error) message {
		return scheduleMsg{spec: spec, reply: reply}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Cancel stops future runs for id. A running execution is not interrupted,
// but its result is dropped. Cancelling an unknown or already cancelled id
// is a no-op; the returned bool reports whether a live task was cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	return request(ctx, s, func(reply chan bool) message {
		return cancelMsg{id: id, reply: reply}
	})
}

// TriggerNow runs id as soon as a slot is free without moving its regular
// due time. While id is running, one rerun is queued for after it finishes.
func (s *Service) TriggerNow(ctx context.Context, id string) error {
	err, callErr := request(ctx, s, func(reply chan error) message {
		return triggerMsg{id: id, reply: reply}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	snap, err := request(ctx, s, func(reply chan Snapshot) message {
		return snapshotMsg{reply: reply}
	})
	if err != nil {
		cfg, loc := s.config()
		snap = Snapshot{
			Timezone:       loc.String(),
			BackoffCap:     cfg.BackoffCap,
			FailureCeiling: cfg.FailureCeiling,
			TimeLimit:      cfg.TimeLimit,
		}
	}
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}

// request sends a message to the loop and waits for its answer.
func request[T any](ctx context.Context, s *Service, build func(reply chan T) message) (T, error) {
	var zero T
	s.mu.Lock()
	running, inbox, done := s.running, s.inbox, s.done
	s.mu.Unlock()
	if !running {
		return zero, ErrStopped
	}

	reply := make(chan T, 1)
	select {
	case inbox <- build(reply):
	case <-done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

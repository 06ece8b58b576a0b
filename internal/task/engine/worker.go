package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"livedash/internal/eventbus"
	logx "livedash/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer qt.task.State.release()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.panics.Add(1)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				if s.bus != nil {
					s.bus.Publish(eventbus.Event{Type: eventbus.TaskPanicked, Data: eventbus.TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Error: err.Error()}})
				}
			}
		}()
		err = qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Debug("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.log.Trace("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	s.record(item)
}

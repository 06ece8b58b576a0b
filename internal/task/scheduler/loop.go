package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"livedash/internal/eventbus"
	"livedash/internal/sandbox"
	"livedash/internal/task/engine"
	logx "livedash/pkg/logx"
)

type message any

type (
	scheduleMsg struct {
		spec  Spec
		reply chan error
	}
	cancelMsg struct {
		id    string
		reply chan bool
	}
	triggerMsg struct {
		id    string
		reply chan error
	}
	snapshotMsg struct {
		reply chan Snapshot
	}
	// finishedMsg asks whether an outcome may be delivered.
	finishedMsg struct {
		id      string
		gen     uint64
		forced  bool
		started time.Time
		outcome sandbox.Outcome
		reply   chan finishReply
	}
	// appliedMsg releases the slot after delivery (or discard).
	appliedMsg struct {
		id  string
		gen uint64
	}
)

type finishReply struct {
	deliver bool
	result  Result
}

// handles lets workers reach the loop that dispatched them, even after a
// restart replaced the Service fields.
type handles struct {
	inbox chan message
	done  chan struct{}
}

func (h handles) send(m message) bool {
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	}
}

type loopState struct {
	tasks map[string]*task
	q     runQueue
	seq   uint64
	gens  uint64
	slots int
	free  int
}

func (ls *loopState) push(id string, gen uint64, at time.Time, forced bool) {
	ls.seq++
	ls.q.push(&item{id: id, gen: gen, at: at, seq: ls.seq, forced: forced})
}

// live returns the task an item still refers to, or nil for stale items.
func (ls *loopState) live(it *item) *task {
	t := ls.tasks[it.id]
	if t == nil || t.gen != it.gen || t.state == Cancelled {
		return nil
	}
	if it.forced {
		if !t.forceQueued {
			return nil
		}
		return t
	}
	if t.next.IsZero() || !t.next.Equal(it.at) {
		return nil
	}
	return t
}

// head drops stale items and returns the earliest live one.
func (ls *loopState) head() *item {
	for {
		it := ls.q.peek()
		if it == nil {
			return nil
		}
		if ls.live(it) != nil {
			return it
		}
		ls.q.pop()
	}
}

func (s *Service) run(ctx context.Context, ls *loopState, h handles) {
	for {
		s.dispatchDue(ctx, ls, h)

		var (
			timer  clockwork.Timer
			timerC <-chan time.Time
		)
		if ls.free > 0 {
			if it := ls.head(); it != nil {
				timer = s.clock.NewTimer(it.at.Sub(s.clock.Now()))
				timerC = timer.Chan()
			}
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case m := <-h.inbox:
			s.handle(ls, m)
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Service) dispatchDue(ctx context.Context, ls *loopState, h handles) {
	for ls.free > 0 {
		it := ls.head()
		if it == nil {
			return
		}
		now := s.clock.Now()
		if it.at.After(now) {
			return
		}
		ls.q.pop()
		t := ls.live(it)
		if it.forced {
			t.forceQueued = false
		} else {
			t.next = time.Time{}
		}
		if t.inflight {
			// Another execution holds this widget; pick it up on release.
			if it.forced {
				t.rerun = true
			} else {
				t.regularDue = true
			}
			continue
		}
		s.start(ctx, ls, h, it.id, t, it.forced, now)
	}
}

func (s *Service) start(ctx context.Context, ls *loopState, h handles, id string, t *task, forced bool, now time.Time) {
	cfg, _ := s.config()
	limit := t.spec.TimeLimit
	if limit <= 0 {
		limit = cfg.TimeLimit
	}

	t.state = Running
	t.inflight = true
	t.runGen = t.gen
	t.runForce = forced
	t.lastRun = now
	ls.free--

	spec, gen := t.spec, t.gen
	err := s.engine.Enqueue(engine.Task{
		Name: "refresh:" + id,
		// The sandbox enforces limit; the engine deadline only backs it up.
		Timeout: limit + time.Second,
		Run: func(runCtx context.Context) error {
			return s.execute(runCtx, h, spec, gen, forced, limit)
		},
	})
	if err == nil {
		return
	}

	ls.free++
	t.state = Pending
	t.inflight = false
	s.reportEnqueueError(id, err)
	if ctx.Err() != nil {
		return
	}
	retry := now.Add(enqueueRetryDelay)
	if forced {
		t.forceQueued = true
	} else {
		t.next = retry
	}
	ls.push(id, t.gen, retry, forced)
}

func (s *Service) handle(ls *loopState, m message) {
	switch m := m.(type) {
	case scheduleMsg:
		m.reply <- s.onSchedule(ls, m.spec)
	case cancelMsg:
		m.reply <- s.onCancel(ls, m.id)
	case triggerMsg:
		m.reply <- s.onTrigger(ls, m.id)
	case snapshotMsg:
		m.reply <- s.snapshot(ls)
	case finishedMsg:
		m.reply <- s.onFinished(ls, m)
	case appliedMsg:
		s.onApplied(ls, m)
	default:
		s.log.Error("scheduler: unknown message", logx.Any("msg", m))
	}
}

func (s *Service) onSchedule(ls *loopState, spec Spec) error {
	_, loc := s.config()
	now := s.clock.Now()

	t := ls.tasks[spec.WidgetID]
	if t == nil {
		t = &task{}
		ls.tasks[spec.WidgetID] = t
	}
	// A running execution of the previous generation keeps its slot; its
	// result is dropped and the new generation waits for it.
	ls.gens++
	*t = task{
		spec:     spec,
		gen:      ls.gens,
		state:    Pending,
		inflight: t.inflight,
		runGen:   t.runGen,
		runForce: t.runForce,
		lastRun:  t.lastRun,
	}

	switch {
	case spec.Cadence.Manual():
	case spec.HasState:
		t.next = spec.Cadence.next(now, 1, loc)
	default:
		t.next = now
	}
	if !t.next.IsZero() {
		ls.push(spec.WidgetID, t.gen, t.next, false)
	}
	return nil
}

func (s *Service) onCancel(ls *loopState, id string) bool {
	t := ls.tasks[id]
	if t == nil || t.state == Cancelled {
		return false
	}
	t.state = Cancelled
	t.next = time.Time{}
	t.forceQueued, t.regularDue, t.rerun = false, false, false
	if !t.inflight {
		delete(ls.tasks, id)
	}
	return true
}

func (s *Service) onTrigger(ls *loopState, id string) error {
	t := ls.tasks[id]
	if t == nil || t.state == Cancelled {
		return ErrUnknownTask
	}
	if t.inflight {
		t.rerun = true
		return nil
	}
	if t.forceQueued {
		return nil
	}
	t.forceQueued = true
	ls.push(id, t.gen, s.clock.Now(), true)
	return nil
}

func (s *Service) onFinished(ls *loopState, m finishedMsg) finishReply {
	t := ls.tasks[m.id]
	if t == nil || t.gen != m.gen || t.state == Cancelled {
		return finishReply{}
	}
	cfg, _ := s.config()
	if m.outcome.OK() {
		t.level, t.failures = 0, 0
	} else {
		t.failures++
		t.level = min(t.level+1, maxBackoffLevel(cfg.BackoffCap))
	}
	return finishReply{deliver: true, result: Result{
		WidgetID:     m.id,
		Outcome:      m.outcome,
		Forced:       m.forced,
		Started:      m.started,
		Failures:     t.failures,
		Degraded:     t.failures >= cfg.FailureCeiling,
		BackoffLevel: t.level,
	}}
}

func (s *Service) onApplied(ls *loopState, m appliedMsg) {
	ls.free++
	t := ls.tasks[m.id]
	if t == nil || !t.inflight || t.runGen != m.gen {
		return
	}
	t.inflight = false
	if t.state == Cancelled {
		delete(ls.tasks, m.id)
		return
	}
	now := s.clock.Now()
	if t.gen == m.gen {
		t.state = Pending
		if !t.runForce {
			s.scheduleNext(ls, m.id, t, now)
		}
	}
	if t.regularDue {
		t.regularDue = false
		t.next = now
		ls.push(m.id, t.gen, now, false)
	}
	if t.rerun {
		t.rerun = false
		t.forceQueued = true
		ls.push(m.id, t.gen, now, true)
	}
}

// scheduleNext queues the regular run after a completed regular run.
func (s *Service) scheduleNext(ls *loopState, id string, t *task, now time.Time) {
	if t.spec.Cadence.Manual() {
		return
	}
	cfg, loc := s.config()
	at := t.spec.Cadence.next(now, backoffMultiplier(t.level, cfg.BackoffCap), loc)
	if at.IsZero() {
		return
	}
	t.next = at
	ls.push(id, t.gen, at, false)
}

func (s *Service) snapshot(ls *loopState) Snapshot {
	cfg, loc := s.config()
	snap := Snapshot{
		Running:        true,
		Timezone:       loc.String(),
		Slots:          ls.slots,
		FreeSlots:      ls.free,
		QueueLen:       ls.q.Len(),
		BackoffCap:     cfg.BackoffCap,
		FailureCeiling: cfg.FailureCeiling,
		TimeLimit:      cfg.TimeLimit,
		Tasks:          make([]TaskInfo, 0, len(ls.tasks)),
	}
	for id, t := range ls.tasks {
		state := t.state
		if t.inflight && state != Cancelled {
			state = Running
		}
		snap.Tasks = append(snap.Tasks, TaskInfo{
			WidgetID:     id,
			State:        state.String(),
			Cadence:      t.spec.Cadence.String(),
			Script:       t.spec.Script,
			NextRun:      t.next,
			LastRun:      t.lastRun,
			BackoffLevel: t.level,
			Failures:     t.failures,
			Degraded:     t.failures >= cfg.FailureCeiling,
			RerunQueued:  t.rerun || t.forceQueued,
		})
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].WidgetID < snap.Tasks[j].WidgetID })
	return snap
}

func (s *Service) execute(ctx context.Context, h handles, spec Spec, gen uint64, forced bool, limit time.Duration) error {
	id := spec.WidgetID
	started := s.clock.Now()
	s.publish(eventbus.RefreshStarted, eventbus.RefreshEvent{WidgetID: id, Forced: forced})

	out := s.exec.Execute(ctx, spec.Script, spec.Params, limit)

	reply := make(chan finishReply, 1)
	if !h.send(finishedMsg{id: id, gen: gen, forced: forced, started: started, outcome: out, reply: reply}) {
		return ErrStopped
	}
	var fr finishReply
	select {
	case fr = <-reply:
	case <-h.done:
		return ErrStopped
	}

	kind := "SUCCESS"
	if !out.OK() {
		kind = string(out.Failure.Kind)
	}
	ev := eventbus.RefreshEvent{WidgetID: id, Forced: forced, Outcome: kind, Duration: out.Took, Backoff: fr.result.BackoffLevel}
	if fr.deliver {
		func() {
			// A sink panic must still release the slot below.
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("result sink panicked", logx.String("widget", id), logx.Any("panic", r))
				}
			}()
			s.sink.OnExecutionResult(context.WithoutCancel(ctx), fr.result)
		}()
		s.publish(eventbus.RefreshFinished, ev)
	} else {
		s.log.Debug("refresh result discarded", logx.String("widget", id), logx.String("outcome", kind))
		s.publish(eventbus.RefreshDiscarded, ev)
	}

	h.send(appliedMsg{id: id, gen: gen})
	if !out.OK() {
		return out.Failure
	}
	return nil
}

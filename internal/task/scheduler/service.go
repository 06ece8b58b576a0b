package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"livedash/internal/eventbus"
	"livedash/internal/task/engine"
	logx "livedash/pkg/logx"
)

const inboxSize = 256

func New(cfg Config, eng *engine.Service, exec Executor, sink ResultSink, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		log:    log,
		clock:  clockwork.NewRealClock(),
		engine: eng,
		exec:   exec,
		sink:   sink,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply updates timing settings. New values affect the next completion;
// tasks already queued keep their due time.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid scheduler timezone; using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
}

func (s *Service) config() (Config, *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.loc
}

// Ceiling is the consecutive-failure count at which a widget counts as degraded.
func (s *Service) Ceiling() int {
	cfg, _ := s.config()
	return cfg.FailureCeiling
}

// Start launches the scheduling loop. The engine must already be started.
// Slots are fixed to the engine capacity at this point.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.inbox = make(chan message, inboxSize)
	s.done = make(chan struct{})
	s.cancel = cancel
	s.running = true
	inbox, done := s.inbox, s.done
	slots := 1
	if s.engine != nil {
		slots = s.engine.Capacity()
	}
	s.mu.Unlock()

	ls := &loopState{tasks: map[string]*task{}, slots: slots, free: slots}
	go func() {
		defer close(done)
		s.run(loopCtx, ls, handles{inbox: inbox, done: done})
	}()
	s.log.Info("scheduler started", logx.Int("slots", slots))
}

// Stop ends the loop. Executions still running finish in the engine but
// their results are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) publish(typ string, ev eventbus.RefreshEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}

// Package builtin holds Go-implemented widget scripts registered under the
// "builtin:" prefix.
package builtin

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"livedash/internal/sandbox"
)

const (
	Clock   = "builtin:clock"
	Runtime = "builtin:runtime"
	Unit    = "builtin:unit"
)

type Set struct {
	clock   clockwork.Clock
	started time.Time
	units   UnitStatusFunc
}

type Option func(*Set)

func WithClock(c clockwork.Clock) Option {
	return func(s *Set) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithUnitStatus replaces the systemd lookup used by builtin:unit.
func WithUnitStatus(fn UnitStatusFunc) Option {
	return func(s *Set) {
		if fn != nil {
			s.units = fn
		}
	}
}

func New(opts ...Option) *Set {
	s := &Set{clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	s.started = s.clock.Now()
	if s.units == nil {
		s.units = newUnitClient().Status
	}
	return s
}

// Register binds every builtin on r.
func (s *Set) Register(r *sandbox.ScriptResolver) {
	r.Register(Clock, sandbox.ExecutableFunc(s.clockNow))
	r.Register(Runtime, sandbox.ExecutableFunc(s.runtimeStats))
	r.Register(Unit, sandbox.ExecutableFunc(s.unitStatus))
}

// clockNow reports the current time. Params: tz (IANA name), format (Go layout).
func (s *Set) clockNow(_ context.Context, env *sandbox.Env) ([]byte, error) {
	p := env.Params()
	loc := time.UTC
	if tz := strings.TrimSpace(p["tz"]); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("tz: %w", err)
		}
		loc = l
	}
	layout := time.RFC3339
	if f := p["format"]; f != "" {
		layout = f
	}
	now := s.clock.Now().In(loc)
	return json.Marshal(map[string]any{
		"time":     now.Format(layout),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	})
}

func (s *Set) runtimeStats(_ context.Context, _ *sandbox.Env) ([]byte, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return json.Marshal(map[string]any{
		"uptime_seconds": int64(s.clock.Since(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"cpus":           runtime.NumCPU(),
		"go_version":     runtime.Version(),
		"mem": map[string]uint64{
			"alloc":      m.Alloc,
			"sys":        m.Sys,
			"heap_inuse": m.HeapInuse,
			"gc_runs":    uint64(m.NumGC),
		},
	})
}

// unitStatus reports a systemd unit's state. Params: unit.
func (s *Set) unitStatus(ctx context.Context, env *sandbox.Env) ([]byte, error) {
	name := strings.TrimSpace(env.Params()["unit"])
	if name == "" {
		return nil, fmt.Errorf("param unit is required")
	}
	if !strings.Contains(name, ".") {
		name += ".service"
	}
	st, err := s.units(ctx, name)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

package logx

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultRecentSize = 200

// RecentSink is a zerolog LevelWriter keeping the last N lines at or above a
// minimum level. Writes over the rate limit are counted and dropped.
type RecentSink struct {
	mu       sync.Mutex
	lines    [][]byte
	next     int
	full     bool
	minLevel zerolog.Level
	limiter  *rate.Limiter
	dropped  uint64
}

func newRecentSink() *RecentSink {
	r := &RecentSink{}
	r.configure(RecentConfig{})
	return r
}

func (r *RecentSink) configure(cfg RecentConfig) {
	size := cfg.Size
	if size <= 0 {
		size = defaultRecentSize
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if size != len(r.lines) {
		old := r.snapshotLocked()
		r.lines = make([][]byte, size)
		r.next, r.full = 0, false
		if len(old) > size {
			old = old[len(old)-size:]
		}
		for _, l := range old {
			r.pushLocked(l)
		}
	}
}

func (r *RecentSink) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.InfoLevel, p)
}

func (r *RecentSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.minLevel {
		return len(p), nil
	}
	if !r.limiter.Allow() {
		r.dropped++
		return len(p), nil
	}
	r.pushLocked(bytes.TrimSpace(append([]byte(nil), p...)))
	return len(p), nil
}

func (r *RecentSink) pushLocked(line []byte) {
	if len(r.lines) == 0 {
		return
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

func (r *RecentSink) snapshotLocked() [][]byte {
	if !r.full {
		return append([][]byte(nil), r.lines[:r.next]...)
	}
	out := make([][]byte, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// Lines returns buffered lines, oldest first.
func (r *RecentSink) Lines() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Dropped returns the number of lines rejected by the rate limiter.
func (r *RecentSink) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

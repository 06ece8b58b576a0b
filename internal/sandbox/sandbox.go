// Package sandbox runs one data-fetch script to completion or timeout and
// reports either a JSON payload or a typed failure.
//
// Scripts see only the parameters they are given and a restricted surface
// (an allowlisted http_get). Nothing survives between invocations.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	logx "livedash/pkg/logx"
)

type FailureKind string

const (
	ScriptError    FailureKind = "SCRIPT_ERROR"
	Timeout        FailureKind = "TIMEOUT"
	ResourceDenied FailureKind = "RESOURCE_DENIED"
)

const (
	defaultTimeLimit      = 30 * time.Second
	defaultMaxOutputBytes = 1 << 20
)

var (
	// ErrDenied marks capability violations. Engines wrap it.
	ErrDenied = errors.New("capability denied")
	// ErrUnknownScript is returned by a Resolver for references it cannot find.
	ErrUnknownScript = errors.New("unknown script")
)

// Failure is a classified script execution error.
type Failure struct {
	Kind   FailureKind
	Reason string
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Reason }

// Outcome is the result of one Execute call. Exactly one of Payload or Failure is set.
type Outcome struct {
	Payload json.RawMessage
	Failure *Failure
	Took    time.Duration
}

func (o Outcome) OK() bool { return o.Failure == nil }

// Executable is one resolved script.
type Executable interface {
	Execute(ctx context.Context, env *Env) ([]byte, error)
}

// ExecutableFunc adapts a function to Executable.
type ExecutableFunc func(ctx context.Context, env *Env) ([]byte, error)

func (f ExecutableFunc) Execute(ctx context.Context, env *Env) ([]byte, error) { return f(ctx, env) }

// Resolver maps a script reference to an Executable.
type Resolver interface {
	Resolve(ref string) (Executable, error)
}

type Config struct {
	MaxOutputBytes int
	HTTPAllowHosts []string
	HTTPTimeout    time.Duration
}

type Sandbox struct {
	resolver Resolver
	log      logx.Logger
	cfg      atomic.Pointer[runtimeCfg]
}

type runtimeCfg struct {
	maxOutput int
	fetcher   *HTTPFetcher
}

func New(cfg Config, resolver Resolver, log logx.Logger) *Sandbox {
	s := &Sandbox{resolver: resolver, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps limits and the HTTP allowlist. In-flight executions keep the old values.
func (s *Sandbox) Apply(cfg Config) {
	maxOut := cfg.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutputBytes
	}
	s.cfg.Store(&runtimeCfg{
		maxOutput: maxOut,
		fetcher:   NewHTTPFetcher(cfg.HTTPTimeout, maxOut, cfg.HTTPAllowHosts),
	})
}

// Execute runs ref with params. It returns within limit (plus scheduling slack);
// an engine that ignores cancellation is abandoned and reported as TIMEOUT.
func (s *Sandbox) Execute(ctx context.Context, ref string, params map[string]string, limit time.Duration) Outcome {
	start := time.Now()
	if limit <= 0 {
		limit = defaultTimeLimit
	}
	rc := s.cfg.Load()

	exe, err := s.resolver.Resolve(ref)
	if err != nil {
		return Outcome{Failure: classify(err, false), Took: time.Since(start)}
	}

	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	env := newEnv(params, rc.fetcher, rc.maxOutput)
	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Warn("script panicked", logx.String("script", ref), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		p, err := exe.Execute(ctx, env)
		done <- result{payload: p, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = result{err: ctx.Err()}
	}
	took := time.Since(start)

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if !timedOut && env.wasDenied() {
		// Scripts may swallow the error of a denied call; the denial still stands.
		return Outcome{Failure: &Failure{Kind: ResourceDenied, Reason: env.denyReason()}, Took: took}
	}
	if r.err != nil {
		return Outcome{Failure: classify(r.err, timedOut), Took: took}
	}
	if len(r.payload) > rc.maxOutput {
		return Outcome{Failure: &Failure{Kind: ResourceDenied, Reason: fmt.Sprintf("output exceeds %d bytes", rc.maxOutput)}, Took: took}
	}
	if len(r.payload) == 0 {
		r.payload = []byte("null")
	}
	if !json.Valid(r.payload) {
		return Outcome{Failure: &Failure{Kind: ScriptError, Reason: "script produced invalid JSON"}, Took: took}
	}
	return Outcome{Payload: r.payload, Took: took}
}

func classify(err error, timedOut bool) *Failure {
	switch {
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: Timeout, Reason: "time limit exceeded"}
	case errors.Is(err, ErrDenied):
		return &Failure{Kind: ResourceDenied, Reason: err.Error()}
	default:
		return &Failure{Kind: ScriptError, Reason: err.Error()}
	}
}

package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Env is the capability surface handed to one execution. A fresh Env is built
// per call.
type Env struct {
	params    map[string]string
	fetcher   *HTTPFetcher
	maxOutput int

	mu     sync.Mutex
	denied string
}

func newEnv(params map[string]string, fetcher *HTTPFetcher, maxOutput int) *Env {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return &Env{params: cp, fetcher: fetcher, maxOutput: maxOutput}
}

// Params returns a copy of the input parameters.
func (e *Env) Params() map[string]string {
	cp := make(map[string]string, len(e.params))
	for k, v := range e.params {
		cp[k] = v
	}
	return cp
}

// Environ renders params as sorted KEY=VALUE pairs.
func (e *Env) Environ() []string {
	out := make([]string, 0, len(e.params))
	for k, v := range e.params {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// MaxOutput is the payload size limit in bytes.
func (e *Env) MaxOutput() int { return e.maxOutput }

// Fetch performs an allowlisted HTTP GET. A rejected request marks the
// execution as denied even if the script recovers from the error.
func (e *Env) Fetch(ctx context.Context, rawURL string) (any, error) {
	if e.fetcher == nil {
		return nil, e.Deny("http access disabled")
	}
	v, err := e.fetcher.Get(ctx, rawURL)
	if err != nil && isDenied(err) {
		e.mark(err.Error())
	}
	return v, err
}

// Deny records a capability violation and returns an error wrapping ErrDenied.
func (e *Env) Deny(reason string) error {
	e.mark(reason)
	return fmt.Errorf("%w: %s", ErrDenied, reason)
}

func (e *Env) mark(reason string) {
	e.mu.Lock()
	if e.denied == "" {
		e.denied = reason
	}
	e.mu.Unlock()
}

func (e *Env) wasDenied() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.denied != ""
}

func (e *Env) denyReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.denied
}

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedash/internal/live/broadcast"
	"livedash/internal/live/event"
	"livedash/internal/sandbox"
	"livedash/internal/task/engine"
	"livedash/internal/task/scheduler"
	logx "livedash/pkg/logx"
)

// gatedExec blocks scripts named "slow" until release is closed.
type gatedExec struct {
	started  chan string
	release  chan struct{}
	returned chan string
}

func (e *gatedExec) Execute(ctx context.Context, ref string, _ map[string]string, _ time.Duration) sandbox.Outcome {
	e.started <- ref
	defer func() { e.returned <- ref }()
	if ref == "slow" {
		select {
		case <-e.release:
		case <-ctx.Done():
		}
	}
	return sandbox.Outcome{Payload: []byte(`{"from":"` + ref + `"}`)}
}

type recordingConn struct {
	mu  sync.Mutex
	got []event.Update
	ch  chan event.Update
}

func (c *recordingConn) WriteEvent(_ context.Context, u event.Update) error {
	c.mu.Lock()
	c.got = append(c.got, u)
	c.mu.Unlock()
	c.ch <- u
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) recv(t *testing.T) event.Update {
	t.Helper()
	select {
	case u := <-c.ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return event.Update{}
	}
}

func (c *recordingConn) kinds() []event.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Kind, 0, len(c.got))
	for _, u := range c.got {
		out = append(out, u.Kind)
	}
	return out
}

type stack struct {
	o    *Orchestrator
	d    *broadcast.Dispatcher
	exec *gatedExec
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	exec := &gatedExec{started: make(chan string, 16), release: make(chan struct{}), returned: make(chan string, 16)}

	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(ctx)
	d := broadcast.New(broadcast.Config{QueueSize: 64, SendRatePerSec: 1e6, SendBurst: 1000, WriteTimeout: time.Second}, logx.Nop(), nil)
	d.Start(ctx)

	o := New(nil, d, logx.Nop(), WithClock(clock))
	s := scheduler.New(scheduler.Config{FailureCeiling: 3, Timezone: "UTC"}, eng, exec, o, logx.Nop(), scheduler.WithClock(clock))
	o.SetScheduler(s)
	s.Start(ctx)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
		d.Stop(ctx)
	})
	return &stack{o: o, d: d, exec: exec}
}

func (s *stack) viewer(t *testing.T, id, token string) (*broadcast.Peer, *recordingConn) {
	t.Helper()
	c := &recordingConn{ch: make(chan event.Update, 64)}
	p := s.d.NewPeer(id, token, 1, c)
	require.NoError(t, s.d.Attach(p))
	return p, c
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		return ""
	}
}

func TestRefreshResultReachesViewers(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	_, c := s.viewer(t, "v1", "abc")

	_, err := s.o.WidgetAdded(context.Background(), AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "fast"})
	require.NoError(t, err)

	assert.Equal(t, event.GridLayout, c.recv(t).Kind)
	u := c.recv(t)
	assert.Equal(t, event.Data, u.Kind)
	assert.Equal(t, "w1", u.WidgetID)
	require.NotNil(t, u.Widget)
	assert.JSONEq(t, `{"from":"fast"}`, string(u.Widget.Payload))
	assert.Equal(t, uint64(2), u.Seq)
}

func TestDashboardDeletedWhileRefreshing(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	p, c := s.viewer(t, "v1", "abc")
	ctx := context.Background()

	_, err := s.o.WidgetAdded(ctx, AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "slow"})
	require.NoError(t, err)
	assert.Equal(t, "slow", waitFor(t, s.exec.started))

	assert.Equal(t, 1, s.o.DashboardDeleted(ctx, "abc"))
	close(s.exec.release)
	assert.Equal(t, "slow", waitFor(t, s.exec.returned))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("viewer not closed after DISCONNECT")
	}
	assert.Equal(t, []event.Kind{event.GridLayout, event.Disconnect}, c.kinds())
	assert.Empty(t, s.o.Widgets("abc"))
	assert.Empty(t, s.d.ConnectionsFor("abc"))
}

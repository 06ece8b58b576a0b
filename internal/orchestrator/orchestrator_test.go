package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedash/internal/live/event"
	"livedash/internal/sandbox"
	"livedash/internal/storage"
	"livedash/internal/task/scheduler"
	logx "livedash/pkg/logx"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	mu        sync.Mutex
	specs     map[string]scheduler.Spec
	cancelled []string
	triggered []string
	failNext  error
	ceiling   int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{specs: map[string]scheduler.Spec{}, ceiling: 3}
}

func (f *fakeScheduler) Schedule(_ context.Context, spec scheduler.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.specs[spec.WidgetID] = spec
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.specs[id]
	delete(f.specs, id)
	f.cancelled = append(f.cancelled, id)
	return ok, nil
}

func (f *fakeScheduler) TriggerNow(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.specs[id]; !ok {
		return scheduler.ErrUnknownTask
	}
	f.triggered = append(f.triggered, id)
	return nil
}

func (f *fakeScheduler) Ceiling() int { return f.ceiling }

func (f *fakeScheduler) spec(id string) (scheduler.Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[id]
	return s, ok
}

type published struct {
	token  string
	screen int
	u      event.Update
}

type fakePublisher struct {
	mu       sync.Mutex
	events   []published
	forgot   []string
	audience int
}

func (p *fakePublisher) Publish(token string, u event.Update) int {
	return p.PublishScreen(token, -1, u)
}

func (p *fakePublisher) PublishScreen(token string, screen int, u event.Update) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{token: token, screen: screen, u: u})
	return p.audience
}

func (p *fakePublisher) Forget(token string) {
	p.mu.Lock()
	p.forgot = append(p.forgot, token)
	p.mu.Unlock()
}

func (p *fakePublisher) kinds(token string) []event.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Kind
	for _, e := range p.events {
		if e.token == token {
			out = append(out, e.u.Kind)
		}
	}
	return out
}

func (p *fakePublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *fakeScheduler, *fakePublisher) {
	t.Helper()
	sched := newFakeScheduler()
	pub := &fakePublisher{audience: 1}
	opts = append([]Option{WithClock(clockwork.NewFakeClockAt(epoch))}, opts...)
	return New(sched, pub, logx.Nop(), opts...), sched, pub
}

func ok(id, payload string) scheduler.Result {
	return scheduler.Result{WidgetID: id, Outcome: sandbox.Outcome{Payload: []byte(payload)}}
}

func failed(id string) scheduler.Result {
	return scheduler.Result{WidgetID: id, Outcome: sandbox.Outcome{Failure: &sandbox.Failure{Kind: sandbox.ScriptError, Reason: "boom"}}}
}

func TestWidgetAddedSchedulesImmediateRun(t *testing.T) {
	t.Parallel()
	o, sched, pub := newTestOrchestrator(t)
	ctx := context.Background()

	w, err := o.WidgetAdded(ctx, AddRequest{Token: "abc", Cadence: "30s", Script: "jq:.", Params: map[string]string{"q": "x"}})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, StatusNeverRun, w.Status)
	assert.Equal(t, "30s", w.Cadence)

	spec, ok := sched.spec(w.ID)
	require.True(t, ok)
	assert.False(t, spec.HasState)
	assert.Equal(t, 30*time.Second, spec.Cadence.Every)
	assert.Equal(t, map[string]string{"q": "x"}, spec.Params)
	assert.Equal(t, []event.Kind{event.GridLayout}, pub.kinds("abc"))

	_, err = o.WidgetAdded(ctx, AddRequest{ID: w.ID, Token: "abc", Cadence: "30s", Script: "jq:."})
	assert.ErrorIs(t, err, ErrDuplicateWidget)
}

func TestWidgetAddedValidation(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	for _, req := range []AddRequest{
		{Cadence: "30s", Script: "jq:."},
		{Token: "abc", Cadence: "30s"},
		{Token: "abc", Cadence: "-5s", Script: "jq:."},
		{Token: "abc", Cadence: "cron:not a cron", Script: "jq:."},
	} {
		_, err := o.WidgetAdded(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidWidget, "%+v", req)
	}
	assert.Empty(t, o.Widgets(""))
}

func TestScheduleFailureLeavesNoWidget(t *testing.T) {
	t.Parallel()
	o, sched, pub := newTestOrchestrator(t)
	sched.failNext = scheduler.ErrStopped

	_, err := o.WidgetAdded(context.Background(), AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "jq:."})
	assert.ErrorIs(t, err, scheduler.ErrStopped)
	_, ok := o.Widget("w1")
	assert.False(t, ok)
	assert.Empty(t, pub.kinds("abc"))
}

func TestResultUpdatesStateAndPublishesData(t *testing.T) {
	t.Parallel()
	o, _, pub := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.WidgetAdded(ctx, AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "jq:."})
	require.NoError(t, err)

	o.OnExecutionResult(ctx, ok("w1", `{"v":1}`))
	w, _ := o.Widget("w1")
	assert.Equal(t, StatusSuccess, w.Status)
	assert.JSONEq(t, `{"v":1}`, string(w.Payload))

	last := pub.last()
	assert.Equal(t, event.Data, last.u.Kind)
	assert.Equal(t, "w1", last.u.WidgetID)
	require.NotNil(t, last.u.Widget)
	assert.JSONEq(t, `{"v":1}`, string(last.u.Widget.Payload))
	assert.Equal(t, "SUCCESS", last.u.Widget.Status)
}

func TestFailureKeepsLastGoodPayloadAndDegrades(t *testing.T) {
	t.Parallel()
	o, _, pub := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.WidgetAdded(ctx, AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "jq:."})
	require.NoError(t, err)
	o.OnExecutionResult(ctx, ok("w1", `{"v":1}`))

	for i := 1; i <= 3; i++ {
		o.OnExecutionResult(ctx, failed("w1"))
		w, _ := o.Widget("w1")
		assert.Equal(t, StatusFailure, w.Status)
		assert.Equal(t, i, w.Failures)
		assert.Equal(t, i >= 3, w.Degraded, "after %d failures", i)
		assert.JSONEq(t, `{"v":1}`, string(w.Payload))
		assert.Contains(t, w.Error, "boom")
	}

	last := pub.last()
	require.NotNil(t, last.u.Widget)
	assert.True(t, last.u.Widget.Degraded)
	assert.Equal(t, 3, last.u.Widget.Failures)
	assert.JSONEq(t, `{"v":1}`, string(last.u.Widget.Payload))

	o.OnExecutionResult(ctx, ok("w1", `{"v":2}`))
	w, _ := o.Widget("w1")
	assert.False(t, w.Degraded)
	assert.Zero(t, w.Failures)
	assert.Empty(t, w.Error)
}

func TestUnknownWidgetCommandsAreNoops(t *testing.T) {
	t.Parallel()
	o, sched, pub := newTestOrchestrator(t)
	ctx := context.Background()

	script := "jq:."
	_, err := o.WidgetReconfigured(ctx, "ghost", Reconfig{Script: &script})
	assert.ErrorIs(t, err, ErrUnknownWidget)
	assert.ErrorIs(t, o.WidgetRemoved(ctx, "ghost"), ErrUnknownWidget)
	assert.ErrorIs(t, o.ForceRefresh(ctx, "ghost"), ErrUnknownWidget)

	o.OnExecutionResult(ctx, ok("ghost", `{}`))
	assert.Empty(t, pub.events)
	assert.Empty(t, sched.cancelled)
}

func TestReconfigureKeepsStateAndWaitsOnePeriod(t *testing.T) {
	t.Parallel()
	o, sched, pub := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.WidgetAdded(ctx, AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "jq:."})
	require.NoError(t, err)

	cadence := "1m"
	_, err = o.WidgetReconfigured(ctx, "w1", Reconfig{Cadence: &cadence})
	require.NoError(t, err)
	spec, _ := sched.spec("w1")
	assert.False(t, spec.HasState, "never ran yet")

	o.OnExecutionResult(ctx, ok("w1", `{"v":1}`))
	params := map[string]string{"city": "Oslo"}
	w, err := o.WidgetReconfigured(ctx, "w1", Reconfig{Params: &params})
	require.NoError(t, err)
	spec, _ = sched.spec("w1")
	assert.True(t, spec.HasState)
	assert.Equal(t, time.Minute, spec.Cadence.Every)
	assert.Equal(t, params, spec.Params)
	assert.JSONEq(t, `{"v":1}`, string(w.Payload))

	last := pub.last()
	assert.Equal(t, event.Reconfigure, last.u.Kind)
	assert.Equal(t, "w1", last.u.WidgetID)
}

func TestReconfigureRollsBackWhenSchedulingFails(t *testing.T) {
	t.Parallel()
	o, sched, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.WidgetAdded(ctx, AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "jq:."})
	require.NoError(t, err)

	sched.failNext = errors.New("loop gone")
	script := "jq:.x"
	_, err = o.WidgetReconfigured(ctx, "w1", Reconfig{Script: &script})
	require.Error(t, err)
	w, _ := o.Widget("w1")
	assert.Equal(t, "jq:.", w.Script)
}

func TestWidgetRemovedCancelsAndDropsLateResult(t *testing.T) {
	t.Parallel()
	o, sched, pub := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.WidgetAdded(ctx, AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "jq:."})
	require.NoError(t, err)

	require.NoError(t, o.WidgetRemoved(ctx, "w1"))
	assert.Equal(t, []string{"w1"}, sched.cancelled)
	o.OnExecutionResult(ctx, ok("w1", `{}`))
	assert.Equal(t, []event.Kind{event.GridLayout, event.GridLayout}, pub.kinds("abc"))
}

func TestDashboardDeletedDisconnectsLast(t *testing.T) {
	t.Parallel()
	o, sched, pub := newTestOrchestrator(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w2"} {
		_, err := o.WidgetAdded(ctx, AddRequest{ID: id, Token: "abc", Cadence: "30s", Script: "jq:."})
		require.NoError(t, err)
	}
	_, err := o.WidgetAdded(ctx, AddRequest{ID: "w3", Token: "xyz", Cadence: "30s", Script: "jq:."})
	require.NoError(t, err)

	assert.Equal(t, 2, o.DashboardDeleted(ctx, "abc"))
	assert.ElementsMatch(t, []string{"w1", "w2"}, sched.cancelled)
	assert.Equal(t, []string{"abc"}, pub.forgot)

	o.OnExecutionResult(ctx, ok("w1", `{}`))
	kinds := pub.kinds("abc")
	assert.Equal(t, event.Disconnect, kinds[len(kinds)-1])
	assert.Len(t, o.Widgets("abc"), 0)
	assert.Len(t, o.Widgets("xyz"), 1)
}

func TestLayoutChangedIsAllOrNothing(t *testing.T) {
	t.Parallel()
	o, _, pub := newTestOrchestrator(t)
	ctx := context.Background()
	for _, req := range []AddRequest{
		{ID: "w1", Token: "abc", Cadence: "30s", Script: "jq:."},
		{ID: "w2", Token: "abc", Cadence: "30s", Script: "jq:.", Position: Position{Row: 1}},
		{ID: "x1", Token: "xyz", Cadence: "30s", Script: "jq:."},
	} {
		_, err := o.WidgetAdded(ctx, req)
		require.NoError(t, err)
	}
	w2, _ := o.Widget("w2")
	assert.Equal(t, 1, w2.Row)

	bad := []struct {
		name       string
		placements []Placement
		want       error
	}{
		{"empty", nil, ErrInvalidWidget},
		{"negative", []Placement{{ID: "w1", Position: Position{Col: -1}}}, ErrInvalidWidget},
		{"duplicate", []Placement{{ID: "w1"}, {ID: "w1"}}, ErrInvalidWidget},
		{"other dashboard", []Placement{{ID: "w1", Position: Position{Row: 5}}, {ID: "x1"}}, ErrUnknownWidget},
		{"unknown", []Placement{{ID: "w1", Position: Position{Row: 5}}, {ID: "ghost"}}, ErrUnknownWidget},
	}
	for _, tc := range bad {
		_, err := o.LayoutChanged(ctx, "abc", tc.placements)
		assert.ErrorIs(t, err, tc.want, tc.name)
	}
	w1, _ := o.Widget("w1")
	assert.Equal(t, Position{}, w1.Position)
	assert.Equal(t, []event.Kind{event.GridLayout, event.GridLayout}, pub.kinds("abc"))

	n, err := o.LayoutChanged(ctx, "abc", []Placement{
		{ID: "w1", Position: Position{Row: 0, Col: 2, Width: 2, Height: 2}},
		{ID: "w2", Position: Position{Row: 3, Col: 0, Width: 4, Height: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	w1, _ = o.Widget("w1")
	assert.Equal(t, Position{Col: 2, Width: 2, Height: 2}, w1.Position)
	w2, _ = o.Widget("w2")
	assert.Equal(t, Position{Row: 3, Width: 4, Height: 1}, w2.Position)
	assert.Equal(t, []event.Kind{event.GridLayout, event.GridLayout, event.GridLayout}, pub.kinds("abc"))
	assert.Equal(t, []event.Kind{event.GridLayout}, pub.kinds("xyz"))
}

func TestForceRefreshAndViewerCommands(t *testing.T) {
	t.Parallel()
	o, sched, pub := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.WidgetAdded(ctx, AddRequest{ID: "w1", Token: "abc", Cadence: "manual", Script: "jq:."})
	require.NoError(t, err)

	require.NoError(t, o.ForceRefresh(ctx, "w1"))
	assert.Equal(t, []string{"w1"}, sched.triggered)

	assert.Equal(t, 1, o.Reload("abc"))
	assert.Equal(t, 1, o.DisplayScreenCodes("abc"))
	assert.Equal(t, 1, o.DisconnectScreen("abc", 2))
	last := pub.last()
	assert.Equal(t, event.Disconnect, last.u.Kind)
	assert.Equal(t, 2, last.screen)
	assert.Equal(t, []event.Kind{event.GridLayout, event.Reload, event.DisplayScreenCode, event.Disconnect}, pub.kinds("abc"))
}

func TestEnsureIsIdempotent(t *testing.T) {
	t.Parallel()
	o, sched, _ := newTestOrchestrator(t)
	ctx := context.Background()
	req := AddRequest{ID: "clock", Token: "abc", Cadence: "1m", Script: "jq:now"}

	changed, err := o.Ensure(ctx, req)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = o.Ensure(ctx, req)
	require.NoError(t, err)
	assert.False(t, changed)

	req.Cadence = "2m"
	changed, err = o.Ensure(ctx, req)
	require.NoError(t, err)
	assert.True(t, changed)
	spec, _ := sched.spec("clock")
	assert.Equal(t, 2*time.Minute, spec.Cadence.Every)

	req.Token = "other"
	_, err = o.Ensure(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateWidget)
}

func TestRestoreFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	o, _, _ := newTestOrchestrator(t, WithStore(st))
	_, err = o.WidgetAdded(ctx, AddRequest{ID: "w1", Token: "abc", Cadence: "30s", Script: "jq:."})
	require.NoError(t, err)
	_, err = o.WidgetAdded(ctx, AddRequest{ID: "w2", Token: "abc", Cadence: "30s", Script: "jq:."})
	require.NoError(t, err)
	o.OnExecutionResult(ctx, ok("w1", `{"v":7}`))
	_, err = o.LayoutChanged(ctx, "abc", []Placement{{ID: "w1", Position: Position{Row: 1, Col: 4, Width: 2, Height: 1}}})
	require.NoError(t, err)
	for range 3 {
		o.OnExecutionResult(ctx, failed("w2"))
	}

	restored, sched, _ := newTestOrchestrator(t, WithStore(st))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	w1, _ := restored.Widget("w1")
	assert.JSONEq(t, `{"v":7}`, string(w1.Payload))
	assert.Equal(t, Position{Row: 1, Col: 4, Width: 2, Height: 1}, w1.Position)
	spec, _ := sched.spec("w1")
	assert.True(t, spec.HasState)

	w2, _ := restored.Widget("w2")
	assert.True(t, w2.Degraded)
	assert.Equal(t, 3, w2.Failures)
}

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedash/internal/sandbox"
	"livedash/internal/task/engine"
	logx "livedash/pkg/logx"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type run struct {
	script string
	at     time.Time
}

// stubExec stands in for the sandbox. Outcomes are consumed per script;
// scripts with a gate block until it is closed.
type stubExec struct {
	clock clockwork.Clock
	runs  chan run

	mu       sync.Mutex
	failures map[string][]bool
	gates    map[string]chan struct{}

	active    atomic.Int32
	maxActive map[string]int32
}

func newStubExec(clock clockwork.Clock) *stubExec {
	return &stubExec{
		clock:     clock,
		runs:      make(chan run, 64),
		failures:  map[string][]bool{},
		gates:     map[string]chan struct{}{},
		maxActive: map[string]int32{},
	}
}

func (e *stubExec) script(ref string, fail ...bool) {
	e.mu.Lock()
	e.failures[ref] = fail
	e.mu.Unlock()
}

func (e *stubExec) gate(ref string) chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	e.gates[ref] = ch
	e.mu.Unlock()
	return ch
}

func (e *stubExec) Execute(ctx context.Context, ref string, _ map[string]string, _ time.Duration) sandbox.Outcome {
	e.mu.Lock()
	fail := false
	if seq := e.failures[ref]; len(seq) > 0 {
		fail, e.failures[ref] = seq[0], seq[1:]
	}
	gate := e.gates[ref]
	n := e.active.Add(1)
	e.maxActive[ref] = max(e.maxActive[ref], n)
	e.mu.Unlock()
	defer e.active.Add(-1)

	e.runs <- run{script: ref, at: e.clock.Now()}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if fail {
		return sandbox.Outcome{Failure: &sandbox.Failure{Kind: sandbox.ScriptError, Reason: "boom"}}
	}
	return sandbox.Outcome{Payload: []byte(`{"ok":true}`)}
}

type sinkRecorder struct {
	ch chan Result
}

func (r *sinkRecorder) OnExecutionResult(_ context.Context, res Result) { r.ch <- res }

type harness struct {
	s     *Service
	clock *clockwork.FakeClock
	exec  *stubExec
	sink  *sinkRecorder
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	exec := newStubExec(clock)
	sink := &sinkRecorder{ch: make(chan Result, 64)}

	eng := engine.New(engine.Config{Workers: workers}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{BackoffCap: 8, FailureCeiling: 3, Timezone: "UTC"}, eng, exec, sink, logx.Nop(), WithClock(clock))
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return &harness{s: s, clock: clock, exec: exec, sink: sink}
}

func (h *harness) nextRun(t *testing.T) run {
	t.Helper()
	select {
	case r := <-h.exec.runs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an execution")
		return run{}
	}
}

func (h *harness) noRun(t *testing.T) {
	t.Helper()
	select {
	case r := <-h.exec.runs:
		t.Fatalf("unexpected execution of %s at %s", r.script, r.at)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) nextResult(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.sink.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
		return Result{}
	}
}

// advance waits for the loop to arm its timer, then moves the clock.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(d)
}

func (h *harness) schedule(t *testing.T, id string, every time.Duration, hasState bool) {
	t.Helper()
	require.NoError(t, h.s.Schedule(context.Background(), Spec{
		WidgetID: id,
		Cadence:  Every(every),
		Script:   id,
		HasState: hasState,
	}))
}

func TestFirstRunIsImmediate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)

	h.schedule(t, "w", 10*time.Second, false)
	r := h.nextRun(t)
	assert.Equal(t, epoch, r.at)
	res := h.nextResult(t)
	assert.Equal(t, "w", res.WidgetID)
	assert.True(t, res.Outcome.OK())
}

func TestExistingStateWaitsOneInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)

	h.schedule(t, "w", 10*time.Second, true)
	h.noRun(t)
	h.advance(t, 10*time.Second)
	assert.Equal(t, epoch.Add(10*time.Second), h.nextRun(t).at)
}

func TestBackoffGaps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	h.exec.script("w", false, true, true, true, true, false, false)

	h.schedule(t, "w", 5*time.Second, false)

	gaps := []time.Duration{5, 10, 20, 40, 40, 5}
	times := []time.Time{h.nextRun(t).at}
	results := []Result{h.nextResult(t)}
	for _, g := range gaps {
		h.advance(t, g*time.Second)
		times = append(times, h.nextRun(t).at)
		results = append(results, h.nextResult(t))
	}

	for i, g := range gaps {
		assert.Equal(t, g*time.Second, times[i+1].Sub(times[i]), "gap %d", i)
	}

	levels := make([]int, len(results))
	failures := make([]int, len(results))
	degraded := make([]bool, len(results))
	for i, r := range results {
		levels[i], failures[i], degraded[i] = r.BackoffLevel, r.Failures, r.Degraded
	}
	assert.Equal(t, []int{0, 1, 2, 3, 3, 0, 0}, levels)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 0, 0}, failures)
	assert.Equal(t, []bool{false, false, false, true, true, false, false}, degraded)
}

func TestForceRefreshWhileRunningCoalesces(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)
	gate := h.exec.gate("w")

	h.schedule(t, "w", time.Minute, false)
	h.nextRun(t)

	ctx := context.Background()
	require.NoError(t, h.s.TriggerNow(ctx, "w"))
	require.NoError(t, h.s.TriggerNow(ctx, "w"))
	h.noRun(t)

	close(gate)
	h.nextResult(t)
	r := h.nextRun(t)
	assert.Equal(t, epoch, r.at)
	h.nextResult(t)
	h.noRun(t)

	h.exec.mu.Lock()
	assert.EqualValues(t, 1, h.exec.maxActive["w"])
	h.exec.mu.Unlock()
}

func TestTriggerNowKeepsCadence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)

	h.schedule(t, "w", 10*time.Second, true)
	require.NoError(t, h.s.TriggerNow(context.Background(), "w"))
	assert.Equal(t, epoch, h.nextRun(t).at)
	res := h.nextResult(t)
	assert.True(t, res.Forced)

	h.advance(t, 10*time.Second)
	r := h.nextRun(t)
	assert.Equal(t, epoch.Add(10*time.Second), r.at)
	assert.False(t, h.nextResult(t).Forced)
}

func TestTriggerNowUnknown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	assert.ErrorIs(t, h.s.TriggerNow(context.Background(), "nope"), ErrUnknownTask)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	ctx := context.Background()

	h.schedule(t, "pending", 10*time.Second, true)
	ok, err := h.s.Cancel(ctx, "pending")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.s.Cancel(ctx, "pending")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.s.Cancel(ctx, "never-added")
	require.NoError(t, err)
	assert.False(t, ok)

	h.schedule(t, "done", 10*time.Second, false)
	h.nextRun(t)
	h.nextResult(t)
	ok, err = h.s.Cancel(ctx, "done")
	require.NoError(t, err)
	assert.True(t, ok)

	h.clock.Advance(time.Hour)
	h.noRun(t)
	assert.Empty(t, h.s.Snapshot(ctx).Tasks)
}

func TestCancelWhileRunningDropsResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	ctx := context.Background()
	gate := h.exec.gate("w")

	h.schedule(t, "w", 10*time.Second, false)
	h.nextRun(t)
	ok, err := h.s.Cancel(ctx, "w")
	require.NoError(t, err)
	assert.True(t, ok)
	close(gate)

	require.Eventually(t, func() bool {
		snap := h.s.Snapshot(ctx)
		return len(snap.Tasks) == 0 && snap.FreeSlots == snap.Slots
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case r := <-h.sink.ch:
		t.Fatalf("cancelled result delivered: %+v", r)
	default:
	}
	h.clock.Advance(time.Hour)
	h.noRun(t)
}

func TestRescheduleWhileRunningWaitsAndDropsOldResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 4)
	ctx := context.Background()
	gate := h.exec.gate("old")

	require.NoError(t, h.s.Schedule(ctx, Spec{WidgetID: "w", Cadence: Every(time.Minute), Script: "old"}))
	assert.Equal(t, "old", h.nextRun(t).script)

	require.NoError(t, h.s.Schedule(ctx, Spec{WidgetID: "w", Cadence: Every(time.Minute), Script: "new"}))
	h.noRun(t)

	close(gate)
	assert.Equal(t, "new", h.nextRun(t).script)
	res := h.nextResult(t)
	assert.Equal(t, "w", res.WidgetID)
	select {
	case r := <-h.sink.ch:
		t.Fatalf("superseded result delivered: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHungWidgetDoesNotStallOthers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	gate := h.exec.gate("hung")
	defer close(gate)

	h.schedule(t, "hung", 10*time.Second, false)
	h.schedule(t, "fast", 5*time.Second, false)

	seen := map[string]time.Time{}
	for range 2 {
		r := h.nextRun(t)
		seen[r.script] = r.at
	}
	assert.Contains(t, seen, "hung")
	assert.Equal(t, epoch, seen["fast"])

	h.advance(t, 5*time.Second)
	r := h.nextRun(t)
	assert.Equal(t, "fast", r.script)
	assert.Equal(t, epoch.Add(5*time.Second), r.at)
}

func TestEqualDueTimesRunInInsertionOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	gate := h.exec.gate("gate")

	h.schedule(t, "gate", time.Hour, false)
	assert.Equal(t, "gate", h.nextRun(t).script)
	for _, id := range []string{"w1", "w2", "w3"} {
		h.schedule(t, id, time.Hour, false)
	}
	close(gate)

	var order []string
	for range 3 {
		order = append(order, h.nextRun(t).script)
	}
	assert.Equal(t, []string{"w1", "w2", "w3"}, order)
}

func TestManualCadenceNeverAutoFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	ctx := context.Background()

	require.NoError(t, h.s.Schedule(ctx, Spec{WidgetID: "m", Script: "m"}))
	h.clock.Advance(24 * time.Hour)
	h.noRun(t)

	require.NoError(t, h.s.TriggerNow(ctx, "m"))
	h.nextRun(t)
	h.nextResult(t)
	h.clock.Advance(24 * time.Hour)
	h.noRun(t)
}

func TestCronCadenceSkipsTicksOnFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.exec.script("c", true, false)

	cad, err := ParseCadence("cron:*/10 * * * * *")
	require.NoError(t, err)
	require.NoError(t, h.s.Schedule(context.Background(), Spec{WidgetID: "c", Cadence: cad, Script: "c", HasState: true}))

	h.advance(t, 10*time.Second)
	assert.Equal(t, epoch.Add(10*time.Second), h.nextRun(t).at)
	h.nextResult(t)

	// One failure doubles the period: the :20 tick is skipped.
	h.advance(t, 20*time.Second)
	assert.Equal(t, epoch.Add(30*time.Second), h.nextRun(t).at)
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	ctx := context.Background()
	assert.ErrorIs(t, h.s.Schedule(ctx, Spec{Script: "x"}), ErrInvalidSpec)
	assert.ErrorIs(t, h.s.Schedule(ctx, Spec{WidgetID: "x"}), ErrInvalidSpec)
}

func TestStoppedSchedulerRejectsCalls(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, nil, logx.Nop())
	ctx := context.Background()
	assert.ErrorIs(t, s.Schedule(ctx, Spec{WidgetID: "w", Script: "w"}), ErrStopped)
	_, err := s.Cancel(ctx, "w")
	assert.ErrorIs(t, err, ErrStopped)
	snap := s.Snapshot(ctx)
	assert.False(t, snap.Running)
	assert.Equal(t, defaultBackoffCap, snap.BackoffCap)
}

func TestBackoffMultiplier(t *testing.T) {
	t.Parallel()
	cases := []struct {
		level, capMult, want int
	}{
		{0, 8, 1},
		{1, 8, 2},
		{2, 8, 4},
		{3, 8, 8},
		{7, 8, 8},
		{3, 5, 5},
		{2, 1, 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffMultiplier(tc.level, tc.capMult), "level=%d cap=%d", tc.level, tc.capMult)
	}
	assert.Equal(t, 3, maxBackoffLevel(8))
	assert.Equal(t, 3, maxBackoffLevel(5))
	assert.Equal(t, 0, maxBackoffLevel(1))
	assert.Equal(t, 10, maxBackoffLevel(1<<62+1))
	assert.Equal(t, MaxBackoffCap, backoffMultiplier(40, 1<<40))
}

func TestBackedOffDueTimeSaturates(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		every time.Duration
		mult  int
		want  time.Duration
	}{
		{"plain multiply", time.Minute, 8, 8 * time.Minute},
		{"day at max cap", 24 * time.Hour, MaxBackoffCap, maxBackoffDelay},
		{"hour at huge multiplier", time.Hour, 1 << 40, maxBackoffDelay},
		{"interval above saturation", 30 * 24 * time.Hour, 4, 30 * 24 * time.Hour},
		{"no backoff keeps interval", 30 * 24 * time.Hour, 1, 30 * 24 * time.Hour},
	}
	for _, tc := range cases {
		at := Every(tc.every).next(now, tc.mult, nil)
		assert.Equal(t, now.Add(tc.want), at, tc.name)
		assert.True(t, at.After(now), tc.name)
	}
	assert.Equal(t, MaxBackoffCap, Config{BackoffCap: 1 << 40}.withDefaults().BackoffCap)
}

func TestParseCadence(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		every   time.Duration
		cron    bool
		manual  bool
		wantErr bool
	}{
		{in: "", manual: true},
		{in: "0", manual: true},
		{in: "0s", manual: true},
		{in: "manual", manual: true},
		{in: "30s", every: 30 * time.Second},
		{in: "every:1m", every: time.Minute},
		{in: "00:05", every: 5 * time.Minute},
		{in: "*/5 * * * *", cron: true},
		{in: "@hourly", cron: true},
		{in: "cron:*/10 * * * * *", cron: true},
		{in: "-5s", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "cron:not a cron", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			c, err := ParseCadence(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.manual, c.Manual())
			assert.Equal(t, tc.cron, c.Cron != nil)
			if tc.every > 0 {
				assert.Equal(t, tc.every, c.Every)
			}
		})
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"livedash/internal/live/event"
	"livedash/internal/storage"
	"livedash/internal/task/scheduler"
	logx "livedash/pkg/logx"
)

// Orchestrator owns widget instances. All mutations of a widget, including
// applying execution results, happen under mu, which also orders the events
// published about it.
type Orchestrator struct {
	mu      sync.Mutex
	widgets map[string]*Widget

	sched Scheduler
	pub   Publisher
	store storage.Store
	log   logx.Logger
	clock clockwork.Clock
}

type Option func(*Orchestrator)

// WithStore persists widget state. Without it state is memory only.
func WithStore(st storage.Store) Option {
	return func(o *Orchestrator) { o.store = st }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func New(sched Scheduler, pub Publisher, log logx.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		widgets: map[string]*Widget{},
		sched:   sched,
		pub:     pub,
		log:     log,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetScheduler completes construction when the scheduler needs the
// orchestrator as its result sink.
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.mu.Lock()
	o.sched = s
	o.mu.Unlock()
}

// WidgetAdded registers a widget, schedules its first (immediate) refresh and
// asks viewers to re-fetch the layout.
func (o *Orchestrator) WidgetAdded(ctx context.Context, req AddRequest) (Widget, error) {
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		return Widget{}, fmt.Errorf("%w: token required", ErrInvalidWidget)
	}
	if strings.TrimSpace(req.Script) == "" {
		return Widget{}, fmt.Errorf("%w: script required", ErrInvalidWidget)
	}
	if !req.Position.valid() {
		return Widget{}, fmt.Errorf("%w: negative position", ErrInvalidWidget)
	}
	cad, err := scheduler.ParseCadence(req.Cadence)
	if err != nil {
		return Widget{}, fmt.Errorf("%w: %v", ErrInvalidWidget, err)
	}
	if req.ID = strings.TrimSpace(req.ID); req.ID == "" {
		req.ID = uuid.NewString()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.widgets[req.ID]; ok {
		return Widget{}, fmt.Errorf("%w: %s", ErrDuplicateWidget, req.ID)
	}
	w := &Widget{
		ID:        req.ID,
		Token:     req.Token,
		Cadence:   cad.String(),
		Script:    req.Script,
		Params:    maps.Clone(req.Params),
		Position:  req.Position,
		Status:    StatusNeverRun,
		UpdatedAt: o.clock.Now(),
		cadence:   cad,
	}
	if err := o.scheduleLocked(ctx, w); err != nil {
		return Widget{}, err
	}
	o.widgets[w.ID] = w
	o.persistLocked(ctx, w)
	o.pub.Publish(w.Token, event.New(event.GridLayout, ""))
	o.log.Info("widget added", logx.String("widget", w.ID), logx.String("token", w.Token), logx.String("cadence", w.Cadence))
	return w.clone(), nil
}

// WidgetReconfigured applies cadence, script or parameter changes and
// reschedules. A widget with state is next refreshed one period from now.
func (o *Orchestrator) WidgetReconfigured(ctx context.Context, id string, rc Reconfig) (Widget, error) {
	var cad *scheduler.Cadence
	if rc.Cadence != nil {
		c, err := scheduler.ParseCadence(*rc.Cadence)
		if err != nil {
			return Widget{}, fmt.Errorf("%w: %v", ErrInvalidWidget, err)
		}
		cad = &c
	}
	if rc.Script != nil && strings.TrimSpace(*rc.Script) == "" {
		return Widget{}, fmt.Errorf("%w: script required", ErrInvalidWidget)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.widgets[id]
	if !ok {
		return Widget{}, o.conflict("reconfigure", id)
	}
	prev := w.clone()
	if cad != nil {
		w.cadence, w.Cadence = *cad, cad.String()
	}
	if rc.Script != nil {
		w.Script = *rc.Script
	}
	if rc.Params != nil {
		w.Params = maps.Clone(*rc.Params)
	}
	w.UpdatedAt = o.clock.Now()
	if err := o.scheduleLocked(ctx, w); err != nil {
		*w = prev
		return Widget{}, err
	}
	o.persistLocked(ctx, w)
	o.pub.Publish(w.Token, event.New(event.Reconfigure, w.ID))
	o.log.Info("widget reconfigured", logx.String("widget", w.ID), logx.String("cadence", w.Cadence), logx.String("script", w.Script))
	return w.clone(), nil
}

// WidgetRemoved cancels the widget's refresh task and drops its state.
func (o *Orchestrator) WidgetRemoved(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.widgets[id]
	if !ok {
		return o.conflict("remove", id)
	}
	o.cancelLocked(ctx, id)
	delete(o.widgets, id)
	if o.store != nil {
		if err := o.store.DeleteWidget(ctx, id); err != nil {
			o.log.Warn("widget delete not persisted", logx.String("widget", id), logx.Err(err))
		}
	}
	o.pub.Publish(w.Token, event.New(event.GridLayout, ""))
	o.log.Info("widget removed", logx.String("widget", id), logx.String("token", w.Token))
	return nil
}

// DashboardDeleted cancels every widget of token and tells its viewers to
// disconnect. Results still in flight for those widgets are dropped: they
// find no widget once mu is released, so DISCONNECT is the last event the
// token publishes.
func (o *Orchestrator) DashboardDeleted(ctx context.Context, token string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for id, w := range o.widgets {
		if w.Token != token {
			continue
		}
		o.cancelLocked(ctx, id)
		delete(o.widgets, id)
		n++
	}
	if o.store != nil {
		if _, err := o.store.DeleteDashboard(ctx, token); err != nil {
			o.log.Warn("dashboard delete not persisted", logx.String("token", token), logx.Err(err))
		}
	}
	o.pub.Publish(token, event.New(event.Disconnect, ""))
	o.pub.Forget(token)
	o.log.Info("dashboard deleted", logx.String("token", token), logx.Int("widgets", n))
	return n
}

// LayoutChanged moves widgets of token on the grid and asks its viewers to
// re-fetch the layout. The change is applied whole or not at all: every
// placement must name a distinct widget of token.
func (o *Orchestrator) LayoutChanged(ctx context.Context, token string, placements []Placement) (int, error) {
	if len(placements) == 0 {
		return 0, fmt.Errorf("%w: no placements", ErrInvalidWidget)
	}
	seen := make(map[string]struct{}, len(placements))
	for _, p := range placements {
		if !p.Position.valid() {
			return 0, fmt.Errorf("%w: negative position for %s", ErrInvalidWidget, p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return 0, fmt.Errorf("%w: %s placed twice", ErrInvalidWidget, p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range placements {
		if w, ok := o.widgets[p.ID]; !ok || w.Token != token {
			return 0, o.conflict("layout", p.ID)
		}
	}
	for _, p := range placements {
		w := o.widgets[p.ID]
		if w.Position == p.Position {
			continue
		}
		w.Position = p.Position
		o.persistLocked(ctx, w)
	}
	o.pub.Publish(token, event.New(event.GridLayout, ""))
	o.log.Info("layout changed", logx.String("token", token), logx.Int("widgets", len(placements)))
	return len(placements), nil
}

// ForceRefresh runs the widget now without changing its cadence.
func (o *Orchestrator) ForceRefresh(ctx context.Context, id string) error {
	o.mu.Lock()
	_, ok := o.widgets[id]
	sched := o.sched
	o.mu.Unlock()
	if !ok {
		return o.conflict("refresh", id)
	}
	if err := sched.TriggerNow(ctx, id); err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			return o.conflict("refresh", id)
		}
		return err
	}
	return nil
}

// Reload asks every viewer of token to reload the page.
func (o *Orchestrator) Reload(token string) int {
	return o.pub.Publish(token, event.New(event.Reload, ""))
}

// DisplayScreenCodes asks every viewer of token to show its screen code.
func (o *Orchestrator) DisplayScreenCodes(token string) int {
	return o.pub.Publish(token, event.New(event.DisplayScreenCode, ""))
}

// DisconnectScreen disconnects the viewers of token showing screen.
func (o *Orchestrator) DisconnectScreen(token string, screen int) int {
	return o.pub.PublishScreen(token, screen, event.New(event.Disconnect, ""))
}

// OnExecutionResult applies a refresh result and publishes it as DATA.
// Failures keep the last good payload.
func (o *Orchestrator) OnExecutionResult(ctx context.Context, r scheduler.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.widgets[r.WidgetID]
	if !ok {
		o.log.Debug("result for removed widget dropped", logx.String("widget", r.WidgetID))
		return
	}

	wasDegraded := w.Degraded
	if r.Outcome.OK() {
		w.Payload = r.Outcome.Payload
		w.Status = StatusSuccess
		w.Error = ""
		w.Failures = 0
		w.Degraded = false
	} else {
		w.Status = StatusFailure
		w.Error = r.Outcome.Failure.Error()
		w.Failures++
		w.Degraded = w.Failures >= o.sched.Ceiling()
	}
	w.UpdatedAt = o.clock.Now()

	switch {
	case w.Degraded && !wasDegraded:
		o.log.Warn("widget degraded", logx.String("widget", w.ID), logx.Int("failures", w.Failures), logx.String("error", w.Error))
	case !w.Degraded && wasDegraded:
		o.log.Info("widget recovered", logx.String("widget", w.ID))
	case !r.Outcome.OK():
		o.log.Debug("widget refresh failed", logx.String("widget", w.ID), logx.Int("failures", w.Failures), logx.String("error", w.Error))
	}

	o.persistLocked(ctx, w)
	o.pub.Publish(w.Token, w.update())
}

// Restore loads persisted widgets and schedules them. Widgets with a stored
// payload keep it and wait one period before their next refresh.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	recs, err := o.store.LoadWidgets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load widgets: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range recs {
		if _, ok := o.widgets[r.ID]; ok {
			continue
		}
		cad, err := scheduler.ParseCadence(r.Cadence)
		if err != nil {
			o.log.Warn("stored widget skipped: bad cadence", logx.String("widget", r.ID), logx.String("cadence", r.Cadence), logx.Err(err))
			continue
		}
		w := &Widget{
			ID:        r.ID,
			Token:     r.Token,
			Cadence:   cad.String(),
			Script:    r.Script,
			Params:    maps.Clone(r.Params),
			Position:  Position{Row: r.Row, Col: r.Col, Width: r.Width, Height: r.Height},
			Payload:   r.Payload,
			Status:    Status(r.Status),
			Error:     r.Error,
			Failures:  r.Failures,
			UpdatedAt: r.UpdatedAt,
			cadence:   cad,
		}
		if w.Status == "" {
			w.Status = StatusNeverRun
		}
		w.Degraded = w.Failures >= o.sched.Ceiling()
		if err := o.scheduleLocked(ctx, w); err != nil {
			o.log.Warn("stored widget not scheduled", logx.String("widget", r.ID), logx.Err(err))
			continue
		}
		o.widgets[w.ID] = w
		n++
	}
	o.log.Info("widgets restored", logx.Int("count", n), logx.Int("stored", len(recs)))
	return n, nil
}

// Ensure adds req unless a widget with its id exists; an existing widget is
// reconfigured when its definition differs. It returns whether anything
// changed.
func (o *Orchestrator) Ensure(ctx context.Context, req AddRequest) (bool, error) {
	if strings.TrimSpace(req.ID) == "" {
		return false, fmt.Errorf("%w: id required", ErrInvalidWidget)
	}
	cur, ok := o.Widget(req.ID)
	if !ok {
		_, err := o.WidgetAdded(ctx, req)
		return err == nil, err
	}
	if cur.Token != strings.TrimSpace(req.Token) {
		return false, fmt.Errorf("%w: %s belongs to another dashboard", ErrDuplicateWidget, req.ID)
	}
	cad, err := scheduler.ParseCadence(req.Cadence)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidWidget, err)
	}
	if cad.String() == cur.Cadence && req.Script == cur.Script && maps.Equal(req.Params, cur.Params) {
		return false, nil
	}
	cadence, params := req.Cadence, maps.Clone(req.Params)
	_, err = o.WidgetReconfigured(ctx, req.ID, Reconfig{Cadence: &cadence, Script: &req.Script, Params: &params})
	return err == nil, err
}

// Widget returns a copy of one widget.
func (o *Orchestrator) Widget(id string) (Widget, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.widgets[id]
	if !ok {
		return Widget{}, false
	}
	return w.clone(), true
}

// Widgets lists the widgets of token (all widgets when token is empty),
// ordered by id.
func (o *Orchestrator) Widgets(token string) []Widget {
	o.mu.Lock()
	out := make([]Widget, 0, len(o.widgets))
	for _, w := range o.widgets {
		if token == "" || w.Token == token {
			out = append(out, w.clone())
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o *Orchestrator) scheduleLocked(ctx context.Context, w *Widget) error {
	err := o.sched.Schedule(ctx, scheduler.Spec{
		WidgetID: w.ID,
		Cadence:  w.cadence,
		Script:   w.Script,
		Params:   w.Params,
		HasState: w.hasState(),
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", w.ID, err)
	}
	return nil
}

func (o *Orchestrator) cancelLocked(ctx context.Context, id string) {
	if _, err := o.sched.Cancel(ctx, id); err != nil {
		o.log.Warn("refresh cancel failed", logx.String("widget", id), logx.Err(err))
	}
}

func (o *Orchestrator) persistLocked(ctx context.Context, w *Widget) {
	if o.store == nil {
		return
	}
	err := o.store.PutWidget(ctx, storage.WidgetRecord{
		ID:        w.ID,
		Token:     w.Token,
		Cadence:   w.Cadence,
		Script:    w.Script,
		Params:    w.Params,
		Row:       w.Row,
		Col:       w.Col,
		Width:     w.Width,
		Height:    w.Height,
		Payload:   w.Payload,
		Status:    string(w.Status),
		Error:     w.Error,
		Failures:  w.Failures,
		UpdatedAt: w.UpdatedAt,
	})
	if err != nil {
		o.log.Warn("widget state not persisted", logx.String("widget", w.ID), logx.Err(err))
	}
}

func (o *Orchestrator) conflict(op, id string) error {
	o.log.Warn("widget command ignored: unknown widget", logx.String("op", op), logx.String("widget", id))
	return fmt.Errorf("%s %s: %w", op, id, ErrUnknownWidget)
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"livedash/internal/eventbus"
	"livedash/internal/sandbox"
	"livedash/internal/task/engine"
	logx "livedash/pkg/logx"
)

// Config controls refresh timing.
type Config struct {
	// TimeLimit bounds one script execution when Spec.TimeLimit is 0.
	TimeLimit time.Duration
	// BackoffCap is the largest multiplier applied to the cadence after failures.
	BackoffCap int
	// FailureCeiling is the consecutive-failure count at which a widget is
	// reported degraded. It is never abandoned.
	FailureCeiling int
	Timezone       string // IANA TZ for cron cadences
}

func (c Config) withDefaults() Config {
	if c.TimeLimit <= 0 {
		c.TimeLimit = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	c.BackoffCap = min(c.BackoffCap, MaxBackoffCap)
	if c.FailureCeiling <= 0 {
		c.FailureCeiling = defaultFailureCeiling
	}
	return c
}

type State int

const (
	Pending State = iota
	Running
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Spec describes the refresh task of one widget.
type Spec struct {
	WidgetID string
	Cadence  Cadence
	Script   string
	Params   map[string]string
	// HasState delays the first run by one cadence period instead of running now.
	HasState bool
	// TimeLimit overrides Config.TimeLimit when > 0.
	TimeLimit time.Duration
}

// Result is what the scheduler hands to the ResultSink after an execution.
type Result struct {
	WidgetID string
	Outcome  sandbox.Outcome
	Forced   bool
	Started  time.Time
	// Failures is the consecutive failure count including this outcome.
	Failures int
	// Degraded is Failures >= FailureCeiling.
	Degraded     bool
	BackoffLevel int
}

// ResultSink consumes execution results. Calls for one widget never overlap
// and arrive in completion order.
type ResultSink interface {
	OnExecutionResult(ctx context.Context, r Result)
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(ctx context.Context, r Result)

func (f ResultSinkFunc) OnExecutionResult(ctx context.Context, r Result) { f(ctx, r) }

// Executor runs one script. *sandbox.Sandbox implements it.
type Executor interface {
	Execute(ctx context.Context, ref string, params map[string]string, limit time.Duration) sandbox.Outcome
}

type Option func(*Service)

// WithClock replaces the wall clock; tests pass a clockwork fake.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock

	engine *engine.Service
	exec   Executor
	sink   ResultSink

	inbox   chan message
	done    chan struct{}
	cancel  context.CancelFunc
	running bool

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// task is loop-owned state for one widget id.
type task struct {
	spec  Spec
	gen   uint64
	state State

	// inflight is set while an execution (of any generation) holds a slot.
	inflight bool
	runGen   uint64
	runForce bool

	next        time.Time // regular due time; zero when not queued
	forceQueued bool
	// Set when a due item reached the head while inflight.
	regularDue bool
	rerun      bool

	level    int
	failures int
	lastRun  time.Time
}

// TaskInfo is a diagnostic view of one task.
type TaskInfo struct {
	WidgetID     string    `json:"widget_id"`
	State        string    `json:"state"`
	Cadence      string    `json:"cadence"`
	Script       string    `json:"script"`
	NextRun      time.Time `json:"next_run,omitempty"`
	LastRun      time.Time `json:"last_run,omitempty"`
	BackoffLevel int       `json:"backoff_level"`
	Failures     int       `json:"failures"`
	Degraded     bool      `json:"degraded"`
	RerunQueued  bool      `json:"rerun_queued"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool            `json:"running"`
	Timezone       string          `json:"timezone"`
	Slots          int             `json:"slots"`
	FreeSlots      int             `json:"free_slots"`
	QueueLen       int             `json:"queue_len"`
	BackoffCap     int             `json:"backoff_cap"`
	FailureCeiling int             `json:"failure_ceiling"`
	TimeLimit      time.Duration   `json:"time_limit"`
	Tasks          []TaskInfo      `json:"tasks"`
	Engine         engine.Snapshot `json:"engine"`
}

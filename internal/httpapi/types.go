// Package httpapi is the HTTP surface: the widget and dashboard API, the
// viewer websocket endpoint, metrics and debug routes.
package httpapi

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"livedash/internal/live/broadcast"
	"livedash/internal/orchestrator"
	"livedash/internal/storage"
	"livedash/internal/task/scheduler"
	logx "livedash/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AllowedOrigins limits websocket origins by host. Empty means same-origin
	// only; "*" allows any.
	AllowedOrigins []string
	Pprof          bool
	Metrics        bool
	DebugToken     string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// SchedulerView is the read side of the refresh scheduler.
type SchedulerView interface {
	Snapshot(ctx context.Context) scheduler.Snapshot
}

// Deps are the services behind the API. Store, Logs and Gatherer are optional.
type Deps struct {
	Widgets   *orchestrator.Orchestrator
	Live      *broadcast.Dispatcher
	Scheduler SchedulerView
	Store     storage.Store
	Logs      *logx.RecentSink
	Gatherer  prometheus.Gatherer
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4 << 10
)

// Handler serves the API. Build one with New and mount Router().
type Handler struct {
	cfg      Config
	deps     Deps
	log      logx.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config, deps Deps, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{cfg: cfg.withDefaults(), deps: deps, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

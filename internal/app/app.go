// Package app wires configuration, the refresh pipeline, the live broadcast
// layer and the HTTP surface into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"livedash/internal/config"
	"livedash/internal/eventbus"
	"livedash/internal/httpapi"
	"livedash/internal/live/broadcast"
	"livedash/internal/metrics"
	"livedash/internal/orchestrator"
	rtsup "livedash/internal/runtime/supervisor"
	"livedash/internal/sandbox"
	"livedash/internal/sandbox/builtin"
	"livedash/internal/storage"
	"livedash/internal/task/engine"
	"livedash/internal/task/scheduler"
	logx "livedash/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Service
	sched    *scheduler.Service
	sandbox  *sandbox.Sandbox
	resolver *sandbox.ScriptResolver
	live     *broadcast.Dispatcher
	orch     *orchestrator.Orchestrator
	metrics  *metrics.Metrics
	http     *httpapi.Server

	notify *notifier

	seedMu sync.Mutex
	seeded map[string]orchestrator.AddRequest
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, _ := mapEngineConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	sbCfg, _ := mapSandboxConfig(cfg)
	bcCfg, _ := mapBroadcastConfig(cfg)
	httpCfg, _ := mapHTTPConfig(cfg)

	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)

	resolver := sandbox.NewResolver(cfg.Sandbox.ScriptsDir)
	builtin.New().Register(resolver)
	sb := sandbox.New(sbCfg, resolver, log.With(logx.String("comp", "sandbox")))

	live := broadcast.New(bcCfg, log.With(logx.String("comp", "broadcast")), bus)

	var orchOpts []orchestrator.Option
	if store != nil {
		orchOpts = append(orchOpts, orchestrator.WithStore(store))
	}
	orch := orchestrator.New(nil, live, log.With(logx.String("comp", "orchestrator")), orchOpts...)
	schedSvc := scheduler.New(schedCfg, engineSvc, sb, orch, log.With(logx.String("comp", "scheduler")), scheduler.WithBus(bus))
	orch.SetScheduler(schedSvc)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	handler := httpapi.New(httpCfg, httpapi.Deps{
		Widgets:   orch,
		Live:      live,
		Scheduler: schedSvc,
		Store:     store,
		Logs:      logSvc.Recent(),
		Gatherer:  reg,
	}, log.With(logx.String("comp", "http")))
	srv := httpapi.NewServer(httpCfg, handler.Router(), log.With(logx.String("comp", "http")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		engine:   engineSvc,
		sched:    schedSvc,
		sandbox:  sb,
		resolver: resolver,
		live:     live,
		orch:     orch,
		metrics:  m,
		http:     srv,
		notify:   newNotifier(log.With(logx.String("comp", "systemd"))),
		seeded:   map[string]orchestrator.AddRequest{},
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	a.live.Start(runCtx)
	a.engine.Start(runCtx)
	a.sched.Start(runCtx)

	a.sup.Go0("metrics", func(c context.Context) {
		a.metrics.Run(c, a.bus, a.log.With(logx.String("comp", "metrics")))
	})

	if n, err := a.orch.Restore(runCtx); err != nil {
		a.log.Warn("widget restore failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("restored widgets", logx.Int("count", n))
	}
	a.applySeeds(runCtx, a.cfgm.Get())

	a.http.Start(runCtx)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Trace level: refreshes and broadcasts are frequent.
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify.ready()
	a.sup.Go0("systemd.watchdog", a.notify.watchdog)

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.notify.reloading()
	defer a.notify.ready()

	sections, attrs, dashboards := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(next))

	for _, s := range sections {
		switch s {
		case "storage", "http":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if engCfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}
	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if sb, err := mapSandboxConfig(next); err != nil {
		a.log.Warn("invalid sandbox config; keeping previous", logx.Err(err))
	} else {
		a.resolver.SetDir(next.Sandbox.ScriptsDir)
		a.sandbox.Apply(sb)
	}
	if bc, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.live.Apply(bc)
	}
	if len(dashboards) > 0 {
		a.applySeeds(ctx, next)
	}

	a.log.Info("config reloaded", fields...)
}

// applySeeds makes the configured dashboards exist. Widgets that were seeded
// earlier but are gone from the config are removed; widgets created through
// the API are never touched.
func (a *App) applySeeds(ctx context.Context, cfg *config.Config) {
	want := seedRequests(cfg)

	a.seedMu.Lock()
	defer a.seedMu.Unlock()

	changed := 0
	for id, req := range want {
		ok, err := a.orch.Ensure(ctx, req)
		if err != nil {
			a.log.Warn("seed widget not applied", logx.String("widget", id), logx.String("token", req.Token), logx.Err(err))
			continue
		}
		a.seeded[id] = req
		if ok {
			changed++
		}
	}
	for id := range a.seeded {
		if _, keep := want[id]; keep {
			continue
		}
		if err := a.orch.WidgetRemoved(ctx, id); err != nil {
			a.log.Debug("seed widget already gone", logx.String("widget", id))
		}
		a.metrics.Forget(id)
		delete(a.seeded, id)
		changed++
	}
	if changed > 0 {
		a.log.Info("dashboards seeded", logx.Int("changed", changed), logx.Int("widgets", len(want)))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.stopping()

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: no time left", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(stepCtx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("broadcast", 2*time.Second, func(c context.Context) error { a.live.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

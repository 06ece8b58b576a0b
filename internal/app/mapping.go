package app

import (
	"fmt"
	"strings"
	"time"

	"livedash/internal/config"
	"livedash/internal/httpapi"
	"livedash/internal/live/broadcast"
	"livedash/internal/orchestrator"
	"livedash/internal/sandbox"
	"livedash/internal/storage"
	"livedash/internal/task/engine"
	"livedash/internal/task/scheduler"
	logx "livedash/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Recent: logx.RecentConfig{
			Enabled:    l.Recent.Enabled,
			Size:       l.Recent.Size,
			MinLevel:   l.Recent.MinLevel,
			RatePerSec: l.Recent.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	limit, err := config.ParseDurationOrDefault("scheduler.time_limit", cfg.Scheduler.TimeLimit, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 4
	}
	return engine.Config{
		Workers:        workers,
		QueueSize:      workers * 4,
		DefaultTimeout: limit + time.Second,
		HistorySize:    cfg.Scheduler.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	limit, err := config.ParseDurationField("scheduler.time_limit", cfg.Scheduler.TimeLimit)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		TimeLimit:      limit,
		BackoffCap:     cfg.Scheduler.BackoffCap,
		FailureCeiling: cfg.Scheduler.FailureCeiling,
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
	}, nil
}

func mapSandboxConfig(cfg *config.Config) (sandbox.Config, error) {
	timeout, err := config.ParseDurationOrDefault("sandbox.http_timeout", cfg.Sandbox.HTTPTimeout, 10*time.Second)
	if err != nil {
		return sandbox.Config{}, err
	}
	return sandbox.Config{
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		HTTPAllowHosts: cfg.Sandbox.HTTPAllowHosts,
		HTTPTimeout:    timeout,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	wt, err := config.ParseDurationField("broadcast.write_timeout", cfg.Broadcast.WriteTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		QueueSize:      cfg.Broadcast.QueueSize,
		SendRatePerSec: cfg.Broadcast.SendRatePerSec,
		SendBurst:      cfg.Broadcast.SendBurst,
		WriteTimeout:   wt,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	it, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	metrics := true
	if h.Metrics != nil {
		metrics = *h.Metrics
	}
	return httpapi.Config{
		Addr:           strings.TrimSpace(h.Addr),
		ReadTimeout:    rt,
		WriteTimeout:   wt,
		IdleTimeout:    it,
		AllowedOrigins: h.AllowedOrigins,
		Pprof:          h.Pprof,
		Metrics:        metrics,
		DebugToken:     h.DebugToken,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./data/livedash.db"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// seedRequests flattens the configured dashboards, keyed by widget id.
func seedRequests(cfg *config.Config) map[string]orchestrator.AddRequest {
	out := map[string]orchestrator.AddRequest{}
	for _, d := range cfg.Dashboards {
		for _, w := range d.Widgets {
			out[strings.TrimSpace(w.ID)] = orchestrator.AddRequest{
				ID:      strings.TrimSpace(w.ID),
				Token:   strings.TrimSpace(d.Token),
				Cadence: w.Interval,
				Script:  w.Script,
				Params:  w.Params,
			}
		}
	}
	return out
}

// validateMapped runs every mapping so a reload that would fail to apply is
// rejected before it is committed.
func validateMapped(cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSandboxConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	for id, req := range seedRequests(cfg) {
		if _, err := scheduler.ParseCadence(req.Cadence); err != nil {
			return fmt.Errorf("dashboards: widget %s: %w", id, err)
		}
	}
	return nil
}

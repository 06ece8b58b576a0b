package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "livedash/pkg/logx"
)

// maxBackoffCap mirrors scheduler.MaxBackoffCap; config stays free of
// scheduler imports.
const maxBackoffCap = 1024

// Validate rejects configs that would fail later during mapping. It is run on
// initial load and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Recent.MinLevel) {
		add("logging.recent.min_level: unknown level %q", cfg.Logging.Recent.MinLevel)
	}

	s := cfg.Scheduler
	if s.Workers < 0 {
		add("scheduler.workers must be >= 0")
	}
	if s.BackoffCap < 0 || s.BackoffCap > maxBackoffCap {
		add("scheduler.backoff_cap must be between 0 and %d", maxBackoffCap)
	}
	if s.FailureCeiling < 0 {
		add("scheduler.failure_ceiling must be >= 0")
	}
	if s.HistorySize < 0 {
		add("scheduler.history_size must be >= 0")
	}
	dur("scheduler.time_limit", s.TimeLimit)
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	if cfg.Sandbox.MaxOutputBytes < 0 {
		add("sandbox.max_output_bytes must be >= 0")
	}
	dur("sandbox.http_timeout", cfg.Sandbox.HTTPTimeout)

	b := cfg.Broadcast
	if b.QueueSize < 0 {
		add("broadcast.queue_size must be >= 0")
	}
	if b.SendRatePerSec < 0 {
		add("broadcast.send_rate_per_sec must be >= 0")
	}
	if b.SendBurst < 0 {
		add("broadcast.send_burst must be >= 0")
	}
	dur("broadcast.write_timeout", b.WriteTimeout)

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path is required when storage.driver=sqlite")
			}
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	seen := map[string]bool{}
	for i, d := range cfg.Dashboards {
		if strings.TrimSpace(d.Token) == "" {
			add("dashboards[%d].token is required", i)
		}
		for j, w := range d.Widgets {
			id := strings.TrimSpace(w.ID)
			switch {
			case id == "":
				add("dashboards[%d].widgets[%d].id is required", i, j)
			case seen[id]:
				add("dashboards[%d].widgets[%d].id %q is duplicated", i, j, id)
			}
			seen[id] = true
			if strings.TrimSpace(w.Script) == "" {
				add("dashboards[%d].widgets[%d].script is required", i, j)
			}
		}
	}

	return errors.Join(errs...)
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "livedash/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging, and (3) dashboard tokens whose seed
// widgets changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.recent_enabled", newCfg.Logging.Recent.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.time_limit", strings.TrimSpace(newCfg.Scheduler.TimeLimit)),
			logx.Int("scheduler.backoff_cap", newCfg.Scheduler.BackoffCap),
			logx.Int("scheduler.failure_ceiling", newCfg.Scheduler.FailureCeiling),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sandbox, newCfg.Sandbox) {
		changed = append(changed, "sandbox")
		attrs = append(attrs,
			logx.String("sandbox.scripts_dir", newCfg.Sandbox.ScriptsDir),
			logx.Int("sandbox.max_output_bytes", newCfg.Sandbox.MaxOutputBytes),
			logx.Int("sandbox.http_allow_hosts", len(newCfg.Sandbox.HTTPAllowHosts)),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.queue_size", newCfg.Broadcast.QueueSize),
			logx.Float64("broadcast.send_rate_per_sec", newCfg.Broadcast.SendRatePerSec),
			logx.String("broadcast.write_timeout", strings.TrimSpace(newCfg.Broadcast.WriteTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	// Nil means disabled. Never log the full path.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	dashChanged := diffDashboards(oldCfg.Dashboards, newCfg.Dashboards)
	if len(dashChanged) > 0 {
		changed = append(changed, "dashboards")
		attrs = append(attrs, logx.Int("dashboards.changed_count", len(dashChanged)))
	}

	sort.Strings(changed)
	return changed, attrs, dashChanged
}

func diffDashboards(oldD, newD []DashboardConfig) []string {
	index := func(ds []DashboardConfig) map[string]DashboardConfig {
		m := make(map[string]DashboardConfig, len(ds))
		for _, d := range ds {
			m[d.Token] = d
		}
		return m
	}
	om, nm := index(oldD), index(newD)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for token := range set {
		o, ook := om[token]
		n, nok := nm[token]
		if ook != nok || !reflect.DeepEqual(o, n) {
			out = append(out, token)
		}
	}
	sort.Strings(out)
	return out
}

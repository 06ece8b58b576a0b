package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are strings ("5s", "1m30s") parsed with ParseDurationField so a bad
// value is reported with its path.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Sandbox    SandboxConfig     `json:"sandbox"`
	Broadcast  BroadcastConfig   `json:"broadcast"`
	HTTP       HTTPConfig        `json:"http"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Dashboards []DashboardConfig `json:"dashboards,omitempty"`
}

type LoggingConfig struct {
	Level   string          `json:"level"`
	Console bool            `json:"console"`
	JSON    bool            `json:"json,omitempty"`
	File    LogFileConfig   `json:"file"`
	Recent  LogRecentConfig `json:"recent"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LogRecentConfig struct {
	Enabled    bool   `json:"enabled"`
	Size       int    `json:"size,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig drives the refresh scheduling loop and its worker pool.
type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	TimeLimit      string `json:"time_limit,omitempty"`
	BackoffCap     int    `json:"backoff_cap,omitempty"`
	FailureCeiling int    `json:"failure_ceiling,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type SandboxConfig struct {
	ScriptsDir     string   `json:"scripts_dir,omitempty"`
	MaxOutputBytes int      `json:"max_output_bytes,omitempty"`
	HTTPAllowHosts []string `json:"http_allow_hosts,omitempty"`
	HTTPTimeout    string   `json:"http_timeout,omitempty"`
}

type BroadcastConfig struct {
	QueueSize      int     `json:"queue_size,omitempty"`
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
	SendBurst      int     `json:"send_burst,omitempty"`
	WriteTimeout   string  `json:"write_timeout,omitempty"`
}

type HTTPConfig struct {
	Addr           string   `json:"addr"`
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	IdleTimeout    string   `json:"idle_timeout,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	Pprof          bool     `json:"pprof,omitempty"`
	Metrics        *bool    `json:"metrics,omitempty"`
	// DebugToken guards /debug routes; required when Addr is not loopback.
	DebugToken string `json:"debug_token,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DashboardConfig seeds widgets at startup.
type DashboardConfig struct {
	Token   string         `json:"token"`
	Widgets []WidgetConfig `json:"widgets"`
}

type WidgetConfig struct {
	ID       string            `json:"id"`
	Interval string            `json:"interval"`
	Script   string            `json:"script"`
	Params   map[string]string `json:"params,omitempty"`
}

package config

// Config is the on-disk configuration (JSON, or YAML with the same keys).
//
// All durations are Go duration strings ("500ms", "5m", "3h").
// Unknown keys are rejected.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Reimport ReimportConfig `json:"reimport"`
	Import   ImportConfig   `json:"import"`
	Storage  StorageConfig  `json:"storage"`
	Sources  SourcesConfig  `json:"sources"`
	Checks   ChecksConfig   `json:"checks"`
	Schedule ScheduleConfig `json:"schedule"`
	HTTP     HTTPConfig     `json:"http"`

	Alerts *AlertsConfig `json:"alerts,omitempty"`
	Events *EventsConfig `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ReimportConfig controls the job retry scheduler.
//
// Defaults:
//   - pool_size: 2
//   - poll_interval: "5m"
//   - job_time_limit: "3h"
//   - max_attempts_per_job: 3
//   - max_attempts_per_day: 3
//   - queue_order: "fifo" ("lifo" starts the newest day first)
//   - status_timeout: "30s"
//   - drain_poll: "1s" (how often `run` checks whether work is left)
type ReimportConfig struct {
	PoolSize          int    `json:"pool_size,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	JobTimeLimit      string `json:"job_time_limit,omitempty"`
	MaxAttemptsPerJob int    `json:"max_attempts_per_job,omitempty"`
	MaxAttemptsPerDay int    `json:"max_attempts_per_day,omitempty"`
	QueueOrder        string `json:"queue_order,omitempty"`
	StatusTimeout     string `json:"status_timeout,omitempty"`
	DrainPoll         string `json:"drain_poll,omitempty"`
}

// ImportConfig describes the update sessions created for a reimport.
//
// A session for day D covers [D+window_offset, D+1+window_offset-1s] in UTC.
type ImportConfig struct {
	Source        string `json:"source,omitempty"`         // default "DNM - OSTOLBDA"
	SessionPrefix string `json:"session_prefix,omitempty"` // default "script_reimport"
	WindowOffset  string `json:"window_offset,omitempty"`  // default "3h"
	DateLayout    string `json:"date_layout,omitempty"`    // CLI date layout, default "02-01-2006"
}

// StorageConfig selects the job-status store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reimportd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user:pass@db/imports?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SourcesConfig names the two stores whose per-day counts are compared.
type SourcesConfig struct {
	Authoritative SQLSourceConfig  `json:"authoritative"`
	Downstream    DownstreamConfig `json:"downstream"`
}

// SQLSourceConfig counts rows in the authoritative database.
//
// Query must take two bind parameters: the first and the last second of the day.
// ParamLayout, when set, binds them as strings in that Go time layout instead
// of time values.
type SQLSourceConfig struct {
	Driver      string `json:"driver"` // postgres | sqlite
	DSN         string `json:"dsn"`
	Query       string `json:"query"`
	ParamLayout string `json:"param_layout,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type DownstreamConfig struct {
	Kind    string         `json:"kind"` // elastic | mongo
	Elastic *ElasticConfig `json:"elastic,omitempty"`
	Mongo   *MongoConfig   `json:"mongo,omitempty"`
}

type ElasticConfig struct {
	URL        string `json:"url"`
	Index      string `json:"index"`
	DateField  string `json:"date_field"`
	Query      string `json:"query,omitempty"` // optional query_string
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type MongoConfig struct {
	URI        string            `json:"uri"`
	Database   string            `json:"database"`
	Collection string            `json:"collection"`
	DateField  string            `json:"date_field"`
	Filter     map[string]string `json:"filter,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
}

// ChecksConfig controls the engine that runs count comparisons.
//
// Defaults: workers 2, queue_size 256, retry_max 3, retry_base "500ms",
// retry_max_delay "15s", history_size 200, circuit_trip_failures 5.
type ChecksConfig struct {
	Workers             int    `json:"workers,omitempty"`
	QueueSize           int    `json:"queue_size,omitempty"`
	Timeout             string `json:"timeout,omitempty"`
	RetryMax            int    `json:"retry_max,omitempty"`
	RetryBase           string `json:"retry_base,omitempty"`
	RetryMaxDelay       string `json:"retry_max_delay,omitempty"`
	HistorySize         int    `json:"history_size,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
}

// ScheduleConfig controls the daemon sweep.
//
// Spec is a cron expression (seconds optional), "@every 6h", or "HH:MM".
type ScheduleConfig struct {
	Enabled      bool   `json:"enabled"`
	Spec         string `json:"spec,omitempty"`          // default "30 3 * * *"
	LookbackDays int    `json:"lookback_days,omitempty"` // default 7
	Timezone     string `json:"timezone,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8089"
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// AlertsConfig sends exhausted and failed reimports to a Telegram chat.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// EventsConfig forwards bus events to NATS.
type EventsConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix,omitempty"` // default "reimportd"
	Buffer        int    `json:"buffer,omitempty"`
}

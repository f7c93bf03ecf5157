package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that can be checked without touching the network.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	r := cfg.Reimport
	dur("reimport.poll_interval", r.PollInterval)
	dur("reimport.job_time_limit", r.JobTimeLimit)
	dur("reimport.status_timeout", r.StatusTimeout)
	dur("reimport.drain_poll", r.DrainPoll)
	for path, v := range map[string]int{
		"reimport.pool_size":            r.PoolSize,
		"reimport.max_attempts_per_job": r.MaxAttemptsPerJob,
		"reimport.max_attempts_per_day": r.MaxAttemptsPerDay,
	} {
		if v < 0 {
			add(fmt.Errorf("%s: must be >= 0", path))
		}
	}
	switch strings.ToLower(strings.TrimSpace(r.QueueOrder)) {
	case "", "fifo", "lifo":
	default:
		add(fmt.Errorf("reimport.queue_order: unknown value %q", r.QueueOrder))
	}

	dur("import.window_offset", cfg.Import.WindowOffset)
	if layout := strings.TrimSpace(cfg.Import.DateLayout); layout != "" {
		probe := time.Date(2006, 1, 2, 0, 0, 0, 0, time.UTC).Format(layout)
		if _, err := time.Parse(layout, probe); err != nil {
			add(fmt.Errorf("import.date_layout: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	a := cfg.Sources.Authoritative
	switch strings.ToLower(strings.TrimSpace(a.Driver)) {
	case "", "postgres", "sqlite":
	default:
		add(fmt.Errorf("sources.authoritative.driver: unknown driver %q", a.Driver))
	}
	dur("sources.authoritative.timeout", a.Timeout)

	d := cfg.Sources.Downstream
	switch strings.ToLower(strings.TrimSpace(d.Kind)) {
	case "":
	case "elastic":
		if d.Elastic == nil || strings.TrimSpace(d.Elastic.URL) == "" || strings.TrimSpace(d.Elastic.Index) == "" {
			add(errors.New("sources.downstream.elastic: url and index are required"))
		} else {
			dur("sources.downstream.elastic.timeout", d.Elastic.Timeout)
			if d.Elastic.RatePerSec < 0 {
				add(errors.New("sources.downstream.elastic.rate_per_sec: must be >= 0"))
			}
		}
	case "mongo":
		if d.Mongo == nil || strings.TrimSpace(d.Mongo.URI) == "" || strings.TrimSpace(d.Mongo.Collection) == "" {
			add(errors.New("sources.downstream.mongo: uri and collection are required"))
		} else {
			dur("sources.downstream.mongo.timeout", d.Mongo.Timeout)
		}
	default:
		add(fmt.Errorf("sources.downstream.kind: unknown kind %q", d.Kind))
	}

	c := cfg.Checks
	dur("checks.timeout", c.Timeout)
	dur("checks.retry_base", c.RetryBase)
	dur("checks.retry_max_delay", c.RetryMaxDelay)
	dur("checks.circuit_base_delay", c.CircuitBaseDelay)
	dur("checks.circuit_max_delay", c.CircuitMaxDelay)

	if cfg.Schedule.LookbackDays < 0 {
		add(errors.New("schedule.lookback_days: must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("schedule.timezone: %w", err))
		}
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)

	if al := cfg.Alerts; al != nil && al.Enabled {
		if strings.TrimSpace(al.Token) == "" || al.ChatID == 0 {
			add(errors.New("alerts: token and chat_id are required when enabled"))
		}
		dur("alerts.dedup_window", al.DedupWindow)
	}
	if ev := cfg.Events; ev != nil && ev.Enabled && strings.TrimSpace(ev.URL) == "" {
		add(errors.New("events.url: required when enabled"))
	}

	return errors.Join(errs...)
}

package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reimportd/internal/config"
	"reimportd/internal/eventsink"
	"reimportd/internal/httpapi"
	"reimportd/internal/notifier"
	"reimportd/internal/reimport"
	"reimportd/internal/storage"
	"reimportd/internal/task/engine"
	"reimportd/pkg/logx"
)

const (
	defaultSource        = "DNM - OSTOLBDA"
	defaultSessionPrefix = "script_reimport"
	defaultWindowOffset  = 3 * time.Hour
	defaultDateLayout    = "02-01-2006"

	defaultSweepSpec    = "30 3 * * *"
	defaultLookbackDays = 7

	defaultDrainPoll    = time.Second
	defaultCheckTimeout = 2 * time.Minute
	defaultDedupWindow  = 6 * time.Hour
)

// importSettings shape the update sessions created for each reimport.
type importSettings struct {
	Source string
	Prefix string
	Offset time.Duration
	Layout string
}

type scheduleSettings struct {
	Enabled  bool
	Spec     string
	Lookback int
	Location *time.Location
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapReimportConfig also returns how often a one-shot run checks for drain.
func mapReimportConfig(cfg *config.Config) (reimport.Config, time.Duration, error) {
	r := cfg.Reimport
	poll, err := config.ParseDurationField("reimport.poll_interval", r.PollInterval)
	if err != nil {
		return reimport.Config{}, 0, err
	}
	limit, err := config.ParseDurationField("reimport.job_time_limit", r.JobTimeLimit)
	if err != nil {
		return reimport.Config{}, 0, err
	}
	statusTimeout, err := config.ParseDurationField("reimport.status_timeout", r.StatusTimeout)
	if err != nil {
		return reimport.Config{}, 0, err
	}
	drain, err := config.ParseDurationOrDefault("reimport.drain_poll", r.DrainPoll, defaultDrainPoll)
	if err != nil {
		return reimport.Config{}, 0, err
	}
	order, err := reimport.ParseQueueOrder(r.QueueOrder)
	if err != nil {
		return reimport.Config{}, 0, fmt.Errorf("reimport.queue_order: %w", err)
	}
	return reimport.Config{
		PoolSize:          r.PoolSize,
		PollInterval:      poll,
		JobTimeLimit:      limit,
		MaxAttemptsPerJob: r.MaxAttemptsPerJob,
		MaxAttemptsPerDay: r.MaxAttemptsPerDay,
		Order:             order,
		StatusTimeout:     statusTimeout,
	}, drain, nil
}

func mapImportConfig(cfg *config.Config) (importSettings, error) {
	ic := cfg.Import
	offset, err := config.ParseDurationOrDefault("import.window_offset", ic.WindowOffset, defaultWindowOffset)
	if err != nil {
		return importSettings{}, err
	}
	s := importSettings{
		Source: strings.TrimSpace(ic.Source),
		Prefix: ic.SessionPrefix,
		Offset: offset,
		Layout: strings.TrimSpace(ic.DateLayout),
	}
	if s.Source == "" {
		s.Source = defaultSource
	}
	if s.Prefix == "" {
		s.Prefix = defaultSessionPrefix
	}
	if s.Layout == "" {
		s.Layout = defaultDateLayout
	}
	return s, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	c := cfg.Checks
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := engine.Config{
		Workers:             c.Workers,
		QueueSize:           c.QueueSize,
		DefaultTimeout:      dur("checks.timeout", c.Timeout, defaultCheckTimeout),
		HistorySize:         c.HistorySize,
		RetryMax:            c.RetryMax,
		RetryBase:           dur("checks.retry_base", c.RetryBase, 0),
		RetryMaxDelay:       dur("checks.retry_max_delay", c.RetryMaxDelay, 0),
		CircuitTripFailures: c.CircuitTripFailures,
		CircuitBaseDelay:    dur("checks.circuit_base_delay", c.CircuitBaseDelay, 0),
		CircuitMaxDelay:     dur("checks.circuit_max_delay", c.CircuitMaxDelay, 0),
	}
	if c.Workers < 0 || c.QueueSize < 0 || c.HistorySize < 0 {
		errs = append(errs, errors.New("checks: workers, queue_size and history_size must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapScheduleConfig(cfg *config.Config) (scheduleSettings, error) {
	sc := cfg.Schedule
	s := scheduleSettings{
		Enabled:  sc.Enabled,
		Spec:     strings.TrimSpace(sc.Spec),
		Lookback: sc.LookbackDays,
		Location: time.Local,
	}
	if s.Spec == "" {
		s.Spec = defaultSweepSpec
	}
	if s.Lookback <= 0 {
		s.Lookback = defaultLookbackDays
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return scheduleSettings{}, fmt.Errorf("schedule.timezone: %w", err)
		}
		s.Location = loc
	}
	return s, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Enabled:      h.Enabled,
		Addr:         addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  time.Minute,
	}, nil
}

// mapNotifierConfig returns a disabled config when the alerts section is absent.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	al := cfg.Alerts
	if al == nil {
		return notifier.Config{}, nil
	}
	window, err := config.ParseDurationOrDefault("alerts.dedup_window", al.DedupWindow, defaultDedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	if al.RatePerSec < 0 || al.QueueSize < 0 || al.RetryMax < 0 {
		return notifier.Config{}, errors.New("alerts: rate_per_sec, queue_size and retry_max must be >= 0")
	}
	return notifier.Config{
		Enabled:     al.Enabled,
		ChatID:      al.ChatID,
		ThreadID:    al.ThreadID,
		QueueSize:   al.QueueSize,
		RatePerSec:  al.RatePerSec,
		RetryMax:    al.RetryMax,
		DedupWindow: window,
	}, nil
}

func alertsToken(cfg *config.Config) string {
	if cfg.Alerts == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Alerts.Token)
}

// mapEventsConfig reports whether forwarding is enabled.
func mapEventsConfig(cfg *config.Config) (eventsink.Config, bool) {
	ev := cfg.Events
	if ev == nil || !ev.Enabled {
		return eventsink.Config{}, false
	}
	return eventsink.Config{
		URL:    strings.TrimSpace(ev.URL),
		Prefix: ev.SubjectPrefix,
		Buffer: ev.Buffer,
	}, true
}

// validateReload runs every mapping so a bad hot reload is rejected before
// anything is applied.
func validateReload(cfg *config.Config) error {
	var errs []error
	if _, _, err := mapReimportConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapImportConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package config

import (
	"reflect"
	"sort"
	"strings"

	"reimportd/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe fields for
// logging. Secrets (passwords, tokens, DSNs) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Reimport != newCfg.Reimport {
		changed = append(changed, "reimport")
		attrs = append(attrs,
			logx.Int("reimport.pool_size", newCfg.Reimport.PoolSize),
			logx.String("reimport.poll_interval", strings.TrimSpace(newCfg.Reimport.PollInterval)),
			logx.String("reimport.job_time_limit", strings.TrimSpace(newCfg.Reimport.JobTimeLimit)),
			logx.String("reimport.queue_order", strings.TrimSpace(newCfg.Reimport.QueueOrder)),
		)
	}

	if oldCfg.Import != newCfg.Import {
		changed = append(changed, "import")
		attrs = append(attrs,
			logx.String("import.source", newCfg.Import.Source),
			logx.String("import.window_offset", newCfg.Import.WindowOffset),
		)
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.String("sources.authoritative.driver", newCfg.Sources.Authoritative.Driver),
			logx.String("sources.downstream.kind", newCfg.Sources.Downstream.Kind),
		)
	}

	if oldCfg.Checks != newCfg.Checks {
		changed = append(changed, "checks")
		attrs = append(attrs,
			logx.Int("checks.workers", newCfg.Checks.Workers),
			logx.Int("checks.retry_max", newCfg.Checks.RetryMax),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.Schedule.Enabled),
			logx.String("schedule.spec", newCfg.Schedule.Spec),
			logx.Int("schedule.lookback_days", newCfg.Schedule.LookbackDays),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if oa != na {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", na.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(na.Token) != ""),
			logx.Int64("alerts.chat_id", na.ChatID),
		)
	}

	oe, ne := derefEvents(oldCfg.Events), derefEvents(newCfg.Events)
	if oe != ne {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.enabled", ne.Enabled),
			logx.String("events.subject_prefix", ne.SubjectPrefix),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func derefEvents(e *EventsConfig) EventsConfig {
	if e == nil {
		return EventsConfig{}
	}
	return *e
}

package config

import (
	"sort"
	"strings"

	logx "dosewatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the FCM
// server key or the Telegram bot token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	// Scheduler
	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.DoseSpec) != strings.TrimSpace(newCfg.Scheduler.DoseSpec) ||
		strings.TrimSpace(oldCfg.Scheduler.StockSpec) != strings.TrimSpace(newCfg.Scheduler.StockSpec) ||
		strings.TrimSpace(oldCfg.Scheduler.Lookahead) != strings.TrimSpace(newCfg.Scheduler.Lookahead) ||
		strings.TrimSpace(oldCfg.Scheduler.TickTolerance) != strings.TrimSpace(newCfg.Scheduler.TickTolerance) ||
		oldCfg.Scheduler.Workers != newCfg.Scheduler.Workers {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.dose_spec", strings.TrimSpace(newCfg.Scheduler.DoseSpec)),
			logx.String("scheduler.stock_spec", strings.TrimSpace(newCfg.Scheduler.StockSpec)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		)
	}

	// Gateway (never log keys/tokens)
	if strings.TrimSpace(oldCfg.Gateway.Driver) != strings.TrimSpace(newCfg.Gateway.Driver) ||
		oldCfg.Gateway.RatePerSec != newCfg.Gateway.RatePerSec ||
		oldCfg.Gateway.RetryMax != newCfg.Gateway.RetryMax ||
		strings.TrimSpace(oldCfg.Gateway.RetryBase) != strings.TrimSpace(newCfg.Gateway.RetryBase) ||
		strings.TrimSpace(oldCfg.Gateway.RetryMaxDelay) != strings.TrimSpace(newCfg.Gateway.RetryMaxDelay) ||
		strings.TrimSpace(oldCfg.Gateway.FCM.Endpoint) != strings.TrimSpace(newCfg.Gateway.FCM.Endpoint) ||
		(strings.TrimSpace(oldCfg.Gateway.FCM.ServerKey) != "") != (strings.TrimSpace(newCfg.Gateway.FCM.ServerKey) != "") ||
		(strings.TrimSpace(oldCfg.Gateway.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Gateway.Telegram.Token) != "") {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.driver", strings.TrimSpace(newCfg.Gateway.Driver)),
			logx.Int("gateway.rate_per_sec", newCfg.Gateway.RatePerSec),
			logx.Bool("gateway.fcm_key_set", strings.TrimSpace(newCfg.Gateway.FCM.ServerKey) != ""),
			logx.Bool("gateway.telegram_token_set", strings.TrimSpace(newCfg.Gateway.Telegram.Token) != ""),
		)
	}

	// HTTP
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled ||
		strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		strings.TrimSpace(oldCfg.HTTP.ReadTimeout) != strings.TrimSpace(newCfg.HTTP.ReadTimeout) ||
		strings.TrimSpace(oldCfg.HTTP.WriteTimeout) != strings.TrimSpace(newCfg.HTTP.WriteTimeout) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	// Defaults
	if oldCfg.Defaults.LeadTimeMinutes != newCfg.Defaults.LeadTimeMinutes ||
		oldCfg.Defaults.StockThresholdDays != newCfg.Defaults.StockThresholdDays ||
		oldCfg.Defaults.DailyUsage != newCfg.Defaults.DailyUsage {
		changed = append(changed, "defaults")
		attrs = append(attrs,
			logx.Int("defaults.lead_time_minutes", newCfg.Defaults.LeadTimeMinutes),
			logx.Int("defaults.stock_threshold_days", newCfg.Defaults.StockThresholdDays),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dosewatch/internal/config"
	"dosewatch/internal/httpapi"
	"dosewatch/internal/notify"
	"dosewatch/internal/scanner"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

// DefaultTimezone applies when scheduler.timezone is unset.
const DefaultTimezone = "America/Chicago"

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	path := cfg.Storage.Path
	if strings.TrimSpace(path) == "" {
		path = "./dosewatch.db"
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapNotifyConfig(g config.GatewayConfig) (notify.Config, error) {
	base, err := config.ParseDuration("gateway.retry_base", g.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDuration("gateway.retry_max_delay", g.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		RatePerSec:    g.RatePerSec,
		RetryMax:      g.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func buildGateway(g config.GatewayConfig, log logx.Logger) (notify.Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(g.Driver)) {
	case "fcm":
		return notify.NewFCM(g.FCM.ServerKey, g.FCM.Endpoint)
	case "telegram":
		return notify.NewTelegram(g.Telegram.Token)
	case "", "log":
		return notify.NewLog(log.With(logx.String("comp", "gateway"))), nil
	default:
		return nil, errors.New("unknown gateway driver: " + g.Driver)
	}
}

func mapScannerConfig(cfg *config.Config) (scanner.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return scanner.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}

	lookahead, err := config.ParseDuration("scheduler.lookahead", cfg.Scheduler.Lookahead, 2*time.Hour)
	if err != nil {
		return scanner.Config{}, err
	}
	tol, err := config.ParseDuration("scheduler.tick_tolerance", cfg.Scheduler.TickTolerance, 10*time.Minute)
	if err != nil {
		return scanner.Config{}, err
	}

	lead := cfg.Defaults.LeadTimeMinutes
	if lead <= 0 {
		lead = 10
	}

	return scanner.Config{
		Location:           loc,
		DoseSpec:           cfg.Scheduler.DoseSpec,
		StockSpec:          cfg.Scheduler.StockSpec,
		Lookahead:          lookahead,
		TickTolerance:      tol,
		Workers:            cfg.Scheduler.Workers,
		DefaultLead:        time.Duration(lead) * time.Minute,
		StockThresholdDays: cfg.Defaults.StockThresholdDays,
		DailyUsageDefault:  cfg.Defaults.DailyUsage,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDuration("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDuration("http.write_timeout", cfg.HTTP.WriteTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	return httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     rt,
		WriteTimeout:    wt,
		DefaultTimezone: tz,
	}, nil
}

// validate rejects a config before it is committed or published, so a bad
// hot-reload never reaches the running services.
func validate(cfg *config.Config) error {
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg.Gateway); err != nil {
		return err
	}
	if _, err := mapScannerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Gateway.Driver)); d {
	case "", "log":
	case "fcm":
		if strings.TrimSpace(cfg.Gateway.FCM.ServerKey) == "" {
			return fmt.Errorf("gateway.fcm.server_key is required for the fcm driver")
		}
	case "telegram":
		if strings.TrimSpace(cfg.Gateway.Telegram.Token) == "" {
			return fmt.Errorf("gateway.telegram.token is required for the telegram driver")
		}
	default:
		return fmt.Errorf("gateway.driver: unknown driver %q", cfg.Gateway.Driver)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for path, spec := range map[string]string{
		"scheduler.dose_spec":  cfg.Scheduler.DoseSpec,
		"scheduler.stock_spec": cfg.Scheduler.StockSpec,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid cron spec %q: %w", path, spec, err)
		}
	}
	return nil
}

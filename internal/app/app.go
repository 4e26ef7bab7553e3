// Package app assembles the daemon: config, logging, storage, the delivery
// gateway, the scanners and the HTTP surface, plus config hot-reload fan-out.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dosewatch/internal/config"
	"dosewatch/internal/dose"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/httpapi"
	"dosewatch/internal/notify"
	"dosewatch/internal/runtime/supervisor"
	"dosewatch/internal/scanner"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	notif *notify.Service
	scan  *scanner.Service
	adv   *dose.Advancer
	api   *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	gw, err := buildGateway(cfg.Gateway, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	ncfg, err := mapNotifyConfig(cfg.Gateway)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	notif := notify.New(ncfg, gw, log.With(logx.String("comp", "notify")), bus, st)

	scanCfg, err := mapScannerConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	scan := scanner.New(scanCfg, st, notif, log.With(logx.String("comp", "scanner")), bus)

	adv := dose.NewAdvancer(st, log.With(logx.String("comp", "dose")), bus, dose.Defaults{
		Timezone: cfg.Scheduler.Timezone,
	})

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		api = httpapi.New(hcfg, st, adv, scan, notif, log.With(logx.String("comp", "http")))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		notif:   notif,
		scan:    scan,
		adv:     adv,
		api:     api,
	}, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.scan.Start(a.sup.Context())

	if a.api != nil {
		errCh := make(chan error, 1)
		a.api.Start(errCh)
		a.sup.Go("http.serve", func(c context.Context) error {
			select {
			case <-c.Done():
				return nil
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			}
		})
	}

	// Event log for observability; components publish, this loop records.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Time("time", e.Time))
			}
		}
	})

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// Watch blocks until the context ends, recreating the watcher as needed.
	a.sup.Go0("config.watch", func(c context.Context) {
		if err := a.cfgm.Watch(c); err != nil {
			a.log.Warn("config watch stopped; hot reload disabled", logx.Err(err))
		}
	})

	a.log.Info("dosewatch started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyReload(old, cur *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cur)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "http":
			a.log.Warn("http config changed; restart required for changes to take effect")
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cur.Logging.Level,
				Console: cur.Logging.Console,
				File: logx.FileConfig{
					Enabled: cur.Logging.File.Enabled,
					Path:    cur.Logging.File.Path,
				},
			})
		case "gateway":
			ncfg, err := mapNotifyConfig(cur.Gateway)
			if err != nil {
				a.log.Warn("invalid gateway config; keeping previous", logx.Err(err))
				continue
			}
			var gw notify.Gateway
			if old.Gateway.Driver != cur.Gateway.Driver ||
				old.Gateway.FCM != cur.Gateway.FCM ||
				old.Gateway.Telegram != cur.Gateway.Telegram {
				g, err := buildGateway(cur.Gateway, a.log)
				if err != nil {
					a.log.Warn("gateway rebuild failed; keeping previous", logx.Err(err))
					continue
				}
				gw = g
			}
			a.notif.Apply(ncfg, gw)
		case "scheduler", "defaults":
			scanCfg, err := mapScannerConfig(cur)
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			a.scan.Apply(scanCfg)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.api != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.api.Stop(sctx); err != nil {
			a.log.Warn("http shutdown", logx.Err(err))
		}
		cancel()
	}
	a.scan.Stop()

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("dosewatch stopped")
	_ = a.logs.Close()
	return err
}

// Package scanner runs the periodic due-dose and stock scans on cron
// schedules in the daemon's timezone.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"dosewatch/internal/eventbus"
	"dosewatch/internal/notify"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

// Config controls scan cadence and fan-out.
type Config struct {
	Location *time.Location

	DoseSpec  string // cron spec for the due-dose scan
	StockSpec string // cron spec for the daily stock scan

	Lookahead     time.Duration // due query window
	TickTolerance time.Duration // half-width of the fire gate
	Workers       int           // dose scan fan-out

	DefaultLead        time.Duration
	StockThresholdDays int
	DailyUsageDefault  float64
}

func (c *Config) withDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.DoseSpec == "" {
		c.DoseSpec = "*/5 * * * *"
	}
	if c.StockSpec == "" {
		c.StockSpec = "0 9 * * *"
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 2 * time.Hour
	}
	if c.TickTolerance <= 0 {
		c.TickTolerance = 10 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.DefaultLead <= 0 {
		c.DefaultLead = 10 * time.Minute
	}
	if c.StockThresholdDays <= 0 {
		c.StockThresholdDays = 2
	}
	if c.DailyUsageDefault <= 0 {
		c.DailyUsageDefault = 1
	}
}

// ScanResult summarizes one scan pass for history and events.
type ScanResult struct {
	Kind     string
	Started  time.Time
	Duration time.Duration
	Scanned  int
	Fired    int
	Failed   int
	Err      error
}

// runState guards one scan kind against overlapping runs. A tick that
// arrives while the previous one is still working is skipped, not queued.
type runState struct{ running atomic.Bool }

func (r *runState) tryAcquire() bool { return r.running.CompareAndSwap(false, true) }
func (r *runState) release()         { r.running.Store(false) }

// Service owns the cron loop and exposes manual scan triggers.
type Service struct {
	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	store  store.Store
	notify *notify.Service
	log    logx.Logger
	bus    eventbus.Bus

	doseState  runState
	stockState runState

	hmu     sync.Mutex
	history []ScanResult
}

func New(cfg Config, st store.Store, ns *notify.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.withDefaults()
	return &Service{cfg: cfg, store: st, notify: ns, log: log, bus: bus}
}

func (s *Service) snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the scan configuration. Cron specs and timezone changes take
// effect by restarting the cron runner.
func (s *Service) Apply(cfg Config) {
	cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	restart := s.c != nil &&
		(cfg.DoseSpec != s.cfg.DoseSpec ||
			cfg.StockSpec != s.cfg.StockSpec ||
			cfg.Location.String() != s.cfg.Location.String())
	s.cfg = cfg
	if restart {
		s.stopCronLocked()
		s.startCronLocked(context.Background())
		s.log.Info("scan schedule reloaded",
			logx.String("dose_spec", cfg.DoseSpec),
			logx.String("stock_spec", cfg.StockSpec),
			logx.String("tz", cfg.Location.String()))
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startCronLocked(ctx)
	s.log.Info("scanner started",
		logx.String("dose_spec", s.cfg.DoseSpec),
		logx.String("stock_spec", s.cfg.StockSpec),
		logx.String("tz", s.cfg.Location.String()))
}

func (s *Service) startCronLocked(ctx context.Context) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))
	_, _ = c.AddFunc(s.cfg.DoseSpec, func() { s.RunDoseScan(ctx) })
	_, _ = c.AddFunc(s.cfg.StockSpec, func() { s.RunStockScan(ctx) })
	c.Start()
	s.c = c
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCronLocked()
	s.log.Info("scanner stopped")
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

// RunDoseScan executes one due-dose pass unless one is already running.
func (s *Service) RunDoseScan(ctx context.Context) (ScanResult, bool) {
	if !s.doseState.tryAcquire() {
		s.log.Debug("dose scan skipped due to overlap")
		return ScanResult{}, false
	}
	defer s.doseState.release()
	return s.finish(s.ScanDoses(ctx, time.Now())), true
}

// RunStockScan executes one stock pass unless one is already running.
func (s *Service) RunStockScan(ctx context.Context) (ScanResult, bool) {
	if !s.stockState.tryAcquire() {
		s.log.Debug("stock scan skipped due to overlap")
		return ScanResult{}, false
	}
	defer s.stockState.release()
	return s.finish(s.ScanStock(ctx, time.Now())), true
}

func (s *Service) finish(res ScanResult) ScanResult {
	res.Duration = time.Since(res.Started)

	if res.Err != nil {
		s.log.Warn("scan failed", logx.String("kind", res.Kind), logx.Err(res.Err))
	} else {
		s.log.Info("scan completed",
			logx.String("kind", res.Kind),
			logx.Int("scanned", res.Scanned),
			logx.Int("fired", res.Fired),
			logx.Int("failed", res.Failed),
			logx.Duration("took", res.Duration))
	}

	s.hmu.Lock()
	s.history = append(s.history, res)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScanCompleted, Time: time.Now(), Data: res})
	}
	return res
}

// History returns recent scan results, newest last.
func (s *Service) History() []ScanResult {
	s.hmu.Lock()
	out := append([]ScanResult(nil), s.history...)
	s.hmu.Unlock()
	return out
}

package notify

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dosewatch/internal/eventbus"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

// Config tunes the delivery service.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Delivery is one notification to send, with the identity needed for the
// persistent history record.
type Delivery struct {
	UserID string
	MedID  string
	Kind   string // "dose" or "stock"
	Msg    Message
}

// HistoryItem is an in-memory record of a recent delivery attempt.
type HistoryItem struct {
	At    time.Time
	Kind  string
	Title string
	OK    bool
	Error string
}

// Service wraps a Gateway with rate limiting, bounded retries and delivery
// history. Safe for concurrent use; the gateway can be swapped at runtime
// on config reload.
type Service struct {
	mu      sync.Mutex
	gw      Gateway
	cfg     Config
	limiter *rate.Limiter

	log   logx.Logger
	bus   eventbus.Bus
	store store.Store

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, gw Gateway, log logx.Logger, bus eventbus.Bus, st store.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{gw: gw, log: log, bus: bus, store: st}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config, gw Gateway) {
	s.mu.Lock()
	if gw != nil {
		s.gw = gw
	}
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) GatewayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gw == nil {
		return "none"
	}
	return s.gw.Name()
}

// Deliver sends one notification, blocking on the rate limiter. The attempt
// is recorded in history and in the store regardless of outcome.
func (s *Service) Deliver(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	gw := s.gw
	s.mu.Unlock()

	if gw == nil {
		return errors.New("notify: no gateway configured")
	}

	err := s.sendWithRetry(ctx, gw, lim, cfg, d.Msg)
	s.record(ctx, d, err)
	return err
}

func (s *Service) sendWithRetry(ctx context.Context, gw Gateway, lim *rate.Limiter, cfg Config, msg Message) error {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := gw.Send(callCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		// A missing address never resolves by retrying.
		if errors.Is(err, ErrNoRecipient) {
			return err
		}
		s.log.Debug("notification send failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *Service) record(ctx context.Context, d Delivery, sendErr error) {
	now := time.Now()
	item := HistoryItem{At: now, Kind: d.Kind, Title: d.Msg.Title, OK: sendErr == nil}
	if sendErr != nil {
		item.Error = sendErr.Error()
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		typ := eventbus.TypeReminderSent
		if sendErr != nil {
			typ = eventbus.TypeReminderFailed
		}
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: item})
	}

	if s.store != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
		defer cancel()
		rec := store.ReminderRecord{
			UserID: d.UserID, MedID: d.MedID, Kind: d.Kind,
			Title: d.Msg.Title, Body: d.Msg.Body, SentAt: now, OK: sendErr == nil,
		}
		if sendErr != nil {
			rec.Error = sendErr.Error()
		}
		if err := s.store.AppendReminder(rctx, rec); err != nil {
			s.log.Debug("reminder history append failed", logx.Err(err))
		}
	}
}

// Snapshot returns recent delivery history, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

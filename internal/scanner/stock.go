package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dosewatch/internal/notify"
	"dosewatch/internal/schedule"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

// EstimateDailyUsage returns the assumed doses per day for stock projection.
// Everyday schedules consume one unit per day; every other schedulable rule
// falls back to the configured default because its cadence is irregular.
// As-needed medications return 0 and are excluded from stock alerts.
func EstimateDailyUsage(rule schedule.Rule, fallback float64) float64 {
	switch rule.Kind {
	case schedule.KindEveryday:
		return 1
	case schedule.KindAsNeeded:
		return 0
	default:
		if fallback <= 0 {
			return 1
		}
		return fallback
	}
}

// DaysRemaining projects how many days of inventory are left.
func DaysRemaining(inventory, dailyUsage float64) int {
	if dailyUsage <= 0 {
		return -1
	}
	return int(inventory / dailyUsage)
}

// ScanStock walks all tracked medications once and sends a running-low alert
// for each one at or below its user's threshold. A dedup key keyed on the
// civil date keeps the alert to one per medication per day.
func (s *Service) ScanStock(ctx context.Context, now time.Time) ScanResult {
	cfg := s.snapshot()
	res := ScanResult{Kind: "stock", Started: now}

	meds, err := s.store.TrackedMedications(ctx)
	if err != nil {
		res.Err = fmt.Errorf("tracked query: %w", err)
		return res
	}
	res.Scanned = len(meds)

	recips := map[string]stockRecipient{}
	for _, m := range meds {
		r, ok := recips[m.UserID]
		if !ok {
			r = s.resolveStockRecipient(ctx, m.UserID, cfg)
			recips[m.UserID] = r
		}
		fired, err := s.alertOne(ctx, m, r, now)
		if fired {
			res.Fired++
		}
		if err != nil {
			res.Failed++
			s.log.Warn("stock alert failed",
				logx.String("med_id", m.ID), logx.String("user_id", m.UserID), logx.Err(err))
		}
	}
	return res
}

type stockRecipient struct {
	user        store.User
	tz          *time.Location
	threshold   int
	dailyUsage  float64
	enabled     bool
	deliverable bool
}

func (s *Service) resolveStockRecipient(ctx context.Context, userID string, cfg Config) stockRecipient {
	r := stockRecipient{
		tz:         cfg.Location,
		threshold:  cfg.StockThresholdDays,
		dailyUsage: cfg.DailyUsageDefault,
		enabled:    true,
	}
	u, err := s.store.User(ctx, userID)
	if err != nil {
		r.enabled = false
		return r
	}
	r.user = u
	r.deliverable = u.FCMToken != "" || u.ChatID != 0

	p, err := s.store.Preferences(ctx, userID)
	if err != nil {
		return r
	}
	r.enabled = p.StockAlertsEnabled
	if p.StockThresholdDays > 0 {
		r.threshold = p.StockThresholdDays
	}
	if p.DailyUsageDefault > 0 {
		r.dailyUsage = p.DailyUsageDefault
	}
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			r.tz = loc
		}
	}
	return r
}

func (s *Service) alertOne(ctx context.Context, m store.Medication, r stockRecipient, now time.Time) (bool, error) {
	if !r.enabled || !r.deliverable {
		return false, nil
	}
	// The tracked query already filters on this; guard anyway so a direct
	// caller cannot alert on a medication with no maintained count.
	if !m.TrackInventory {
		return false, nil
	}
	usage := EstimateDailyUsage(m.Schedule, r.dailyUsage)
	if usage <= 0 {
		return false, nil
	}
	threshold := r.threshold
	if m.RefillThreshold > 0 {
		threshold = int(m.RefillThreshold)
	}
	days := DaysRemaining(m.Inventory, usage)
	if days < 0 || days > threshold {
		return false, nil
	}

	today := schedule.DateOf(now.In(r.tz)).String()
	key := "stock:" + m.ID + ":" + today
	if until, ok, err := s.store.GetDedup(ctx, key); err == nil && ok && now.Before(until) {
		return false, nil
	}

	d := notify.Delivery{
		UserID: m.UserID,
		MedID:  m.ID,
		Kind:   "stock",
		Msg: notify.Message{
			Token:  r.user.FCMToken,
			ChatID: r.user.ChatID,
			Title:  "Running Low: " + m.Name,
			Body:   fmt.Sprintf("%s will run out in %d days.", m.Name, days),
			Data: map[string]string{
				"medicationId": m.ID,
				"action":       "stockAlert",
			},
		},
	}
	if err := s.notify.Deliver(ctx, d); err != nil {
		return true, fmt.Errorf("deliver: %w", err)
	}
	if err := s.store.PutDedup(ctx, key, now.Add(24*time.Hour)); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("stock dedup write failed", logx.String("key", key), logx.Err(err))
	}
	return true, nil
}

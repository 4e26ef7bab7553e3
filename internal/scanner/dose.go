package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dosewatch/internal/dose"
	"dosewatch/internal/notify"
	"dosewatch/internal/schedule"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

// recipient is a per-scan cache entry so one user's settings are fetched
// once per tick, not once per medication.
type recipient struct {
	user        store.User
	tz          *time.Location
	lead        time.Duration
	enabled     bool
	deliverable bool // the user has a push token or chat id
}

// ScanDoses walks medications whose schedule pointer falls inside the
// lookahead window and fires a reminder for each one whose lead-time gate
// matches. Every fired occurrence is claimed in the store before delivery,
// so a concurrent or repeated tick cannot send it twice.
func (s *Service) ScanDoses(ctx context.Context, now time.Time) ScanResult {
	cfg := s.snapshot()
	res := ScanResult{Kind: "dose", Started: now}

	meds, err := s.store.DueMedications(ctx, now.Add(cfg.Lookahead))
	if err != nil {
		res.Err = fmt.Errorf("due query: %w", err)
		return res
	}
	res.Scanned = len(meds)

	recips := map[string]recipient{}
	var rmu sync.Mutex

	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup
	var resMu sync.Mutex

	for _, m := range meds {
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			wg.Wait()
			return res
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(m store.Medication) {
			defer wg.Done()
			defer func() { <-sem }()

			rmu.Lock()
			r, ok := recips[m.UserID]
			rmu.Unlock()
			if !ok {
				r = s.resolveRecipient(ctx, m.UserID, cfg)
				rmu.Lock()
				recips[m.UserID] = r
				rmu.Unlock()
			}

			fired, err := s.fireOne(ctx, m, r, now, cfg)
			resMu.Lock()
			if fired {
				res.Fired++
			}
			if err != nil {
				res.Failed++
				// One medication's failure must not stop the rest of the scan.
				s.log.Warn("dose reminder failed",
					logx.String("med_id", m.ID), logx.String("user_id", m.UserID), logx.Err(err))
			}
			resMu.Unlock()
		}(m)
	}
	wg.Wait()
	return res
}

func (s *Service) resolveRecipient(ctx context.Context, userID string, cfg Config) recipient {
	r := recipient{tz: cfg.Location, lead: cfg.DefaultLead, enabled: true}

	u, err := s.store.User(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("user lookup failed", logx.String("user_id", userID), logx.Err(err))
		}
		r.enabled = false
		return r
	}
	r.user = u
	r.deliverable = u.FCMToken != "" || u.ChatID != 0

	p, err := s.store.Preferences(ctx, userID)
	if err != nil {
		// Missing preferences mean daemon defaults, and reminders on.
		return r
	}
	r.enabled = p.RemindersEnabled
	if p.LeadTimeMinutes > 0 {
		r.lead = time.Duration(p.LeadTimeMinutes) * time.Minute
	}
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			r.tz = loc
		} else {
			s.log.Warn("invalid user timezone, using default",
				logx.String("user_id", userID), logx.String("tz", p.Timezone))
		}
	}
	return r
}

func (s *Service) fireOne(ctx context.Context, m store.Medication, r recipient, now time.Time, cfg Config) (bool, error) {
	if m.NextDoseAt.IsZero() {
		return false, nil
	}

	// A dose more than a full gate window in the past was missed for good
	// (daemon downtime, reminders off). Advance the pointer without
	// delivering so the schedule can resume; otherwise the medication
	// stays due forever.
	if now.Sub(m.NextDoseAt) >= r.lead+cfg.TickTolerance {
		return false, s.skipMissed(ctx, m, r, now)
	}

	if !r.enabled || !r.deliverable {
		return false, nil
	}
	if !ShouldFireNow(m.NextDoseAt, now, r.lead, cfg.TickTolerance) {
		return false, nil
	}

	firedAt := m.NextDoseAt
	claim := store.ReminderClaim{
		MedID:         m.ID,
		DedupKey:      doseDedupKey(m.ID, firedAt),
		DedupUntil:    firedAt.Add(24 * time.Hour),
		NextDoseAt:    s.nextAfterFire(m, firedAt, r.tz),
		PrevUpdatedAt: m.UpdatedAt,
	}
	err := s.store.ClaimReminder(ctx, claim)
	if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrConflict) {
		// Lost to another tick or to a concurrent manual log. Either way the
		// occurrence is handled.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// The occurrence is recorded as sent the moment the claim commits;
	// delivery failures are logged and kept in history, never replayed.
	slot := firedAt.In(r.tz).Format("15:04")
	d := notify.Delivery{
		UserID: m.UserID,
		MedID:  m.ID,
		Kind:   "dose",
		Msg: notify.Message{
			Token:  r.user.FCMToken,
			ChatID: r.user.ChatID,
			Title:  "Reminder: " + m.Name,
			Body:   fmt.Sprintf("This medication is due at %s.", slot),
			Data: map[string]string{
				"medicationId": m.ID,
				"action":       "doseReminder",
			},
		},
	}
	if err := s.notify.Deliver(ctx, d); err != nil {
		return true, fmt.Errorf("deliver: %w", err)
	}
	return true, nil
}

// skipMissed records a stale occurrence as handled and moves the pointer to
// the next occurrence after now. The claim path is the same as for a fired
// reminder, so a concurrent tick cannot double-advance.
func (s *Service) skipMissed(ctx context.Context, m store.Medication, r recipient, now time.Time) error {
	claim := store.ReminderClaim{
		MedID:         m.ID,
		DedupKey:      doseDedupKey(m.ID, m.NextDoseAt),
		DedupUntil:    now.Add(24 * time.Hour),
		NextDoseAt:    s.nextAfterFire(m, now, r.tz),
		PrevUpdatedAt: m.UpdatedAt,
	}
	err := s.store.ClaimReminder(ctx, claim)
	if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("skip missed dose: %w", err)
	}
	s.log.Info("missed dose skipped",
		logx.String("med_id", m.ID), logx.String("user_id", m.UserID),
		logx.Time("was_due", m.NextDoseAt))
	return nil
}

func (s *Service) nextAfterFire(m store.Medication, after time.Time, loc *time.Location) time.Time {
	next, err := dose.NextAfterFire(m, after, loc)
	if err != nil && !errors.Is(err, schedule.ErrNotSchedulable) {
		s.log.Warn("schedule unresolved, clearing pointer",
			logx.String("med_id", m.ID), logx.Err(err))
	}
	return next
}

func doseDedupKey(medID string, at time.Time) string {
	return "dose:" + medID + ":" + at.UTC().Format(time.RFC3339)
}

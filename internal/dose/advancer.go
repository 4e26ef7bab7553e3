// Package dose applies manual dose actions: logging a dose as taken and
// undoing a logged dose. Both advance or rewind the medication's schedule
// pointer transactionally.
package dose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dosewatch/internal/eventbus"
	"dosewatch/internal/schedule"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

var (
	ErrInsufficientInventory = errors.New("dose: no inventory left to take")
	ErrNotLogged             = errors.New("dose: occurrence was not logged")
)

// casRetries bounds reload-and-retry on version conflicts with the scanner.
const casRetries = 3

// Defaults supplies fallbacks for users without stored preferences.
type Defaults struct {
	Timezone string
}

// Advancer executes dose log and undo operations against the store.
type Advancer struct {
	store    store.Store
	log      logx.Logger
	bus      eventbus.Bus
	defaults Defaults
}

func NewAdvancer(st store.Store, log logx.Logger, bus eventbus.Bus, d Defaults) *Advancer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Advancer{store: st, log: log, bus: bus, defaults: d}
}

// LogID builds the stable identifier for one dose occurrence. Logging the
// same occurrence twice collides on it, which is what makes LogDose
// idempotent.
func LogID(date, medID, slot string) string {
	return fmt.Sprintf("%s_%s_%s", date, medID, slot)
}

// LogDose records that the dose at (date, slot) was taken: it decrements
// inventory by the medication's per-dose quantity and advances the schedule
// pointer past the taken slot. Logging an already-logged occurrence is a
// no-op returning the existing record.
func (a *Advancer) LogDose(ctx context.Context, userID, medID, date, slot string, now time.Time) (store.DoseLog, error) {
	day, err := schedule.ParseDate(date)
	if err != nil {
		return store.DoseLog{}, err
	}
	st, err := schedule.ParseSlot(slot)
	if err != nil {
		return store.DoseLog{}, err
	}

	loc, err := a.location(ctx, userID)
	if err != nil {
		return store.DoseLog{}, err
	}

	id := LogID(day.String(), medID, st.String())

	for attempt := 0; ; attempt++ {
		m, err := a.store.Medication(ctx, medID)
		if err != nil {
			return store.DoseLog{}, err
		}
		if m.UserID != userID {
			return store.DoseLog{}, store.ErrNotFound
		}
		// The inventory check and decrement only apply to medications
		// that track a pill count.
		units := m.DoseUnits()
		inventory := m.Inventory
		if m.TrackInventory {
			if m.Inventory < units {
				return store.DoseLog{}, ErrInsufficientInventory
			}
			inventory = m.Inventory - units
		}

		entry := store.DoseLog{
			ID: id, UserID: userID, MedID: medID,
			Date: day.String(), Slot: st.String(), Quantity: units, TakenAt: now,
		}

		// Anchor just past the taken slot so the same slot cannot be
		// produced as "next" again.
		anchor := day.In(loc, st.Hour, st.Min).Add(time.Second)
		next := a.nextOrZero(m, anchor, loc)

		commit := store.DoseCommit{
			Log:           entry,
			NewInventory:  inventory,
			PrevUpdatedAt: m.UpdatedAt,
			NextDoseAt:    next,
		}
		err = a.store.CommitDoseLog(ctx, commit)
		if errors.Is(err, store.ErrDuplicateLog) {
			return a.store.DoseLog(ctx, id)
		}
		if errors.Is(err, store.ErrConflict) && attempt < casRetries {
			continue
		}
		if err != nil {
			return store.DoseLog{}, err
		}

		a.log.Info("dose logged",
			logx.String("user_id", userID), logx.String("med_id", medID),
			logx.String("log_id", id), logx.Float64("inventory", commit.NewInventory))
		a.publish(eventbus.TypeDoseLogged, entry)
		return entry, nil
	}
}

// UndoDose reverses a logged dose: inventory is restored and the schedule
// pointer is recomputed from the current instant, not from the undone slot.
func (a *Advancer) UndoDose(ctx context.Context, userID, medID, date, slot string, now time.Time) error {
	day, err := schedule.ParseDate(date)
	if err != nil {
		return err
	}
	st, err := schedule.ParseSlot(slot)
	if err != nil {
		return err
	}

	loc, err := a.location(ctx, userID)
	if err != nil {
		return err
	}

	id := LogID(day.String(), medID, st.String())
	for attempt := 0; ; attempt++ {
		m, err := a.store.Medication(ctx, medID)
		if err != nil {
			return err
		}
		if m.UserID != userID {
			return store.ErrNotFound
		}

		// Restore exactly what the log consumed, which may differ from the
		// medication's current per-dose quantity.
		units := m.DoseUnits()
		if lg, err := a.store.DoseLog(ctx, id); err == nil && lg.Quantity > 0 {
			units = lg.Quantity
		}
		inventory := m.Inventory
		if m.TrackInventory {
			inventory = m.Inventory + units
		}

		commit := store.UndoCommit{
			LogID:         id,
			MedID:         medID,
			NewInventory:  inventory,
			NextDoseAt:    a.nextOrZero(m, now, loc),
			PrevUpdatedAt: m.UpdatedAt,
		}
		err = a.store.CommitUndo(ctx, commit)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotLogged
		}
		if errors.Is(err, store.ErrConflict) && attempt < casRetries {
			continue
		}
		if err != nil {
			return err
		}

		a.log.Info("dose undone",
			logx.String("user_id", userID), logx.String("med_id", medID), logx.String("log_id", id))
		a.publish(eventbus.TypeDoseUndone, store.DoseLog{ID: id, UserID: userID, MedID: medID, Date: day.String(), Slot: st.String()})
		return nil
	}
}

// NextAfterFire computes the schedule pointer after a reminder fired at the
// given instant. A zero result with a non-nil error means the rule produced
// no further occurrences; callers decide how loudly to report that.
func NextAfterFire(m store.Medication, firedAt time.Time, loc *time.Location) (time.Time, error) {
	return schedule.Next(m.Schedule, m.DoseTimes, firedAt, loc)
}

func (a *Advancer) nextOrZero(m store.Medication, after time.Time, loc *time.Location) time.Time {
	next, err := schedule.Next(m.Schedule, m.DoseTimes, after, loc)
	if err != nil {
		// As-needed rules never resolve; that is expected and silent.
		// Anything else clears the pointer and deserves a warning.
		if !errors.Is(err, schedule.ErrNotSchedulable) {
			a.log.Warn("schedule unresolved, clearing pointer",
				logx.String("med_id", m.ID), logx.Err(err))
		}
		return time.Time{}
	}
	return next
}

func (a *Advancer) location(ctx context.Context, userID string) (*time.Location, error) {
	name := a.defaults.Timezone
	if p, err := a.store.Preferences(ctx, userID); err == nil && p.Timezone != "" {
		name = p.Timezone
	}
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

func (a *Advancer) publish(typ eventbus.Type, data store.DoseLog) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// Package schedule models medication recurrence rules and resolves them to
// concrete next-dose instants in the user's timezone.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// horizonDays bounds the forward walk in Next. A rule with no occurrence in
// the next 30 civil days is reported unresolved rather than searched forever.
const horizonDays = 30

// DefaultSlot is assumed when a medication carries no dose times.
const DefaultSlot = "09:00"

var (
	// ErrNotSchedulable marks rules with no calendar occurrences (as-needed).
	ErrNotSchedulable = errors.New("schedule: rule has no calendar occurrences")

	// ErrUnresolved marks rules with no occurrence inside the search horizon,
	// e.g. explicit dates that are all in the past.
	ErrUnresolved = errors.New("schedule: no occurrence within horizon")
)

// Next returns the earliest dose instant strictly after the reference
// instant. Slots are local wall-clock "HH:MM" strings; the empty set means
// DefaultSlot. The result is always strictly after `after`, in loc.
func Next(rule Rule, slots []string, after time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}
	if !rule.AutoSchedules() {
		return time.Time{}, ErrNotSchedulable
	}

	parsed, err := NormalizeSlots(slots)
	if err != nil {
		return time.Time{}, err
	}

	ref := after.In(loc)
	day := DateOf(ref)
	for i := 0; i <= horizonDays; i++ {
		if !rule.matchesDay(day) {
			day = day.AddDays(1)
			continue
		}
		for _, s := range parsed {
			// time.Date normalizes slots that fall inside a DST gap to a
			// valid instant, which keeps the result strictly increasing.
			at := day.In(loc, s.Hour, s.Min)
			if at.After(after) {
				return at, nil
			}
		}
		day = day.AddDays(1)
	}
	return time.Time{}, ErrUnresolved
}

// Slot is a parsed wall-clock dose time.
type Slot struct {
	Hour int
	Min  int
}

func (s Slot) String() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Min) }

// ParseSlot parses "HH:MM" in 24-hour time.
func ParseSlot(s string) (Slot, error) {
	s = strings.TrimSpace(s)
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || len(s) < 3 {
		return Slot{}, fmt.Errorf("invalid dose time %q: want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return Slot{}, fmt.Errorf("invalid dose time %q: out of range", s)
	}
	return Slot{Hour: h, Min: m}, nil
}

// NormalizeSlots parses, dedups and sorts dose times. The empty input yields
// the single DefaultSlot.
func NormalizeSlots(slots []string) ([]Slot, error) {
	if len(slots) == 0 {
		slots = []string{DefaultSlot}
	}
	seen := map[Slot]bool{}
	out := make([]Slot, 0, len(slots))
	for _, raw := range slots {
		s, err := ParseSlot(raw)
		if err != nil {
			return nil, err
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Min < out[j].Min
	})
	return out, nil
}

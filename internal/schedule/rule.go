package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies a recurrence rule variant.
//
// The set is closed on purpose: rule dispatch is a switch over Kind so an
// unhandled variant fails loudly instead of silently matching nothing.
type Kind string

const (
	KindEveryday         Kind = "everyday"
	KindSpecificWeekdays Kind = "specificWeekdays"
	KindEveryNDays       Kind = "everyNDays"
	KindExplicitDates    Kind = "explicitDates"
	KindAsNeeded         Kind = "asNeeded"
)

// Rule describes the calendar days on which doses occur.
//
// Only the fields of the active variant are meaningful:
//   - KindSpecificWeekdays: Weekdays
//   - KindEveryNDays: Start, Interval
//   - KindExplicitDates: Dates
//
// A Rule is immutable once attached to a medication; edits go through the
// medication's CRUD surface, never through the scheduler.
type Rule struct {
	Kind Kind

	Weekdays []time.Weekday
	Start    Date
	Interval int
	Dates    []string // ISO "2006-01-02", sorted, unique
}

func Everyday() Rule { return Rule{Kind: KindEveryday} }

func AsNeeded() Rule { return Rule{Kind: KindAsNeeded} }

func SpecificWeekdays(days ...time.Weekday) Rule {
	return Rule{Kind: KindSpecificWeekdays, Weekdays: normalizeWeekdays(days)}
}

func EveryNDays(start Date, interval int) Rule {
	return Rule{Kind: KindEveryNDays, Start: start, Interval: interval}
}

func ExplicitDates(dates ...string) Rule {
	return Rule{Kind: KindExplicitDates, Dates: normalizeDates(dates)}
}

func (r Rule) Validate() error {
	switch r.Kind {
	case KindEveryday, KindAsNeeded:
		return nil
	case KindSpecificWeekdays:
		if len(r.Weekdays) == 0 {
			return fmt.Errorf("specificWeekdays: at least one weekday is required")
		}
		for _, d := range r.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("specificWeekdays: invalid weekday %d", d)
			}
		}
		return nil
	case KindEveryNDays:
		if r.Start.IsZero() {
			return fmt.Errorf("everyNDays: startDate is required")
		}
		if r.Interval < 1 {
			return fmt.Errorf("everyNDays: interval must be >= 1 (got %d)", r.Interval)
		}
		return nil
	case KindExplicitDates:
		if len(r.Dates) == 0 {
			return fmt.Errorf("explicitDates: at least one date is required")
		}
		for _, d := range r.Dates {
			if _, err := ParseDate(d); err != nil {
				return fmt.Errorf("explicitDates: %w", err)
			}
		}
		return nil
	case "":
		return fmt.Errorf("schedule type is required")
	default:
		return fmt.Errorf("unknown schedule type %q", r.Kind)
	}
}

// AutoSchedules reports whether this rule produces calendar occurrences.
// AsNeeded medications are logged manually and never scanned.
func (r Rule) AutoSchedules() bool { return r.Kind != KindAsNeeded }

// matchesDay reports whether d is a dose day under this rule.
// Callers must have validated the rule.
func (r Rule) matchesDay(d Date) bool {
	switch r.Kind {
	case KindEveryday:
		return true
	case KindSpecificWeekdays:
		wd := d.Weekday()
		for _, w := range r.Weekdays {
			if w == wd {
				return true
			}
		}
		return false
	case KindEveryNDays:
		// Day arithmetic on midnight-normalized civil dates, not raw instants,
		// so DST shifts can't skew the interval.
		diff := r.Start.DaysUntil(d)
		return diff >= 0 && diff%r.Interval == 0
	case KindExplicitDates:
		s := d.String()
		for _, x := range r.Dates {
			if x == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ---- JSON codec ----
//
// Wire shape matches the stored document: {"type": ..., "data": {...}}.
// Historical documents used several tag spellings ("Everyday", "SpecificDays",
// "Specific Days", "EveryFewDays", "Custom", ...); decoding accepts the lot
// and always re-encodes the canonical camelCase tags.

type ruleJSON struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type weekdaysData struct {
	DaysOfWeek []json.RawMessage `json:"daysOfWeek"`
}

type everyNData struct {
	StartDate string `json:"startDate"`
	Interval  int    `json:"interval"`
}

type datesData struct {
	Dates []string `json:"dates"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{Type: string(r.Kind)}
	switch r.Kind {
	case KindSpecificWeekdays:
		names := make([]string, 0, len(r.Weekdays))
		for _, d := range r.Weekdays {
			names = append(names, d.String()[:3])
		}
		raw, err := json.Marshal(struct {
			DaysOfWeek []string `json:"daysOfWeek"`
		}{names})
		if err != nil {
			return nil, err
		}
		out.Data = raw
	case KindEveryNDays:
		raw, err := json.Marshal(everyNData{StartDate: r.Start.String(), Interval: r.Interval})
		if err != nil {
			return nil, err
		}
		out.Data = raw
	case KindExplicitDates:
		raw, err := json.Marshal(datesData{Dates: r.Dates})
		if err != nil {
			return nil, err
		}
		out.Data = raw
	}
	return json.Marshal(out)
}

func (r *Rule) UnmarshalJSON(b []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	kind, err := ParseKind(raw.Type)
	if err != nil {
		return err
	}

	out := Rule{Kind: kind}
	switch kind {
	case KindSpecificWeekdays:
		var d weekdaysData
		if len(raw.Data) > 0 {
			if err := json.Unmarshal(raw.Data, &d); err != nil {
				return fmt.Errorf("specificWeekdays data: %w", err)
			}
		}
		days := make([]time.Weekday, 0, len(d.DaysOfWeek))
		for _, item := range d.DaysOfWeek {
			wd, err := parseWeekdayJSON(item)
			if err != nil {
				return err
			}
			days = append(days, wd)
		}
		out.Weekdays = normalizeWeekdays(days)
	case KindEveryNDays:
		var d everyNData
		if len(raw.Data) > 0 {
			if err := json.Unmarshal(raw.Data, &d); err != nil {
				return fmt.Errorf("everyNDays data: %w", err)
			}
		}
		if strings.TrimSpace(d.StartDate) != "" {
			start, err := ParseDate(d.StartDate)
			if err != nil {
				return fmt.Errorf("everyNDays startDate: %w", err)
			}
			out.Start = start
		}
		out.Interval = d.Interval
	case KindExplicitDates:
		var d datesData
		if len(raw.Data) > 0 {
			if err := json.Unmarshal(raw.Data, &d); err != nil {
				return fmt.Errorf("explicitDates data: %w", err)
			}
		}
		out.Dates = normalizeDates(d.Dates)
	}

	if err := out.Validate(); err != nil {
		return err
	}
	*r = out
	return nil
}

// ParseKind normalizes a schedule type tag, accepting legacy spellings.
func ParseKind(s string) (Kind, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	switch key {
	case "everyday":
		return KindEveryday, nil
	case "specificweekdays", "specificdays":
		return KindSpecificWeekdays, nil
	case "everyndays", "everyfewdays":
		return KindEveryNDays, nil
	case "explicitdates", "custom":
		return KindExplicitDates, nil
	case "asneeded":
		return KindAsNeeded, nil
	case "":
		return "", fmt.Errorf("schedule type is required")
	default:
		return "", fmt.Errorf("unknown schedule type %q", s)
	}
}

// parseWeekdayJSON accepts both spellings the historical documents used:
// day names ("Mon", "Monday") and JS getDay() numbers (0=Sunday).
func parseWeekdayJSON(raw json.RawMessage) (time.Weekday, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("invalid weekday number %d", n)
		}
		return time.Weekday(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid weekday %s", string(raw))
	}
	return ParseWeekday(s)
}

// ParseWeekday parses "Mon" / "Monday" (case-insensitive).
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if len(key) > 3 {
		key = key[:3]
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.ToLower(wd.String()[:3]) == key {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func normalizeWeekdays(days []time.Weekday) []time.Weekday {
	seen := map[time.Weekday]bool{}
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalizeDates(dates []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

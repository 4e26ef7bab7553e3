package schedule

import (
	"errors"
	"testing"
	"time"

	_ "time/tzdata"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestNextSpecificWeekdays(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	rule := SpecificWeekdays(time.Monday, time.Wednesday, time.Friday)
	slots := []string{"08:00", "20:00"}

	// Tuesday 2025-01-07 09:00: Tuesday is not a dose day, so the next
	// occurrence is Wednesday's first slot.
	after := time.Date(2025, time.January, 7, 9, 0, 0, 0, loc)
	got, err := Next(rule, slots, after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, time.January, 8, 8, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Same day, between slots: the later slot on the same day wins.
	after = time.Date(2025, time.January, 8, 9, 0, 0, 0, loc)
	got, err = Next(rule, slots, after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want = time.Date(2025, time.January, 8, 20, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextEveryNDays(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	rule := EveryNDays(NewDate(2025, time.January, 1), 3)

	// Dose days are Jan 1, 4, 7, ... After Jan 4 10:00 the 09:00 slot on
	// Jan 4 has passed, so Jan 7 09:00 is next.
	after := time.Date(2025, time.January, 4, 10, 0, 0, 0, loc)
	got, err := Next(rule, []string{"09:00"}, after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, time.January, 7, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Before the start date the first occurrence is the start date itself.
	after = time.Date(2024, time.December, 20, 0, 0, 0, 0, loc)
	got, err = Next(rule, nil, after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want = time.Date(2025, time.January, 1, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextDefaultSlot(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	after := time.Date(2025, time.June, 1, 12, 0, 0, 0, loc)
	got, err := Next(Everyday(), nil, after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextStrictlyAfter(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	exact := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	got, err := Next(Everyday(), []string{"09:00"}, exact, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !got.After(exact) {
		t.Fatalf("Next = %v is not strictly after reference %v", got, exact)
	}
	want := time.Date(2025, time.June, 3, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextAcrossDSTSpringForward(t *testing.T) {
	// America/Chicago springs forward 2025-03-09 at 02:00; 02:30 does not
	// exist that day. The result must still be a valid instant strictly
	// after the reference, on the local calendar day.
	loc := mustLoc(t, "America/Chicago")
	after := time.Date(2025, time.March, 8, 23, 0, 0, 0, loc)
	got, err := Next(Everyday(), []string{"02:30"}, after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !got.After(after) {
		t.Fatalf("Next = %v is not after %v", got, after)
	}
	y, m, d := got.In(loc).Date()
	if y != 2025 || m != time.March || d != 9 {
		t.Fatalf("Next landed on %04d-%02d-%02d, want 2025-03-09", y, m, d)
	}

	// Interval math must count civil days, not 24h blocks, across the
	// 23-hour transition day.
	rule := EveryNDays(NewDate(2025, time.March, 8), 2)
	after = time.Date(2025, time.March, 8, 10, 0, 0, 0, loc)
	got, err = Next(rule, []string{"09:00"}, after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, time.March, 10, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextExplicitDates(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	rule := ExplicitDates("2025-04-01", "2025-04-10")

	after := time.Date(2025, time.April, 2, 0, 0, 0, 0, loc)
	got, err := Next(rule, []string{"09:00"}, after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, time.April, 10, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// All dates in the past: unresolved, not an infinite walk.
	after = time.Date(2025, time.May, 1, 0, 0, 0, 0, loc)
	if _, err := Next(rule, nil, after, loc); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
}

func TestNextAsNeeded(t *testing.T) {
	_, err := Next(AsNeeded(), nil, time.Now(), time.UTC)
	if !errors.Is(err, ErrNotSchedulable) {
		t.Fatalf("err = %v, want ErrNotSchedulable", err)
	}
}

func TestNormalizeSlots(t *testing.T) {
	got, err := NormalizeSlots([]string{"20:00", "08:00", "8:00"})
	if err != nil {
		t.Fatalf("NormalizeSlots: %v", err)
	}
	if len(got) != 2 || got[0].String() != "08:00" || got[1].String() != "20:00" {
		t.Fatalf("slots = %v", got)
	}

	for _, bad := range []string{"24:00", "9:60", "nine", ""} {
		if _, err := NormalizeSlots([]string{bad}); err == nil {
			t.Fatalf("expected error for slot %q", bad)
		}
	}
}

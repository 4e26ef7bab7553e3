package schedule

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseKindAliases(t *testing.T) {
	cases := []struct {
		in   string
		want Kind
	}{
		{"everyday", KindEveryday},
		{"Everyday", KindEveryday},
		{"specificWeekdays", KindSpecificWeekdays},
		{"SpecificDays", KindSpecificWeekdays},
		{"Specific Days", KindSpecificWeekdays},
		{"everyNDays", KindEveryNDays},
		{"EveryFewDays", KindEveryNDays},
		{"explicitDates", KindExplicitDates},
		{"Custom", KindExplicitDates},
		{"asNeeded", KindAsNeeded},
		{"As Needed", KindAsNeeded},
	}
	for _, tc := range cases {
		got, err := ParseKind(tc.in)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseKind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := ParseKind("hourly"); err == nil {
		t.Fatal("expected error for unknown schedule type")
	}
	if _, err := ParseKind(""); err == nil {
		t.Fatal("expected error for empty schedule type")
	}
}

func TestRuleJSONRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
	}{
		{"everyday", Everyday()},
		{"asNeeded", AsNeeded()},
		{"weekdays", SpecificWeekdays(time.Monday, time.Wednesday, time.Friday)},
		{"everyN", EveryNDays(NewDate(2025, time.January, 1), 3)},
		{"explicit", ExplicitDates("2025-02-01", "2025-01-15")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.rule)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var back Rule
			if err := json.Unmarshal(raw, &back); err != nil {
				t.Fatalf("unmarshal %s: %v", raw, err)
			}
			a, _ := json.Marshal(back)
			if string(a) != string(raw) {
				t.Fatalf("round trip changed rule: %s vs %s", raw, a)
			}
		})
	}
}

func TestRuleUnmarshalLegacyDocuments(t *testing.T) {
	cases := []struct {
		name  string
		doc   string
		check func(t *testing.T, r Rule)
	}{
		{
			name: "weekday names",
			doc:  `{"type":"Specific Days","data":{"daysOfWeek":["Mon","Wed","Fri"]}}`,
			check: func(t *testing.T, r Rule) {
				want := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
				if len(r.Weekdays) != len(want) {
					t.Fatalf("weekdays = %v", r.Weekdays)
				}
				for i := range want {
					if r.Weekdays[i] != want[i] {
						t.Fatalf("weekdays = %v, want %v", r.Weekdays, want)
					}
				}
			},
		},
		{
			name: "weekday numbers",
			doc:  `{"type":"specificWeekdays","data":{"daysOfWeek":[0,6]}}`,
			check: func(t *testing.T, r Rule) {
				if len(r.Weekdays) != 2 || r.Weekdays[0] != time.Sunday || r.Weekdays[1] != time.Saturday {
					t.Fatalf("weekdays = %v", r.Weekdays)
				}
			},
		},
		{
			name: "every few days",
			doc:  `{"type":"EveryFewDays","data":{"startDate":"2025-01-01","interval":3}}`,
			check: func(t *testing.T, r Rule) {
				if r.Kind != KindEveryNDays || r.Interval != 3 || r.Start.String() != "2025-01-01" {
					t.Fatalf("rule = %+v", r)
				}
			},
		},
		{
			name: "custom dates sorted and deduped",
			doc:  `{"type":"Custom","data":{"dates":["2025-03-02","2025-03-01","2025-03-02"]}}`,
			check: func(t *testing.T, r Rule) {
				if len(r.Dates) != 2 || r.Dates[0] != "2025-03-01" || r.Dates[1] != "2025-03-02" {
					t.Fatalf("dates = %v", r.Dates)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var r Rule
			if err := json.Unmarshal([]byte(tc.doc), &r); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tc.check(t, r)
		})
	}
}

func TestRuleUnmarshalRejectsInvalid(t *testing.T) {
	docs := []string{
		`{"type":"specificWeekdays","data":{"daysOfWeek":[]}}`,
		`{"type":"everyNDays","data":{"startDate":"2025-01-01","interval":0}}`,
		`{"type":"everyNDays","data":{"interval":2}}`,
		`{"type":"explicitDates","data":{"dates":["01/02/2025"]}}`,
		`{"type":"explicitDates","data":{"dates":[]}}`,
		`{"type":""}`,
	}
	for _, doc := range docs {
		var r Rule
		if err := json.Unmarshal([]byte(doc), &r); err == nil {
			t.Fatalf("expected error for %s", doc)
		}
	}
}

func TestDateArithmetic(t *testing.T) {
	d := NewDate(2025, time.January, 30)
	if got := d.AddDays(3).String(); got != "2025-02-02" {
		t.Fatalf("AddDays crossed month wrong: %s", got)
	}
	if got := d.DaysUntil(NewDate(2025, time.February, 2)); got != 3 {
		t.Fatalf("DaysUntil = %d, want 3", got)
	}
	if got := d.DaysUntil(NewDate(2025, time.January, 28)); got != -2 {
		t.Fatalf("DaysUntil = %d, want -2", got)
	}
	if wd := NewDate(2025, time.January, 6).Weekday(); wd != time.Monday {
		t.Fatalf("weekday = %v, want Monday", wd)
	}
}

package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "time/tzdata"

	"dosewatch/internal/notify"
	"dosewatch/internal/schedule"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

type capturingGateway struct {
	mu   sync.Mutex
	sent []notify.Message
	fail map[string]error // title -> error
}

func (g *capturingGateway) Name() string { return "capture" }

func (g *capturingGateway) Send(_ context.Context, msg notify.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.fail[msg.Title]; ok {
		return err
	}
	g.sent = append(g.sent, msg)
	return nil
}

func (g *capturingGateway) messages() []notify.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]notify.Message(nil), g.sent...)
}

func newTestService(t *testing.T, gw notify.Gateway) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	ns := notify.New(notify.Config{RatePerSec: 1000, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, gw, logx.Nop(), nil, st)
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	cfg := Config{
		Location:           loc,
		Lookahead:          2 * time.Hour,
		TickTolerance:      10 * time.Minute,
		Workers:            4,
		DefaultLead:        10 * time.Minute,
		StockThresholdDays: 2,
		DailyUsageDefault:  1,
	}
	return New(cfg, st, ns, logx.Nop(), nil), st
}

func seedUserAndMed(t *testing.T, st store.Store, medID string, next time.Time, inventory float64) store.Medication {
	t.Helper()
	ctx := context.Background()
	if err := st.PutUser(ctx, store.User{ID: "u1", FCMToken: "tok-u1"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	m := store.Medication{
		ID:             medID,
		UserID:         "u1",
		Name:           "Metformin " + medID,
		TrackInventory: true,
		Inventory:      inventory,
		Schedule:       schedule.Everyday(),
		DoseTimes:      []string{"09:00"},
		NextDoseAt:     next,
		UpdatedAt:      time.Now().Add(-time.Minute),
	}
	if err := st.SaveMedication(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	return m
}

func TestScanDosesFiresOnce(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	loc, _ := time.LoadLocation("America/Chicago")
	next := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	now := next.Add(-5 * time.Minute) // inside the [0, 20m) window
	seedUserAndMed(t, st, "med-1", next, 30)

	res := svc.ScanDoses(ctx, now)
	if res.Err != nil {
		t.Fatalf("scan: %v", res.Err)
	}
	if res.Fired != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}

	msgs := gw.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Title != "Reminder: Metformin med-1" {
		t.Fatalf("title = %q", msgs[0].Title)
	}
	if msgs[0].Body != "This medication is due at 09:00." {
		t.Fatalf("body = %q", msgs[0].Body)
	}
	if msgs[0].Token != "tok-u1" {
		t.Fatalf("token = %q", msgs[0].Token)
	}
	if msgs[0].Data["medicationId"] != "med-1" || msgs[0].Data["action"] != "doseReminder" {
		t.Fatalf("data = %v", msgs[0].Data)
	}

	// The schedule pointer advanced to tomorrow.
	m, _ := st.Medication(ctx, "med-1")
	want := time.Date(2025, time.June, 3, 9, 0, 0, 0, loc)
	if !m.NextDoseAt.Equal(want) {
		t.Fatalf("next dose = %v, want %v", m.NextDoseAt, want)
	}

	// A repeated tick over the same window sends nothing new.
	res = svc.ScanDoses(ctx, now.Add(time.Minute))
	if res.Fired != 0 {
		t.Fatalf("second scan fired %d reminders", res.Fired)
	}
	if len(gw.messages()) != 1 {
		t.Fatalf("duplicate reminder sent")
	}
}

func TestScanDosesOutsideWindow(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)

	loc, _ := time.LoadLocation("America/Chicago")
	next := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	seedUserAndMed(t, st, "med-1", next, 30)

	// 90 minutes early: inside the lookahead query but outside the gate.
	res := svc.ScanDoses(context.Background(), next.Add(-90*time.Minute))
	if res.Err != nil {
		t.Fatalf("scan: %v", res.Err)
	}
	if res.Scanned != 1 || res.Fired != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(gw.messages()) != 0 {
		t.Fatal("reminder sent outside gate window")
	}
}

func TestScanDosesRespectsDisabledReminders(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	loc, _ := time.LoadLocation("America/Chicago")
	next := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	seedUserAndMed(t, st, "med-1", next, 30)
	if err := st.PutPreferences(ctx, store.Preferences{UserID: "u1", RemindersEnabled: false}); err != nil {
		t.Fatalf("put prefs: %v", err)
	}

	res := svc.ScanDoses(ctx, next.Add(-5*time.Minute))
	if res.Fired != 0 || len(gw.messages()) != 0 {
		t.Fatalf("reminder sent for muted user: %+v", res)
	}
}

func TestScanDosesIsolatesFailures(t *testing.T) {
	gw := &capturingGateway{fail: map[string]error{"Reminder: Metformin med-bad": errors.New("boom")}}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	loc, _ := time.LoadLocation("America/Chicago")
	next := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	seedUserAndMed(t, st, "med-bad", next, 30)
	seedUserAndMed(t, st, "med-ok", next, 30)

	res := svc.ScanDoses(ctx, next.Add(-5*time.Minute))
	if res.Err != nil {
		t.Fatalf("scan: %v", res.Err)
	}
	if res.Failed != 1 {
		t.Fatalf("failed = %d, want 1", res.Failed)
	}

	msgs := gw.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Title, "med-ok") {
		t.Fatalf("healthy medication was not delivered: %+v", msgs)
	}
}

func TestScanStockAlerts(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	if err := st.PutUser(ctx, store.User{ID: "u1", FCMToken: "tok-u1"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	// Daily usage 2 via preferences: 4 units / 2 per day = 2 days <= threshold.
	if err := st.PutPreferences(ctx, store.Preferences{
		UserID: "u1", RemindersEnabled: true, StockAlertsEnabled: true,
		DailyUsageDefault: 2, StockThresholdDays: 2,
	}); err != nil {
		t.Fatalf("put prefs: %v", err)
	}

	low := store.Medication{
		ID: "low", UserID: "u1", Name: "Insulin", TrackInventory: true, Inventory: 4,
		Schedule:  schedule.EveryNDays(schedule.NewDate(2025, time.January, 1), 2),
		UpdatedAt: time.Now(),
	}
	full := store.Medication{
		ID: "full", UserID: "u1", Name: "Vitamin D", TrackInventory: true, Inventory: 90,
		Schedule:  schedule.Everyday(),
		UpdatedAt: time.Now(),
	}
	prn := store.Medication{
		ID: "prn", UserID: "u1", Name: "Ibuprofen", TrackInventory: true, Inventory: 1,
		Schedule:  schedule.AsNeeded(),
		UpdatedAt: time.Now(),
	}
	for _, m := range []store.Medication{low, full, prn} {
		if err := st.SaveMedication(ctx, m); err != nil {
			t.Fatalf("save %s: %v", m.ID, err)
		}
	}

	now := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)
	res := svc.ScanStock(ctx, now)
	if res.Err != nil {
		t.Fatalf("scan: %v", res.Err)
	}
	if res.Fired != 1 {
		t.Fatalf("fired = %d, want 1 (low only)", res.Fired)
	}

	msgs := gw.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Title != "Running Low: Insulin" {
		t.Fatalf("title = %q", msgs[0].Title)
	}
	if msgs[0].Body != "Insulin will run out in 2 days." {
		t.Fatalf("body = %q", msgs[0].Body)
	}

	// Same day again: deduped.
	res = svc.ScanStock(ctx, now.Add(time.Hour))
	if res.Fired != 0 || len(gw.messages()) != 1 {
		t.Fatalf("stock alert repeated within the same day: %+v", res)
	}
}

func TestScanStockRespectsDisabledAlerts(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	if err := st.PutUser(ctx, store.User{ID: "u1", FCMToken: "tok-u1"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := st.PutPreferences(ctx, store.Preferences{
		UserID: "u1", RemindersEnabled: true, StockAlertsEnabled: false,
		DailyUsageDefault: 2, StockThresholdDays: 2,
	}); err != nil {
		t.Fatalf("put prefs: %v", err)
	}
	if err := st.SaveMedication(ctx, store.Medication{
		ID: "low", UserID: "u1", Name: "Insulin", TrackInventory: true, Inventory: 4,
		Schedule:  schedule.Everyday(),
		UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	res := svc.ScanStock(ctx, time.Now())
	if res.Fired != 0 || len(gw.messages()) != 0 {
		t.Fatalf("alert fired despite disabled stock alerts: %+v", res)
	}
}

func TestScanStockPerMedicationThreshold(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	if err := st.PutUser(ctx, store.User{ID: "u1", FCMToken: "tok-u1"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := st.PutPreferences(ctx, store.Preferences{
		UserID: "u1", RemindersEnabled: true, StockAlertsEnabled: true,
		DailyUsageDefault: 1, StockThresholdDays: 2,
	}); err != nil {
		t.Fatalf("put prefs: %v", err)
	}
	// 10 days remaining is above the user's 2-day threshold, but this
	// medication overrides it with a 14-day refill threshold.
	if err := st.SaveMedication(ctx, store.Medication{
		ID: "m1", UserID: "u1", Name: "Warfarin", TrackInventory: true, Inventory: 10,
		RefillThreshold: 14,
		Schedule:        schedule.Everyday(),
		UpdatedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	res := svc.ScanStock(ctx, time.Now())
	if res.Fired != 1 || len(gw.messages()) != 1 {
		t.Fatalf("per-medication threshold ignored: %+v", res)
	}
}

func TestScanDosesAdvancesMissedDose(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	// The 09:00 dose is three hours gone, far past the gate window.
	loc, _ := time.LoadLocation("America/Chicago")
	missed := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	now := missed.Add(3 * time.Hour)
	seedUserAndMed(t, st, "med-1", missed, 30)

	for i := 0; i < 5; i++ {
		res := svc.ScanDoses(ctx, now.Add(time.Duration(i)*time.Minute))
		if res.Err != nil {
			t.Fatalf("scan %d: %v", i, res.Err)
		}
		if res.Fired != 0 {
			t.Fatalf("scan %d delivered a stale reminder", i)
		}
	}
	if len(gw.messages()) != 0 {
		t.Fatalf("stale reminder delivered: %+v", gw.messages())
	}

	// The pointer resumed at the next future occurrence.
	m, _ := st.Medication(ctx, "med-1")
	want := time.Date(2025, time.June, 3, 9, 0, 0, 0, loc)
	if !m.NextDoseAt.Equal(want) {
		t.Fatalf("next dose = %v, want %v", m.NextDoseAt, want)
	}
}

func TestScanDosesAdvancesMissedDoseWhileMuted(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	loc, _ := time.LoadLocation("America/Chicago")
	missed := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	seedUserAndMed(t, st, "med-1", missed, 30)
	if err := st.PutPreferences(ctx, store.Preferences{UserID: "u1", RemindersEnabled: false}); err != nil {
		t.Fatalf("put prefs: %v", err)
	}

	res := svc.ScanDoses(ctx, missed.Add(2*time.Hour))
	if res.Err != nil || res.Fired != 0 || len(gw.messages()) != 0 {
		t.Fatalf("result = %+v, messages = %+v", res, gw.messages())
	}

	// Muting suppresses delivery, never the schedule itself.
	m, _ := st.Medication(ctx, "med-1")
	if !m.NextDoseAt.After(missed) {
		t.Fatalf("pointer stuck at %v for muted user", m.NextDoseAt)
	}
}

func TestScanDosesSkipsUserWithoutAddress(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	loc, _ := time.LoadLocation("America/Chicago")
	next := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	seedUserAndMed(t, st, "med-1", next, 30)
	if err := st.PutUser(ctx, store.User{ID: "u1"}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	res := svc.ScanDoses(ctx, next.Add(-5*time.Minute))
	if res.Fired != 0 || res.Failed != 0 || len(gw.messages()) != 0 {
		t.Fatalf("delivery attempted without an address: %+v", res)
	}

	// The occurrence is not consumed; the dose can still fire if a token
	// shows up before the window closes.
	m, _ := st.Medication(ctx, "med-1")
	if !m.NextDoseAt.Equal(next) {
		t.Fatalf("pointer moved to %v", m.NextDoseAt)
	}
}

func TestScanStockIgnoresUntrackedInventory(t *testing.T) {
	gw := &capturingGateway{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	if err := st.PutUser(ctx, store.User{ID: "u1", FCMToken: "tok-u1"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := st.PutPreferences(ctx, store.Preferences{
		UserID: "u1", RemindersEnabled: true, StockAlertsEnabled: true,
		DailyUsageDefault: 1, StockThresholdDays: 2,
	}); err != nil {
		t.Fatalf("put prefs: %v", err)
	}
	// No pill count maintained: days remaining is meaningless, not zero.
	if err := st.SaveMedication(ctx, store.Medication{
		ID: "m1", UserID: "u1", Name: "Lisinopril",
		Schedule:  schedule.Everyday(),
		UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	res := svc.ScanStock(ctx, time.Now())
	if res.Err != nil {
		t.Fatalf("scan: %v", res.Err)
	}
	if res.Fired != 0 || len(gw.messages()) != 0 {
		t.Fatalf("stock alert fired for untracked medication: %+v", res)
	}
}

func TestRunScanSkipsOverlap(t *testing.T) {
	gw := &capturingGateway{}
	svc, _ := newTestService(t, gw)

	if !svc.doseState.tryAcquire() {
		t.Fatal("acquire failed")
	}
	defer svc.doseState.release()

	if _, ran := svc.RunDoseScan(context.Background()); ran {
		t.Fatal("overlapping dose scan was not skipped")
	}
}

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fail  int // fail the first N calls
	err   error
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Send(_ context.Context, _ Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.fail {
		if g.err != nil {
			return g.err
		}
		return errors.New("boom")
	}
	return nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testConfig() Config {
	return Config{RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestDeliverRecordsHistory(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{}
	svc := New(testConfig(), gw, logx.Nop(), nil, st)

	d := Delivery{
		UserID: "u1", MedID: "m1", Kind: "dose",
		Msg: Message{Token: "tok", Title: "Reminder: Aspirin", Body: "This medication is due at 09:00."},
	}
	if err := svc.Deliver(context.Background(), d); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gw.count() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.count())
	}

	hist := svc.Snapshot()
	if len(hist) != 1 || !hist[0].OK || hist[0].Kind != "dose" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestDeliverRetriesTransientFailure(t *testing.T) {
	gw := &fakeGateway{fail: 2}
	svc := New(testConfig(), gw, logx.Nop(), nil, nil)

	err := svc.Deliver(context.Background(), Delivery{Kind: "dose", Msg: Message{Token: "tok", Title: "t"}})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gw.count() != 3 {
		t.Fatalf("gateway calls = %d, want 3", gw.count())
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	gw := &fakeGateway{fail: 10}
	svc := New(testConfig(), gw, logx.Nop(), nil, nil)

	err := svc.Deliver(context.Background(), Delivery{Kind: "stock", Msg: Message{Token: "tok", Title: "t"}})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if gw.count() != 3 {
		t.Fatalf("gateway calls = %d, want 3 (1 + RetryMax)", gw.count())
	}

	hist := svc.Snapshot()
	if len(hist) != 1 || hist[0].OK || hist[0].Error == "" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestDeliverNoRecipientDoesNotRetry(t *testing.T) {
	gw := &fakeGateway{fail: 10, err: ErrNoRecipient}
	svc := New(testConfig(), gw, logx.Nop(), nil, nil)

	err := svc.Deliver(context.Background(), Delivery{Kind: "dose", Msg: Message{}})
	if !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("err = %v, want ErrNoRecipient", err)
	}
	if gw.count() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.count())
	}
}

func TestApplySwapsGateway(t *testing.T) {
	gw1 := &fakeGateway{}
	svc := New(testConfig(), gw1, logx.Nop(), nil, nil)
	if svc.GatewayName() != "fake" {
		t.Fatalf("gateway = %s", svc.GatewayName())
	}

	svc.Apply(testConfig(), NewLog(logx.Nop()))
	if svc.GatewayName() != "log" {
		t.Fatalf("gateway after apply = %s", svc.GatewayName())
	}

	if err := svc.Deliver(context.Background(), Delivery{Kind: "dose", Msg: Message{Title: "t"}}); err != nil {
		t.Fatalf("deliver via log gateway: %v", err)
	}
	if gw1.count() != 0 {
		t.Fatalf("old gateway received a send")
	}
}

// Package eventbus carries the daemon's in-process signals: reminder
// outcomes, scan completions and dose-log mutations. Delivery is best-effort
// fan-out; a slow subscriber loses events rather than stalling a scanner.
package eventbus

import (
	"sync"
	"time"
)

// Type names one kind of daemon event.
type Type string

const (
	// TypeReminderSent fires after a dose reminder or stock alert was
	// handed to the gateway successfully.
	TypeReminderSent Type = "reminder.sent"
	// TypeReminderFailed fires when the gateway rejected a claimed
	// delivery; the occurrence stays consumed either way.
	TypeReminderFailed Type = "reminder.failed"
	// TypeScanCompleted fires at the end of every dose or stock tick.
	TypeScanCompleted Type = "scan.completed"
	// TypeDoseLogged and TypeDoseUndone follow user-initiated log
	// mutations once they commit.
	TypeDoseLogged Type = "dose.logged"
	TypeDoseUndone Type = "dose.undone"
)

// Event is one published signal. Data stays small and JSON-serializable.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

type Bus interface {
	// Publish never blocks. Events to full subscriber buffers are dropped.
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[int]chan Event{}}
}

type memBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// Publish holds the lock across the sends. Subscriber counts are tiny and
// every send is non-blocking, so this stays cheap, and it means a channel is
// never closed while a send to it is in flight.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

package store

import (
	"errors"
	"time"

	"dosewatch/internal/schedule"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means a compare-and-swap lost: the row's version changed
	// between read and write. Callers reload and retry.
	ErrConflict = errors.New("store: version conflict")

	// ErrAlreadyClaimed means another scanner pass already recorded this
	// reminder occurrence.
	ErrAlreadyClaimed = errors.New("store: reminder already claimed")

	ErrDuplicateLog = errors.New("store: dose already logged")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the default)
//   - "memory": in-process store, used by tests
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User holds the delivery identity for one account.
type User struct {
	ID        string
	FCMToken  string
	ChatID    int64 // telegram driver only
	CreatedAt time.Time
}

// Preferences are per-user reminder settings. Zero values mean "use the
// daemon defaults" and are resolved by the scanner, not the store.
type Preferences struct {
	UserID             string
	Timezone           string
	LeadTimeMinutes    int
	StockThresholdDays int
	DailyUsageDefault  float64
	RemindersEnabled   bool
	StockAlertsEnabled bool
	UpdatedAt          time.Time
}

// Medication is one tracked medication with its recurrence schedule.
//
// NextDoseAt is the precomputed next occurrence; the due scan is an indexed
// range query over it rather than a rule evaluation per row. UpdatedAt is a
// strictly increasing version in unix milliseconds and guards every write.
type Medication struct {
	ID     string
	UserID string
	Name   string
	Dosage string

	// TrackInventory marks medications whose pill count is maintained.
	// Untracked medications never fail an inventory check and never
	// produce stock alerts; Inventory is meaningless for them.
	TrackInventory bool
	Inventory      float64

	// DoseQuantity is the inventory units consumed per logged dose.
	// Zero means one unit.
	DoseQuantity float64

	// RefillThreshold, in days, overrides the user's stock alert threshold
	// for this medication when positive.
	RefillThreshold float64

	Schedule   schedule.Rule
	DoseTimes  []string
	NextDoseAt time.Time // zero when the rule is as-needed or unresolved
	Archived   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DoseUnits returns the inventory delta for one logged dose.
func (m Medication) DoseUnits() float64 {
	if m.DoseQuantity > 0 {
		return m.DoseQuantity
	}
	return 1
}

// DoseLog records one taken dose. ID is "<date>_<medID>_<slot>" so a
// duplicate log of the same occurrence collides on the primary key.
type DoseLog struct {
	ID       string
	UserID   string
	MedID    string
	Date     string // civil date "2006-01-02" in the user's timezone
	Slot     string // "HH:MM"
	Quantity float64
	TakenAt  time.Time
}

// ReminderClaim atomically records a reminder occurrence as sent: the dedup
// key insert and the schedule advance commit or roll back together.
type ReminderClaim struct {
	MedID         string
	DedupKey      string
	DedupUntil    time.Time
	NextDoseAt    time.Time
	PrevUpdatedAt time.Time
}

// DoseCommit applies a manual dose log: the log row insert, the inventory
// decrement and the schedule advance in one transaction.
type DoseCommit struct {
	Log           DoseLog
	NewInventory  float64
	NextDoseAt    time.Time
	PrevUpdatedAt time.Time
}

// UndoCommit reverses a dose log.
type UndoCommit struct {
	LogID         string
	MedID         string
	NewInventory  float64
	NextDoseAt    time.Time
	PrevUpdatedAt time.Time
}

// ReminderRecord is one delivered (or failed) notification, kept as history.
type ReminderRecord struct {
	ID     string
	UserID string
	MedID  string
	Kind   string // "dose" or "stock"
	Title  string
	Body   string
	SentAt time.Time
	OK     bool
	Error  string
}

// NextVersion returns the UpdatedAt value for a write that follows prev.
// It is wall-clock time except when the clock has not advanced past prev,
// which keeps versions strictly increasing under rapid successive writes.
func NextVersion(prev time.Time) time.Time {
	now := time.Now()
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}

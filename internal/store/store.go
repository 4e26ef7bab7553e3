// Package store provides the persistence layer: users, preferences,
// medications, dose logs, reminder dedup state and delivery history.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "dosewatch/pkg/logx"
)

// Store is the persistence API used by the scanners and the dose advancer.
//
// All multi-row mutations (ClaimReminder, CommitDoseLog, CommitUndo) are
// transactional and guard the medication row with a compare-and-swap on
// UpdatedAt.
type Store interface {
	// Users and preferences.
	PutUser(ctx context.Context, u User) error
	User(ctx context.Context, id string) (User, error)
	PutPreferences(ctx context.Context, p Preferences) error
	Preferences(ctx context.Context, userID string) (Preferences, error)

	// Medication CRUD.
	SaveMedication(ctx context.Context, m Medication) error
	Medication(ctx context.Context, id string) (Medication, error)
	Medications(ctx context.Context, userID string) ([]Medication, error)
	DeleteMedication(ctx context.Context, id string) error

	// Scan queries. TrackedMedications returns only active medications
	// with inventory tracking enabled.
	DueMedications(ctx context.Context, until time.Time) ([]Medication, error)
	TrackedMedications(ctx context.Context) ([]Medication, error)

	// Reminder claim and dose mutations.
	ClaimReminder(ctx context.Context, c ReminderClaim) error
	CommitDoseLog(ctx context.Context, c DoseCommit) error
	CommitUndo(ctx context.Context, c UndoCommit) error
	DoseLog(ctx context.Context, id string) (DoseLog, error)
	DoseLogs(ctx context.Context, userID, medID string) ([]DoseLog, error)

	// Dedup state (stock alerts reuse the same table as dose reminders).
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// Delivery history.
	AppendReminder(ctx context.Context, r ReminderRecord) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

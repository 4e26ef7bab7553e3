package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps everything in process. It backs the "memory" driver and
// the package tests; the transactional methods honor the same CAS and claim
// semantics as the sqlite driver.
type memoryStore struct {
	mu    sync.Mutex
	users map[string]User
	prefs map[string]Preferences
	meds  map[string]Medication
	logs  map[string]DoseLog
	dedup map[string]time.Time
	hist  []ReminderRecord
}

func NewMemory() Store {
	return &memoryStore{
		users: map[string]User{},
		prefs: map[string]Preferences{},
		meds:  map[string]Medication{},
		logs:  map[string]DoseLog{},
		dedup: map[string]time.Time{},
	}
}

func (s *memoryStore) PutUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.users[u.ID] = u
	return nil
}

func (s *memoryStore) User(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *memoryStore) PutPreferences(_ context.Context, p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now()
	s.prefs[p.UserID] = p
	return nil
}

func (s *memoryStore) Preferences(_ context.Context, userID string) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return Preferences{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) SaveMedication(_ context.Context, m Medication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	s.meds[m.ID] = m
	return nil
}

func (s *memoryStore) Medication(_ context.Context, id string) (Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meds[id]
	if !ok {
		return Medication{}, ErrNotFound
	}
	return m, nil
}

func (s *memoryStore) Medications(_ context.Context, userID string) ([]Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Medication
	for _, m := range s.meds {
		if m.UserID == userID && !m.Archived {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryStore) DeleteMedication(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meds[id]; !ok {
		return ErrNotFound
	}
	delete(s.meds, id)
	return nil
}

func (s *memoryStore) DueMedications(_ context.Context, until time.Time) ([]Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Medication
	for _, m := range s.meds {
		if m.Archived || m.NextDoseAt.IsZero() {
			continue
		}
		if !m.NextDoseAt.After(until) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDoseAt.Before(out[j].NextDoseAt) })
	return out, nil
}

func (s *memoryStore) TrackedMedications(_ context.Context) ([]Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Medication
	for _, m := range s.meds {
		if !m.Archived && m.TrackInventory {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *memoryStore) ClaimReminder(_ context.Context, c ReminderClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.dedup[c.DedupKey]; ok && until.After(time.Now()) {
		return ErrAlreadyClaimed
	}
	if err := s.advanceLocked(c.MedID, nil, c.NextDoseAt, c.PrevUpdatedAt); err != nil {
		return err
	}
	s.dedup[c.DedupKey] = c.DedupUntil
	return nil
}

func (s *memoryStore) CommitDoseLog(_ context.Context, c DoseCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[c.Log.ID]; ok {
		return ErrDuplicateLog
	}
	if err := s.advanceLocked(c.Log.MedID, &c.NewInventory, c.NextDoseAt, c.PrevUpdatedAt); err != nil {
		return err
	}
	if c.Log.TakenAt.IsZero() {
		c.Log.TakenAt = time.Now()
	}
	s.logs[c.Log.ID] = c.Log
	return nil
}

func (s *memoryStore) CommitUndo(_ context.Context, c UndoCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[c.LogID]; !ok {
		return ErrNotFound
	}
	if err := s.advanceLocked(c.MedID, &c.NewInventory, c.NextDoseAt, c.PrevUpdatedAt); err != nil {
		return err
	}
	delete(s.logs, c.LogID)
	return nil
}

func (s *memoryStore) advanceLocked(medID string, inventory *float64, next time.Time, prev time.Time) error {
	m, ok := s.meds[medID]
	if !ok {
		return ErrNotFound
	}
	if m.UpdatedAt.UnixMilli() != prev.UnixMilli() {
		return ErrConflict
	}
	if inventory != nil {
		m.Inventory = *inventory
	}
	m.NextDoseAt = next
	m.UpdatedAt = NextVersion(prev)
	s.meds[medID] = m
	return nil
}

func (s *memoryStore) DoseLog(_ context.Context, id string) (DoseLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return DoseLog{}, ErrNotFound
	}
	return l, nil
}

func (s *memoryStore) DoseLogs(_ context.Context, userID, medID string) ([]DoseLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DoseLog
	for _, l := range s.logs {
		if l.UserID == userID && l.MedID == medID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return out, nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func (s *memoryStore) AppendReminder(_ context.Context, r ReminderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	s.hist = append(s.hist, r)
	return nil
}

func (s *memoryStore) Close() error { return nil }

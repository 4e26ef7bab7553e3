package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "dosewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users / preferences ----

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, fcm_token, chat_id, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET fcm_token=excluded.fcm_token, chat_id=excluded.chat_id`,
		u.ID, nullStr(u.FCMToken), u.ChatID, u.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) User(ctx context.Context, id string) (User, error) {
	var row struct {
		ID        string         `db:"id"`
		FCMToken  sql.NullString `db:"fcm_token"`
		ChatID    int64          `db:"chat_id"`
		CreatedAt int64          `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, fcm_token, chat_id, created_at FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return User{
		ID:        row.ID,
		FCMToken:  row.FCMToken.String,
		ChatID:    row.ChatID,
		CreatedAt: time.UnixMilli(row.CreatedAt),
	}, nil
}

func (s *sqliteStore) PutPreferences(ctx context.Context, p Preferences) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, timezone, lead_time_minutes, stock_threshold_days, daily_usage_default, reminders_enabled, stock_alerts_enabled, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   timezone=excluded.timezone,
		   lead_time_minutes=excluded.lead_time_minutes,
		   stock_threshold_days=excluded.stock_threshold_days,
		   daily_usage_default=excluded.daily_usage_default,
		   reminders_enabled=excluded.reminders_enabled,
		   stock_alerts_enabled=excluded.stock_alerts_enabled,
		   updated_at=excluded.updated_at`,
		p.UserID, nullStr(p.Timezone), p.LeadTimeMinutes, p.StockThresholdDays,
		p.DailyUsageDefault, p.RemindersEnabled, p.StockAlertsEnabled, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Preferences(ctx context.Context, userID string) (Preferences, error) {
	var row struct {
		UserID             string         `db:"user_id"`
		Timezone           sql.NullString `db:"timezone"`
		LeadTimeMinutes    int            `db:"lead_time_minutes"`
		StockThresholdDays int            `db:"stock_threshold_days"`
		DailyUsageDefault  float64        `db:"daily_usage_default"`
		RemindersEnabled   bool           `db:"reminders_enabled"`
		StockAlertsEnabled bool           `db:"stock_alerts_enabled"`
		UpdatedAt          int64          `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT user_id, timezone, lead_time_minutes, stock_threshold_days, daily_usage_default, reminders_enabled, stock_alerts_enabled, updated_at
		 FROM preferences WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Preferences{}, ErrNotFound
	}
	if err != nil {
		return Preferences{}, err
	}
	return Preferences{
		UserID:             row.UserID,
		Timezone:           row.Timezone.String,
		LeadTimeMinutes:    row.LeadTimeMinutes,
		StockThresholdDays: row.StockThresholdDays,
		DailyUsageDefault:  row.DailyUsageDefault,
		RemindersEnabled:   row.RemindersEnabled,
		StockAlertsEnabled: row.StockAlertsEnabled,
		UpdatedAt:          time.UnixMilli(row.UpdatedAt),
	}, nil
}

// ---- medications ----

type medRow struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	Name            string         `db:"name"`
	Dosage          sql.NullString `db:"dosage"`
	TrackInventory  bool           `db:"track_inventory"`
	Inventory       float64        `db:"inventory"`
	DoseQuantity    float64        `db:"dose_quantity"`
	RefillThreshold float64        `db:"refill_threshold"`
	Schedule        string         `db:"schedule"`
	DoseTimes       string         `db:"dose_times"`
	NextDoseAt      sql.NullInt64  `db:"next_dose_at"`
	Archived        bool           `db:"archived"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
}

const medColumns = `id, user_id, name, dosage, track_inventory, inventory, dose_quantity, refill_threshold, schedule, dose_times, next_dose_at, archived, created_at, updated_at`

func (r medRow) toMedication() (Medication, error) {
	m := Medication{
		ID:              r.ID,
		UserID:          r.UserID,
		Name:            r.Name,
		Dosage:          r.Dosage.String,
		TrackInventory:  r.TrackInventory,
		Inventory:       r.Inventory,
		DoseQuantity:    r.DoseQuantity,
		RefillThreshold: r.RefillThreshold,
		Archived:        r.Archived,
		CreatedAt:       time.UnixMilli(r.CreatedAt),
		UpdatedAt:       time.UnixMilli(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Schedule), &m.Schedule); err != nil {
		return Medication{}, fmt.Errorf("medication %s: bad schedule: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.DoseTimes), &m.DoseTimes); err != nil {
		return Medication{}, fmt.Errorf("medication %s: bad dose times: %w", r.ID, err)
	}
	if r.NextDoseAt.Valid {
		m.NextDoseAt = time.UnixMilli(r.NextDoseAt.Int64)
	}
	return m, nil
}

func (s *sqliteStore) SaveMedication(ctx context.Context, m Medication) error {
	if m.ID == "" || m.UserID == "" {
		return errors.New("medication id and user id are required")
	}
	schedJSON, err := json.Marshal(m.Schedule)
	if err != nil {
		return err
	}
	times := m.DoseTimes
	if times == nil {
		times = []string{}
	}
	timesJSON, err := json.Marshal(times)
	if err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO medications(`+medColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   dosage=excluded.dosage,
		   track_inventory=excluded.track_inventory,
		   inventory=excluded.inventory,
		   dose_quantity=excluded.dose_quantity,
		   refill_threshold=excluded.refill_threshold,
		   schedule=excluded.schedule,
		   dose_times=excluded.dose_times,
		   next_dose_at=excluded.next_dose_at,
		   archived=excluded.archived,
		   updated_at=excluded.updated_at`,
		m.ID, m.UserID, m.Name, nullStr(m.Dosage), m.TrackInventory, m.Inventory,
		m.DoseQuantity, m.RefillThreshold,
		string(schedJSON), string(timesJSON), nullTime(m.NextDoseAt),
		m.Archived, m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Medication(ctx context.Context, id string) (Medication, error) {
	var row medRow
	err := s.db.GetContext(ctx, &row, `SELECT `+medColumns+` FROM medications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Medication{}, ErrNotFound
	}
	if err != nil {
		return Medication{}, err
	}
	return row.toMedication()
}

func (s *sqliteStore) Medications(ctx context.Context, userID string) ([]Medication, error) {
	var rows []medRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+medColumns+` FROM medications WHERE user_id = ? AND archived = 0 ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	return s.decodeMedRows(rows), nil
}

func (s *sqliteStore) DeleteMedication(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM medications WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DueMedications(ctx context.Context, until time.Time) ([]Medication, error) {
	var rows []medRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+medColumns+` FROM medications
		 WHERE archived = 0 AND next_dose_at IS NOT NULL AND next_dose_at <= ?
		 ORDER BY next_dose_at`, until.UnixMilli())
	if err != nil {
		return nil, err
	}
	return s.decodeMedRows(rows), nil
}

func (s *sqliteStore) TrackedMedications(ctx context.Context) ([]Medication, error) {
	var rows []medRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+medColumns+` FROM medications WHERE archived = 0 AND track_inventory = 1 ORDER BY user_id, name`)
	if err != nil {
		return nil, err
	}
	return s.decodeMedRows(rows), nil
}

// decodeMedRows skips rows with undecodable documents instead of failing the
// whole scan. One corrupt medication must not block every other reminder.
func (s *sqliteStore) decodeMedRows(rows []medRow) []Medication {
	out := make([]Medication, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMedication()
		if err != nil {
			s.log.Warn("skipping undecodable medication row",
				logx.String("med_id", r.ID), logx.Err(err))
			continue
		}
		out = append(out, m)
	}
	return out
}

// ---- transactional mutations ----

func (s *sqliteStore) ClaimReminder(ctx context.Context, c ReminderClaim) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UnixMilli()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO dedup(key, until) VALUES(?,?)
			 ON CONFLICT(key) DO UPDATE SET until=excluded.until WHERE dedup.until < ?`,
			c.DedupKey, c.DedupUntil.UnixMilli(), now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyClaimed
		}
		return s.advanceMed(ctx, tx, c.MedID, nil, c.NextDoseAt, c.PrevUpdatedAt)
	})
}

func (s *sqliteStore) CommitDoseLog(ctx context.Context, c DoseCommit) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO dose_logs(id, user_id, med_id, date, slot, quantity, taken_at) VALUES(?,?,?,?,?,?,?)`,
			c.Log.ID, c.Log.UserID, c.Log.MedID, c.Log.Date, c.Log.Slot, c.Log.Quantity, c.Log.TakenAt.UnixMilli())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicateLog
		}
		return s.advanceMed(ctx, tx, c.Log.MedID, &c.NewInventory, c.NextDoseAt, c.PrevUpdatedAt)
	})
}

func (s *sqliteStore) CommitUndo(ctx context.Context, c UndoCommit) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM dose_logs WHERE id = ?`, c.LogID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return s.advanceMed(ctx, tx, c.MedID, &c.NewInventory, c.NextDoseAt, c.PrevUpdatedAt)
	})
}

// advanceMed applies the guarded medication update inside a transaction.
// inventory is left untouched when nil. The write fails with ErrConflict
// when the row's UpdatedAt no longer matches prev.
func (s *sqliteStore) advanceMed(ctx context.Context, tx *sqlx.Tx, medID string, inventory *float64, next time.Time, prev time.Time) error {
	newVersion := NextVersion(prev).UnixMilli()
	var (
		res sql.Result
		err error
	)
	if inventory != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE medications SET inventory=?, next_dose_at=?, updated_at=? WHERE id=? AND updated_at=?`,
			*inventory, nullTime(next), newVersion, medID, prev.UnixMilli())
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE medications SET next_dose_at=?, updated_at=? WHERE id=? AND updated_at=?`,
			nullTime(next), newVersion, medID, prev.UnixMilli())
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- dose logs ----

type doseLogRow struct {
	ID       string  `db:"id"`
	UserID   string  `db:"user_id"`
	MedID    string  `db:"med_id"`
	Date     string  `db:"date"`
	Slot     string  `db:"slot"`
	Quantity float64 `db:"quantity"`
	TakenAt  int64   `db:"taken_at"`
}

func (r doseLogRow) toLog() DoseLog {
	return DoseLog{
		ID: r.ID, UserID: r.UserID, MedID: r.MedID,
		Date: r.Date, Slot: r.Slot, Quantity: r.Quantity,
		TakenAt: time.UnixMilli(r.TakenAt),
	}
}

func (s *sqliteStore) DoseLog(ctx context.Context, id string) (DoseLog, error) {
	var row doseLogRow
	err := s.db.GetContext(ctx, &row, `SELECT id, user_id, med_id, date, slot, quantity, taken_at FROM dose_logs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return DoseLog{}, ErrNotFound
	}
	if err != nil {
		return DoseLog{}, err
	}
	return row.toLog(), nil
}

func (s *sqliteStore) DoseLogs(ctx context.Context, userID, medID string) ([]DoseLog, error) {
	var rows []doseLogRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, user_id, med_id, date, slot, quantity, taken_at FROM dose_logs
		 WHERE user_id = ? AND med_id = ? ORDER BY taken_at DESC`, userID, medID)
	if err != nil {
		return nil, err
	}
	out := make([]DoseLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLog())
	}
	return out, nil
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

// ---- reminder history ----

func (s *sqliteStore) AppendReminder(ctx context.Context, r ReminderRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, user_id, med_id, kind, title, body, sent_at, ok, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.MedID, r.Kind, r.Title, r.Body, r.SentAt.UnixMilli(), r.OK, nullStr(r.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

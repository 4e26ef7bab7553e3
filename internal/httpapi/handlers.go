package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dosewatch/internal/dose"
	"dosewatch/internal/schedule"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"gateway": s.notify.GatewayName(),
		"scans":   s.scanner.History(),
		"sent":    s.notify.Snapshot(),
	}
	writeJSON(w, http.StatusOK, out)
}

// medicationDoc is the wire shape for medication reads and writes. The
// schedule field carries the {type, data} rule document. Inventory is
// optional: sending it enables inventory tracking, omitting it leaves the
// medication untracked.
type medicationDoc struct {
	ID              string        `json:"id,omitempty"`
	Name            string        `json:"name"`
	Dosage          string        `json:"dosage,omitempty"`
	Inventory       *float64      `json:"inventory,omitempty"`
	DoseQuantity    float64       `json:"doseQuantity,omitempty"`
	RefillThreshold float64       `json:"refillThreshold,omitempty"`
	Schedule        schedule.Rule `json:"schedule"`
	DoseTimes       []string      `json:"doseTimes,omitempty"`
	NextDoseAt      *time.Time    `json:"nextDoseAt,omitempty"`
	Archived        bool          `json:"archived,omitempty"`
}

func toDoc(m store.Medication) medicationDoc {
	d := medicationDoc{
		ID:              m.ID,
		Name:            m.Name,
		Dosage:          m.Dosage,
		DoseQuantity:    m.DoseQuantity,
		RefillThreshold: m.RefillThreshold,
		Schedule:        m.Schedule,
		DoseTimes:       m.DoseTimes,
		Archived:        m.Archived,
	}
	if m.TrackInventory {
		inv := m.Inventory
		d.Inventory = &inv
	}
	if !m.NextDoseAt.IsZero() {
		t := m.NextDoseAt
		d.NextDoseAt = &t
	}
	return d
}

func (s *Server) handleListMedications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	meds, err := s.store.Medications(r.Context(), userID)
	if err != nil {
		s.log.Warn("medication list failed", logx.String("user_id", userID), logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "storage error")
		return
	}
	docs := make([]medicationDoc, 0, len(meds))
	for _, m := range meds {
		docs = append(docs, toDoc(m))
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetMedication(w http.ResponseWriter, r *http.Request) {
	m, ok := s.ownedMedication(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDoc(m))
}

func (s *Server) handlePutMedication(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	medID := chi.URLParam(r, "medID")

	var doc medicationDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if doc.Name == "" {
		writeErr(w, http.StatusBadRequest, "name is required")
		return
	}
	if doc.Inventory != nil && *doc.Inventory < 0 {
		writeErr(w, http.StatusBadRequest, "inventory must not be negative")
		return
	}
	if doc.DoseQuantity < 0 || doc.RefillThreshold < 0 {
		writeErr(w, http.StatusBadRequest, "doseQuantity and refillThreshold must not be negative")
		return
	}
	if err := doc.Schedule.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := schedule.NormalizeSlots(doc.DoseTimes); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	m := store.Medication{
		ID:              medID,
		UserID:          userID,
		Name:            doc.Name,
		Dosage:          doc.Dosage,
		DoseQuantity:    doc.DoseQuantity,
		RefillThreshold: doc.RefillThreshold,
		Schedule:        doc.Schedule,
		DoseTimes:       doc.DoseTimes,
		Archived:        doc.Archived,
		UpdatedAt:       time.Now(),
	}
	if doc.Inventory != nil {
		m.TrackInventory = true
		m.Inventory = *doc.Inventory
	}

	// An edited schedule restarts the pointer from now.
	if next, err := schedule.Next(m.Schedule, m.DoseTimes, time.Now(), s.userLocation(ctx, userID)); err == nil {
		m.NextDoseAt = next
	}

	if prev, err := s.store.Medication(ctx, medID); err == nil {
		if prev.UserID != userID {
			writeErr(w, http.StatusNotFound, "medication not found")
			return
		}
		m.CreatedAt = prev.CreatedAt
	}

	if err := s.store.SaveMedication(ctx, m); err != nil {
		s.log.Warn("medication save failed", logx.String("med_id", medID), logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, toDoc(m))
}

func (s *Server) handleDeleteMedication(w http.ResponseWriter, r *http.Request) {
	m, ok := s.ownedMedication(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteMedication(r.Context(), m.ID); err != nil {
		writeErr(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logDoseRequest struct {
	Date string `json:"date"`
	Slot string `json:"slot"`
}

func (s *Server) handleLogDose(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	medID := chi.URLParam(r, "medID")

	var req logDoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Date == "" || req.Slot == "" {
		writeErr(w, http.StatusBadRequest, "date and slot are required")
		return
	}

	entry, err := s.advancer.LogDose(r.Context(), userID, medID, req.Date, req.Slot, time.Now())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, entry)
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "medication not found")
	case errors.Is(err, dose.ErrInsufficientInventory):
		writeErr(w, http.StatusConflict, "no inventory left to take")
	default:
		writeErr(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleUndoDose(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	medID := chi.URLParam(r, "medID")
	date := r.URL.Query().Get("date")
	slot := r.URL.Query().Get("slot")
	if date == "" || slot == "" {
		writeErr(w, http.StatusBadRequest, "date and slot query parameters are required")
		return
	}

	err := s.advancer.UndoDose(r.Context(), userID, medID, date, slot, time.Now())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dose.ErrNotLogged):
		writeErr(w, http.StatusNotFound, "dose was not logged")
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "medication not found")
	default:
		writeErr(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleListDoses(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	medID := chi.URLParam(r, "medID")
	logs, err := s.store.DoseLogs(r.Context(), userID, medID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) ownedMedication(w http.ResponseWriter, r *http.Request) (store.Medication, bool) {
	userID := chi.URLParam(r, "userID")
	medID := chi.URLParam(r, "medID")
	m, err := s.store.Medication(r.Context(), medID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && m.UserID != userID) {
		writeErr(w, http.StatusNotFound, "medication not found")
		return store.Medication{}, false
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage error")
		return store.Medication{}, false
	}
	return m, true
}

func (s *Server) userLocation(ctx context.Context, userID string) *time.Location {
	name := s.cfg.DefaultTimezone
	if p, err := s.store.Preferences(ctx, userID); err == nil && p.Timezone != "" {
		name = p.Timezone
	}
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"carecue/internal/recurrence"
	"carecue/internal/reminder"
	"carecue/internal/storage"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.SchemaVersion(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime":         time.Since(s.started).Seconds(),
		"db":             err == nil,
		"schema_version": version,
	})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": recurrence.Plans()})
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleEngineRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.RunOnce(r.Context()))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ScheduleFilter{SubjectID: q.Get("subject_id")}
	// enabled=true narrows to enabled schedules; anything else lists all.
	f.EnabledOnly, _ = strconv.ParseBool(q.Get("enabled"))
	list, err := s.engine.ListSchedules(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []reminder.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	sc, err := req.toSchedule("")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	created, err := s.engine.CreateSchedule(r.Context(), sc)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.engine.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	sc, err := req.toSchedule(chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	updated, err := s.engine.UpdateSchedule(r.Context(), sc)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	purged, err := s.engine.DeleteSchedule(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id, "purged": purged})
}

func (s *Server) handleScheduleOccurrences(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	if _, err := s.engine.GetSchedule(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	f, err := occurrenceFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	f.ScheduleID = id
	s.listOccurrences(w, r, f)
}

func (s *Server) handleListOccurrences(w http.ResponseWriter, r *http.Request) {
	f, err := occurrenceFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	s.listOccurrences(w, r, f)
}

func (s *Server) listOccurrences(w http.ResponseWriter, r *http.Request, f storage.OccurrenceFilter) {
	list, err := s.store.ListOccurrences(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []reminder.Occurrence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"occurrences": list})
}

func (s *Server) handleGetOccurrence(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOccurrence(r.Context(), chi.URLParam(r, "occurrenceID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrenceView(o))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	o, err := s.engine.Acknowledge(r.Context(), chi.URLParam(r, "occurrenceID"), at)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrenceView(o))
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Skip(r.Context(), chi.URLParam(r, "occurrenceID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrenceView(o))
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subjectID")
	c, ok, err := s.store.GetContact(r.Context(), subject)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no contact for subject "+subject, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePutContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if !s.decode(w, r, &req) {
		return
	}
	c := reminder.Contact{
		SubjectID: chi.URLParam(r, "subjectID"),
		PushToken: strings.TrimSpace(req.PushToken),
		Email:     strings.TrimSpace(req.Email),
	}
	if err := s.store.PutContact(r.Context(), c); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	alertsOnly, _ := strconv.ParseBool(r.URL.Query().Get("alerts_only"))
	list, err := s.store.ListRecipients(r.Context(), chi.URLParam(r, "subjectID"), alertsOnly)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []reminder.Recipient{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": list})
}

func (s *Server) handlePutRecipient(w http.ResponseWriter, r *http.Request) {
	var req recipientRequest
	if !s.decode(w, r, &req) {
		return
	}
	rc := reminder.Recipient{
		SubjectID:     chi.URLParam(r, "subjectID"),
		RecipientID:   chi.URLParam(r, "recipientID"),
		Name:          strings.TrimSpace(req.Name),
		PushToken:     strings.TrimSpace(req.PushToken),
		Email:         strings.TrimSpace(req.Email),
		ReceiveAlerts: req.ReceiveAlerts,
	}
	if err := s.store.PutRecipient(r.Context(), rc); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	subject, id := chi.URLParam(r, "subjectID"), chi.URLParam(r, "recipientID")
	if err := s.store.DeleteRecipient(r.Context(), subject, id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	list, err := s.store.ListEvents(r.Context(), storage.EventFilter{
		Kind:       q.Get("kind"),
		ScheduleID: q.Get("schedule_id"),
		Limit:      limit,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

type occurrenceResponse struct {
	reminder.Occurrence
	DelaySeconds *float64 `json:"delay_seconds,omitempty"`
}

func occurrenceView(o reminder.Occurrence) occurrenceResponse {
	out := occurrenceResponse{Occurrence: o}
	if d, ok := o.Delay(); ok {
		secs := d.Seconds()
		out.DelaySeconds = &secs
	}
	return out
}

func occurrenceFilter(r *http.Request) (storage.OccurrenceFilter, error) {
	q := r.URL.Query()
	f := storage.OccurrenceFilter{SubjectID: q.Get("subject_id")}
	if v := q.Get("status"); v != "" {
		st, err := reminder.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s: expected RFC3339 time", p.key)
		}
		*p.dst = t
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

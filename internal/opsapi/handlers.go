package opsapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"duewatch/internal/dispatch"
	"duewatch/internal/domain"
	"duewatch/internal/entitlement"
	"duewatch/internal/reconcile"
	"duewatch/internal/storage"
	"duewatch/internal/task/scheduler"
	logx "duewatch/pkg/logx"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type statusResponse struct {
	Now          time.Time                    `json:"now"`
	Scheduler    scheduler.Snapshot           `json:"scheduler"`
	LastRun      *dispatch.Summary            `json:"last_run,omitempty"`
	LastSweep    *reconcile.Result            `json:"last_sweep,omitempty"`
	OpenCircuits map[domain.Channel]time.Time `json:"open_circuits,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Now()
	resp := statusResponse{
		Now:          now,
		Scheduler:    s.deps.Scheduler.Snapshot(),
		OpenCircuits: s.deps.Runs.OpenCircuits(now),
	}
	if sum, ok := s.deps.Runs.LastSummary(); ok {
		resp.LastRun = &sum
	}
	if res, ok := s.deps.Sweeps.LastResult(); ok {
		resp.LastSweep = &res
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	At string `json:"at"`
}

// triggerAt reads an optional RFC3339 instant from ?at= or a JSON body.
func triggerAt(r *http.Request) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("at"))
	if raw == "" && r.Body != nil {
		var req triggerRequest
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
		switch {
		case errors.Is(err, io.EOF):
		case err != nil:
			return time.Time{}, fmt.Errorf("invalid body: %w", err)
		default:
			raw = strings.TrimSpace(req.At)
		}
	}
	if raw == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("at must be RFC3339: %w", err)
	}
	return at, nil
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, job string) bool {
	at, err := triggerAt(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	if at.IsZero() {
		at = s.deps.Now()
	}
	sub, _ := Subject(r.Context())
	s.log.Info("manual trigger", logx.String("job", job), logx.Time("at", at), logx.String("subject", sub))

	err = s.deps.Scheduler.Trigger(r.Context(), job, at)
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, "busy", job+" is already running")
		return false
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown_job", err.Error())
		return false
	case err != nil:
		s.log.Warn("manual trigger failed", logx.String("job", job), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "run_failed", err.Error())
		return false
	}
	return true
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	if !s.trigger(w, r, JobDispatch) {
		return
	}
	sum, _ := s.deps.Runs.LastSummary()
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) triggerSweep(w http.ResponseWriter, r *http.Request) {
	if !s.trigger(w, r, JobSweep) {
		return
	}
	res, _ := s.deps.Sweeps.LastResult()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listDispatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.DispatchFilter{TenantID: strings.TrimSpace(q.Get("tenant")), Limit: defaultListLimit}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st := domain.DispatchStatus(strings.ToLower(raw))
		switch st {
		case domain.DispatchClaimed, domain.DispatchSent, domain.DispatchPartiallySent, domain.DispatchFailed:
			f.Status = st
		default:
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", raw))
			return
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	recs, err := s.deps.Store.ListDispatches(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.DispatchRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatches": recs})
}

type occasionView struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DaysBefore  int       `json:"days_before"`
	Overdue     bool      `json:"overdue"`
}

func (s *Server) occasions(w http.ResponseWriter, r *http.Request) {
	ob, err := s.deps.Store.GetObligation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	due := ob.NextDueDate
	if raw := strings.TrimSpace(r.URL.Query().Get("due")); raw != "" {
		due, err = time.Parse(domain.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "due must be YYYY-MM-DD")
			return
		}
	}
	if due.IsZero() {
		writeError(w, http.StatusUnprocessableEntity, "no_due_date", "obligation has no computed due date; pass ?due=")
		return
	}
	planner := s.deps.Planner()
	occs, err := planner.Schedule(ob, due)
	if err != nil {
		if domain.IsConfigError(err) {
			writeError(w, http.StatusUnprocessableEntity, "config_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	loc := planner.Location()
	out := make([]occasionView, 0, len(occs))
	for _, o := range occs {
		out = append(out, occasionView{
			Key:         o.ID.Key(),
			Label:       o.ID.Label,
			ScheduledAt: o.ScheduledAt.In(loc),
			DaysBefore:  o.DaysBefore,
			Overdue:     o.Overdue(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"obligation_id": ob.ID,
		"due_date":      due.Format(domain.DateLayout),
		"occasions":     out,
	})
}

type planRequest struct {
	Tier      string `json:"tier"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) putPlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}
	tier, err := domain.ParsePlanTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var expires time.Time
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		if expires, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "expires_at must be RFC3339")
			return
		}
	}
	p, err := entitlement.Activate(r.Context(), s.deps.Store, chi.URLParam(r, "id"), tier, expires, s.deps.Now())
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidPlan) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	s.log.Info("plan activated", logx.String("tenant", p.TenantID), logx.String("tier", string(p.Tier)))
	writeJSON(w, http.StatusOK, p)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

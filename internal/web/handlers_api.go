package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"fleet-console/internal/console"
	"fleet-console/internal/fleet"
	"fleet-console/internal/state"
)

func (s *Server) handleAPISnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.console.Snapshot())
}

func (s *Server) handleAPIStage(w http.ResponseWriter, r *http.Request) {
	id := state.StageID(r.PathValue("stage"))
	snap := s.console.Snapshot()
	ss, ok := snap.Stages[id]
	if !ok {
		if !knownStage(id) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown stage"})
			return
		}
		ss = snap.Stage(id)
	}
	s.writeJSON(w, http.StatusOK, ss)
}

type selectRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (s *Server) handleAPISelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.console.Select(r.Context(), state.Field(req.Field), req.Value); err != nil {
		s.writeError(w, "select", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.console.Snapshot().Selection)
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	stage := state.StageID(r.PathValue("stage"))
	if err := s.console.Refresh(r.Context(), stage); err != nil {
		s.writeError(w, "refresh", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched", "stage": string(stage)})
}

type pollConfigJSON struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	IntervalMs *int64 `json:"interval_ms,omitempty"`
}

func pollJSON(pc console.PollConfig) pollConfigJSON {
	ms := pc.Interval.Milliseconds()
	return pollConfigJSON{Enabled: &pc.Enabled, IntervalMs: &ms}
}

func (s *Server) handleAPIGetPoll(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, pollJSON(s.console.PollConfig()))
}

// handleAPISetPoll applies a partial update; omitted fields keep their
// current value.
func (s *Server) handleAPISetPoll(w http.ResponseWriter, r *http.Request) {
	var req pollConfigJSON
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	pc := s.console.PollConfig()
	if req.Enabled != nil {
		pc.Enabled = *req.Enabled
	}
	if req.IntervalMs != nil {
		pc.Interval = time.Duration(*req.IntervalMs) * time.Millisecond
	}
	if err := s.console.SetPollConfig(r.Context(), pc); err != nil {
		s.writeError(w, "set poll config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, pollJSON(s.console.PollConfig()))
}

func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	if err := s.console.Reset(r.Context()); err != nil {
		s.writeError(w, "reset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps console errors to HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	var valErr *fleet.ValidationError
	var status int
	switch {
	case errors.Is(err, console.ErrUnknownField), errors.Is(err, console.ErrInvalidInterval),
		errors.Is(err, state.ErrInvalidTaskRef):
		status = http.StatusBadRequest
	case errors.As(err, &valErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, console.ErrUnknownStage):
		status = http.StatusNotFound
	case errors.Is(err, console.ErrUnknownValue):
		status = http.StatusConflict
	case errors.Is(err, console.ErrNotStarted), errors.Is(err, console.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		s.logger.Error(op, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func knownStage(id state.StageID) bool {
	return slices.Contains(state.Stages(), id)
}

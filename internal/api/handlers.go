package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/audit"
	stderrors "github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/errors"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/directory"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/message"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_FAILED", "request body too large")
		return
	}
	if err := validateJSON(sendMessageValidator, body); err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	var req message.SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "malformed request body")
		return
	}

	outcome, err := s.sender.Send(r.Context(), req)
	if err != nil {
		s.writeStandardError(w, err)
		return
	}

	status := http.StatusCreated
	if !outcome.Success {
		// Chain exhaustion is reported in the body, not as a transport fault.
		status = http.StatusOK
	}
	s.writeJSON(w, status, outcome)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := audit.Filter{
		SenderID:       q.Get("senderId"),
		RequestedLevel: q.Get("requestedLevel"),
		FallbackOnly:   q.Get("fallbackOnly") == "true",
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "until must be RFC3339")
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	records, err := s.auditor.List(r.Context(), f)
	if err != nil {
		s.writeStandardError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-7 * 24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "since must be RFC3339")
			return
		}
		since = t
	}

	summary, err := s.auditor.Summary(r.Context(), since)
	if err != nil {
		s.writeStandardError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":   since,
		"summary": summary,
	})
}

type reassignRequest struct {
	Level  string `json:"level"`
	State  string `json:"state"`
	LGA    string `json:"lga"`
	Ward   string `json:"ward"`
	Active bool   `json:"active"`
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_FAILED", "request body too large")
		return
	}
	if err := validateJSON(reassignValidator, body); err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	var req reassignRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "malformed request body")
		return
	}

	level, err := hierarchy.ParseLevel(req.Level)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "UNKNOWN_LEVEL", err.Error())
		return
	}
	scope := hierarchy.LocationScope{State: req.State, LGA: req.LGA, Ward: req.Ward}
	if _, ok := scope.Project(level); !ok {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "location is incomplete for the given level")
		return
	}

	if err := s.admin.Reassign(r.Context(), accountID, level, scope, req.Active); err != nil {
		if errors.Is(err, directory.ErrAccountNotFound) {
			s.writeError(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "no such coordinator account")
			return
		}
		s.writeStandardError(w, err)
		return
	}

	s.logger.Info("coordinator reassigned", map[string]interface{}{
		"accountId": accountID,
		"level":     string(level),
		"active":    req.Active,
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId": accountID,
		"level":     level,
		"active":    req.Active,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true
	for name, ping := range s.pingers {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("write response", nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, details string) {
	s.writeJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Details: details,
	})
}

// writeStandardError maps service errors onto HTTP statuses. Validation
// problems are the caller's fault; everything else is on us.
func (s *Server) writeStandardError(w http.ResponseWriter, err error) {
	var stdErr *stderrors.StandardError
	if !errors.As(err, &stdErr) {
		s.logger.WithError(err).Error("unclassified error", nil)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "")
		return
	}

	status := http.StatusInternalServerError
	switch stdErr.Code {
	case stderrors.ErrCodeValidationFailed, stderrors.ErrCodeUnknownLevel:
		status = http.StatusBadRequest
	case stderrors.ErrCodeDirectoryLookupFailed,
		stderrors.ErrCodeDatabaseConnFailed,
		stderrors.ErrCodeAuditQueryFailed:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(stdErr).Error("request failed", map[string]interface{}{
			"code":     string(stdErr.Code),
			"category": stderrors.GetErrorCategory(stdErr.Code),
		})
	}
	s.writeJSON(w, status, errorResponse{
		Error:   stdErr.Message,
		Code:    string(stdErr.Code),
		Details: stdErr.Details,
	})
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/pulse/pkg/auth"
	"github.com/cuemby/pulse/pkg/types"
)

// maxEventBody bounds an ingestion request body
const maxEventBody = 64 << 10

// EventRequest is the body of POST /api/v1/events
type EventRequest struct {
	Type         types.EventType `json:"type"`
	BusinessID   string          `json:"business_id,omitempty"`
	Page         string          `json:"page,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// EventResponse reports the outcome of a recording. Recording is best
// effort, so a storage failure still answers 202 with Recorded false.
type EventResponse struct {
	ID       string `json:"id"`
	Recorded bool   `json:"recorded"`
}

// ErrorResponse is the body of every JSON error
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event recording is disabled"})
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	var req EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	ev := &types.AnalyticsEvent{
		Type:         req.Type,
		UserID:       userID,
		BusinessID:   req.BusinessID,
		SessionID:    req.SessionID,
		Payload:      req.Payload,
		OccurredAt:   req.OccurredAt,
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
	}

	res := s.recorder.RecordRequest(r.Context(), r, req.Page, ev)
	if errors.Is(res.Err, types.ErrValidation) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: res.Err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, EventResponse{ID: ev.ID, Recorded: res.OK()})
}

// queryEvents lists the caller's events, or the events of a business the
// caller owns, most recent first
func (s *Server) queryEvents(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event recording is disabled"})
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	q := r.URL.Query()

	filter := types.EventFilter{UserID: userID}
	if bid := q.Get("business_id"); bid != "" {
		if s.entitlements == nil {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "business queries are unavailable"})
			return
		}
		ok, err := s.entitlements.OwnsBusiness(r.Context(), userID, bid)
		if err != nil {
			s.logger.Warn().Err(err).Str("business_id", bid).Msg("Entitlement check failed")
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "entitlement check failed"})
			return
		}
		if !ok {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden"})
			return
		}
		filter = types.EventFilter{BusinessID: bid}
	}

	var err error
	if filter.Start, err = parseTime(q.Get("start")); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid start"})
		return
	}
	if filter.End, err = parseTime(q.Get("end")); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid end"})
		return
	}
	if l := q.Get("limit"); l != "" {
		if filter.Limit, err = strconv.Atoi(l); err != nil || filter.Limit < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
	}

	evs, err := s.recorder.Query(r.Context(), filter)
	switch {
	case errors.Is(err, types.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Warn().Err(err).Msg("Event query failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "query failed"})
		return
	}
	if evs == nil {
		evs = []*types.AnalyticsEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

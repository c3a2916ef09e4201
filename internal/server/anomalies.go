package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/internal/auth"
	"github.com/HerbHall/medwatch/internal/sink"
	"github.com/HerbHall/medwatch/pkg/supply"
)

// ReviewRequest is the body of POST /api/v1/anomalies/{id}/review.
type ReviewRequest struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to"`
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sink.Filter{
		Status:        q.Get("status"),
		Severity:      q.Get("severity"),
		DetectionType: q.Get("detection_type"),
		MedicineID:    q.Get("medicine_id"),
	}
	if f.Status != "" && !supply.ValidStatus(f.Status) {
		BadRequest(w, "invalid status filter", r.URL.Path)
		return
	}
	if f.Severity != "" && !supply.ValidSeverity(f.Severity) {
		BadRequest(w, "invalid severity filter", r.URL.Path)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			BadRequest(w, "limit must be a positive integer", r.URL.Path)
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequest(w, "since must be an RFC 3339 timestamp", r.URL.Path)
			return
		}
		f.Since = t
	}

	list, err := s.deps.Anomalies.ListAnomalies(r.Context(), f)
	if err != nil {
		s.internalError(w, r, "list anomalies", err)
		return
	}
	if list == nil {
		list = []supply.Anomaly{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Anomalies.CountBySeverity(r.Context())
	if err != nil {
		s.internalError(w, r, "count anomalies", err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":      total,
		"by_severity": counts,
	})
}

func (s *Server) handleGetAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Anomalies.GetAnomaly(r.Context(), r.PathValue("id"))
	if errors.Is(err, sink.ErrNotFound) {
		NotFound(w, "anomaly not found", r.URL.Path)
		return
	}
	if err != nil {
		s.internalError(w, r, "get anomaly", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleReviewAnomaly moves an anomaly through the review workflow. When
// the caller is authenticated and names no assignee, the token subject is
// recorded.
func (s *Server) handleReviewAnomaly(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	if req.Status == "" {
		BadRequest(w, "status is required", r.URL.Path)
		return
	}
	if req.AssignedTo == "" {
		if c := auth.ClaimsFromContext(r.Context()); c != nil {
			req.AssignedTo = c.Subject
		}
	}

	a, err := s.deps.Anomalies.ReviewAnomaly(r.Context(), r.PathValue("id"), req.Status, req.AssignedTo, s.now().UTC())
	switch {
	case errors.Is(err, sink.ErrInvalidStatus):
		BadRequest(w, err.Error(), r.URL.Path)
		return
	case errors.Is(err, sink.ErrNotFound):
		NotFound(w, "anomaly not found", r.URL.Path)
		return
	case err != nil:
		s.internalError(w, r, "review anomaly", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", RequestID(r.Context())),
		zap.Error(err),
	)
	InternalError(w, "an unexpected error occurred", r.URL.Path)
}

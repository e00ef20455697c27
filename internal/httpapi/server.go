// Package httpapi exposes the server-applied mutation surface for
// shifts. Every response uses the same envelope:
//
//	{"success": bool, "data": ..., "error": code, "message": ..., "timestamp": ...}
//
// Identity arrives pre-verified from the auth collaborator as the
// X-User-Id and X-User-Role headers; this package never authenticates.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

// Lifecycle is the shift engine consumed by the handlers.
type Lifecycle interface {
	Start(ctx context.Context, operatorID string, openingCash int64) (*model.ShiftSession, error)
	End(ctx context.Context, shiftID string, closingCash int64, notes string) (*model.ShiftReport, error)
	Handover(ctx context.Context, shiftID, incomingOperatorID string, cashTransferred int64, notes string) (*model.ShiftSession, *model.ShiftReport, error)
	EmergencyEnd(ctx context.Context, actor model.Identity, shiftID, reason string, closingCash *int64) (*model.ShiftReport, error)
	Current(ctx context.Context) (*model.ShiftSession, error)
}

// Reports resolves stored shift reports.
type Reports interface {
	ReportForShift(ctx context.Context, shiftID string) (*model.ShiftReport, error)
}

// Envelope is the uniform response body.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Server serves the shift HTTP surface.
type Server struct {
	lifecycle Lifecycle
	reports   Reports
	log       *slog.Logger
	now       func() time.Time
}

// NewServer wires handlers over a lifecycle and report source.
func NewServer(lifecycle Lifecycle, reports Reports, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		lifecycle: lifecycle,
		reports:   reports,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides envelope timestamps (tests).
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /shifts", s.handleStart)
	mux.HandleFunc("POST /shifts/{id}/end", s.handleEnd)
	mux.HandleFunc("POST /shifts/{id}/handover", s.handleHandover)
	mux.HandleFunc("POST /shifts/emergency/{id}", s.handleEmergencyEnd)
	mux.HandleFunc("GET /shifts/active", s.handleActive)
	mux.HandleFunc("GET /shifts/{id}/report", s.handleReport)
	return mux
}

type startRequest struct {
	OperatorID  string `json:"operator_id"`
	OpeningCash int64  `json:"opening_cash"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	shift, err := s.lifecycle.Start(r.Context(), req.OperatorID, req.OpeningCash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, shift, "shift started")
}

type endRequest struct {
	ClosingCash int64  `json:"closing_cash"`
	Notes       string `json:"notes"`
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.lifecycle.End(r.Context(), r.PathValue("id"), req.ClosingCash, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, report, "shift ended")
}

type handoverRequest struct {
	IncomingOperatorID string `json:"incoming_operator_id"`
	CashTransferred    int64  `json:"cash_transferred"`
	Notes              string `json:"notes"`
}

type handoverResponse struct {
	OutgoingReport *model.ShiftReport  `json:"outgoing_report"`
	IncomingShift  *model.ShiftSession `json:"incoming_shift"`
}

func (s *Server) handleHandover(w http.ResponseWriter, r *http.Request) {
	var req handoverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	incoming, report, err := s.lifecycle.Handover(r.Context(), r.PathValue("id"),
		req.IncomingOperatorID, req.CashTransferred, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, handoverResponse{
		OutgoingReport: report,
		IncomingShift:  incoming,
	}, "shift handed over")
}

type emergencyEndRequest struct {
	Reason      string `json:"reason"`
	ClosingCash *int64 `json:"closing_cash,omitempty"`
}

func (s *Server) handleEmergencyEnd(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req emergencyEndRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.lifecycle.EmergencyEnd(r.Context(), actor, r.PathValue("id"), req.Reason, req.ClosingCash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, report, "shift emergency-ended")
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	shift, err := s.lifecycle.Current(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, shift, "active shift")
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.ReportForShift(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, report, "shift report")
}

// identityFrom reads the verified identity headers. Missing identity is
// refused; role validity is checked downstream by the lifecycle.
func identityFrom(r *http.Request) (model.Identity, error) {
	userID := r.Header.Get("X-User-Id")
	role := r.Header.Get("X-User-Role")
	if userID == "" || role == "" {
		return model.Identity{}, fault.New(fault.CodePermissionDenied, "missing verified identity")
	}
	return model.Identity{UserID: userID, Role: model.Role(role)}, nil
}

func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.CodeValidation, err, "invalid request body")
	}
	return nil
}

// statusFor maps fault codes to HTTP status codes.
func statusFor(code fault.Code) int {
	switch code {
	case fault.CodeValidation:
		return http.StatusBadRequest
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeConflict:
		return http.StatusConflict
	case fault.CodePermissionDenied:
		return http.StatusForbidden
	case fault.CodeTransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any, message string) {
	s.writeEnvelope(w, status, Envelope{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.writeEnvelope(w, status, Envelope{
		Success:   false,
		Error:     string(code),
		Message:   fault.MessageOf(err),
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

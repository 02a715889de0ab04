package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"opsguard/pkg/actionfsm"
	"opsguard/pkg/auth"
	"opsguard/pkg/httpx"
	"opsguard/pkg/orchestrator"
	"opsguard/pkg/store"
	"opsguard/pkg/throttle"

	"github.com/go-chi/chi/v5"
)

type proposeRequest struct {
	Tenant                 string          `json:"tenant"`
	RunID                  string          `json:"runId"`
	ActionType             string          `json:"actionType"`
	Payload                json.RawMessage `json:"payload"`
	RollbackPayload        json.RawMessage `json:"rollbackPayload,omitempty"`
	ManualRollbackGuidance string          `json:"manualRollbackGuidance,omitempty"`
}

type decisionRequest struct {
	Reason   string `json:"reason,omitempty"`
	Approver string `json:"approver,omitempty"`
}

type policyErrorBody struct {
	ReasonCode string `json:"reasonCode"`
	Message    string `json:"message"`
}

type throttleErrorBody struct {
	ReasonCode        string `json:"reasonCode"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

func (s *Server) proposeAction(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Tenant) == "" || strings.TrimSpace(req.ActionType) == "" {
		httpx.Error(w, 400, "tenant and actionType required")
		return
	}
	if len(req.Payload) == 0 {
		httpx.Error(w, 400, "payload required")
		return
	}
	if !json.Valid(req.Payload) {
		httpx.Error(w, 400, "payload must be valid JSON")
		return
	}
	if len(req.RollbackPayload) > 0 && !json.Valid(req.RollbackPayload) {
		httpx.Error(w, 400, "rollbackPayload must be valid JSON")
		return
	}
	rec, err := s.Orchestrator.Propose(r.Context(), orchestrator.ProposeRequest{
		Tenant:          req.Tenant,
		RunID:           req.RunID,
		ActionType:      req.ActionType,
		Payload:         req.Payload,
		RollbackPayload: req.RollbackPayload,
		Guidance:        req.ManualRollbackGuidance,
	})
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Orchestrator.Get(r.Context(), chi.URLParam(r, "action_id"))
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenant == "" {
		httpx.Error(w, 400, "tenant query parameter required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, 400, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.Orchestrator.List(r.Context(), store.TenantFilter{
		Tenant:     tenant,
		RunID:      r.URL.Query().Get("runId"),
		Status:     r.URL.Query().Get("status"),
		ActionType: r.URL.Query().Get("actionType"),
		Limit:      limit,
	})
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	if records == nil {
		records = []*actionfsm.ActionRecord{}
	}
	httpx.WriteJSON(w, http.StatusOK, records)
}

func (s *Server) approveAction(w http.ResponseWriter, r *http.Request) {
	reason, approver := s.decision(r)
	rec, err := s.Orchestrator.Approve(r.Context(), chi.URLParam(r, "action_id"), approver, reason)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) rejectAction(w http.ResponseWriter, r *http.Request) {
	reason, approver := s.decision(r)
	rec, err := s.Orchestrator.Reject(r.Context(), chi.URLParam(r, "action_id"), approver, reason)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) executeAction(w http.ResponseWriter, r *http.Request) {
	// The kill switch is checked before touching storage so a disabled
	// deployment leaks nothing about which records exist.
	if !s.ExecutionEnabled {
		httpx.Error(w, http.StatusNotImplemented, "execution disabled")
		return
	}
	rec, err := s.Orchestrator.Execute(r.Context(), chi.URLParam(r, "action_id"))
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) requestRollback(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Orchestrator.RequestRollback(r.Context(), chi.URLParam(r, "action_id"))
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) approveRollback(w http.ResponseWriter, r *http.Request) {
	reason, approver := s.decision(r)
	rec, err := s.Orchestrator.ApproveRollback(r.Context(), chi.URLParam(r, "action_id"), approver, reason)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) executeRollback(w http.ResponseWriter, r *http.Request) {
	if !s.ExecutionEnabled {
		httpx.Error(w, http.StatusNotImplemented, "execution disabled")
		return
	}
	rec, err := s.Orchestrator.ExecuteRollback(r.Context(), chi.URLParam(r, "action_id"))
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// decision extracts the optional reason body and resolves the approver
// identity, preferring the authenticated principal over the request body.
func (s *Server) decision(r *http.Request) (reason, approver string) {
	var req decisionRequest
	_ = httpx.DecodeJSON(r, &req)
	approver = strings.TrimSpace(req.Approver)
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" && principal.Subject != "anonymous" {
		approver = principal.Subject
	}
	if approver == "" {
		approver = "anonymous"
	}
	return req.Reason, approver
}

func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	var denied *orchestrator.PolicyDeniedError
	if errors.As(err, &denied) {
		httpx.WriteJSON(w, http.StatusBadRequest, policyErrorBody{
			ReasonCode: denied.ReasonCode,
			Message:    denied.Message,
		})
		return
	}
	var throttled *orchestrator.ThrottledError
	if errors.As(err, &throttled) {
		w.Header().Set("Retry-After", strconv.Itoa(throttled.RetryAfterSeconds))
		httpx.WriteJSON(w, http.StatusTooManyRequests, throttleErrorBody{
			ReasonCode:        throttle.ReasonThrottled,
			Message:           throttled.Message,
			RetryAfterSeconds: throttled.RetryAfterSeconds,
		})
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "action record not found")
	case errors.Is(err, actionfsm.ErrInvalidTransition):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		httpx.Error(w, http.StatusConflict, "concurrent update, retry")
	default:
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

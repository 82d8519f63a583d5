package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/clearline-io/arbiter/internal/approval"
	"github.com/clearline-io/arbiter/internal/orchestrator"
	"github.com/clearline-io/arbiter/internal/requestctx"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		resp["components"] = map[string]string{
			"audit_trail":  "ok",
			"orchestrator": "ok",
			"approvals":    "ok",
		}
		resp["policy_version"] = s.policy.VersionTag
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	Query string   `json:"query"`
	Scope []string `json:"scope,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	identity := requestctx.Identity(r.Context())

	st, err := s.orch.Submit(r.Context(), identity, req.Query, req.Scope)
	if errors.Is(err, orchestrator.ErrMalformedQuery) {
		writeError(w, http.StatusBadRequest, "malformed_query", "query must be non-empty and under the size limit")
		return
	}
	if errors.Is(err, orchestrator.ErrPermission) {
		writeError(w, http.StatusForbidden, "permission_denied", "caller identity is not authorized")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("submit_failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to accept request")
		return
	}
	writeJSON(w, http.StatusAccepted, summarizeState(st, false))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	identity := requestctx.Identity(r.Context())
	st, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"), identity)
	if errors.Is(err, orchestrator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such request")
		return
	}
	if errors.Is(err, orchestrator.ErrPermission) {
		writeError(w, http.StatusForbidden, "permission_denied", "request belongs to another identity")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load request")
		return
	}
	writeJSON(w, http.StatusOK, summarizeState(st, r.URL.Query().Get("detail") == "true"))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity := requestctx.Identity(r.Context())
	st, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"), identity)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such request")
		return
	case errors.Is(err, orchestrator.ErrPermission):
		writeError(w, http.StatusForbidden, "permission_denied", "request belongs to another identity")
		return
	case errors.Is(err, orchestrator.ErrTerminal):
		writeError(w, http.StatusConflict, "already_terminal", "request already reached a terminal state")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel request")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": st.Request.ID,
		"phase":      st.Phase,
		// Past the cancellable phases the cancellation is handled after the
		// in-flight execution completes, through the rollback path.
		"immediate": st.Phase == orchestrator.PhaseAsk ||
			st.Phase == orchestrator.PhaseRetrieve ||
			st.Phase == orchestrator.PhaseReason,
	})
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	cases, err := s.approvals.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases, "count": len(cases)})
}

type decisionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, approval.DecisionApprove)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, approval.DecisionDeny)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, decision approval.Decision) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	decider := requestctx.Identity(r.Context())

	c, err := s.approvals.Decide(r.Context(), chi.URLParam(r, "id"), decision, decider, req.Reason)
	switch {
	case errors.Is(err, approval.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such approval case")
		return
	case errors.Is(err, approval.ErrCaseNotPending):
		writeError(w, http.StatusConflict, "case_not_pending", "the case already reached a terminal status")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to record decision")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.trail.ListIndex(r.Context(), r.URL.Query().Get("subject"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": records, "count": len(records)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.trail.VerifyChain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to verify audit chain")
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.jsonl"`)
	if err := s.trail.Export(r.Context(), w); err != nil {
		// Headers are out; all we can do is log.
		log.Error().Err(err).Msg("audit_export_failed")
	}
}

// stateSummary is the user-facing view of a request. Detail adds the
// evidence and verification internals for owners who ask for them; internal
// diagnostics never appear here.
type stateSummary struct {
	RequestID           string              `json:"request_id"`
	Phase               orchestrator.Phase  `json:"phase"`
	Cause               string              `json:"cause,omitempty"`
	Explanation         string              `json:"explanation,omitempty"`
	RemediationRequired bool                `json:"remediation_required,omitempty"`
	Proposals           []proposalSummary   `json:"proposals,omitempty"`
	SubmittedAt         time.Time           `json:"submitted_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Detail              *orchestrator.State `json:"detail,omitempty"`
}

type proposalSummary struct {
	ID         string `json:"id"`
	ActionID   string `json:"action_id"`
	Risk       string `json:"risk"`
	Approval   string `json:"approval"`
	Executed   bool   `json:"executed"`
	RolledBack bool   `json:"rolled_back,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

func summarizeState(st *orchestrator.State, detail bool) stateSummary {
	out := stateSummary{
		RequestID:           st.Request.ID,
		Phase:               st.Phase,
		Cause:               st.Cause,
		Explanation:         st.Explanation,
		RemediationRequired: st.RemediationRequired,
		SubmittedAt:         st.Request.SubmittedAt,
		UpdatedAt:           st.UpdatedAt,
	}
	for _, p := range st.Proposals {
		out.Proposals = append(out.Proposals, proposalSummary{
			ID:         p.ID,
			ActionID:   p.ActionID,
			Risk:       string(p.Risk),
			Approval:   string(p.Approval),
			Executed:   p.Executed,
			RolledBack: p.RolledBack,
			Cause:      p.Cause,
		})
	}
	if detail {
		out.Detail = st
	}
	return out
}

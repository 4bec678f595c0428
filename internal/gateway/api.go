package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/grail/internal/approvals"
	"github.com/basket/grail/internal/audit"
	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
)

func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) policyVersion() string {
	if s.cfg.Policy == nil {
		return ""
	}
	return s.cfg.Policy.PolicyVersion()
}

// eventRequest is an inbound chat event delivered by an external adapter.
type eventRequest struct {
	Provider    string `json:"provider"`
	WorkspaceID string `json:"workspace_id"`
	ChannelID   string `json:"channel_id"`
	ThreadTS    string `json:"thread_ts"`
	EventID     string `json:"event_id"`
	EventTS     string `json:"event_ts"`
	UserID      string `json:"user_id"`
	Text        string `json:"text"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Intake == nil {
		writeError(w, http.StatusServiceUnavailable, "intake not configured")
		return
	}
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.ChannelID) == "" {
		writeError(w, http.StatusBadRequest, "provider and channel_id are required")
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = req.ChannelID
	}
	if req.ThreadTS == "" {
		req.ThreadTS = req.EventTS
	}
	res, err := s.cfg.Intake.Accept(r.Context(), channels.Message{
		Provider:    req.Provider,
		WorkspaceID: req.WorkspaceID,
		ChannelID:   req.ChannelID,
		ThreadTS:    req.ThreadTS,
		EventID:     req.EventID,
		EventTS:     req.EventTS,
		UserID:      req.UserID,
		Text:        req.Text,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.TaskID != 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Store.ListRecentTasks(r.Context(), queryLimit(r, 20, 500))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "task id must be a positive integer")
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := persistence.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", persistence.ApprovalPending, persistence.ApprovalApproved, persistence.ApprovalDenied, persistence.ApprovalExpired:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	list, err := s.cfg.Store.ListApprovals(r.Context(), status, queryLimit(r, 50, 500))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if list == nil {
		list = []persistence.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Store.GetApproval(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type resolveRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals not configured")
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	reply, err := s.cfg.Approvals.Resolve(r.Context(), req.Action, id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	status := http.StatusOK
	switch reply {
	case approvals.ReplyUnknownAction:
		status = http.StatusBadRequest
	case approvals.ReplyNotPending:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"approval_id": id, "reply": reply})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals not configured")
		return
	}
	var req approvals.ProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Target.Provider) == "" || strings.TrimSpace(req.Target.ChannelID) == "" {
		writeError(w, http.StatusBadRequest, "target.provider and target.channel_id are required")
		return
	}
	id, err := s.cfg.Approvals.Propose(r.Context(), req)
	if errors.Is(err, persistence.ErrDuplicate) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, approvals.ErrInvalidProposal) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"approval_id": id, "status": string(persistence.ApprovalPending)})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.cfg.Store.GetSettings(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings applies a partial update: omitted fields keep their
// stored values.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.cfg.Store.GetSettings(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := decodeJSON(r, &current); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := s.cfg.Store.UpdateSettings(r.Context(), current)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.logger.Info("settings updated",
		"permissions_mode", stored.PermissionsMode,
		"command_approval_mode", stored.CommandApprovalMode,
	)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleListGuardrails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rules, err := s.cfg.Store.ListGuardrailRules(r.Context(), persistence.GuardrailFilter{
		Kind:        q.Get("kind"),
		EnabledOnly: q.Get("enabled") == "true",
		Limit:       queryLimit(r, 500, 5000),
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if rules == nil {
		rules = []policy.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// handleAddGuardrail lets an operator add a rule directly, bypassing the
// proposal flow.
func (s *Server) handleAddGuardrail(w http.ResponseWriter, r *http.Request) {
	var p approvals.GuardrailProposal
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule := p.Rule()
	if err := policy.Validate(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.cfg.Store.InsertGuardrailRule(r.Context(), rule, persistence.RuleSourceAdmin)
	if errors.Is(err, persistence.ErrDuplicate) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	audit.RecordContext(r.Context(), "allow", audit.CapabilityGuardrailAdd, persistence.RuleSourceAdmin, s.policyVersion(), rule.ID)
	writeJSON(w, http.StatusCreated, rule)
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetGuardrailEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.cfg.Store.SetGuardrailEnabled(r.Context(), r.PathValue("id"), req.Enabled)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "enabled": req.Enabled})
}

func (s *Server) handleListCron(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cfg.Store.ListCronJobs(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []persistence.CronJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleSetCronEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.cfg.Store.SetCronJobEnabled(r.Context(), r.PathValue("id"), req.Enabled)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "cron job not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "enabled": req.Enabled})
}

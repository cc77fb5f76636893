package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flightdeck-io/flightdeck/internal/engine"
	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// resolveScope applies the scope resolution rule: an explicit request
// scope wins; otherwise the scope recorded on the named orchestrator at
// registration. A scope resolvable neither way is a validation failure.
func (s *Server) resolveScope(ctx context.Context, scope, orchestratorID string) (string, error) {
	if scope != "" {
		return scope, nil
	}
	if orchestratorID != "" {
		orch, err := s.store.GetOrchestrator(ctx, orchestratorID)
		if err == nil {
			return orch.Scope, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("scope is required: %w", errValidation)
}

type createTaskRequest struct {
	ID            string          `json:"id"`
	FilePath      string          `json:"file_path"`
	Branch        string          `json:"branch"`
	Scope         string          `json:"scope"`
	Queue         string          `json:"queue"`
	Priority      string          `json:"priority"`
	Role          string          `json:"role"`
	Type          string          `json:"type"`
	BlockedBy     string          `json:"blocked_by"`
	ProjectID     string          `json:"project_id"`
	Hooks         []types.Hook    `json:"hooks"`
	Flow          string          `json:"flow"`
	FlowOverrides json.RawMessage `json:"flow_overrides"`
	AutoAccept    bool            `json:"auto_accept"`
	CreatedBy     string          `json:"created_by"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.ID == "" || req.FilePath == "" || req.Branch == "" || req.Scope == "" {
		respondErr(w, fmt.Errorf("id, file_path, branch, and scope are required: %w", errValidation))
		return
	}
	if req.Priority != "" && !types.ValidPriority(types.Priority(req.Priority)) {
		respondErr(w, fmt.Errorf("invalid priority %q: %w", req.Priority, errValidation))
		return
	}
	// done is reachable only through accept, on create as on PATCH.
	if types.Queue(req.Queue) == types.QueueDone {
		respondErr(w, fmt.Errorf("queue=done is only set by accept: %w", errValidation))
		return
	}
	if req.BlockedBy != "" {
		if _, err := s.store.GetTask(r.Context(), req.BlockedBy); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				respondErr(w, fmt.Errorf("unknown blocker %q: %w", req.BlockedBy, errValidation))
				return
			}
			respondErr(w, err)
			return
		}
	}

	// Role validation only applies once any roles are registered.
	if req.Role != "" {
		n, err := s.store.CountRoles(r.Context())
		if err != nil {
			respondErr(w, err)
			return
		}
		if n > 0 {
			if _, err := s.store.GetRole(r.Context(), req.Role); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					respondErr(w, fmt.Errorf("unknown role %q: %w", req.Role, errValidation))
					return
				}
				respondErr(w, err)
				return
			}
		}
	}

	queue := types.Queue(req.Queue)
	if queue == "" && req.BlockedBy != "" {
		queue = types.QueueBlocked
	}

	task := &types.Task{
		ID:            req.ID,
		Queue:         queue,
		Priority:      types.Priority(req.Priority),
		Role:          req.Role,
		Type:          req.Type,
		Scope:         req.Scope,
		FilePath:      req.FilePath,
		Branch:        req.Branch,
		ProjectID:     req.ProjectID,
		BlockedBy:     req.BlockedBy,
		Hooks:         req.Hooks,
		Flow:          req.Flow,
		FlowOverrides: req.FlowOverrides,
		AutoAccept:    req.AutoAccept,
	}
	created, err := s.engine.Create(r.Context(), task, req.CreatedBy)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := q.Get("scope")
	if scope == "" {
		respondErr(w, fmt.Errorf("scope query parameter is required: %w", errValidation))
		return
	}

	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondErr(w, fmt.Errorf("invalid limit %q: %w", raw, errValidation))
			return
		}
		limit = n
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondErr(w, fmt.Errorf("invalid offset %q: %w", raw, errValidation))
			return
		}
		offset = n
	}

	tasks, err := s.store.ListTasks(r.Context(), types.TaskFilter{
		Scope:    scope,
		Queue:    types.Queue(q.Get("queue")),
		Role:     q.Get("role"),
		Type:     q.Get("type"),
		Priority: types.Priority(q.Get("priority")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	entries, err := s.store.ListHistory(r.Context(), id, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if entries == nil {
		entries = []*types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// stringList decodes either a bare string or an array of strings, so
// filters can be sent as "implement" or ["implement", "review"].
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type claimRequest struct {
	OrchestratorID       string     `json:"orchestrator_id"`
	AgentName            string     `json:"agent_name"`
	Scope                string     `json:"scope"`
	Queue                string     `json:"queue"`
	RoleFilter           stringList `json:"role_filter"`
	TypeFilter           stringList `json:"type_filter"`
	LeaseDurationSeconds int        `json:"lease_duration_seconds"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.OrchestratorID == "" || req.AgentName == "" {
		respondErr(w, fmt.Errorf("orchestrator_id and agent_name are required: %w", errValidation))
		return
	}
	scope, err := s.resolveScope(r.Context(), req.Scope, req.OrchestratorID)
	if err != nil {
		respondErr(w, err)
		return
	}

	task, err := s.engine.Claim(r.Context(), engine.ClaimRequest{
		Scope:          scope,
		Queue:          types.Queue(req.Queue),
		Roles:          []string(req.RoleFilter),
		Types:          []string(req.TypeFilter),
		Agent:          req.AgentName,
		OrchestratorID: req.OrchestratorID,
		LeaseSeconds:   req.LeaseDurationSeconds,
	})
	if err != nil {
		if errors.Is(err, engine.ErrNoTask) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No tasks available"})
			return
		}
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type submitRequest struct {
	CommitsCount    *int   `json:"commits_count"`
	TurnsUsed       *int   `json:"turns_used"`
	CheckResults    string `json:"check_results"`
	ExecutionNotes  string `json:"execution_notes"`
	AgentName       string `json:"agent_name"`
	ExpectedVersion *int   `json:"expected_version"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.CommitsCount == nil || req.TurnsUsed == nil {
		respondErr(w, fmt.Errorf("commits_count and turns_used are required: %w", errValidation))
		return
	}

	task, err := s.engine.Submit(r.Context(), chi.URLParam(r, "id"), engine.SubmitRequest{
		CommitsCount:    *req.CommitsCount,
		TurnsUsed:       *req.TurnsUsed,
		CheckResults:    req.CheckResults,
		ExecutionNotes:  req.ExecutionNotes,
		Agent:           req.AgentName,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AcceptedBy string `json:"accepted_by"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.AcceptedBy == "" {
		respondErr(w, fmt.Errorf("accepted_by is required: %w", errValidation))
		return
	}
	task, err := s.engine.Accept(r.Context(), chi.URLParam(r, "id"), req.AcceptedBy)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason     string `json:"reason"`
		RejectedBy string `json:"rejected_by"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.Reason == "" || req.RejectedBy == "" {
		respondErr(w, fmt.Errorf("reason and rejected_by are required: %w", errValidation))
		return
	}
	task, err := s.engine.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason, req.RejectedBy)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent  string `json:"agent"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	task, err := s.engine.Requeue(r.Context(), chi.URLParam(r, "id"), req.Agent, req.Reason)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := decodeBody(r, &updates); err != nil {
		respondErr(w, err)
		return
	}
	if len(updates) == 0 {
		respondErr(w, fmt.Errorf("no fields to update: %w", errValidation))
		return
	}
	// done is reachable only through accept.
	if q, ok := updates["queue"]; ok {
		if qs, _ := q.(string); types.Queue(qs) == types.QueueDone {
			respondErr(w, fmt.Errorf("queue=done is only set by accept: %w", errValidation))
			return
		}
	}
	if p, ok := updates["priority"]; ok {
		if ps, _ := p.(string); !types.ValidPriority(types.Priority(ps)) {
			respondErr(w, fmt.Errorf("invalid priority %v: %w", p, errValidation))
			return
		}
	}
	if _, ok := updates["scope"]; ok {
		respondErr(w, fmt.Errorf("scope is immutable: %w", errValidation))
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.UpdateTaskFields(r.Context(), id, updates); err != nil {
		respondErr(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteHook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status   string `json:"status"`
		Evidence string `json:"evidence"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.Status != types.HookPassed && req.Status != types.HookFailed {
		respondErr(w, fmt.Errorf("status must be passed or failed: %w", errValidation))
		return
	}
	task, err := s.engine.CompleteHook(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "hook"), req.Status, req.Evidence)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockedBy string `json:"blocked_by"`
		Agent     string `json:"agent"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.BlockedBy == "" {
		respondErr(w, fmt.Errorf("blocked_by is required: %w", errValidation))
		return
	}
	task, err := s.engine.Block(r.Context(), chi.URLParam(r, "id"), req.BlockedBy, req.Agent)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent string `json:"agent"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	task, err := s.engine.Unblock(r.Context(), chi.URLParam(r, "id"), req.Agent)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

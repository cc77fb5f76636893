package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

func (s *Server) handleRegisterOrchestrator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cluster   string `json:"cluster"`
		MachineID string `json:"machine_id"`
		Scope     string `json:"scope"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.Cluster == "" || req.MachineID == "" || req.Scope == "" {
		respondErr(w, fmt.Errorf("cluster, machine_id, and scope are required: %w", errValidation))
		return
	}

	orch := &types.Orchestrator{
		ID:        req.Cluster + "-" + req.MachineID,
		Cluster:   req.Cluster,
		MachineID: req.MachineID,
		Scope:     req.Scope,
		Status:    types.OrchestratorActive,
	}
	if err := s.store.RegisterOrchestrator(r.Context(), orch); err != nil {
		respondErr(w, err)
		return
	}
	registered, err := s.store.GetOrchestrator(r.Context(), orch.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registered)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Heartbeat(r.Context(), id, time.Now().UTC()); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListOrchestrators(w http.ResponseWriter, r *http.Request) {
	orchs, err := s.store.ListOrchestrators(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if orchs == nil {
		orchs = []*types.Orchestrator{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orchestrators": orchs})
}

// handleSchedulerPoll returns the aggregate snapshot a polling
// orchestrator needs for one scope: queue counts, a lightweight
// projection of provisional tasks, and the registered flows.
func (s *Server) handleSchedulerPoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orchestratorID := q.Get("orchestrator_id")
	scope, err := s.resolveScope(r.Context(), q.Get("scope"), orchestratorID)
	if err != nil {
		respondErr(w, err)
		return
	}

	registered := false
	if orchestratorID != "" {
		if _, err := s.store.GetOrchestrator(r.Context(), orchestratorID); err == nil {
			registered = true
		} else if !errors.Is(err, storage.ErrNotFound) {
			respondErr(w, err)
			return
		}
	}

	counts, err := s.store.CountQueues(r.Context(), scope)
	if err != nil {
		respondErr(w, err)
		return
	}

	provisional, err := s.store.ListTasks(r.Context(), types.TaskFilter{
		Scope: scope,
		Queue: types.QueueProvisional,
		Limit: maxPageSize,
	})
	if err != nil {
		respondErr(w, err)
		return
	}

	flows, err := s.store.ListFlows(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if flows == nil {
		flows = []*types.Flow{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scope":      scope,
		"registered": registered,
		"counts":     counts,
		"provisional_tasks": lo.Map(provisional, func(t *types.Task, _ int) types.ProvisionalTask {
			return types.ProvisionalTask{
				ID:        t.ID,
				Hooks:     t.Hooks,
				PRNumber:  t.PRNumber,
				ClaimedBy: t.ClaimedBy,
			}
		}),
		"flows": flows,
	})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if roles == nil {
		roles = []*types.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *Server) handleUpsertRole(w http.ResponseWriter, r *http.Request) {
	var role types.Role
	if err := decodeBody(r, &role); err != nil {
		respondErr(w, err)
		return
	}
	if role.Name == "" {
		respondErr(w, fmt.Errorf("name is required: %w", errValidation))
		return
	}
	if err := s.store.UpsertRole(r.Context(), &role); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListFlows(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if flows == nil {
		flows = []*types.Flow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

func (s *Server) handleUpsertFlow(w http.ResponseWriter, r *http.Request) {
	var flow types.Flow
	if err := decodeBody(r, &flow); err != nil {
		respondErr(w, err)
		return
	}
	if flow.Name == "" {
		respondErr(w, fmt.Errorf("name is required: %w", errValidation))
		return
	}
	if err := s.store.UpsertFlow(r.Context(), &flow); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			if n > maxPageSize {
				return maxPageSize
			}
			return n
		}
	}
	return defaultPageSize
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		respondErr(w, fmt.Errorf("scope query parameter is required: %w", errValidation))
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), scope, s.listLimit(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var msg types.Message
	if err := decodeBody(r, &msg); err != nil {
		respondErr(w, err)
		return
	}
	if msg.Scope == "" || msg.Sender == "" || msg.Body == "" {
		respondErr(w, fmt.Errorf("scope, sender, and body are required: %w", errValidation))
		return
	}
	if err := s.store.CreateMessage(r.Context(), &msg); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		respondErr(w, fmt.Errorf("scope query parameter is required: %w", errValidation))
		return
	}
	actions, err := s.store.ListActions(r.Context(), scope, s.listLimit(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	if actions == nil {
		actions = []*types.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var action types.Action
	if err := decodeBody(r, &action); err != nil {
		respondErr(w, err)
		return
	}
	if action.Scope == "" || action.Kind == "" {
		respondErr(w, fmt.Errorf("scope and kind are required: %w", errValidation))
		return
	}
	if err := s.store.CreateAction(r.Context(), &action); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

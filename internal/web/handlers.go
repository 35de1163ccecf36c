package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/stackmill/conveyor/internal/machine"
	"github.com/stackmill/conveyor/internal/pipeline"
	"github.com/stackmill/conveyor/internal/recovery"
)

type createRequest struct {
	ProjectID   string `json:"project_id"`
	WorkspaceID string `json:"workspace_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProjectID == "" || req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "project_id and workspace_id are required")
		return
	}
	p, err := s.orch.CreateWorkflow(req.ProjectID, req.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.orch.StatusAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": pipelines})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.orch.Status(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type transitionRequest struct {
	Target       string            `json:"target"`
	Actor        string            `json:"actor"`
	StoryID      string            `json:"story_id"`
	AgentID      string            `json:"agent_id"`
	ErrorMessage string            `json:"error_message"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, id string) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// The audit column is a single TEXT field; structured metadata is
	// stored as its JSON encoding.
	var metadata string
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid metadata")
			return
		}
		metadata = string(data)
	}
	p, err := s.orch.Transition(id, pipeline.State(req.Target), machine.TransitionOpts{
		Actor:        req.Actor,
		StoryID:      req.StoryID,
		AgentID:      req.AgentID,
		ErrorMessage: req.ErrorMessage,
		Metadata:     metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	limit, cursor := pageParams(r)
	records, next, err := s.orch.History(id, limit, cursor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transitions": records,
		"next_cursor": next,
	})
}

func (s *Server) handleRecoveryHistory(w http.ResponseWriter, r *http.Request, id string) {
	limit, cursor := pageParams(r)
	storyID := r.URL.Query().Get("story_id")
	records, next, err := s.orch.RecoveryHistory(id, storyID, limit, cursor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recoveries":  records,
		"next_cursor": next,
	})
}

type overrideRequest struct {
	StoryID     string `json:"story_id"`
	SessionID   string `json:"session_id"`
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type"`
	FailureType string `json:"failure_type"`
	Success     bool   `json:"success"`
	Detail      string `json:"detail"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request, id string) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.orch.Override(recovery.OverrideRequest{
		WorkflowID:  id,
		StoryID:     req.StoryID,
		SessionID:   req.SessionID,
		AgentID:     req.AgentID,
		AgentType:   req.AgentType,
		FailureType: pipeline.FailureType(req.FailureType),
		Success:     req.Success,
		Detail:      req.Detail,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	StoryID string `json:"story_id"`
	AgentID string `json:"agent_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.orch.CancelEpisode(recovery.Key{
		WorkflowID: id,
		StoryID:    req.StoryID,
		AgentID:    req.AgentID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func pageParams(r *http.Request) (limit int, cursor int64) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("cursor"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cursor = n
		}
	}
	return limit, cursor
}

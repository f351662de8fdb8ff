package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/names"
)

type registerAgentRequest struct {
	ProjectKey      string `json:"project_key"`
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

type apiAgent struct {
	ProjectKey      string `json:"project_key"`
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	RegisteredAt    string `json:"registered_at"`
	LastActiveAt    string `json:"last_active_at"`
}

func toAPIAgent(a core.Agent) apiAgent {
	return apiAgent{
		ProjectKey:      a.ProjectKey,
		Name:            a.Name,
		Program:         a.Program,
		Model:           a.Model,
		TaskDescription: a.TaskDescription,
		RegisteredAt:    a.RegisteredAt.Format(time.RFC3339Nano),
		LastActiveAt:    a.LastActiveAt.Format(time.RFC3339Nano),
	}
}

func (s *Service) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.registerAgent(w, r)
	case http.MethodGet:
		s.listAgents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, req.ProjectKey)
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = names.Generate()
	}

	agent, err := s.store.RegisterAgent(r.Context(), projectKey, core.AgentRegistered{
		Name:            name,
		Program:         req.Program,
		Model:           req.Model,
		TaskDescription: req.TaskDescription,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(projectKey, "", map[string]any{
		"type":        string(core.EventAgentRegistered),
		"project_key": projectKey,
		"agent":       agent.Name,
	})
	writeJSON(w, http.StatusCreated, toAPIAgent(agent))
}

func (s *Service) listAgents(w http.ResponseWriter, r *http.Request) {
	projectKey, status := resolveProject(r, r.URL.Query().Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	agents, err := s.store.ListAgents(r.Context(), projectKey)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]apiAgent, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAPIAgent(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// handleAgentByName serves GET /api/agents/{name} and
// POST /api/agents/{name}/touch.
func (s *Service) handleAgentByName(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if name, ok := strings.CutSuffix(path, "/touch"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.touchAgent(w, r, strings.Trim(name, "/"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.getAgent(w, r, path)
}

func (s *Service) touchAgent(w http.ResponseWriter, r *http.Request, name string) {
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, r.URL.Query().Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	agent, err := s.store.TouchAgent(r.Context(), projectKey, name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIAgent(agent))
}

func (s *Service) getAgent(w http.ResponseWriter, r *http.Request, name string) {
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, r.URL.Query().Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), projectKey, name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIAgent(agent))
}

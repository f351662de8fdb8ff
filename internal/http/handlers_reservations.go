package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

const defaultReservationTTL = 30 * time.Minute

type reserveRequest struct {
	ProjectKey string   `json:"project_key"`
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths"`
	Exclusive  bool     `json:"exclusive"`
	Reason     string   `json:"reason,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

type apiReservation struct {
	ID          string  `json:"id"`
	ProjectKey  string  `json:"project_key"`
	Agent       string  `json:"agent"`
	PathPattern string  `json:"path_pattern"`
	Exclusive   bool    `json:"exclusive"`
	Reason      string  `json:"reason,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ExpiresAt   string  `json:"expires_at"`
	ReleasedAt  *string `json:"released_at,omitempty"`
}

type reserveResponse struct {
	Granted   []apiReservation `json:"granted"`
	Conflicts []core.Conflict  `json:"conflicts,omitempty"`
}

func toAPIReservation(r core.Reservation) apiReservation {
	api := apiReservation{
		ID:          r.ID,
		ProjectKey:  r.ProjectKey,
		Agent:       r.AgentName,
		PathPattern: r.PathPattern,
		Exclusive:   r.Exclusive,
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339Nano),
		ExpiresAt:   r.ExpiresAt.Format(time.RFC3339Nano),
	}
	if r.ReleasedAt != nil {
		s := r.ReleasedAt.Format(time.RFC3339Nano)
		api.ReleasedAt = &s
	}
	return api
}

func (s *Service) handleReservations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createReservations(w, r)
	case http.MethodGet:
		s.listReservations(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) createReservations(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, req.ProjectKey)
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	ttl := defaultReservationTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	result, err := s.store.ReservePaths(r.Context(), projectKey, storage.ReserveRequest{
		Agent:     req.Agent,
		Paths:     req.Paths,
		Exclusive: req.Exclusive,
		Reason:    req.Reason,
		TTL:       ttl,
		Force:     req.Force,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(result.Granted) == 0 && len(result.Conflicts) > 0 {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "reservation_conflict",
			"conflicts": result.Conflicts,
		})
		return
	}

	granted := make([]apiReservation, 0, len(result.Granted))
	for _, res := range result.Granted {
		granted = append(granted, toAPIReservation(res))
	}
	for _, res := range result.Granted {
		s.broadcast(projectKey, "", map[string]any{
			"type":        string(core.EventFileReserved),
			"project_key": projectKey,
			"agent":       res.AgentName,
			"path":        res.PathPattern,
		})
	}
	writeJSON(w, http.StatusCreated, reserveResponse{Granted: granted, Conflicts: result.Conflicts})
}

func (s *Service) listReservations(w http.ResponseWriter, r *http.Request) {
	projectKey, status := resolveProject(r, r.URL.Query().Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	agent := r.URL.Query().Get("agent")
	reservations, err := s.store.ActiveReservations(r.Context(), projectKey, agent)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]apiReservation, 0, len(reservations))
	for _, res := range reservations {
		out = append(out, toAPIReservation(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": out})
}

type releaseRequest struct {
	ProjectKey string   `json:"project_key"`
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths,omitempty"`
}

func (s *Service) handleReleaseReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, req.ProjectKey)
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	released, err := s.store.ReleasePaths(r.Context(), projectKey, req.Agent, req.Paths)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(projectKey, "", map[string]any{
		"type":        string(core.EventFileReleased),
		"project_key": projectKey,
		"agent":       req.Agent,
	})
	writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

func (s *Service) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	projectKey, status := resolveProject(r, q.Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	paths := q["path"]
	if len(paths) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conflicts, err := s.store.CheckConflicts(r.Context(), projectKey, q.Get("agent"), paths)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

package httpapi

import (
	"net/http"
	"time"
)

type healthResponse struct {
	OK                 bool  `json:"ok"`
	Events             int64 `json:"events"`
	Agents             int64 `json:"agents"`
	Messages           int64 `json:"messages"`
	ActiveReservations int64 `json:"active_reservations"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h, err := s.store.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		OK:                 h.OK,
		Events:             h.Events,
		Agents:             h.Agents,
		Messages:           h.Messages,
		ActiveReservations: h.ActiveReservations,
	})
}

type snapshotResponse struct {
	ProjectKey   string           `json:"project_key"`
	TakenAt      string           `json:"taken_at"`
	Agents       []apiAgent       `json:"agents"`
	Messages     []apiMessage     `json:"messages"`
	Reservations []apiReservation `json:"reservations"`
	LastSequence uint64           `json:"last_sequence"`
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	projectKey, status := resolveProject(r, r.URL.Query().Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	snap, err := s.store.Snapshot(r.Context(), projectKey)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := snapshotResponse{
		ProjectKey:   snap.ProjectKey,
		TakenAt:      snap.TakenAt.Format(time.RFC3339Nano),
		Agents:       make([]apiAgent, 0, len(snap.Agents)),
		Messages:     make([]apiMessage, 0, len(snap.Messages)),
		Reservations: make([]apiReservation, 0, len(snap.Reservations)),
		LastSequence: snap.LastSequence,
	}
	for _, a := range snap.Agents {
		out.Agents = append(out.Agents, toAPIAgent(a))
	}
	for _, m := range snap.Messages {
		out.Messages = append(out.Messages, toAPIMessage(m))
	}
	for _, res := range snap.Reservations {
		out.Reservations = append(out.Reservations, toAPIReservation(res))
	}
	writeJSON(w, http.StatusOK, out)
}

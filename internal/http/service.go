// Package httpapi exposes the coordination store over JSON HTTP. Handlers
// are thin: decode, authorize against the request's project, call the
// store, encode. All project scoping comes from auth.Info or an explicit
// project_key; API-key callers can never cross projects.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mistakeknot/concourse/internal/auth"
	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
	"github.com/mistakeknot/concourse/internal/storage/sqlite"
)

type Service struct {
	store storage.Store
	bus   Broadcaster
}

type Broadcaster interface {
	Broadcast(projectKey, agent string, event any)
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.bus = b
	return s
}

func (s *Service) broadcast(projectKey, agent string, event any) {
	if s.bus != nil {
		s.bus.Broadcast(projectKey, agent, event)
	}
}

// resolveProject picks the effective project for a request. API-key
// callers are pinned to their key's project; localhost callers must name
// one explicitly. A non-zero status means the request must be rejected.
func resolveProject(r *http.Request, requested string) (string, int) {
	requested = strings.TrimSpace(requested)
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey {
		if requested != "" && requested != info.ProjectKey {
			return "", http.StatusForbidden
		}
		return info.ProjectKey, 0
	}
	if requested == "" {
		return "", http.StatusBadRequest
	}
	return requested, 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case sqlite.IsNotFound(err):
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

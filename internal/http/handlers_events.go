package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

type apiEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectKey string          `json:"project_key"`
	Timestamp  string          `json:"timestamp"`
	Sequence   uint64          `json:"sequence"`
	Data       json.RawMessage `json:"data"`
}

func (s *Service) handleListEvents(w http.ResponseWriter, r *http.Request) {
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

	f := storage.Filter{
		ProjectKey: projectKey,
		Descending: q.Get("desc") == "true",
	}
	if v := q.Get("type"); v != "" {
		f.Types = []core.EventType{core.EventType(v)}
	}
	if v := q.Get("after_sequence"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			f.AfterSequence = parsed
		}
	}
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			f.Limit = parsed
		}
	}
	if v := q.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			f.Offset = parsed
		}
	}

	events, err := s.store.ReadEvents(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]apiEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, apiEvent{
			ID:         ev.ID,
			Type:       string(ev.Type),
			ProjectKey: ev.ProjectKey,
			Timestamp:  ev.Timestamp.Format(time.RFC3339Nano),
			Sequence:   ev.Sequence,
			Data:       ev.Data,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type replayRequest struct {
	ProjectKey   string `json:"project_key"`
	BatchSize    int    `json:"batch_size,omitempty"`
	FromSequence uint64 `json:"from_sequence,omitempty"`
	ClearViews   bool   `json:"clear_views,omitempty"`
}

type replayResponse struct {
	EventsReplayed int   `json:"events_replayed"`
	DurationMS     int64 `json:"duration_ms"`
}

func (s *Service) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, req.ProjectKey)
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	result, err := s.store.ReplayBatched(r.Context(), projectKey, nil, storage.ReplayOptions{
		BatchSize:    req.BatchSize,
		FromSequence: req.FromSequence,
		ClearViews:   req.ClearViews,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{
		EventsReplayed: result.EventsReplayed,
		DurationMS:     result.Duration.Milliseconds(),
	})
}

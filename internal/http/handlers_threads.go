package httpapi

import (
	"net/http"
	"strings"
)

type threadMessagesResponse struct {
	ThreadID string       `json:"thread_id"`
	Messages []apiMessage `json:"messages"`
}

func (s *Service) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	threadID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/threads/"), "/")
	if threadID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, r.URL.Query().Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	msgs, err := s.store.ThreadMessages(r.Context(), projectKey, threadID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]apiMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toAPIMessage(m))
	}
	writeJSON(w, http.StatusOK, threadMessagesResponse{ThreadID: threadID, Messages: out})
}

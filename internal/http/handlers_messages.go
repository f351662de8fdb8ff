package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

type sendMessageRequest struct {
	ProjectKey  string          `json:"project_key"`
	From        string          `json:"from"`
	To          []string        `json:"to"`
	Payload     json.RawMessage `json:"payload"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Importance  string          `json:"importance,omitempty"`
	AckRequired bool            `json:"ack_required,omitempty"`
}

type sendMessageResponse struct {
	MessageID int64  `json:"message_id"`
	Sequence  uint64 `json:"sequence"`
}

type apiRecipient struct {
	Agent   string  `json:"agent"`
	ReadAt  *string `json:"read_at,omitempty"`
	AckedAt *string `json:"acked_at,omitempty"`
}

type apiMessage struct {
	ID          int64           `json:"id"`
	ProjectKey  string          `json:"project_key"`
	ThreadID    string          `json:"thread_id,omitempty"`
	From        string          `json:"from"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	Importance  string          `json:"importance,omitempty"`
	AckRequired bool            `json:"ack_required,omitempty"`
	CreatedAt   string          `json:"created_at"`
	Sequence    uint64          `json:"sequence"`
	Recipients  []apiRecipient  `json:"recipients,omitempty"`
}

func toAPIMessage(m core.Message) apiMessage {
	api := apiMessage{
		ID:          m.ID,
		ProjectKey:  m.ProjectKey,
		ThreadID:    m.ThreadID,
		From:        m.Sender,
		Payload:     m.Payload,
		ReplyTo:     m.ReplyTo,
		Importance:  m.Importance,
		AckRequired: m.AckRequired,
		CreatedAt:   m.CreatedAt.Format(time.RFC3339Nano),
		Sequence:    m.Sequence,
	}
	for _, rec := range m.Recipients {
		ar := apiRecipient{Agent: rec.AgentName}
		if rec.ReadAt != nil {
			s := rec.ReadAt.Format(time.RFC3339Nano)
			ar.ReadAt = &s
		}
		if rec.AckedAt != nil {
			s := rec.AckedAt.Format(time.RFC3339Nano)
			ar.AckedAt = &s
		}
		api.Recipients = append(api.Recipients, ar)
	}
	return api
}

func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, req.ProjectKey)
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	ev, err := s.store.SendMessage(r.Context(), projectKey, core.MessageSent{
		From:        req.From,
		To:          req.To,
		Payload:     req.Payload,
		ReplyTo:     req.ReplyTo,
		ThreadID:    req.ThreadID,
		Importance:  req.Importance,
		AckRequired: req.AckRequired,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	for _, agent := range req.To {
		s.broadcast(projectKey, agent, map[string]any{
			"type":        string(core.EventMessageSent),
			"project_key": projectKey,
			"message_id":  ev.ID,
			"sequence":    ev.Sequence,
			"from":        req.From,
			"agent":       agent,
		})
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{MessageID: ev.ID, Sequence: ev.Sequence})
}

func (s *Service) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agent := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/inbox/"), "/")
	if agent == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, r.URL.Query().Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	q := r.URL.Query()
	opts := storage.InboxOptions{
		UnreadOnly:  q.Get("unread") == "true",
		Importance:  q.Get("importance"),
		IncludeBody: q.Get("include_body") != "false", // default true
	}
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}

	msgs, err := s.store.Inbox(r.Context(), projectKey, agent, opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]apiMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toAPIMessage(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type messageActionRequest struct {
	ProjectKey string `json:"project_key"`
	Agent      string `json:"agent"`
}

// handleMessageByID serves GET /api/messages/{id} and
// POST /api/messages/{id}/read or /ack.
func (s *Service) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getMessage(w, r, parts[0])
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.messageAction(w, r, parts[0], parts[1])
	case len(parts) == 1 || len(parts) == 2:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) getMessage(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, r.URL.Query().Get("project_key"))
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	msg, err := s.store.GetMessage(r.Context(), projectKey, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIMessage(msg))
}

func (s *Service) messageAction(w http.ResponseWriter, r *http.Request, rawID, action string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req messageActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Agent) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	projectKey, status := resolveProject(r, req.ProjectKey)
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	var evType core.EventType
	switch action {
	case "read":
		evType = core.EventMessageRead
		err = s.store.MarkRead(r.Context(), projectKey, id, req.Agent)
	case "ack":
		evType = core.EventMessageAcked
		err = s.store.MarkAck(r.Context(), projectKey, id, req.Agent)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(projectKey, "", map[string]any{
		"type":        string(evType),
		"project_key": projectKey,
		"message_id":  id,
		"agent":       req.Agent,
	})
	w.WriteHeader(http.StatusOK)
}

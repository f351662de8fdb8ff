package httpapi

import (
	"net/http"
)

// NewRouter wires every API route. wsHandler serves /ws/agents/ when
// non-nil; middleware (usually auth.Middleware) wraps the whole mux.
func NewRouter(svc *Service, wsHandler http.Handler, middleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents", svc.handleAgents)
	mux.HandleFunc("/api/agents/", svc.handleAgentByName)
	mux.HandleFunc("/api/messages", svc.handleSendMessage)
	mux.HandleFunc("/api/messages/", svc.handleMessageByID)
	mux.HandleFunc("/api/inbox/", svc.handleInbox)
	mux.HandleFunc("/api/threads/", svc.handleThreadMessages)
	mux.HandleFunc("/api/reservations", svc.handleReservations)
	mux.HandleFunc("/api/reservations/release", svc.handleReleaseReservations)
	mux.HandleFunc("/api/reservations/conflicts", svc.handleCheckConflicts)
	mux.HandleFunc("/api/events", svc.handleListEvents)
	mux.HandleFunc("/api/replay", svc.handleReplay)
	mux.HandleFunc("/api/health", svc.handleHealth)
	mux.HandleFunc("/api/snapshot", svc.handleSnapshot)
	if wsHandler != nil {
		mux.Handle("/ws/agents/", wsHandler)
	}
	var h http.Handler = mux
	if middleware != nil {
		h = middleware(h)
	}
	return h
}

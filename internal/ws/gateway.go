// Package ws pushes coordination events to connected agents. The hub is
// push-only: incoming frames are read and discarded to keep the
// connection's close handshake working.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/concourse/internal/auth"
)

const writeTimeout = 5 * time.Second

// Hub tracks live connections keyed by project then agent. One agent may
// hold several connections (tabs, reconnect races); all of them get every
// event addressed to that agent.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[string]map[*websocket.Conn]struct{})}
}

// Handler serves GET /ws/agents/{agent}?project_key=... upgrades.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/agents/"), "/")
		if agent == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		requested := strings.TrimSpace(r.URL.Query().Get("project_key"))
		info, _ := auth.FromContext(r.Context())
		projectKey := info.ProjectKey
		if info.Mode == auth.ModeAPIKey {
			if requested != "" && requested != projectKey {
				w.WriteHeader(http.StatusForbidden)
				return
			}
		} else {
			projectKey = requested
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(projectKey, agent, conn)
		defer h.remove(projectKey, agent, conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn       *websocket.Conn
	projectKey string
	agent      string
}

// Broadcast fans an event out to the matching connections. Empty agent
// means every agent in the project; empty projectKey means every project.
func (h *Hub) Broadcast(projectKey, agent string, event any) {
	entries := h.snapshot(projectKey, agent)
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.projectKey, e.agent, e.conn)
			}(e)
		}
	}
}

func (h *Hub) snapshot(projectKey, agent string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	collect := func(proj string, perAgent map[string]map[*websocket.Conn]struct{}) {
		if agent == "" {
			for name, conns := range perAgent {
				for conn := range conns {
					out = append(out, connEntry{conn: conn, projectKey: proj, agent: name})
				}
			}
			return
		}
		for conn := range perAgent[agent] {
			out = append(out, connEntry{conn: conn, projectKey: proj, agent: agent})
		}
	}
	if projectKey != "" {
		if perAgent, ok := h.conns[projectKey]; ok {
			collect(projectKey, perAgent)
		}
		return out
	}
	for proj, perAgent := range h.conns {
		collect(proj, perAgent)
	}
	return out
}

func (h *Hub) add(projectKey, agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perAgent, ok := h.conns[projectKey]
	if !ok {
		perAgent = make(map[string]map[*websocket.Conn]struct{})
		h.conns[projectKey] = perAgent
	}
	conns, ok := perAgent[agent]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		perAgent[agent] = conns
	}
	conns[conn] = struct{}{}
}

func (h *Hub) remove(projectKey, agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perAgent, ok := h.conns[projectKey]
	if !ok {
		return
	}
	conns, ok := perAgent[agent]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(perAgent, agent)
	}
	if len(perAgent) == 0 {
		delete(h.conns, projectKey)
	}
}

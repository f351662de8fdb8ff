package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is a server push notification. MessageID and Sequence are only
// set for message_sent events.
type Event struct {
	Type       string `json:"type"`
	ProjectKey string `json:"project_key"`
	Agent      string `json:"agent,omitempty"`
	From       string `json:"from,omitempty"`
	MessageID  int64  `json:"message_id,omitempty"`
	Sequence   uint64 `json:"sequence,omitempty"`
	Path       string `json:"path,omitempty"`
}

// EventHandler is called for each event pushed over the socket.
type EventHandler func(event Event)

// WSClient holds one agent's event subscription and reconnects with
// exponential backoff when the connection drops.
type WSClient struct {
	baseURL    string
	apiKey     string
	projectKey string
	agent      string
	conn       *websocket.Conn
	handlers   []EventHandler
	mu         sync.RWMutex
	done       chan struct{}
	reconnect  bool
}

type WSOption func(*WSClient)

func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) {
		c.apiKey = key
	}
}

func WithWSProjectKey(projectKey string) WSOption {
	return func(c *WSClient) {
		c.projectKey = projectKey
	}
}

func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

// NewWSClient subscribes agent to its event stream on the given server.
func NewWSClient(baseURL, agent string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		agent:     agent,
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler. Handlers run on the read loop
// goroutine and must not block.
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + c.apiKey},
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop(ctx)

	return nil
}

func (c *WSClient) Close() error {
	close(c.done)
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/agents/" + c.agent
	if c.projectKey != "" {
		q := u.Query()
		q.Set("project_key", c.projectKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		var event Event
		if err := wsjson.Read(ctx, c.conn, &event); err != nil {
			if c.reconnect {
				select {
				case <-c.done:
				default:
					// Connect starts a fresh read loop; this one ends.
					c.handleReconnect(ctx)
				}
			}
			return
		}

		c.dispatch(event)
	}
}

func (c *WSClient) dispatch(event Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (c *WSClient) handleReconnect(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(ctx); err == nil {
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

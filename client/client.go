// Package client is the Go client for the concourse coordination server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	HTTP       *http.Client
	APIKey     string
	ProjectKey string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithProjectKey(projectKey string) Option {
	return func(c *Client) {
		c.ProjectKey = strings.TrimSpace(projectKey)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Agent struct {
	ProjectKey      string `json:"project_key,omitempty"`
	Name            string `json:"name,omitempty"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	RegisteredAt    string `json:"registered_at,omitempty"`
	LastActiveAt    string `json:"last_active_at,omitempty"`
}

type Recipient struct {
	Agent   string  `json:"agent"`
	ReadAt  *string `json:"read_at,omitempty"`
	AckedAt *string `json:"acked_at,omitempty"`
}

type Message struct {
	ID          int64           `json:"id,omitempty"`
	ProjectKey  string          `json:"project_key,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	From        string          `json:"from"`
	To          []string        `json:"to,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	Importance  string          `json:"importance,omitempty"`
	AckRequired bool            `json:"ack_required,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	Sequence    uint64          `json:"sequence,omitempty"`
	Recipients  []Recipient     `json:"recipients,omitempty"`
}

type SendResponse struct {
	MessageID int64  `json:"message_id"`
	Sequence  uint64 `json:"sequence"`
}

type Reservation struct {
	ID          string `json:"id"`
	ProjectKey  string `json:"project_key"`
	Agent       string `json:"agent"`
	PathPattern string `json:"path_pattern"`
	Exclusive   bool   `json:"exclusive"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at"`
}

type Conflict struct {
	Path    string `json:"path"`
	Holder  string `json:"holder"`
	Pattern string `json:"pattern"`
}

type ReserveRequest struct {
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths"`
	Exclusive  bool     `json:"exclusive"`
	Reason     string   `json:"reason,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

type ReserveResponse struct {
	Granted   []Reservation `json:"granted"`
	Conflicts []Conflict    `json:"conflicts,omitempty"`
}

// ConflictError is returned when a reservation is blocked by another
// agent's exclusive claims.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservation blocked by %d conflict(s)", len(e.Conflicts))
}

type Health struct {
	OK                 bool  `json:"ok"`
	Events             int64 `json:"events"`
	Agents             int64 `json:"agents"`
	Messages           int64 `json:"messages"`
	ActiveReservations int64 `json:"active_reservations"`
}

// InboxOptions filters an inbox query. The zero value returns every
// message addressed to the agent, bodies included.
type InboxOptions struct {
	UnreadOnly  bool
	Importance  string
	HeadersOnly bool
	Limit       int
}

func (c *Client) RegisterAgent(ctx context.Context, agent Agent) (Agent, error) {
	if agent.ProjectKey == "" {
		agent.ProjectKey = c.ProjectKey
	}
	var out Agent
	if err := c.postExpect(ctx, "/api/agents", agent, http.StatusCreated, &out); err != nil {
		return Agent{}, fmt.Errorf("register agent: %w", err)
	}
	return out, nil
}

func (c *Client) TouchAgent(ctx context.Context, name string) (Agent, error) {
	endpoint := "/api/agents/" + url.PathEscape(name) + "/touch" + c.projectQuery()
	var out Agent
	if err := c.postExpect(ctx, endpoint, struct{}{}, http.StatusOK, &out); err != nil {
		return Agent{}, fmt.Errorf("touch agent: %w", err)
	}
	return out, nil
}

func (c *Client) GetAgent(ctx context.Context, name string) (Agent, error) {
	var out Agent
	endpoint := "/api/agents/" + url.PathEscape(name) + c.projectQuery()
	if err := c.getExpect(ctx, endpoint, &out); err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return out, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.getExpect(ctx, "/api/agents"+c.projectQuery(), &out); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out.Agents, nil
}

func (c *Client) SendMessage(ctx context.Context, msg Message) (SendResponse, error) {
	if msg.ProjectKey == "" {
		msg.ProjectKey = c.ProjectKey
	}
	var out SendResponse
	if err := c.postExpect(ctx, "/api/messages", msg, http.StatusCreated, &out); err != nil {
		return SendResponse{}, fmt.Errorf("send message: %w", err)
	}
	return out, nil
}

func (c *Client) Inbox(ctx context.Context, agent string, opts InboxOptions) ([]Message, error) {
	values := url.Values{}
	if c.ProjectKey != "" {
		values.Set("project_key", c.ProjectKey)
	}
	if opts.UnreadOnly {
		values.Set("unread", "true")
	}
	if opts.Importance != "" {
		values.Set("importance", opts.Importance)
	}
	if opts.HeadersOnly {
		values.Set("include_body", "false")
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	endpoint := "/api/inbox/" + url.PathEscape(agent) + "?" + values.Encode()
	if err := c.getExpect(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	return out.Messages, nil
}

func (c *Client) GetMessage(ctx context.Context, id int64) (Message, error) {
	var out Message
	endpoint := fmt.Sprintf("/api/messages/%d%s", id, c.projectQuery())
	if err := c.getExpect(ctx, endpoint, &out); err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return out, nil
}

func (c *Client) ThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	endpoint := "/api/threads/" + url.PathEscape(threadID) + c.projectQuery()
	if err := c.getExpect(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("thread messages: %w", err)
	}
	return out.Messages, nil
}

func (c *Client) MarkRead(ctx context.Context, messageID int64, agent string) error {
	return c.messageAction(ctx, messageID, agent, "read")
}

func (c *Client) MarkAck(ctx context.Context, messageID int64, agent string) error {
	return c.messageAction(ctx, messageID, agent, "ack")
}

func (c *Client) messageAction(ctx context.Context, messageID int64, agent, action string) error {
	endpoint := fmt.Sprintf("/api/messages/%d/%s", messageID, action)
	body := map[string]string{"project_key": c.ProjectKey, "agent": agent}
	if err := c.postExpect(ctx, endpoint, body, http.StatusOK, nil); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (ReserveResponse, error) {
	payload := struct {
		ProjectKey string `json:"project_key,omitempty"`
		ReserveRequest
	}{ProjectKey: c.ProjectKey, ReserveRequest: req}

	resp, err := c.postJSON(ctx, "/api/reservations", payload)
	if err != nil {
		return ReserveResponse{}, fmt.Errorf("reserve: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		var out ReserveResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ReserveResponse{}, fmt.Errorf("reserve: %w", err)
		}
		return out, nil
	case http.StatusConflict:
		var out struct {
			Conflicts []Conflict `json:"conflicts"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ReserveResponse{}, fmt.Errorf("reserve: %w", err)
		}
		return ReserveResponse{}, &ConflictError{Conflicts: out.Conflicts}
	default:
		return ReserveResponse{}, fmt.Errorf("reserve: status %d", resp.StatusCode)
	}
}

func (c *Client) Release(ctx context.Context, agent string, paths []string) (int, error) {
	body := struct {
		ProjectKey string   `json:"project_key,omitempty"`
		Agent      string   `json:"agent"`
		Paths      []string `json:"paths,omitempty"`
	}{ProjectKey: c.ProjectKey, Agent: agent, Paths: paths}
	var out struct {
		Released int `json:"released"`
	}
	if err := c.postExpect(ctx, "/api/reservations/release", body, http.StatusOK, &out); err != nil {
		return 0, fmt.Errorf("release: %w", err)
	}
	return out.Released, nil
}

func (c *Client) ActiveReservations(ctx context.Context, agent string) ([]Reservation, error) {
	values := url.Values{}
	if c.ProjectKey != "" {
		values.Set("project_key", c.ProjectKey)
	}
	if agent != "" {
		values.Set("agent", agent)
	}
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	if err := c.getExpect(ctx, "/api/reservations?"+values.Encode(), &out); err != nil {
		return nil, fmt.Errorf("reservations: %w", err)
	}
	return out.Reservations, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	if err := c.getExpect(ctx, "/api/health", &out); err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	return out, nil
}

func (c *Client) projectQuery() string {
	if c.ProjectKey == "" {
		return ""
	}
	return "?project_key=" + url.QueryEscape(c.ProjectKey)
}

func (c *Client) postExpect(ctx context.Context, path string, payload any, want int, out any) error {
	resp, err := c.postJSON(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getExpect(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

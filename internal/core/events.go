package core

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventAgentRegistered EventType = "agent_registered"
	EventAgentActive     EventType = "agent_active"
	EventMessageSent     EventType = "message_sent"
	EventMessageRead     EventType = "message_read"
	EventMessageAcked    EventType = "message_acked"
	EventFileReserved    EventType = "file_reserved"
	EventFileReleased    EventType = "file_released"

	// Collaborator events recorded by the issue-tracker integration.
	// They are stored and replayed but drive no materialized view.
	EventDecompositionGenerated EventType = "decomposition_generated"
	EventSubtaskOutcome         EventType = "subtask_outcome"
	EventHumanFeedback          EventType = "human_feedback"
)

// Event is one entry in the append-only log. ID and Sequence are assigned
// by the store at append time; Sequence is the sole ordering key.
type Event struct {
	ID         int64
	Type       EventType
	ProjectKey string
	Timestamp  time.Time
	Sequence   uint64
	Data       json.RawMessage
}

// Payload is the closed sum of event bodies. Exactly one variant exists per
// event type; DecodePayload dispatches on the type discriminator.
type Payload interface {
	EventType() EventType
}

type AgentRegistered struct {
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

type AgentActive struct {
	Name string `json:"name"`
}

// MessageSent carries one envelope addressed to one or more agents. The
// mailbox layer fans it out per recipient on consumption.
type MessageSent struct {
	From        string          `json:"from"`
	To          []string        `json:"to"`
	Payload     json.RawMessage `json:"payload"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Importance  string          `json:"importance,omitempty"`
	AckRequired bool            `json:"ack_required,omitempty"`
}

type MessageRead struct {
	MessageID int64  `json:"message_id"`
	Agent     string `json:"agent"`
}

type MessageAcked struct {
	MessageID int64  `json:"message_id"`
	Agent     string `json:"agent"`
}

// FileReserved claims one or more path patterns for an agent. Expiry is
// computed from the event timestamp plus TTLSeconds.
type FileReserved struct {
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths"`
	Exclusive  bool     `json:"exclusive"`
	Reason     string   `json:"reason,omitempty"`
	TTLSeconds int      `json:"ttl_seconds"`
}

// FileReleased releases the agent's active reservations for the named
// paths, or all of them when Paths is empty.
type FileReleased struct {
	Agent string   `json:"agent"`
	Paths []string `json:"paths,omitempty"`
}

type DecompositionGenerated struct {
	BeadID   string          `json:"bead_id"`
	Subtasks json.RawMessage `json:"subtasks,omitempty"`
}

type SubtaskOutcome struct {
	BeadID  string          `json:"bead_id"`
	Outcome string          `json:"outcome"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

type HumanFeedback struct {
	BeadID   string `json:"bead_id,omitempty"`
	Feedback string `json:"feedback"`
}

func (AgentRegistered) EventType() EventType        { return EventAgentRegistered }
func (AgentActive) EventType() EventType            { return EventAgentActive }
func (MessageSent) EventType() EventType            { return EventMessageSent }
func (MessageRead) EventType() EventType            { return EventMessageRead }
func (MessageAcked) EventType() EventType           { return EventMessageAcked }
func (FileReserved) EventType() EventType           { return EventFileReserved }
func (FileReleased) EventType() EventType           { return EventFileReleased }
func (DecompositionGenerated) EventType() EventType { return EventDecompositionGenerated }
func (SubtaskOutcome) EventType() EventType         { return EventSubtaskOutcome }
func (HumanFeedback) EventType() EventType          { return EventHumanFeedback }

// NewEvent validates and marshals a payload into an appendable Event.
// ID, Sequence and Timestamp are filled in by the store.
func NewEvent(projectKey string, p Payload) (Event, error) {
	if projectKey == "" {
		return Event{}, &ValidationError{Field: "project_key", Reason: "required"}
	}
	if err := ValidatePayload(p); err != nil {
		return Event{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, &ValidationError{Field: "data", Reason: err.Error()}
	}
	return Event{Type: p.EventType(), ProjectKey: projectKey, Data: data}, nil
}

// DecodePayload unmarshals an event body into its typed variant.
func DecodePayload(t EventType, data json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch t {
	case EventAgentRegistered:
		var v AgentRegistered
		err = json.Unmarshal(data, &v)
		p = v
	case EventAgentActive:
		var v AgentActive
		err = json.Unmarshal(data, &v)
		p = v
	case EventMessageSent:
		var v MessageSent
		err = json.Unmarshal(data, &v)
		p = v
	case EventMessageRead:
		var v MessageRead
		err = json.Unmarshal(data, &v)
		p = v
	case EventMessageAcked:
		var v MessageAcked
		err = json.Unmarshal(data, &v)
		p = v
	case EventFileReserved:
		var v FileReserved
		err = json.Unmarshal(data, &v)
		p = v
	case EventFileReleased:
		var v FileReleased
		err = json.Unmarshal(data, &v)
		p = v
	case EventDecompositionGenerated:
		var v DecompositionGenerated
		err = json.Unmarshal(data, &v)
		p = v
	case EventSubtaskOutcome:
		var v SubtaskOutcome
		err = json.Unmarshal(data, &v)
		p = v
	case EventHumanFeedback:
		var v HumanFeedback
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, &ValidationError{Field: "type", Reason: "unknown event type " + string(t)}
	}
	if err != nil {
		return nil, &ValidationError{Field: "data", Reason: err.Error()}
	}
	return p, nil
}

// ValidatePayload rejects malformed payloads before they reach the log.
func ValidatePayload(p Payload) error {
	switch v := p.(type) {
	case AgentRegistered:
		return requireField(v.Name, "name")
	case AgentActive:
		return requireField(v.Name, "name")
	case MessageSent:
		return validateMessageSent(v)
	case MessageRead:
		return validateRecipientRef(v.MessageID, v.Agent)
	case MessageAcked:
		return validateRecipientRef(v.MessageID, v.Agent)
	case FileReserved:
		return validateFileReserved(v)
	case FileReleased:
		return requireField(v.Agent, "agent")
	case DecompositionGenerated, SubtaskOutcome, HumanFeedback:
		return nil
	default:
		return &ValidationError{Field: "type", Reason: "unknown payload variant"}
	}
}

func requireField(value, field string) error {
	if value == "" {
		return &ValidationError{Field: field, Reason: "required"}
	}
	return nil
}

func validateMessageSent(m MessageSent) error {
	if m.From == "" {
		return &ValidationError{Field: "from", Reason: "required"}
	}
	if len(m.To) == 0 {
		return &ValidationError{Field: "to", Reason: "at least one recipient required"}
	}
	for _, to := range m.To {
		if to == "" {
			return &ValidationError{Field: "to", Reason: "empty recipient name"}
		}
	}
	return nil
}

func validateRecipientRef(messageID int64, agent string) error {
	if messageID <= 0 {
		return &ValidationError{Field: "message_id", Reason: "required"}
	}
	return requireField(agent, "agent")
}

func validateFileReserved(r FileReserved) error {
	if r.Agent == "" {
		return &ValidationError{Field: "agent", Reason: "required"}
	}
	if len(r.Paths) == 0 {
		return &ValidationError{Field: "paths", Reason: "at least one path required"}
	}
	if r.TTLSeconds <= 0 {
		return &ValidationError{Field: "ttl_seconds", Reason: "must be positive"}
	}
	return nil
}

// Package models defines the core data structures for TurnGuard.
//
// It includes the transcript message types, crisis detection records and the
// validated assistant output shape, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Role identifies the author of a transcript message.
type Role string

const (
	// RoleUser marks messages written by the person using the client.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the assistant.
	RoleAssistant Role = "assistant"
)

// IsValidRole checks if the given role is supported.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an outgoing user message
	MaxMessageLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessage        = errors.New("message cannot be empty")
	ErrMessageTooLong      = errors.New("message exceeds maximum length")
	ErrCrisisDetected      = errors.New("crisis language detected; message not sent")
	ErrTurnInFlight        = errors.New("a turn is already in flight")
	ErrCoordinatorClosed   = errors.New("coordinator is closed")
	ErrAuthExpired         = errors.New("authentication expired")
	ErrEmptyConversation   = errors.New("conversation id cannot be empty")
	ErrDuplicateClientSend = errors.New("client message already recorded")
)

// Message is a transcript entry. Content is always display text by the time a
// Message exists; raw payloads live in InboundMessage until they pass the gate.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	TurnID    int            `json:"turn_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Key is the dedup key assigned when the message entered the transcript.
	Key string `json:"-"`
}

// MetadataAgentOutput is the metadata key holding the *ValidatedAgentOutput
// extracted from a structured assistant reply.
const MetadataAgentOutput = "agent_output"

// AgentOutput returns the validated structured output attached to an assistant
// message, if any.
func (m Message) AgentOutput() (*ValidatedAgentOutput, bool) {
	if m.Metadata == nil {
		return nil, false
	}
	out, ok := m.Metadata[MetadataAgentOutput].(*ValidatedAgentOutput)
	return out, ok && out != nil
}

// InboundMessage is an untrusted record read from a push event or a poll
// response. Content is deliberately untyped: the platform may hand back a raw
// object instead of text.
type InboundMessage struct {
	ID        string     `json:"id,omitempty"`
	Role      Role       `json:"role"`
	Content   any        `json:"content"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// ContentString returns the content when it is a string.
func (m InboundMessage) ContentString() (string, bool) {
	s, ok := m.Content.(string)
	return s, ok
}

// OutgoingMessage is what the client dispatches to the platform for one turn.
type OutgoingMessage struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Language       string `json:"language,omitempty"`
}

// Validate performs validation on an OutgoingMessage.
func (m *OutgoingMessage) Validate() error {
	if m.ConversationID == "" {
		return ErrEmptyConversation
	}
	if m.Content == "" {
		return ErrEmptyMessage
	}
	if len(m.Content) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

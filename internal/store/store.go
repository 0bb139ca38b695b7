// Package store provides storage backends for TurnGuard.
//
// It persists conversation messages for the reference platform, records client
// send ids so retried sends are applied once, and keeps the durable outbox used
// for crisis-alert delivery. SQLite and PostgreSQL back real deployments; the
// in-memory store backs tests.
package store

import (
	"strings"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/models"
)

// StoredMessage is a transcript row. Content is kept exactly as produced, so
// assistant rows may hold raw structured output.
type StoredMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           models.Role `json:"role"`
	Content        string      `json:"content"`
	ClientID       string      `json:"client_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Inbound converts the row to the untrusted shape handed to clients.
func (m StoredMessage) Inbound() models.InboundMessage {
	created := m.CreatedAt
	return models.InboundMessage{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: &created}
}

// MessageStore persists conversation transcripts.
type MessageStore interface {
	// AppendMessage stores m, assigning ID and CreatedAt when empty, and
	// returns the stored row.
	AppendMessage(m StoredMessage) (StoredMessage, error)

	// ListMessages returns every message of a conversation in insertion order.
	ListMessages(conversationID string) ([]StoredMessage, error)
}

// Store is the full persistence surface used by the CLI.
type Store interface {
	MessageStore
	DedupRepo
	OutboxRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

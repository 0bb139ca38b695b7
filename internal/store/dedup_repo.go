package store

import (
	"time"
)

// DedupRecord marks a client send id the platform has already accepted.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound send deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a client message ID has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new record. Returns false if the message was
	// already recorded (duplicate).
	RecordInbound(messageID, conversationID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp once the reply is stored.
	MarkProcessed(messageID string) error
}

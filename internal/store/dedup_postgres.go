package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM inbound_dedup WHERE message_id = $1)`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return exists, nil
}

// RecordInbound reports whether this call created the record. A conflicting
// insert returns no row.
func (s *PostgresStore) RecordInbound(messageID, conversationID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES ($1, $2, now())
		 ON CONFLICT (message_id) DO NOTHING
		 RETURNING message_id`,
		messageID, conversationID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = now() WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

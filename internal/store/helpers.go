package store

import (
	"cmp"
	"database/sql"
	"fmt"
	"slices"
	"strings"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanMessage scans a StoredMessage from sql.Rows.
func scanMessage(rows *sql.Rows) (StoredMessage, error) {
	var m StoredMessage
	var clientID sql.NullString
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &clientID, &m.CreatedAt); err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.ClientID = clientID.String
	return m, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts, &m.Priority,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

const outboxColumns = `id, recipient, kind, payload_json, status, attempts, priority, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// prefixed qualifies every column in a comma-separated list with prefix.
func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

// sortClaimed orders claimed alerts the way they are due: highest priority
// first, then oldest.
func sortClaimed(msgs []OutboxMessage) {
	slices.SortStableFunc(msgs, func(a, b OutboxMessage) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

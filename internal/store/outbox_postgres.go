package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/util"
)

// Compile-time check that PostgresStore implements OutboxRepo.
var _ OutboxRepo = (*PostgresStore)(nil)

// EnqueueOutboxMessage absorbs a repeated dedupeKey into the live message and
// escalates its priority in the same statement.
func (s *PostgresStore) EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string, priority int) (string, error) {
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`UPDATE outbox_messages
			 SET priority = GREATEST(priority, $2),
			     updated_at = CASE WHEN priority < $2 THEN $3 ELSE updated_at END
			 WHERE id = (
			   SELECT id FROM outbox_messages
			   WHERE dedupe_key = $1 AND status IN ('queued', 'sending')
			   ORDER BY created_at ASC LIMIT 1
			 )
			 RETURNING id`,
			dedupeKey, priority, now,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID, "priority", priority)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.GenerateOutboxID()
	_, err := s.db.Exec(
		`INSERT INTO outbox_messages (id, recipient, kind, payload_json, status, attempts, priority, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $7)`,
		id, recipient, kind, payloadJSON, priority, nilIfEmpty(dedupeKey), now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "kind", kind, "priority", priority)
	return id, nil
}

// ClaimDueOutboxMessages locks due rows with SKIP LOCKED so concurrent
// senders never claim the same alert.
func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`WITH due AS (
		   SELECT id FROM outbox_messages
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY priority DESC, created_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE outbox_messages o SET status = 'sending', locked_at = $1, updated_at = $1
		 FROM due WHERE o.id = due.id
		 RETURNING `+prefixed("o.", outboxColumns),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	// RETURNING does not follow the CTE order
	sortClaimed(msgs)
	return msgs, nil
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	return s.setOutboxState(id, "mark outbox sent",
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = now() WHERE id = $1`, id)
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.setOutboxState(id, "fail outbox message",
		`UPDATE outbox_messages
		 SET status = 'queued', attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id, errMsg, nextAttemptAt)
}

func (s *PostgresStore) GiveUpOutboxMessage(id string, errMsg string) error {
	return s.setOutboxState(id, "give up outbox message",
		`UPDATE outbox_messages
		 SET status = 'failed', attempts = attempts + 1, last_error = $2, locked_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id, errMsg)
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = now()
		 WHERE status = 'sending' AND locked_at < $1`,
		staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

// setOutboxState runs a single-row state transition and logs an unknown id.
func (s *PostgresStore) setOutboxState(id, op, query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		slog.Warn("PostgresStore.setOutboxState: no such outbox message", "op", op, "id", id)
	}
	return nil
}

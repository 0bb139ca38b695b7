package store

import (
	"context"
	"log/slog"
	"time"
)

// Retry policy for outbox deliveries.
const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxAttempts  = 8
	outboxBaseBackoff         = 10 * time.Second
	outboxMaxBackoff          = 30 * time.Minute
)

// OutboxSendFunc is the callback that performs the actual delivery.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
		now:            time.Now,
	}
}

// SetMaxAttempts bounds how many times one message is tried before it is
// marked failed. Values below 1 are ignored.
func (s *OutboxSender) SetMaxAttempts(n int) {
	if n >= 1 {
		s.maxAttempts = n
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := s.now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.Flush(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush claims every due message once and attempts delivery. It returns the
// number of messages delivered.
func (s *OutboxSender) Flush(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Flush: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.Flush: sending message", "id", msg.ID, "kind", msg.Kind, "attempt", msg.Attempts+1)
		if err := s.sendFunc(ctx, msg); err != nil {
			s.fail(msg, err, now)
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Flush: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.Flush: message sent", "id", msg.ID, "kind", msg.Kind)
	}
	return sent
}

func (s *OutboxSender) fail(msg OutboxMessage, sendErr error, now time.Time) {
	if msg.Attempts+1 >= s.maxAttempts {
		slog.Error("OutboxSender.fail: giving up", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts+1, "error", sendErr)
		if err := s.repo.GiveUpOutboxMessage(msg.ID, sendErr.Error()); err != nil {
			slog.Error("OutboxSender.fail: give up error", "id", msg.ID, "error", err)
		}
		return
	}
	next := now.Add(OutboxBackoff(msg.Attempts))
	slog.Warn("OutboxSender.fail: send failed, retrying", "id", msg.ID, "kind", msg.Kind, "next_attempt_at", next, "error", sendErr)
	if err := s.repo.FailOutboxMessage(msg.ID, sendErr.Error(), next); err != nil {
		slog.Error("OutboxSender.fail: fail message error", "id", msg.ID, "error", err)
	}
}

// OutboxBackoff returns the retry delay after the given number of previous
// attempts: 10s, 20s, 40s, ... capped at 30 minutes.
func OutboxBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		return outboxMaxBackoff
	}
	return min(outboxBaseBackoff*time.Duration(1<<attempts), outboxMaxBackoff)
}

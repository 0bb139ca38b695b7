// Package delivery implements the turn coordinator: it gates outgoing text
// through crisis detection, dispatches the send, races a push subscription
// against a backoff poller, and resolves the turn once the reconciled
// transcript reaches the expected length.
package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/reconcile"
)

// State is the coordinator's turn state.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingReply
	StateResolved
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source names the read path that produced a batch.
type Source string

const (
	SourcePush    Source = "push"
	SourcePoll    Source = "poll"
	SourceRefetch Source = "refetch"
)

// Timeout reasons reported in TurnResult.Reason.
const (
	ReasonPollExhausted       = "poll_exhausted"
	ReasonSubscriptionTimeout = "subscription_timeout"
)

// TurnResult summarizes a finished turn.
type TurnResult struct {
	TurnID       int
	State        State
	Winner       Source // empty unless State is StateResolved
	Reason       string
	Transcript   reconcile.Transcript
	PollAttempts int
	SendAttempts int
}

// Transport is the conversation platform as seen by the client.
type Transport interface {
	// Send dispatches one user message. Implementations should deduplicate by
	// OutgoingMessage.ClientID so retries are safe.
	Send(ctx context.Context, msg models.OutgoingMessage) error
	// Fetch returns the conversation history.
	Fetch(ctx context.Context, conversationID string) ([]models.InboundMessage, error)
	// Subscribe opens a push channel of message batches for the conversation.
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
}

// Subscription is an open push channel. Close must be safe to call more than
// once.
type Subscription interface {
	Batches() <-chan []models.InboundMessage
	Close() error
}

// CrisisClassifier is the layered, network-backed crisis classifier.
type CrisisClassifier interface {
	ClassifyCrisis(ctx context.Context, req models.ClassifierRequest) (models.ClassifierResult, error)
}

// AlertSink receives crisis alerts. Emit must not block on delivery.
type AlertSink interface {
	Emit(ctx context.Context, alert models.CrisisAlert) error
}

// SaveFlow receives save candidates offered by the assistant.
type SaveFlow interface {
	OfferSave(ctx context.Context, candidate models.SaveCandidate)
}

// Analytics records product events.
type Analytics interface {
	Track(ctx context.Context, event string, props map[string]any)
}

// Observer is the UI boundary. Calls are made from the goroutine running Send
// or Load and must not block.
type Observer interface {
	OnTranscript(t reconcile.Transcript)
	OnWaiting(waiting bool)
	OnSafetyPanel(reason models.ReasonCode)
	OnAuthBanner(message string)
	OnStateChange(from, to State)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnTranscript(reconcile.Transcript) {}
func (NopObserver) OnWaiting(bool) {}
func (NopObserver) OnSafetyPanel(models.ReasonCode) {}
func (NopObserver) OnAuthBanner(string) {}
func (NopObserver) OnStateChange(State, State) {}

// Analytics event names.
const (
	EventCrisisDetected  = "crisis_detected"
	EventClassifierError = "classifier_error"
	EventTurnResolved    = "turn_resolved"
	EventTurnTimedOut    = "turn_timed_out"
	EventUnsafeBatch     = "unsafe_batch"
)

// LogAnalytics writes events to slog.
type LogAnalytics struct{}

// Track logs the event at Info.
func (LogAnalytics) Track(_ context.Context, event string, props map[string]any) {
	args := make([]any, 0, 2+len(props)*2)
	args = append(args, "event", event)
	for k, v := range props {
		args = append(args, k, v)
	}
	slog.Info("Analytics.Track", args...)
}

type nopAlertSink struct{}

func (nopAlertSink) Emit(_ context.Context, alert models.CrisisAlert) error {
	slog.Warn("CrisisAlert dropped: no alert sink configured", "alert_id", alert.ID, "reason", alert.ReasonCode)
	return nil
}

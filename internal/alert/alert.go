// Package alert delivers crisis alerts to a care team. Emitting an alert only
// enqueues it in the durable outbox; an outbox sender hands it to a Notifier
// with retries, so an intercepted send is never slowed by delivery.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/delivery"
	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/store"
)

// KindCrisisAlert is the outbox kind used for crisis alerts.
const KindCrisisAlert = "crisis_alert"

// Outbox priorities. Urgent alerts are claimed ahead of older routine ones.
const (
	PriorityRoutine = 0
	PriorityUrgent  = 1
)

// Priority ranks an alert for delivery. Immediate danger is urgent.
func Priority(reason models.ReasonCode) int {
	if reason == models.ReasonImmediateDanger {
		return PriorityUrgent
	}
	return PriorityRoutine
}

// Notifier delivers one alert to a recipient.
type Notifier interface {
	Notify(ctx context.Context, recipient string, alert models.CrisisAlert) error
}

// Dispatcher enqueues alerts in the outbox. It implements delivery.AlertSink.
type Dispatcher struct {
	repo      store.OutboxRepo
	recipient string
}

// Compile-time check that Dispatcher implements delivery.AlertSink.
var _ delivery.AlertSink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher that addresses every alert to recipient.
func NewDispatcher(repo store.OutboxRepo, recipient string) (*Dispatcher, error) {
	if repo == nil {
		return nil, fmt.Errorf("outbox repo cannot be nil")
	}
	return &Dispatcher{repo: repo, recipient: recipient}, nil
}

// Emit enqueues alert, keyed by its ID so a repeated emit is absorbed. A
// repeat with a more urgent reason escalates the queued alert.
func (d *Dispatcher) Emit(ctx context.Context, alert models.CrisisAlert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert id cannot be empty")
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	id, err := d.repo.EnqueueOutboxMessage(d.recipient, KindCrisisAlert, string(payload), alert.ID, Priority(alert.ReasonCode))
	if err != nil {
		slog.Error("Dispatcher.Emit: enqueue failed", "alert_id", alert.ID, "error", err)
		return fmt.Errorf("enqueue alert: %w", err)
	}
	slog.Info("Dispatcher.Emit: alert queued", "alert_id", alert.ID, "outbox_id", id, "reason", alert.ReasonCode, "layer", alert.Layer, "priority", Priority(alert.ReasonCode))
	return nil
}

// SendFunc adapts a Notifier to the outbox sender. Messages of other kinds
// and undecodable payloads fail permanently on every attempt.
func SendFunc(n Notifier) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != KindCrisisAlert {
			return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
		}
		var alert models.CrisisAlert
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &alert); err != nil {
			return fmt.Errorf("decode alert %s: %w", msg.ID, err)
		}
		return n.Notify(ctx, msg.Recipient, alert)
	}
}

// FormatAlert renders the care-team text for an alert. The user's message is
// never included.
func FormatAlert(alert models.CrisisAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TurnGuard crisis alert (%s)\n", alert.ReasonCode)
	fmt.Fprintf(&b, "Detected by: %s check on %s\n", alert.Layer, alert.Surface)
	if alert.UserIdentifier != "" {
		fmt.Fprintf(&b, "User: %s\n", alert.UserIdentifier)
	}
	fmt.Fprintf(&b, "Conversation: %s\n", alert.ConversationID)
	fmt.Fprintf(&b, "Time: %s\n", alert.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Alert ID: %s", alert.ID)
	return b.String()
}

// TextSender is satisfied by the SMS and WhatsApp clients.
type TextSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// TextNotifier sends FormatAlert through a text channel.
type TextNotifier struct {
	channel string
	sender  TextSender
}

// NewTextNotifier wraps sender; channel names it in logs ("sms", "whatsapp").
func NewTextNotifier(channel string, sender TextSender) *TextNotifier {
	return &TextNotifier{channel: channel, sender: sender}
}

func (n *TextNotifier) Notify(ctx context.Context, recipient string, alert models.CrisisAlert) error {
	if recipient == "" {
		return fmt.Errorf("%s notifier: no recipient configured", n.channel)
	}
	if err := n.sender.SendMessage(ctx, recipient, FormatAlert(alert)); err != nil {
		return fmt.Errorf("%s notifier: %w", n.channel, err)
	}
	slog.Info("TextNotifier.Notify: alert delivered", "channel", n.channel, "alert_id", alert.ID)
	return nil
}

// LogNotifier records alerts in the log only.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, recipient string, alert models.CrisisAlert) error {
	slog.Warn("LogNotifier.Notify: crisis alert",
		"alert_id", alert.ID,
		"reason", alert.ReasonCode,
		"layer", alert.Layer,
		"surface", alert.Surface,
		"conversation_id", alert.ConversationID,
		"recipient_set", recipient != "")
	return nil
}

// MultiNotifier delivers to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, recipient string, alert models.CrisisAlert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipient, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

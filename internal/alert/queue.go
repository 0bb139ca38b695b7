package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the RabbitMQ queue crisis alerts are published to.
const DefaultQueue = "turnguard.crisis_alerts"

const publishTimeout = 5 * time.Second

// publisher is the subset of *amqp.Channel used for publishing.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// QueueEnvelope is the message body consumed by care-team backends.
type QueueEnvelope struct {
	Recipient string             `json:"recipient,omitempty"`
	Alert     models.CrisisAlert `json:"alert"`
}

// QueueNotifier publishes alerts to a durable RabbitMQ queue.
type QueueNotifier struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	pub   publisher
	queue string
}

// NewQueueNotifier dials url and declares queue together with its dead-letter
// queue (<queue>.dlq).
func NewQueueNotifier(url, queue string) (*QueueNotifier, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(
		dlq,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", dlq, err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	slog.Debug("QueueNotifier: queue declared", "queue", queue)
	return &QueueNotifier{conn: conn, ch: ch, pub: ch, queue: queue}, nil
}

func (q *QueueNotifier) Notify(ctx context.Context, recipient string, alert models.CrisisAlert) error {
	body, err := json.Marshal(QueueEnvelope{Recipient: recipient, Alert: alert})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = q.pub.PublishWithContext(cctx,
		"",      // default exchange
		q.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    alert.ID,
			Type:         KindCrisisAlert,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("queue notifier: publish: %w", err)
	}
	slog.Info("QueueNotifier.Notify: alert published", "queue", q.queue, "alert_id", alert.ID)
	return nil
}

func (q *QueueNotifier) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

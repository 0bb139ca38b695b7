package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/TurnGuard/internal/delivery"
	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannelPrefix namespaces conversation channels.
const DefaultRedisChannelPrefix = "turnguard:conversation:"

// RedisBroker pushes batches over Redis pub/sub, so several platform processes
// can serve the same conversation.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// Compile-time check that RedisBroker implements Broker.
var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to addr and verifies the connection.
func NewRedisBroker(ctx context.Context, addr string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisBroker: connected", "addr", addr)
	return &RedisBroker{client: client, prefix: DefaultRedisChannelPrefix}, nil
}

func (b *RedisBroker) channel(conversationID string) string {
	return b.prefix + conversationID
}

func (b *RedisBroker) Publish(ctx context.Context, conversationID string, batch []models.InboundMessage) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(conversationID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning, so
// batches published afterwards are not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, conversationID string) (delivery.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(conversationID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []models.InboundMessage, DefaultSubscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.forward(ctx)
	return sub, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []models.InboundMessage
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) forward(ctx context.Context) {
	defer close(s.out)
	in := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			batch, err := decodeBatch(msg.Payload)
			if err != nil {
				slog.Warn("RedisBroker: dropping undecodable batch", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case s.out <- batch:
			case <-s.done:
				return
			default:
				slog.Warn("RedisBroker: subscriber lagging, batch dropped", "channel", msg.Channel)
			}
		}
	}
}

func (s *redisSubscription) Batches() <-chan []models.InboundMessage {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func decodeBatch(payload string) ([]models.InboundMessage, error) {
	var batch []models.InboundMessage
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return batch, nil
}

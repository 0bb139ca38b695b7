package platform

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/TurnGuard/internal/delivery"
	"github.com/BTreeMap/TurnGuard/internal/models"
)

// DefaultSubscriptionBuffer is the number of batches a subscriber may lag
// behind before further pushes to it are dropped.
const DefaultSubscriptionBuffer = 16

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

// Broker fans out pushed message batches to the subscribers of a conversation.
// Delivery is best effort: subscribers that fall behind miss batches and rely
// on polling.
type Broker interface {
	Publish(ctx context.Context, conversationID string, batch []models.InboundMessage) error
	Subscribe(ctx context.Context, conversationID string) (delivery.Subscription, error)
	Close() error
}

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// Compile-time check that MemoryBroker implements Broker.
var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish hands batch to every current subscriber without blocking.
func (b *MemoryBroker) Publish(ctx context.Context, conversationID string, batch []models.InboundMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.subs[conversationID] {
		select {
		case sub.ch <- batch:
		default:
			slog.Warn("MemoryBroker.Publish: subscriber lagging, batch dropped", "conversation_id", conversationID)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The subscription closes when ctx is done
// or Close is called.
func (b *MemoryBroker) Subscribe(ctx context.Context, conversationID string) (delivery.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	sub := &memorySubscription{
		broker:         b,
		conversationID: conversationID,
		ch:             make(chan []models.InboundMessage, DefaultSubscriptionBuffer),
	}
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[*memorySubscription]struct{})
	}
	b.subs[conversationID][sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, sub.release)
	return sub, nil
}

// Subscribers returns the number of open subscriptions for a conversation.
func (b *MemoryBroker) Subscribers(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[conversationID])
}

// Close closes every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range all {
		sub.Close()
	}
	return nil
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sub.conversationID]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.conversationID)
	}
	// Closed under the broker lock so Publish never sends on a closed channel.
	close(sub.ch)
}

type memorySubscription struct {
	broker         *MemoryBroker
	conversationID string
	ch             chan []models.InboundMessage
	stop           func() bool
	once           sync.Once
}

func (s *memorySubscription) Batches() <-chan []models.InboundMessage {
	return s.ch
}

func (s *memorySubscription) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.release()
	return nil
}

func (s *memorySubscription) release() {
	s.once.Do(func() { s.broker.remove(s) })
}

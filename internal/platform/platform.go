// Package platform is a reference conversation platform. It stores messages,
// deduplicates client sends, asks an assistant for a structured reply and
// delivers new messages both by push (through a Broker) and by poll (Fetch).
// The CLI and the integration tests drive the delivery coordinator against it.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/agentoutput"
	"github.com/BTreeMap/TurnGuard/internal/delivery"
	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/store"
)

// DefaultReplyTimeout bounds one assistant call.
const DefaultReplyTimeout = 60 * time.Second

// ErrPlatformClosed is returned by Send after Close.
var ErrPlatformClosed = errors.New("platform closed")

// Assistant produces the raw reply to a user message.
type Assistant interface {
	GenerateReply(ctx context.Context, history []models.Message, userText string) (string, error)
}

// Repo is the persistence the platform needs.
type Repo interface {
	store.MessageStore
	store.DedupRepo
}

// Opts holds configuration for the platform.
type Opts struct {
	ReplyTimeout    time.Duration
	PushDelay       time.Duration
	PushDisabled    bool
	PushFullHistory bool
}

// Option configures the platform.
type Option func(*Opts)

// WithReplyTimeout bounds each assistant call.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ReplyTimeout = d
	}
}

// WithPushDelay delays every push, letting polls win the race.
func WithPushDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.PushDelay = d
	}
}

// WithPushDisabled stops publishing, so clients only see replies by polling.
func WithPushDisabled() Option {
	return func(o *Opts) {
		o.PushDisabled = true
	}
}

// WithPushFullHistory publishes the whole conversation instead of only the
// new messages.
func WithPushFullHistory() Option {
	return func(o *Opts) {
		o.PushFullHistory = true
	}
}

// Platform implements delivery.Transport.
type Platform struct {
	repo      Repo
	assistant Assistant
	broker    Broker
	opts      Opts

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Compile-time check that Platform implements delivery.Transport.
var _ delivery.Transport = (*Platform)(nil)

// New creates a platform. A nil broker selects an in-memory broker.
func New(repo Repo, assistant Assistant, broker Broker, opts ...Option) (*Platform, error) {
	if repo == nil {
		return nil, fmt.Errorf("platform repo cannot be nil")
	}
	if assistant == nil {
		return nil, fmt.Errorf("platform assistant cannot be nil")
	}
	if broker == nil {
		broker = NewMemoryBroker()
	}
	cfg := Opts{ReplyTimeout: DefaultReplyTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Platform{repo: repo, assistant: assistant, broker: broker, opts: cfg, ctx: ctx, cancel: cancel}, nil
}

// Send accepts one user message. A repeated ClientID is acknowledged without
// being stored again. The reply is produced in the background and delivered
// by push and poll.
func (p *Platform) Send(ctx context.Context, msg models.OutgoingMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if p.isClosed() {
		return ErrPlatformClosed
	}
	if msg.ClientID != "" {
		created, err := p.repo.RecordInbound(msg.ClientID, msg.ConversationID)
		if err != nil {
			return &delivery.NetworkError{Op: "send", Err: err}
		}
		if !created {
			slog.Info("Platform.Send: duplicate client message ignored", "conversation_id", msg.ConversationID, "client_id", msg.ClientID)
			return nil
		}
	}

	history, err := p.repo.ListMessages(msg.ConversationID)
	if err != nil {
		return &delivery.NetworkError{Op: "send", Err: err}
	}
	userRow, err := p.repo.AppendMessage(store.StoredMessage{
		ConversationID: msg.ConversationID,
		Role:           models.RoleUser,
		Content:        msg.Content,
		ClientID:       msg.ClientID,
	})
	if err != nil {
		return &delivery.NetworkError{Op: "send", Err: err}
	}
	slog.Debug("Platform.Send: accepted", "conversation_id", msg.ConversationID, "length", len(msg.Content))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPlatformClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		p.reply(msg, history, userRow)
	}()
	return nil
}

func (p *Platform) reply(msg models.OutgoingMessage, history []store.StoredMessage, userRow store.StoredMessage) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ReplyTimeout)
	defer cancel()

	raw, err := p.assistant.GenerateReply(ctx, ConversationHistory(history), msg.Content)
	if err != nil {
		slog.Error("Platform.reply: assistant failed", "conversation_id", msg.ConversationID, "error", err)
		return
	}
	assistantRow, err := p.repo.AppendMessage(store.StoredMessage{
		ConversationID: msg.ConversationID,
		Role:           models.RoleAssistant,
		Content:        raw,
	})
	if err != nil {
		slog.Error("Platform.reply: store reply failed", "conversation_id", msg.ConversationID, "error", err)
		return
	}
	if msg.ClientID != "" {
		if err := p.repo.MarkProcessed(msg.ClientID); err != nil {
			slog.Warn("Platform.reply: mark processed failed", "client_id", msg.ClientID, "error", err)
		}
	}
	p.push(msg.ConversationID, []store.StoredMessage{userRow, assistantRow})
}

func (p *Platform) push(conversationID string, rows []store.StoredMessage) {
	if p.opts.PushDisabled {
		return
	}
	if p.opts.PushDelay > 0 {
		t := time.NewTimer(p.opts.PushDelay)
		select {
		case <-t.C:
		case <-p.ctx.Done():
			t.Stop()
			return
		}
	}
	if p.opts.PushFullHistory {
		all, err := p.repo.ListMessages(conversationID)
		if err != nil {
			slog.Warn("Platform.push: list history failed", "conversation_id", conversationID, "error", err)
			return
		}
		rows = all
	}
	if err := p.broker.Publish(p.ctx, conversationID, inbound(rows)); err != nil {
		slog.Warn("Platform.push: publish failed", "conversation_id", conversationID, "error", err)
	}
}

// Fetch returns the full stored history of a conversation.
func (p *Platform) Fetch(ctx context.Context, conversationID string) ([]models.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := p.repo.ListMessages(conversationID)
	if err != nil {
		return nil, &delivery.NetworkError{Op: "fetch", Err: err}
	}
	return inbound(rows), nil
}

// Subscribe opens a push subscription for a conversation.
func (p *Platform) Subscribe(ctx context.Context, conversationID string) (delivery.Subscription, error) {
	sub, err := p.broker.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, &delivery.NetworkError{Op: "subscribe", Err: err}
	}
	return sub, nil
}

// Close stops background replies, waits for them and closes the broker.
func (p *Platform) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
	return p.broker.Close()
}

func (p *Platform) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ConversationHistory converts stored rows into assistant context. Assistant
// rows are reduced to their display text; rows with nothing displayable are
// skipped.
func ConversationHistory(rows []store.StoredMessage) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		text := r.Content
		if r.Role == models.RoleAssistant {
			display, _, ok := agentoutput.DisplayText(r.Content)
			if !ok {
				continue
			}
			text = display
		}
		out = append(out, models.Message{ID: r.ID, Role: r.Role, Content: text})
	}
	return out
}

func inbound(rows []store.StoredMessage) []models.InboundMessage {
	out := make([]models.InboundMessage, len(rows))
	for i, r := range rows {
		out[i] = r.Inbound()
	}
	return out
}

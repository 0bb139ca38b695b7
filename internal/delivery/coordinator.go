package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/crisis"
	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/reconcile"
	"github.com/google/uuid"
)

// AuthBannerMessage is shown when the platform session has expired.
const AuthBannerMessage = "Your session has expired. Please sign in again."

// Coordinator drives one conversation. At most one turn is in flight at a
// time; the transcript is written only through its Reconciler.
type Coordinator struct {
	conversationID string
	transport      Transport
	opts           Opts
	rec            *reconcile.Reconciler

	mu             sync.Mutex
	state          State
	turnSeq        int
	inFlight       bool
	closed         bool
	cancelTurn     context.CancelFunc
	turnDone       chan struct{}
	hidden         bool
	hiddenInTurn   bool
	visible        chan struct{}
	lastAuthBanner time.Time
}

// NewCoordinator creates a Coordinator for conversationID.
func NewCoordinator(conversationID string, transport Transport, opts ...Option) (*Coordinator, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, models.ErrEmptyConversation
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	cfg := buildOpts(opts)
	slog.Debug("NewCoordinator options set",
		"conversation_id", conversationID,
		"poll_attempts", len(cfg.PollDelays),
		"send_timeout", cfg.SendTimeout,
		"subscription_timeout", cfg.SubscriptionTimeout,
		"classifier_set", cfg.Classifier != nil,
		"save_flow_set", cfg.SaveFlow != nil)
	return &Coordinator{
		conversationID: conversationID,
		transport:      transport,
		opts:           cfg,
		rec:            reconcile.NewReconciler(),
		visible:        make(chan struct{}, 1),
	}, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a copy of the confirmed transcript.
func (c *Coordinator) Transcript() reconcile.Transcript {
	return c.rec.Snapshot()
}

// Load fetches the conversation history once through the gate, validate and
// merge pipeline.
func (c *Coordinator) Load(ctx context.Context) (reconcile.Transcript, error) {
	if c.isClosed() {
		return nil, models.ErrCoordinatorClosed
	}
	fctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	msgs, err := c.transport.Fetch(fctx, c.conversationID)
	if err != nil {
		if IsAuthError(err) {
			c.authBanner(err)
			return c.rec.Snapshot(), fmt.Errorf("%w: %w", models.ErrAuthExpired, err)
		}
		slog.Error("Coordinator.Load: fetch failed", "conversation_id", c.conversationID, "error", err)
		return c.rec.Snapshot(), fmt.Errorf("failed to load conversation: %w", err)
	}
	if n := c.rec.Quarantine(msgs); n > 0 {
		slog.Debug("Coordinator.Load: quarantined unsafe history entries", "conversation_id", c.conversationID, "count", n)
	}
	transcript, out := c.rec.Apply(msgs)
	if out.Status == reconcile.StatusAppended {
		c.opts.Observer.OnTranscript(transcript)
	}
	slog.Info("Coordinator.Load: history loaded", "conversation_id", c.conversationID, "length", transcript.Len(), "dropped", out.Dropped)
	return transcript, nil
}

// Send runs one turn and blocks until it resolves, times out or is cancelled.
// Crisis interception returns models.ErrCrisisDetected and nothing is sent.
// Timeouts are not errors: the result reports StateTimedOut.
func (c *Coordinator) Send(ctx context.Context, text string) (TurnResult, error) {
	msg := models.OutgoingMessage{
		ClientID:       uuid.NewString(),
		ConversationID: c.conversationID,
		Content:        strings.TrimSpace(text),
		Language:       c.opts.Language,
	}
	if err := msg.Validate(); err != nil {
		return TurnResult{State: c.State(), Transcript: c.rec.Snapshot()}, err
	}

	turnCtx, turnID, err := c.beginTurn(ctx)
	if err != nil {
		return TurnResult{State: c.State(), Transcript: c.rec.Snapshot()}, err
	}
	defer c.endTurn()

	if reason, layer, blocked := c.screen(turnCtx, msg); blocked {
		c.intercept(turnCtx, reason, layer)
		return TurnResult{TurnID: turnID, State: c.State(), Transcript: c.rec.Snapshot()}, models.ErrCrisisDetected
	}

	c.rec.BeginTurn(turnID)
	ts := newTurnState(turnID, c.rec.Len()+2)
	c.setState(StateSending)
	c.opts.Observer.OnWaiting(true)
	defer c.opts.Observer.OnWaiting(false)

	attempts, err := c.dispatch(turnCtx, msg)
	ts.SendAttempts = attempts
	if err != nil {
		c.setState(StateIdle)
		res := ts.result(StateIdle, "", "", c.rec.Snapshot())
		switch {
		case c.isClosed():
			return res, models.ErrCoordinatorClosed
		case IsAuthError(err):
			c.authBanner(err)
			return res, fmt.Errorf("%w: %w", models.ErrAuthExpired, err)
		}
		slog.Error("Coordinator.Send: dispatch failed", "conversation_id", c.conversationID, "turn", turnID, "attempts", attempts, "error", err)
		return res, fmt.Errorf("send failed after %d attempts: %w", attempts, err)
	}
	slog.Debug("Coordinator.Send: dispatched", "conversation_id", c.conversationID, "turn", turnID, "attempts", attempts, "length", len(msg.Content))

	c.setState(StateAwaitingReply)
	return c.await(turnCtx, ts)
}

// SetVisible reports surface visibility. Returning to the foreground while a
// reply is awaited forces one out-of-band fetch.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !visible {
		c.hidden = true
		if c.inFlight {
			c.hiddenInTurn = true
		}
		return
	}
	wasHidden := c.hidden && c.hiddenInTurn
	c.hidden = false
	c.hiddenInTurn = false
	if wasHidden && c.inFlight {
		select {
		case c.visible <- struct{}{}:
		default:
		}
	}
}

// Close cancels the active turn, waits for its workers to exit and rejects
// later sends.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inFlight := c.inFlight
	cancel := c.cancelTurn
	done := c.turnDone
	c.mu.Unlock()

	if inFlight {
		cancel()
		<-done
	}
	slog.Debug("Coordinator.Close: closed", "conversation_id", c.conversationID, "turn_cancelled", inFlight)
	return nil
}

func (c *Coordinator) beginTurn(ctx context.Context) (context.Context, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, models.ErrCoordinatorClosed
	}
	if c.inFlight {
		return nil, 0, models.ErrTurnInFlight
	}
	c.inFlight = true
	c.turnSeq++
	c.hiddenInTurn = c.hidden
	select {
	case <-c.visible:
	default:
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelTurn = cancel
	c.turnDone = make(chan struct{})
	return turnCtx, c.turnSeq, nil
}

func (c *Coordinator) endTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.hiddenInTurn = false
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	close(c.turnDone)
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		slog.Debug("Coordinator state change", "conversation_id", c.conversationID, "from", from, "to", to)
		c.opts.Observer.OnStateChange(from, to)
	}
}

// screen runs the local detector and then, if configured, the layered
// classifier. A classifier failure does not block the send.
func (c *Coordinator) screen(ctx context.Context, msg models.OutgoingMessage) (models.ReasonCode, string, bool) {
	if res := crisis.Evaluate(msg.Content); res.Detected {
		return res.ReasonCode, models.LayerLocal, true
	}
	if c.opts.Classifier == nil {
		return "", "", false
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	res, err := c.opts.Classifier.ClassifyCrisis(cctx, models.ClassifierRequest{Message: msg.Content, Language: msg.Language})
	if err != nil {
		slog.Warn("Coordinator.screen: classifier failed, continuing with local verdict", "conversation_id", c.conversationID, "error", err)
		c.opts.Analytics.Track(ctx, EventClassifierError, map[string]any{"conversation_id": c.conversationID})
		return "", "", false
	}
	if !c.opts.actionable(res) {
		slog.Debug("Coordinator.screen: classifier verdict not actionable", "is_crisis", res.IsCrisis, "severity", res.Severity, "confidence", res.Confidence)
		return "", "", false
	}
	return crisis.CategorizeReason(msg.Content), models.LayerClassifier, true
}

// intercept surfaces the safety panel and emits exactly one alert.
func (c *Coordinator) intercept(ctx context.Context, reason models.ReasonCode, layer string) {
	slog.Info("Coordinator.Send: crisis language intercepted, message not sent",
		"conversation_id", c.conversationID, "layer", layer, "reason", reason)
	c.opts.Observer.OnSafetyPanel(reason)

	alert := models.CrisisAlert{
		ID:             uuid.NewString(),
		Surface:        c.opts.Surface,
		ConversationID: c.conversationID,
		ReasonCode:     reason,
		UserIdentifier: c.opts.UserIdentifier,
		Layer:          layer,
		CreatedAt:      c.opts.Clock().UTC(),
	}
	if err := c.opts.Alerts.Emit(context.WithoutCancel(ctx), alert); err != nil {
		slog.Warn("Coordinator.intercept: alert emit failed", "alert_id", alert.ID, "error", err)
	}
	c.opts.Analytics.Track(ctx, EventCrisisDetected, map[string]any{
		"layer":   layer,
		"reason":  string(reason),
		"surface": c.opts.Surface,
	})
}

// dispatch sends msg, retrying network errors on the poll schedule until the
// attempt cap or the send timeout.
func (c *Coordinator) dispatch(ctx context.Context, msg models.OutgoingMessage) (int, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	delays := c.opts.PollDelays
	for attempt := 1; ; attempt++ {
		err := c.transport.Send(sendCtx, msg)
		if err == nil {
			return attempt, nil
		}
		if !IsNetworkError(err) || IsAuthError(err) || attempt >= len(delays) {
			return attempt, err
		}
		delay := delays[attempt-1]
		slog.Warn("Coordinator.dispatch: send failed, retrying", "conversation_id", c.conversationID, "attempt", attempt, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-sendCtx.Done():
			t.Stop()
			return attempt, err
		case <-t.C:
		}
	}
}

// authBanner shows the session-expired banner at most once per cooldown.
func (c *Coordinator) authBanner(err error) {
	c.mu.Lock()
	now := c.opts.Clock()
	if !c.lastAuthBanner.IsZero() && now.Sub(c.lastAuthBanner) < c.opts.AuthBannerCooldown {
		c.mu.Unlock()
		slog.Debug("Coordinator.authBanner: suppressed by cooldown", "error", err)
		return
	}
	c.lastAuthBanner = now
	c.mu.Unlock()
	slog.Warn("Coordinator: authentication expired", "conversation_id", c.conversationID, "error", err)
	c.opts.Observer.OnAuthBanner(AuthBannerMessage)
}

package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/reconcile"
	"golang.org/x/sync/errgroup"
)

// TurnState is the per-turn bookkeeping owned by the goroutine running Send.
type TurnState struct {
	ID           int
	Expected     int
	PollAttempts int
	SendAttempts int
	Refetches    int

	refetchPending bool
	debounced      int // sequence number of the pending debounced refetch
	saveOffered    bool
	handles        *Handles

	// worker plumbing, valid while awaiting a reply
	ctx    context.Context
	g      *errgroup.Group
	events chan event
}

func newTurnState(id, expected int) *TurnState {
	return &TurnState{ID: id, Expected: expected, handles: NewHandles()}
}

func (ts *TurnState) result(state State, winner Source, reason string, t reconcile.Transcript) TurnResult {
	return TurnResult{
		TurnID:       ts.ID,
		State:        state,
		Winner:       winner,
		Reason:       reason,
		Transcript:   t,
		PollAttempts: ts.PollAttempts,
		SendAttempts: ts.SendAttempts,
	}
}

// event is a read-path result delivered to the turn loop.
type event struct {
	source    Source
	attempt   int
	refetch   int
	msgs      []models.InboundMessage
	err       error
	exhausted bool
}

func emit(ctx context.Context, ch chan<- event, ev event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// await races the push subscription against the poller until the turn is
// answered (see answered), the poll schedule is exhausted, the subscription
// timeout fires, or ctx is cancelled. Every handle opened here is cancelled
// and every worker joined before it returns.
func (c *Coordinator) await(ctx context.Context, ts *TurnState) (TurnResult, error) {
	workerCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(workerCtx)
	ts.ctx = gctx
	ts.g = g
	ts.events = make(chan event)
	ts.handles.Track("workers", cancel)

	defer func() {
		n := ts.handles.CancelAll()
		cancel()
		_ = g.Wait()
		slog.Debug("Coordinator.await: turn torn down", "conversation_id", c.conversationID, "turn", ts.ID, "handles_cancelled", n)
	}()

	timeout := make(chan struct{}, 1)
	ts.handles.AfterFunc("timeout", c.opts.SubscriptionTimeout, func() {
		select {
		case timeout <- struct{}{}:
		default:
		}
	})

	c.subscribe(ts)
	c.startPoller(ts)

	for {
		select {
		case ev := <-ts.events:
			if res, done := c.handle(ctx, ts, ev); done {
				return res, nil
			}
		case <-c.visible:
			slog.Info("Coordinator.await: surface visible again, refetching", "conversation_id", c.conversationID, "turn", ts.ID)
			c.startRefetch(ts, 0)
		case <-timeout:
			return c.timeOut(ctx, ts, ReasonSubscriptionTimeout), nil
		case <-ctx.Done():
			ts.handles.CancelAll()
			c.setState(StateIdle)
			res := ts.result(StateIdle, "", "cancelled", c.rec.Snapshot())
			if c.isClosed() {
				slog.Info("Coordinator.await: turn abandoned on close", "conversation_id", c.conversationID, "turn", ts.ID)
				return res, models.ErrCoordinatorClosed
			}
			return res, ctx.Err()
		}
	}
}

// handle processes one read-path result. It reports done when the turn ended.
func (c *Coordinator) handle(ctx context.Context, ts *TurnState, ev event) (TurnResult, bool) {
	if ev.source == SourcePoll && ev.attempt > 0 {
		ts.PollAttempts = ev.attempt
	}
	if ev.exhausted {
		return c.timeOut(ctx, ts, ReasonPollExhausted), true
	}
	if ev.source == SourceRefetch && ev.refetch == ts.debounced {
		ts.refetchPending = false
	}
	if ev.err != nil {
		if IsAuthError(ev.err) {
			c.authBanner(ev.err)
		}
		slog.Warn("Coordinator.await: read failed", "conversation_id", c.conversationID, "turn", ts.ID, "source", ev.source, "attempt", ev.attempt, "error", ev.err)
		return TurnResult{}, false
	}

	if c.rec.Unsafe(ev.msgs) {
		if ev.source != SourceRefetch {
			slog.Warn("Coordinator.await: structurally unsafe batch withheld", "conversation_id", c.conversationID, "turn", ts.ID, "source", ev.source, "size", len(ev.msgs))
			c.opts.Analytics.Track(ctx, EventUnsafeBatch, map[string]any{"source": string(ev.source), "turn": ts.ID})
			c.scheduleRefetch(ts)
			return TurnResult{}, false
		}
		n := c.rec.Quarantine(ev.msgs)
		slog.Warn("Coordinator.await: unsafe entries persisted after refetch, dropping them", "conversation_id", c.conversationID, "turn", ts.ID, "count", n)
	}

	transcript, out := c.rec.Apply(ev.msgs)
	if out.Status == reconcile.StatusAppended {
		c.opts.Observer.OnTranscript(transcript)
	}
	if answered(ts, transcript) {
		return c.resolve(ctx, ts, ev.source, transcript), true
	}
	return TurnResult{}, false
}

// answered reports whether transcript holds the reply to ts: either it reached
// the expected length, or an assistant entry accepted during this turn is the
// newest one. The second case covers a user echo dropped by the render gate.
func answered(ts *TurnState, transcript reconcile.Transcript) bool {
	if transcript.Len() >= ts.Expected {
		return true
	}
	last, ok := transcript.LastAssistant()
	return ok && last.TurnID == ts.ID
}

func (c *Coordinator) resolve(ctx context.Context, ts *TurnState, winner Source, transcript reconcile.Transcript) TurnResult {
	n := ts.handles.CancelAll()
	c.setState(StateResolved)
	slog.Info("Coordinator.await: turn resolved", "conversation_id", c.conversationID, "turn", ts.ID,
		"winner", winner, "length", transcript.Len(), "poll_attempts", ts.PollAttempts, "handles_cancelled", n)
	c.opts.Analytics.Track(ctx, EventTurnResolved, map[string]any{
		"turn":          ts.ID,
		"winner":        string(winner),
		"poll_attempts": ts.PollAttempts,
	})
	c.offerSave(ctx, ts, transcript)
	return ts.result(StateResolved, winner, "", transcript)
}

func (c *Coordinator) timeOut(ctx context.Context, ts *TurnState, reason string) TurnResult {
	ts.handles.CancelAll()
	transcript := c.rec.Snapshot()
	c.setState(StateTimedOut)
	slog.Warn("Coordinator.await: turn timed out, keeping current transcript", "conversation_id", c.conversationID,
		"turn", ts.ID, "reason", reason, "length", transcript.Len(), "expected", ts.Expected, "poll_attempts", ts.PollAttempts)
	c.opts.Analytics.Track(ctx, EventTurnTimedOut, map[string]any{
		"turn":          ts.ID,
		"reason":        reason,
		"poll_attempts": ts.PollAttempts,
	})
	return ts.result(StateTimedOut, "", reason, transcript)
}

// offerSave hands this turn's save candidate to the save flow at most once.
func (c *Coordinator) offerSave(ctx context.Context, ts *TurnState, transcript reconcile.Transcript) {
	if c.opts.SaveFlow == nil || ts.saveOffered {
		return
	}
	last, ok := transcript.LastAssistant()
	if !ok || last.TurnID != ts.ID {
		return
	}
	out, ok := last.AgentOutput()
	if !ok || !out.SaveCandidate.ShouldOfferSave {
		return
	}
	ts.saveOffered = true
	c.opts.SaveFlow.OfferSave(ctx, out.SaveCandidate)
}

// subscribe opens the push path. Failure leaves the poller as the only path.
func (c *Coordinator) subscribe(ts *TurnState) {
	sub, err := c.transport.Subscribe(ts.ctx, c.conversationID)
	if err != nil {
		if IsAuthError(err) {
			c.authBanner(err)
		}
		slog.Warn("Coordinator.await: subscription unavailable, relying on polling", "conversation_id", c.conversationID, "turn", ts.ID, "error", err)
		return
	}
	id := ts.handles.Track("subscription", func() {
		if err := sub.Close(); err != nil {
			slog.Debug("Coordinator.await: subscription close failed", "error", err)
		}
	})
	ts.g.Go(func() error {
		batches := sub.Batches()
		for {
			select {
			case <-ts.ctx.Done():
				return nil
			case batch, ok := <-batches:
				if !ok {
					ts.handles.Cancel(id)
					return nil
				}
				if !emit(ts.ctx, ts.events, event{source: SourcePush, msgs: batch}) {
					return nil
				}
			}
		}
	})
}

// startPoller fetches on the backoff schedule and reports exhaustion.
func (c *Coordinator) startPoller(ts *TurnState) {
	pctx, cancel := context.WithCancel(ts.ctx)
	id := ts.handles.Track("poll", cancel)
	delays := c.opts.PollDelays
	ts.g.Go(func() error {
		defer ts.handles.Release(id)
		defer cancel()
		for i, delay := range delays {
			t := time.NewTimer(delay)
			select {
			case <-pctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			msgs, err := c.transport.Fetch(pctx, c.conversationID)
			if pctx.Err() != nil {
				return nil
			}
			if !emit(pctx, ts.events, event{source: SourcePoll, attempt: i + 1, msgs: msgs, err: err}) {
				return nil
			}
		}
		emit(pctx, ts.events, event{source: SourcePoll, exhausted: true})
		return nil
	})
}

// scheduleRefetch starts at most one debounced refetch at a time.
func (c *Coordinator) scheduleRefetch(ts *TurnState) {
	if ts.refetchPending {
		slog.Debug("Coordinator.await: refetch already pending", "turn", ts.ID)
		return
	}
	ts.refetchPending = true
	ts.debounced = c.startRefetch(ts, c.opts.RefetchDebounce)
}

// startRefetch fetches once after delay and returns the refetch's sequence
// number, which tags its event.
func (c *Coordinator) startRefetch(ts *TurnState, delay time.Duration) int {
	ts.Refetches++
	seq := ts.Refetches
	rctx, cancel := context.WithCancel(ts.ctx)
	id := ts.handles.Track("refetch", cancel)
	ts.g.Go(func() error {
		defer ts.handles.Release(id)
		defer cancel()
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-rctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		msgs, err := c.transport.Fetch(rctx, c.conversationID)
		if rctx.Err() != nil {
			return nil
		}
		emit(rctx, ts.events, event{source: SourceRefetch, refetch: seq, msgs: msgs, err: err})
		return nil
	})
	return seq
}

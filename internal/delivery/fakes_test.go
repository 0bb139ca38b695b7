package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/reconcile"
)

// fakeSub is a Subscription whose batches are fed by the test.
type fakeSub struct {
	ch     chan []models.InboundMessage
	once   sync.Once
	closed chan struct{}
}

func newFakeSub(buffer int) *fakeSub {
	return &fakeSub{ch: make(chan []models.InboundMessage, buffer), closed: make(chan struct{})}
}

func (s *fakeSub) Batches() <-chan []models.InboundMessage { return s.ch }

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSub) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeTransport records sends and serves scripted fetch results.
type fakeTransport struct {
	mu         sync.Mutex
	sent       []models.OutgoingMessage
	sendErrs   []error
	history    []models.InboundMessage
	reply      []models.InboundMessage // appended to history on a successful send
	fetchErr   error
	fetchCalls int

	subscribeErr error
	pushOnSub    [][]models.InboundMessage
	subs         []*fakeSub
	subscribed   chan *fakeSub
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subscribed: make(chan *fakeSub, 8)}
}

func (f *fakeTransport) Send(ctx context.Context, msg models.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.history = append(f.history, f.reply...)
	return nil
}

func (f *fakeTransport) Fetch(ctx context.Context, conversationID string) ([]models.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]models.InboundMessage(nil), f.history...), nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := newFakeSub(len(f.pushOnSub) + 1)
	for _, b := range f.pushOnSub {
		sub.ch <- b
	}
	f.subs = append(f.subs, sub)
	f.subscribed <- sub
	return sub, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeTransport) setHistory(h []models.InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = h
}

func waitSubscribed(t *testing.T, f *fakeTransport) *fakeSub {
	t.Helper()
	select {
	case sub := <-f.subscribed:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

type fakeClassifier struct {
	mu    sync.Mutex
	res   models.ClassifierResult
	err   error
	calls int
}

func (c *fakeClassifier) ClassifyCrisis(ctx context.Context, req models.ClassifierRequest) (models.ClassifierResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.res, c.err
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.CrisisAlert
}

func (s *recordingSink) Emit(ctx context.Context, alert models.CrisisAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

type recordingAnalytics struct {
	mu     sync.Mutex
	events []string
	props  []map[string]any
}

func (a *recordingAnalytics) Track(ctx context.Context, event string, props map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.props = append(a.props, props)
}

func (a *recordingAnalytics) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == event {
			n++
		}
	}
	return n
}

type recordingObserver struct {
	mu          sync.Mutex
	transcripts []reconcile.Transcript
	waiting     []bool
	panels      []models.ReasonCode
	banners     []string
	states      []State
}

func (o *recordingObserver) OnTranscript(t reconcile.Transcript) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = append(o.transcripts, t)
}

func (o *recordingObserver) OnWaiting(w bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waiting = append(o.waiting, w)
}

func (o *recordingObserver) OnSafetyPanel(r models.ReasonCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.panels = append(o.panels, r)
}

func (o *recordingObserver) OnAuthBanner(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.banners = append(o.banners, msg)
}

func (o *recordingObserver) OnStateChange(from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, to)
}

type recordingSaveFlow struct {
	mu     sync.Mutex
	offers []models.SaveCandidate
}

func (s *recordingSaveFlow) OfferSave(ctx context.Context, c models.SaveCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, c)
}

func userMsg(id, text string) models.InboundMessage {
	return models.InboundMessage{ID: id, Role: models.RoleUser, Content: text}
}

func assistantMsg(id string, content any) models.InboundMessage {
	return models.InboundMessage{ID: id, Role: models.RoleAssistant, Content: content}
}

// newTestCoordinator builds a coordinator with fast timings suitable for tests.
func newTestCoordinator(t *testing.T, tr Transport, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithPollDelays(time.Hour),
		WithSendTimeout(time.Second),
		WithSubscriptionTimeout(5 * time.Second),
		WithRefetchDebounce(10 * time.Millisecond),
	}
	c, err := NewCoordinator("conv-1", tr, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

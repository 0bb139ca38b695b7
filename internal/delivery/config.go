package delivery

import (
	"time"

	"github.com/BTreeMap/TurnGuard/internal/models"
)

// Default delivery policy.
const (
	DefaultPollBase            = 500 * time.Millisecond
	DefaultPollAttempts        = 5
	DefaultSendTimeout         = 15 * time.Second
	DefaultSubscriptionTimeout = 45 * time.Second
	DefaultRefetchDebounce     = 200 * time.Millisecond
	DefaultAuthBannerCooldown  = 60 * time.Second
	DefaultClassifierThreshold = 0.7
	DefaultSurface             = "chat"
)

// DefaultActionableSeverities are the classifier severities that block a send.
var DefaultActionableSeverities = []models.Severity{models.SeverityHigh, models.SeveritySevere}

// ExponentialSchedule returns attempts delays starting at base and doubling.
func ExponentialSchedule(base time.Duration, attempts int) []time.Duration {
	if attempts <= 0 || base <= 0 {
		return nil
	}
	out := make([]time.Duration, attempts)
	d := base
	for i := range out {
		out[i] = d
		d *= 2
	}
	return out
}

// Opts holds the coordinator's collaborators and policy.
type Opts struct {
	Surface        string
	UserIdentifier string
	Language       string

	PollDelays          []time.Duration
	SendTimeout         time.Duration
	SubscriptionTimeout time.Duration
	RefetchDebounce     time.Duration
	AuthBannerCooldown  time.Duration

	ActionableSeverities []models.Severity
	ClassifierThreshold  float64

	Classifier CrisisClassifier
	Alerts     AlertSink
	Observer   Observer
	Analytics  Analytics
	SaveFlow   SaveFlow
	Clock      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Opts)

// WithSurface names the client surface reported in crisis alerts.
func WithSurface(surface string) Option {
	return func(o *Opts) {
		o.Surface = surface
	}
}

// WithUserIdentifier sets the user identifier reported in crisis alerts.
func WithUserIdentifier(id string) Option {
	return func(o *Opts) {
		o.UserIdentifier = id
	}
}

// WithLanguage sets the language passed to the layered classifier.
func WithLanguage(lang string) Option {
	return func(o *Opts) {
		o.Language = lang
	}
}

// WithPollDelays replaces the poll backoff schedule. Its length is the attempt cap.
func WithPollDelays(delays ...time.Duration) Option {
	return func(o *Opts) {
		o.PollDelays = append([]time.Duration(nil), delays...)
	}
}

// WithSendTimeout bounds the initiating send, retries included.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.SendTimeout = d
	}
}

// WithSubscriptionTimeout bounds how long a turn waits for a reply.
func WithSubscriptionTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.SubscriptionTimeout = d
	}
}

// WithRefetchDebounce sets the delay of the re-fetch scheduled after an unsafe batch.
func WithRefetchDebounce(d time.Duration) Option {
	return func(o *Opts) {
		o.RefetchDebounce = d
	}
}

// WithAuthBannerCooldown sets the minimum interval between auth banners.
func WithAuthBannerCooldown(d time.Duration) Option {
	return func(o *Opts) {
		o.AuthBannerCooldown = d
	}
}

// WithClassifierPolicy sets which classifier verdicts are actionable.
func WithClassifierPolicy(threshold float64, severities ...models.Severity) Option {
	return func(o *Opts) {
		o.ClassifierThreshold = threshold
		if len(severities) > 0 {
			o.ActionableSeverities = append([]models.Severity(nil), severities...)
		}
	}
}

// WithClassifier enables the layered crisis classifier.
func WithClassifier(c CrisisClassifier) Option {
	return func(o *Opts) {
		o.Classifier = c
	}
}

// WithAlertSink sets where crisis alerts go.
func WithAlertSink(s AlertSink) Option {
	return func(o *Opts) {
		o.Alerts = s
	}
}

// WithObserver sets the UI observer.
func WithObserver(obs Observer) Option {
	return func(o *Opts) {
		o.Observer = obs
	}
}

// WithAnalytics sets the analytics sink.
func WithAnalytics(a Analytics) Option {
	return func(o *Opts) {
		o.Analytics = a
	}
}

// WithSaveFlow sets the save-flow collaborator.
func WithSaveFlow(s SaveFlow) Option {
	return func(o *Opts) {
		o.SaveFlow = s
	}
}

// WithClock overrides time.Now, used for the auth banner cooldown.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = now
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{ClassifierThreshold: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Surface == "" {
		cfg.Surface = DefaultSurface
	}
	if len(cfg.PollDelays) == 0 {
		cfg.PollDelays = ExponentialSchedule(DefaultPollBase, DefaultPollAttempts)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.SubscriptionTimeout <= 0 {
		cfg.SubscriptionTimeout = DefaultSubscriptionTimeout
	}
	if cfg.RefetchDebounce <= 0 {
		cfg.RefetchDebounce = DefaultRefetchDebounce
	}
	if cfg.AuthBannerCooldown <= 0 {
		cfg.AuthBannerCooldown = DefaultAuthBannerCooldown
	}
	if len(cfg.ActionableSeverities) == 0 {
		cfg.ActionableSeverities = DefaultActionableSeverities
	}
	if cfg.ClassifierThreshold < 0 {
		cfg.ClassifierThreshold = DefaultClassifierThreshold
	}
	if cfg.Alerts == nil {
		cfg.Alerts = nopAlertSink{}
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Analytics == nil {
		cfg.Analytics = LogAnalytics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// actionable reports whether a classifier verdict blocks the send.
func (o Opts) actionable(res models.ClassifierResult) bool {
	if !res.IsCrisis || res.Confidence <= o.ClassifierThreshold {
		return false
	}
	for _, s := range o.ActionableSeverities {
		if res.Severity == s {
			return true
		}
	}
	return false
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/alert"
	"github.com/BTreeMap/TurnGuard/internal/delivery"
	"github.com/BTreeMap/TurnGuard/internal/genai"
	"github.com/BTreeMap/TurnGuard/internal/lockfile"
	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/platform"
	"github.com/BTreeMap/TurnGuard/internal/store"
	"github.com/BTreeMap/TurnGuard/internal/twiliosms"
	"github.com/BTreeMap/TurnGuard/internal/util"
	"github.com/BTreeMap/TurnGuard/internal/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TurnGuard state data
	DefaultStateDir = "/var/lib/turnguard"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "turnguard.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultConversationID is used when no conversation is named
	DefaultConversationID = "local"
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "conversation_id", *flags.conversation)
	if err := run(ctx, flags, os.Stdin, os.Stdout); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("TurnGuard failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TurnGuard exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir             string
	DatabaseURL          string
	OpenAIKey            string
	Model                string
	RedisAddr            string
	RabbitURL            string
	RabbitQueue          string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFrom           string
	CareTeamContact      string
	WhatsAppDSN          string
	ClassifierThreshold  float64
	ClassifierSeverities []string
	LayeredClassifier    bool
	LogLevel             string
	SendTimeout          time.Duration
	SubscriptionTimeout  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir            *string
	dbDSN               *string
	openaiKey           *string
	model               *string
	genaiDebug          *bool
	redisAddr           *string
	rabbitURL           *string
	rabbitQueue         *string
	careTeam            *string
	twilioFrom          *string
	whatsappDSN         *string
	whatsappAlerts      *bool
	qrOutput            *string
	numeric             *bool
	layered             *bool
	threshold           *float64
	severities          *string
	logLevel            *string
	conversation        *string
	user                *string
	language            *string
	pollBase            *time.Duration
	pollAttempts        *int
	sendTimeout         *time.Duration
	subscriptionTimeout *time.Duration
	pushDelay           *time.Duration
	pushDisabled        *bool
	outboxPollInterval  *time.Duration
}

// initializeLogger sets up structured logging on stderr so it does not
// interleave with the conversation on stdout
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps a level name to a slog level, defaulting to info
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:             os.Getenv("TURNGUARD_STATE_DIR"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		Model:                os.Getenv("TURNGUARD_MODEL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RabbitURL:            os.Getenv("RABBIT_URL"),
		RabbitQueue:          os.Getenv("RABBIT_QUEUE"),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:           os.Getenv("TWILIO_FROM_NUMBER"),
		CareTeamContact:      os.Getenv("CARE_TEAM_CONTACT"),
		WhatsAppDSN:          os.Getenv("WHATSAPP_DB_DSN"),
		ClassifierThreshold:  util.ParseFloatEnv("TURNGUARD_CLASSIFIER_THRESHOLD", delivery.DefaultClassifierThreshold),
		ClassifierSeverities: util.ParseListEnv("TURNGUARD_CLASSIFIER_SEVERITIES", severityNames(delivery.DefaultActionableSeverities)),
		LayeredClassifier:    util.ParseBoolEnv("TURNGUARD_LAYERED_CLASSIFIER", false),
		LogLevel:             os.Getenv("TURNGUARD_LOG_LEVEL"),
		SendTimeout:          util.ParseDurationEnv("TURNGUARD_SEND_TIMEOUT", delivery.DefaultSendTimeout),
		SubscriptionTimeout:  util.ParseDurationEnv("TURNGUARD_SUBSCRIPTION_TIMEOUT", delivery.DefaultSubscriptionTimeout),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TURNGUARD_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TURNGUARD_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"RABBIT_URL_SET", config.RabbitURL != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"CARE_TEAM_CONTACT_SET", config.CareTeamContact != "",
		"TURNGUARD_LAYERED_CLASSIFIER", config.LayeredClassifier)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := registerFlags(flag.CommandLine, config)
	flag.Parse()
	finalizeFlags(&flags)
	return flags
}

// registerFlags declares every flag on fs with environment defaults
func registerFlags(fs *flag.FlagSet, config Config) Flags {
	return Flags{
		stateDir:            fs.String("state-dir", config.StateDir, "state directory for TurnGuard data (overrides $TURNGUARD_STATE_DIR)"),
		dbDSN:               fs.String("db-dsn", config.DatabaseURL, "application database DSN; defaults to SQLite in the state directory (overrides $DATABASE_URL)"),
		openaiKey:           fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:               fs.String("model", config.Model, "OpenAI model (overrides $TURNGUARD_MODEL)"),
		genaiDebug:          fs.Bool("genai-debug", false, "write every OpenAI call to <state-dir>/debug"),
		redisAddr:           fs.String("redis-addr", config.RedisAddr, "Redis address for push delivery; in-memory when empty (overrides $REDIS_ADDR)"),
		rabbitURL:           fs.String("rabbit-url", config.RabbitURL, "RabbitMQ URL for crisis alert publishing (overrides $RABBIT_URL)"),
		rabbitQueue:         fs.String("rabbit-queue", config.RabbitQueue, "RabbitMQ queue for crisis alerts (overrides $RABBIT_QUEUE)"),
		careTeam:            fs.String("care-team", config.CareTeamContact, "phone number crisis alerts are sent to (overrides $CARE_TEAM_CONTACT)"),
		twilioFrom:          fs.String("twilio-from", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		whatsappDSN:         fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)"),
		whatsappAlerts:      fs.Bool("whatsapp-alerts", config.WhatsAppDSN != "", "deliver crisis alerts over WhatsApp"),
		qrOutput:            fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:             fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		layered:             fs.Bool("layered-classifier", config.LayeredClassifier, "screen sends with the OpenAI crisis classifier (overrides $TURNGUARD_LAYERED_CLASSIFIER)"),
		threshold:           fs.Float64("classifier-threshold", config.ClassifierThreshold, "classifier confidence above which a send is blocked (overrides $TURNGUARD_CLASSIFIER_THRESHOLD)"),
		severities:          fs.String("classifier-severities", strings.Join(config.ClassifierSeverities, ","), "comma-separated classifier severities that block a send (overrides $TURNGUARD_CLASSIFIER_SEVERITIES)"),
		logLevel:            fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $TURNGUARD_LOG_LEVEL)"),
		conversation:        fs.String("conversation", DefaultConversationID, "conversation id"),
		user:                fs.String("user", os.Getenv("USER"), "user identifier reported in crisis alerts"),
		language:            fs.String("language", "en", "language passed to the crisis classifier"),
		pollBase:            fs.Duration("poll-base", delivery.DefaultPollBase, "first poll delay; later polls double it"),
		pollAttempts:        fs.Int("poll-attempts", delivery.DefaultPollAttempts, "number of polls per turn"),
		sendTimeout:         fs.Duration("send-timeout", config.SendTimeout, "timeout for one send attempt (overrides $TURNGUARD_SEND_TIMEOUT)"),
		subscriptionTimeout: fs.Duration("subscription-timeout", config.SubscriptionTimeout, "how long a turn waits for a reply (overrides $TURNGUARD_SUBSCRIPTION_TIMEOUT)"),
		pushDelay:           fs.Duration("push-delay", 0, "delay reply pushes from the local platform"),
		pushDisabled:        fs.Bool("no-push", false, "disable reply pushes so replies arrive by polling"),
		outboxPollInterval:  fs.Duration("outbox-interval", store.DefaultOutboxPollInterval, "how often queued crisis alerts are retried"),
	}
}

// finalizeFlags fills DSN defaults that depend on the final state directory
func finalizeFlags(flags *Flags) {
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}
	if *flags.whatsappDSN == "" {
		*flags.whatsappDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if *flags.conversation == "" {
		*flags.conversation = DefaultConversationID
	}
}

// run wires every module and drives the terminal session until the input
// ends, /quit is entered or ctx is cancelled.
func run(ctx context.Context, flags Flags, in io.Reader, out io.Writer) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return fmt.Errorf("lock state directory: %w", err)
	}
	defer lock.Release()

	st, err := openStore(buildStoreOptions(flags))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var (
		assistant  platform.Assistant = offlineAssistant{}
		classifier delivery.CrisisClassifier
	)
	if *flags.openaiKey != "" {
		client, err := genai.NewClient(buildGenAIOptions(flags)...)
		if err != nil {
			return fmt.Errorf("create genai client: %w", err)
		}
		assistant = client
		if *flags.layered {
			classifier = client
		}
	} else {
		slog.Warn("No OpenAI API key set, replies come from the offline assistant and the layered classifier is off")
	}

	var broker platform.Broker
	if *flags.redisAddr != "" {
		rb, err := platform.NewRedisBroker(ctx, *flags.redisAddr)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		broker = rb
	}
	plat, err := platform.New(st, assistant, broker, buildPlatformOptions(flags)...)
	if err != nil {
		return fmt.Errorf("create platform: %w", err)
	}
	defer plat.Close()

	notifier, closeNotifier, err := buildNotifier(ctx, flags, out)
	if err != nil {
		return fmt.Errorf("configure alert delivery: %w", err)
	}
	defer closeNotifier()

	dispatcher, err := alert.NewDispatcher(st, *flags.careTeam)
	if err != nil {
		return err
	}
	sender := store.NewOutboxSender(st, alert.SendFunc(notifier), *flags.outboxPollInterval)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("Failed to recover stale crisis alerts", "error", err)
	}

	workCtx, cancelWork := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error {
		sender.Run(gctx)
		return nil
	})
	defer func() {
		cancelWork()
		_ = g.Wait()
	}()

	term := newTerminal(out)
	coord, err := delivery.NewCoordinator(*flags.conversation, plat, buildDeliveryOptions(flags, classifier, dispatcher, term)...)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	defer coord.Close()

	if _, err := coord.Load(ctx); err != nil {
		slog.Warn("Failed to load conversation history", "error", err)
		term.notice("Could not load earlier messages.")
	}

	slog.Info("TurnGuard ready", "conversation_id", *flags.conversation, "layered_classifier", classifier != nil, "redis", *flags.redisAddr != "")
	return runREPL(ctx, coord, in, term)
}

// openStore picks the backend from the options' DSN
func openStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(opts...)
	}
	return store.NewSQLiteStore(opts...)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.model))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(*flags.stateDir))
	}
	return genaiOpts
}

// buildPlatformOptions constructs local platform options
func buildPlatformOptions(flags Flags) []platform.Option {
	var platOpts []platform.Option
	if *flags.pushDelay > 0 {
		platOpts = append(platOpts, platform.WithPushDelay(*flags.pushDelay))
	}
	if *flags.pushDisabled {
		platOpts = append(platOpts, platform.WithPushDisabled())
	}
	return platOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags, out io.Writer) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithLoginOutput(out)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio options; credentials left unset fall
// back to the environment inside twiliosms
func buildTwilioOptions(flags Flags) []twiliosms.Option {
	var twOpts []twiliosms.Option
	if *flags.twilioFrom != "" {
		twOpts = append(twOpts, twiliosms.WithFrom(*flags.twilioFrom))
	}
	return twOpts
}

// buildDeliveryOptions constructs coordinator options
func buildDeliveryOptions(flags Flags, classifier delivery.CrisisClassifier, alerts delivery.AlertSink, term *terminal) []delivery.Option {
	opts := []delivery.Option{
		delivery.WithSurface(delivery.DefaultSurface),
		delivery.WithUserIdentifier(*flags.user),
		delivery.WithLanguage(*flags.language),
		delivery.WithPollDelays(delivery.ExponentialSchedule(*flags.pollBase, *flags.pollAttempts)...),
		delivery.WithSendTimeout(*flags.sendTimeout),
		delivery.WithSubscriptionTimeout(*flags.subscriptionTimeout),
		delivery.WithClassifierPolicy(*flags.threshold, parseSeverities(*flags.severities)...),
		delivery.WithAlertSink(alerts),
		delivery.WithObserver(term),
		delivery.WithSaveFlow(term),
	}
	if classifier != nil {
		opts = append(opts, delivery.WithClassifier(classifier))
	}
	return opts
}

// buildNotifier assembles the crisis alert channels that are configured. The
// log notifier is always present so an alert is never silently lost.
func buildNotifier(ctx context.Context, flags Flags, out io.Writer) (alert.Notifier, func(), error) {
	notifiers := alert.MultiNotifier{alert.LogNotifier{}}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if os.Getenv("TWILIO_ACCOUNT_SID") != "" && *flags.careTeam != "" {
		sms, err := twiliosms.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("twilio: %w", err)
		}
		notifiers = append(notifiers, alert.NewTextNotifier("sms", sms))
		slog.Info("Crisis alerts will be sent by SMS")
	}

	if *flags.whatsappAlerts && *flags.careTeam != "" {
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags, out)...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("whatsapp: %w", err)
		}
		closers = append(closers, wa.Disconnect)
		notifiers = append(notifiers, alert.NewTextNotifier("whatsapp", wa))
		slog.Info("Crisis alerts will be sent over WhatsApp")
	}

	if *flags.rabbitURL != "" {
		q, err := alert.NewQueueNotifier(*flags.rabbitURL, *flags.rabbitQueue)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("rabbitmq: %w", err)
		}
		closers = append(closers, func() { _ = q.Close() })
		notifiers = append(notifiers, q)
		slog.Info("Crisis alerts will be published to RabbitMQ")
	}

	if *flags.careTeam == "" {
		slog.Warn("No care team contact set, crisis alerts are only logged and queued")
	}
	return notifiers, closeAll, nil
}

// parseSeverities keeps the recognised severities from a comma-separated list
func parseSeverities(list string) []models.Severity {
	var out []models.Severity
	for _, name := range util.SplitList(list) {
		s := models.Severity(name)
		if !models.IsValidSeverity(s) {
			slog.Warn("Ignoring unknown classifier severity", "severity", name)
			continue
		}
		out = append(out, s)
	}
	return out
}

func severityNames(severities []models.Severity) []string {
	names := make([]string, len(severities))
	for i, s := range severities {
		names[i] = string(s)
	}
	return names
}

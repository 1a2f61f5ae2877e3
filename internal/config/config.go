package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	DispatchInline = "inline"
	DispatchSQS    = "sqs"
)

type BotConfig struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"wanotify"`
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"1"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	// session lifecycle
	StartupTimeout      time.Duration `envconfig:"SESSION_STARTUP_TIMEOUT" default:"90s"`
	StartupTimeoutSaved time.Duration `envconfig:"SESSION_STARTUP_TIMEOUT_SAVED" default:"180s"`
	RetryDelay          time.Duration `envconfig:"SESSION_RETRY_DELAY" default:"5s"`
	HealthInterval      time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`
	HealthGrace         time.Duration `envconfig:"HEALTH_GRACE_PERIOD" default:"90s"`
	WatchFreshness      time.Duration `envconfig:"WATCH_FRESHNESS" default:"5m"`
	StopDelay           time.Duration `envconfig:"SUPERVISOR_STOP_DELAY" default:"30s"`

	// notification policy
	ConfirmStatuses       []string      `envconfig:"CONFIRM_SEND_ON_STATUS" default:"agendado,confirmado"`
	SkipStatuses          []string      `envconfig:"REMINDER_SKIP_STATUSES" default:"cancelado"`
	ReminderLead          time.Duration `envconfig:"REMINDER_LEAD_TIME" default:"2h"`
	ReminderTolerance     time.Duration `envconfig:"REMINDER_TOLERANCE" default:"5m"`
	ReviewPostDelay       time.Duration `envconfig:"REVIEW_POST_DELAY" default:"1h"`
	ReviewTolerance       time.Duration `envconfig:"REVIEW_TOLERANCE" default:"5m"`
	ReviewEligible        []string      `envconfig:"REVIEW_ELIGIBLE_STATUSES"`
	ReviewTriggerStatuses []string      `envconfig:"REVIEW_TRIGGER_STATUSES" default:"feito"`
	RecentWindow          time.Duration `envconfig:"RECENT_WINDOW" default:"72h"`
	SweepSchedule         string        `envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`
	WelcomeEnabled        bool          `envconfig:"WELCOME_ENABLED" default:"true"`
	WelcomeCooldown       time.Duration `envconfig:"WELCOME_COOLDOWN" default:"24h"`
	DedupCacheTTL         time.Duration `envconfig:"DEDUP_CACHE_TTL" default:"10m"`

	// per-tenant send protection
	SendRPSPerTenant   float64       `envconfig:"SEND_RPS_PER_TENANT" default:"1"`
	SendBurst          int           `envconfig:"SEND_BURST" default:"3"`
	BreakerMaxFailures uint32        `envconfig:"BREAKER_MAX_FAILURES" default:"5"`
	BreakerOpenTimeout time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s"`

	// dispatch transport
	DispatchMode       string `envconfig:"DISPATCH_MODE" default:"inline"`
	AWSRegion          string `envconfig:"AWS_REGION"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	WorkerConcurrency  int    `envconfig:"WORKER_CONCURRENCY" default:"8"`

	// Twilio
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioBaseURL    string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL"` // must match EXACT URL configured in Twilio

	// templates
	SystemName         string `envconfig:"SYSTEM_NAME" default:"SeuSaaS"`
	DefaultBookingLink string `envconfig:"DEFAULT_BOOKING_LINK" default:"https://seusaas.com/agendar"`
	Timezone           string `envconfig:"TIMEZONE" default:"America/Sao_Paulo"`
}

// Load reads an optional .env file and then the process environment.
func Load() (BotConfig, error) {
	_ = godotenv.Load()

	var cfg BotConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return BotConfig{}, err
	}
	cfg.ConfirmStatuses = normalizeList(cfg.ConfirmStatuses)
	cfg.SkipStatuses = normalizeList(cfg.SkipStatuses)
	cfg.ReviewEligible = normalizeList(cfg.ReviewEligible)
	cfg.ReviewTriggerStatuses = normalizeList(cfg.ReviewTriggerStatuses)
	if err := cfg.Validate(); err != nil {
		return BotConfig{}, err
	}
	return cfg, nil
}

func (c BotConfig) Validate() error {
	switch c.DispatchMode {
	case DispatchInline:
	case DispatchSQS:
		if c.SQSQueueURL == "" || c.AWSRegion == "" {
			return fmt.Errorf("%w: DISPATCH_MODE=sqs requires SQS_QUEUE_URL and AWS_REGION", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown DISPATCH_MODE %q", ErrInvalid, c.DispatchMode)
	}

	positive := map[string]time.Duration{
		"SESSION_STARTUP_TIMEOUT":       c.StartupTimeout,
		"SESSION_STARTUP_TIMEOUT_SAVED": c.StartupTimeoutSaved,
		"HEALTH_CHECK_INTERVAL":         c.HealthInterval,
		"HEALTH_GRACE_PERIOD":           c.HealthGrace,
		"WATCH_FRESHNESS":               c.WatchFreshness,
		"RECENT_WINDOW":                 c.RecentWindow,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if c.ReminderTolerance < 0 || c.ReviewTolerance < 0 || c.ReviewPostDelay < 0 || c.StopDelay < 0 {
		return fmt.Errorf("%w: tolerances and delays cannot be negative", ErrInvalid)
	}
	if c.SendRPSPerTenant <= 0 || c.SendBurst <= 0 {
		return fmt.Errorf("%w: SEND_RPS_PER_TENANT and SEND_BURST must be positive", ErrInvalid)
	}
	if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
		return fmt.Errorf("%w: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required", ErrInvalid)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

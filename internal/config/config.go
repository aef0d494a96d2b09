package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// ActiveChannel selects the outbound messaging adapter for the process.
// Resolved once at startup and passed explicitly into schedulers and the
// resolver; never consulted as global state afterwards.
type ActiveChannel string

const (
	ChannelCloudAPI ActiveChannel = "cloudapi"
	ChannelBrowser  ActiveChannel = "browser"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	// Channel selection and credentials.
	ActiveChannelName  string `env:"ACTIVE_CHANNEL,default=cloudapi"`
	WhatsAppToken      string `env:"WHATSAPP_TOKEN"`
	WhatsAppPhoneID    string `env:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppAPIVersion string `env:"WHATSAPP_API_VERSION,default=v20.0"`
	BrowserGatewayURL  string `env:"BROWSER_GATEWAY_URL"`

	// Webhook verification. An empty secret means unsigned payloads are
	// accepted; this permissive mode is logged at startup.
	WebhookAppSecret   string `env:"WEBHOOK_APP_SECRET"`
	WebhookVerifyToken string `env:"WEBHOOK_VERIFY_TOKEN"`

	// Templates.
	ConfirmTemplate  string `env:"CONFIRM_TEMPLATE,default=appointment_confirmation"`
	ReminderTemplate string `env:"REMINDER_TEMPLATE,default=appointment_reminder"`
	TemplateLanguage string `env:"TEMPLATE_LANGUAGE,default=pt_BR"`

	// Scheduler cadences and selection windows.
	DispatchIntervalSec   int    `env:"DISPATCH_INTERVAL_SEC,default=300"`
	ReminderIntervalSec   int    `env:"REMINDER_INTERVAL_SEC,default=300"`
	RetryIntervalSec      int    `env:"RETRY_INTERVAL_SEC,default=60"`
	DispatchLeadDays      int    `env:"DISPATCH_LEAD_DAYS,default=2"`
	ReminderLeadHours     int    `env:"REMINDER_LEAD_HOURS,default=24"`
	ReminderConfirmedOnly bool   `env:"REMINDER_CONFIRMED_ONLY,default=false"`
	DispatchBatchSize     int    `env:"DISPATCH_BATCH_SIZE,default=50"`
	Timezone              string `env:"TIMEZONE,default=America/Sao_Paulo"`

	// Send pacing and retry tuning.
	SendDelayMillis    int `env:"SEND_DELAY_MS,default=3000"`
	SendLimitPerSec    int `env:"SEND_LIMIT_PER_SEC,default=10"`
	SendTimeoutSec     int `env:"SEND_TIMEOUT_SEC,default=15"`
	QueryTimeoutSec    int `env:"QUERY_TIMEOUT_SEC,default=5"`
	BackoffBaseSec     int `env:"BACKOFF_BASE_SEC,default=90"`
	MaxRetryCount      int `env:"MAX_RETRY_COUNT,default=3"`
	SessionWindowHours int `env:"SESSION_WINDOW_HOURS,default=24"`

	// Intent keyword sets, semicolon separated, matched case-insensitively.
	ConfirmKeywords string `env:"CONFIRM_KEYWORDS,default=sim;confirmo;confirmar;ok;yes;confirm"`
	CancelKeywords  string `env:"CANCEL_KEYWORDS,default=nao;não;cancelo;cancelar;no;cancel"`

	// Free-text fallback after a template rejection, only attempted when
	// the session window is open.
	TextFallbackEnabled bool `env:"TEXT_FALLBACK_ENABLED,default=false"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Channel() {
	case ChannelCloudAPI:
		if strings.TrimSpace(c.WhatsAppToken) == "" || strings.TrimSpace(c.WhatsAppPhoneID) == "" {
			return fmt.Errorf("cloudapi channel requires WHATSAPP_TOKEN and WHATSAPP_PHONE_NUMBER_ID")
		}
	case ChannelBrowser:
		if strings.TrimSpace(c.BrowserGatewayURL) == "" {
			return fmt.Errorf("browser channel requires BROWSER_GATEWAY_URL")
		}
	default:
		return fmt.Errorf("invalid ACTIVE_CHANNEL %q", c.ActiveChannelName)
	}
	if c.MaxRetryCount < 1 {
		return fmt.Errorf("MAX_RETRY_COUNT must be >= 1")
	}
	if c.DispatchLeadDays < 0 {
		return fmt.Errorf("DISPATCH_LEAD_DAYS must be >= 0")
	}
	return nil
}

func (c *Config) Channel() ActiveChannel {
	return ActiveChannel(strings.ToLower(strings.TrimSpace(c.ActiveChannelName)))
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSec) * time.Second
}

func (c *Config) ReminderInterval() time.Duration {
	return time.Duration(c.ReminderIntervalSec) * time.Second
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSec) * time.Second
}

func (c *Config) ReminderLead() time.Duration {
	return time.Duration(c.ReminderLeadHours) * time.Hour
}

func (c *Config) SendDelay() time.Duration {
	return time.Duration(c.SendDelayMillis) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSec) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

func (c *Config) SessionWindow() time.Duration {
	return time.Duration(c.SessionWindowHours) * time.Hour
}

// Location resolves the configured scheduler time zone, falling back to
// UTC when the zone database lacks it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// SplitKeywords parses a semicolon-separated keyword set.
func SplitKeywords(raw string) []string {
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration required by the API process and agentctl.
// Values come from env (or an env file named by ENV_PATH).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Twilio     TwilioConfig
	Calls      CallsConfig
	Retry      RetryConfig
	Dispatcher DispatcherConfig
	Notifier   NotifierConfig
}

type AppConfig struct {
	Env      string `validate:"required,oneof=local dev staging production"`
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string

	// PublicBaseURL is where the platform and the dispatcher reach this service.
	PublicBaseURL string `validate:"required,url"`
}

type DBConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"min=1,max=65535"`
	User     string `validate:"required"`
	Password string
	Name     string `validate:"required"`

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	AutoMigrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret        string `validate:"required"`
	JWTIssuer        string
	JWTAudience      string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	CallbackTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	RingTimeout int
}

type CallsConfig struct {
	// MockMode synthesizes call ids locally and never reaches the platform.
	MockMode     bool
	DefaultRealm string
	OperatorIDs  []string
}

type RetryConfig struct {
	MaxAge     time.Duration
	SweepSpec  string
	SweepGrace time.Duration
}

type DispatcherConfig struct {
	Mode         string `validate:"oneof=http redis"`
	URL          string
	Token        string
	RedisKey     string
	PollInterval time.Duration
}

type NotifierConfig struct {
	Mode          string `validate:"oneof=telegram log"`
	TelegramToken string
	// RetryLinkTemplate is the missed-call button target; "{sid}" is replaced
	// with the session id. Empty disables the button.
	RetryLinkTemplate string
}

// Load reads configuration through viper and validates it.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := strings.TrimSpace(os.Getenv("ENV_PATH")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	c := Config{}
	c.App.Env = strings.TrimSpace(v.GetString("APP_ENV"))
	c.App.Port = v.GetInt("APP_PORT")
	c.App.LogLevel = v.GetString("LOG_LEVEL")
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(v.GetString("PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(v.GetString("DB_HOST"))
	c.DB.Port = v.GetInt("DB_PORT")
	c.DB.User = strings.TrimSpace(v.GetString("DB_USER"))
	c.DB.Password = v.GetString("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(v.GetString("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(v.GetString("DB_SSLMODE"))
	c.DB.AutoMigrate = v.GetBool("DB_AUTO_MIGRATE")

	c.Redis.Host = strings.TrimSpace(v.GetString("REDIS_HOST"))
	c.Redis.Port = v.GetInt("REDIS_PORT")
	c.Redis.Password = v.GetString("REDIS_PASSWORD")

	c.Auth.JWTSecret = v.GetString("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(v.GetString("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(v.GetString("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = v.GetDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = v.GetDuration("JWT_REFRESH_TTL")
	c.Auth.CallbackTokenTTL = v.GetDuration("JWT_CALLBACK_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(v.GetString("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = v.GetString("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(v.GetString("TWILIO_FROM_NUMBER"))
	c.Twilio.RingTimeout = v.GetInt("TWILIO_RING_TIMEOUT")

	c.Calls.MockMode = v.GetBool("CALLS_MOCK_MODE")
	c.Calls.DefaultRealm = strings.TrimSpace(v.GetString("CALLS_DEFAULT_REALM"))
	c.Calls.OperatorIDs = splitList(v.GetString("CALLS_OPERATOR_IDS"))

	c.Retry.MaxAge = v.GetDuration("RETRY_MAX_AGE")
	c.Retry.SweepSpec = strings.TrimSpace(v.GetString("RETRY_SWEEP_SPEC"))
	c.Retry.SweepGrace = v.GetDuration("RETRY_SWEEP_GRACE")

	c.Dispatcher.Mode = strings.TrimSpace(v.GetString("DISPATCHER_MODE"))
	c.Dispatcher.URL = strings.TrimSpace(v.GetString("DISPATCHER_URL"))
	c.Dispatcher.Token = v.GetString("DISPATCHER_TOKEN")
	c.Dispatcher.RedisKey = strings.TrimSpace(v.GetString("DISPATCHER_REDIS_KEY"))
	c.Dispatcher.PollInterval = v.GetDuration("DISPATCHER_POLL_INTERVAL")

	c.Notifier.Mode = strings.TrimSpace(v.GetString("NOTIFIER_MODE"))
	c.Notifier.TelegramToken = v.GetString("TELEGRAM_BOT_TOKEN")
	c.Notifier.RetryLinkTemplate = strings.TrimSpace(v.GetString("NOTIFIER_RETRY_LINK"))

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", 8080)
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("TWILIO_RING_TIMEOUT", 30)
	v.SetDefault("CALLS_DEFAULT_REALM", "default")
	v.SetDefault("RETRY_MAX_AGE", "24h")
	v.SetDefault("RETRY_SWEEP_SPEC", "@every 1m")
	v.SetDefault("RETRY_SWEEP_GRACE", "2m")
	v.SetDefault("DISPATCHER_MODE", "http")
	v.SetDefault("DISPATCHER_REDIS_KEY", "agentcall:retry-jobs")
	v.SetDefault("DISPATCHER_POLL_INTERVAL", "1s")
	v.SetDefault("NOTIFIER_MODE", "log")
}

var validate = validator.New()

// Validate checks struct tags first, then cross-field rules, and fills
// env-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Calls.MockMode {
			errs = append(errs, errors.New("CALLS_MOCK_MODE must be false in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.CallbackTokenTTL <= 0 {
		// Must outlive the retry delay plus dispatcher redelivery.
		c.Auth.CallbackTokenTTL = 2 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if !c.Calls.MockMode {
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required unless CALLS_MOCK_MODE=true"))
		}
		if c.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required unless CALLS_MOCK_MODE=true"))
		}
	}

	switch c.Dispatcher.Mode {
	case "http":
		if c.Dispatcher.URL == "" {
			errs = append(errs, errors.New("DISPATCHER_URL is required when DISPATCHER_MODE=http"))
		}
	case "redis":
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when DISPATCHER_MODE=redis"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
		if c.Dispatcher.RedisKey == "" {
			c.Dispatcher.RedisKey = "agentcall:retry-jobs"
		}
		if c.Dispatcher.PollInterval <= 0 {
			c.Dispatcher.PollInterval = time.Second
		}
	}
	if c.Notifier.Mode == "telegram" && c.Notifier.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required when NOTIFIER_MODE=telegram"))
	}

	if c.Retry.MaxAge <= 0 {
		c.Retry.MaxAge = 24 * time.Hour
	}
	if c.Retry.SweepSpec == "" {
		c.Retry.SweepSpec = "@every 1m"
	}
	if c.Retry.SweepGrace <= 0 {
		c.Retry.SweepGrace = 2 * time.Minute
	}
	if c.Calls.DefaultRealm == "" {
		c.Calls.DefaultRealm = "default"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// CallbackURL is the webhook target registered with the telephony platform.
func (c Config) CallbackURL() string {
	return c.App.PublicBaseURL + "/webhooks/agent-calls/callback"
}

// RetryExecuteURL is the dispatcher target for delayed retry execution.
func (c Config) RetryExecuteURL() string {
	return c.App.PublicBaseURL + "/internal/agent-calls/retries/execute"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}

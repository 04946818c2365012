package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"voice-campaigns/internal/campaign"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from the environment, optionally seeded from a .env file.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Provider  ProviderConfig
	Webhooks  WebhookConfig
	Campaign  CampaignConfig
	Scheduler SchedulerConfig
	Sentry    SentryConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Migrate applies the embedded schema at boot.
	Migrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	// ChunkLock fronts the queue lease with a Redis lock.
	ChunkLock bool
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ServiceToken authorizes the internal chunk trigger endpoint.
	ServiceToken string
}

const (
	ProviderVoiceAPI  = "voiceapi"
	ProviderSimulated = "simulated"
)

type ProviderConfig struct {
	Kind                 string
	BaseURL              string
	APIKey               string
	DefaultPhoneNumberID string
	Timeout              time.Duration
}

type WebhookConfig struct {
	// SharedSecret guards the generic call-status endpoint (X-Webhook-Secret).
	SharedSecret string
	// TwilioAuthToken enables X-Twilio-Signature checks when set.
	TwilioAuthToken string
	// PublicBaseURL is the externally visible origin used to rebuild signed URLs.
	PublicBaseURL string
}

// CampaignConfig holds the dispatch defaults that campaign settings override.
type CampaignConfig struct {
	ConcurrencyLimit  int
	MaxAttempts       int
	RetryDelayMinutes int
	CallTimeout       time.Duration
	InterChunkDelay   time.Duration
	LeaseTTL          time.Duration
	CallsPerSecond    float64
	PhoneRegion       string
}

type SchedulerConfig struct {
	Enabled      bool
	Spec         string
	BatchSize    int
	ChunkTimeout time.Duration
}

type SentryConfig struct {
	DSN string
}

// Load reads configuration from the environment. A .env file (or the file
// named by ENV_FILE) is applied first without overriding variables already set.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	c := Config{}
	var parseErrs []error
	intVar := func(dst *int, key string, def int) {
		n, err := optionalInt(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = n
	}
	durVar := func(dst *time.Duration, key string, def time.Duration) {
		d, err := optionalDuration(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = d
	}
	boolVar := func(dst *bool, key string, def bool) {
		b, err := optionalBool(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = b
	}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	boolVar(&c.DB.Migrate, "DB_MIGRATE", false)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	intVar(&c.Redis.DB, "REDIS_DB", 0)
	boolVar(&c.Redis.ChunkLock, "REDIS_CHUNK_LOCK", true)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	durVar(&c.Auth.AccessTokenTTL, "JWT_ACCESS_TTL", 0)
	durVar(&c.Auth.RefreshTokenTTL, "JWT_REFRESH_TTL", 0)
	c.Auth.ServiceToken = os.Getenv("SERVICE_TOKEN")

	c.Provider.Kind = strings.ToLower(strings.TrimSpace(os.Getenv("VOICE_PROVIDER")))
	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("VOICE_API_BASE_URL"))
	c.Provider.APIKey = os.Getenv("VOICE_API_KEY")
	c.Provider.DefaultPhoneNumberID = strings.TrimSpace(os.Getenv("VOICE_PHONE_NUMBER_ID"))
	durVar(&c.Provider.Timeout, "VOICE_API_TIMEOUT", 10*time.Second)

	c.Webhooks.SharedSecret = os.Getenv("WEBHOOK_SECRET")
	c.Webhooks.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Webhooks.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	intVar(&c.Campaign.ConcurrencyLimit, "CAMPAIGN_CONCURRENCY_LIMIT", 10)
	intVar(&c.Campaign.MaxAttempts, "CAMPAIGN_MAX_ATTEMPTS", 3)
	intVar(&c.Campaign.RetryDelayMinutes, "CAMPAIGN_RETRY_DELAY_MINUTES", 0)
	durVar(&c.Campaign.CallTimeout, "CAMPAIGN_CALL_TIMEOUT", 15*time.Second)
	durVar(&c.Campaign.InterChunkDelay, "CAMPAIGN_INTER_CHUNK_DELAY", time.Second)
	durVar(&c.Campaign.LeaseTTL, "CAMPAIGN_LEASE_TTL", 2*time.Minute)
	{
		f, err := optionalFloat("CAMPAIGN_CALLS_PER_SECOND", 0)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Campaign.CallsPerSecond = f
	}
	c.Campaign.PhoneRegion = strings.ToUpper(strings.TrimSpace(os.Getenv("CAMPAIGN_PHONE_REGION")))

	boolVar(&c.Scheduler.Enabled, "SCHEDULER_ENABLED", true)
	c.Scheduler.Spec = strings.TrimSpace(os.Getenv("SCHEDULER_SPEC"))
	intVar(&c.Scheduler.BatchSize, "SCHEDULER_BATCH_SIZE", 50)
	durVar(&c.Scheduler.ChunkTimeout, "SCHEDULER_CHUNK_TIMEOUT", 5*time.Minute)

	c.Sentry.DSN = strings.TrimSpace(os.Getenv("SENTRY_DSN"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills optional values that have environment-dependent defaults.
func (c *Config) ApplyDefaults() {
	if c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderVoiceAPI
		if !c.IsProduction() && c.Provider.BaseURL == "" {
			c.Provider.Kind = ProviderSimulated
		}
	}
	if c.Campaign.PhoneRegion == "" {
		c.Campaign.PhoneRegion = "US"
	}
	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = "@every 5s"
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Auth.ServiceToken == "" {
			errs = append(errs, errors.New("SERVICE_TOKEN is required in production"))
		}
		if c.Webhooks.SharedSecret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	switch c.Provider.Kind {
	case ProviderVoiceAPI:
		if c.Provider.BaseURL == "" {
			errs = append(errs, errors.New("VOICE_API_BASE_URL is required for the voiceapi provider"))
		}
		if c.Provider.APIKey == "" {
			errs = append(errs, errors.New("VOICE_API_KEY is required for the voiceapi provider"))
		}
	case ProviderSimulated:
		if c.IsProduction() {
			errs = append(errs, errors.New("VOICE_PROVIDER=simulated is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("VOICE_PROVIDER must be one of voiceapi, simulated, got %q", c.Provider.Kind))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("VOICE_API_TIMEOUT must be positive"))
	}
	if c.Webhooks.TwilioAuthToken != "" && c.Webhooks.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required when TWILIO_AUTH_TOKEN is set"))
	}

	if c.Campaign.ConcurrencyLimit < 1 {
		errs = append(errs, fmt.Errorf("CAMPAIGN_CONCURRENCY_LIMIT must be at least 1, got %d", c.Campaign.ConcurrencyLimit))
	}
	if c.Campaign.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("CAMPAIGN_MAX_ATTEMPTS must be at least 1, got %d", c.Campaign.MaxAttempts))
	}
	if c.Campaign.RetryDelayMinutes < 0 {
		errs = append(errs, errors.New("CAMPAIGN_RETRY_DELAY_MINUTES must not be negative"))
	}
	if c.Campaign.CallTimeout <= 0 {
		errs = append(errs, errors.New("CAMPAIGN_CALL_TIMEOUT must be positive"))
	}
	if c.Campaign.LeaseTTL <= c.Campaign.CallTimeout+campaign.PersistTimeout {
		errs = append(errs, fmt.Errorf("CAMPAIGN_LEASE_TTL must be greater than CAMPAIGN_CALL_TIMEOUT plus %s", campaign.PersistTimeout))
	}
	if c.Campaign.InterChunkDelay < 0 || c.Campaign.CallsPerSecond < 0 {
		errs = append(errs, errors.New("CAMPAIGN_INTER_CHUNK_DELAY and CAMPAIGN_CALLS_PER_SECOND must not be negative"))
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.BatchSize < 1 {
			errs = append(errs, fmt.Errorf("SCHEDULER_BATCH_SIZE must be at least 1, got %d", c.Scheduler.BatchSize))
		}
		if c.Scheduler.ChunkTimeout <= c.Campaign.CallTimeout {
			errs = append(errs, errors.New("SCHEDULER_CHUNK_TIMEOUT must be greater than CAMPAIGN_CALL_TIMEOUT"))
		}
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

func loadEnvFile() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func optionalBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func optionalDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
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

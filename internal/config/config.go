package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	Log   LogConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Calls CallsConfig
	Media MediaConfig
}

type AppConfig struct {
	Env  string
	Port int
	// AllowedOrigins are the browser origins allowed to open the event
	// channel. Empty means same-origin only; "*" allows any origin outside
	// production.
	AllowedOrigins []string
}

// LogConfig enables an optional rotating log file next to stdout.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
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
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// CallsConfig holds the timing and billing knobs of the call session orchestrator.
type CallsConfig struct {
	ResponseWindow  time.Duration
	FreeAllowance   time.Duration
	TickInterval    time.Duration
	LowBalanceGrace time.Duration
	DisconnectGrace time.Duration
	JoinTimeout     time.Duration
	SweepInterval   time.Duration
	SweepBuffer     time.Duration
	EvictionGrace   time.Duration
	// GuardTTL is the lifetime of the cross-instance caller lease. Live calls
	// renew it; a crashed instance's lease lapses after at most this long.
	GuardTTL time.Duration
	// OrphanAfter is how long an accepted or active record may go without an
	// update before the sweeper treats its owner as gone.
	OrphanAfter time.Duration
	PresenceTTL time.Duration

	Workers int

	Currency             string
	MinStartBalanceMinor int64

	// InitiateRate is the sustained number of initiate requests per second per caller.
	InitiateRate  float64
	InitiateBurst int
}

// MediaConfig points at the external media transport (room/token handshake only).
type MediaConfig struct {
	URL          string
	APIKey       string
	APISecret    string
	TokenTTL     time.Duration
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.App.AllowedOrigins = splitList(os.Getenv("WS_ALLOWED_ORIGINS"))

	c.Log.File = strings.TrimSpace(os.Getenv("LOG_FILE"))
	c.Log.MaxSizeMB = optionalInt("LOG_FILE_MAX_MB")
	c.Log.MaxBackups = optionalInt("LOG_FILE_MAX_BACKUPS")
	c.Log.MaxAgeDays = optionalInt("LOG_FILE_MAX_AGE_DAYS")

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

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Calls.ResponseWindow = mustDuration("CALL_RESPONSE_WINDOW")
	c.Calls.FreeAllowance = mustDuration("CALL_FREE_ALLOWANCE")
	c.Calls.TickInterval = mustDuration("CALL_TICK_INTERVAL")
	c.Calls.LowBalanceGrace = mustDuration("CALL_LOW_BALANCE_GRACE")
	c.Calls.DisconnectGrace = mustDuration("CALL_DISCONNECT_GRACE")
	c.Calls.JoinTimeout = mustDuration("CALL_JOIN_TIMEOUT")
	c.Calls.SweepInterval = mustDuration("CALL_SWEEP_INTERVAL")
	c.Calls.SweepBuffer = mustDuration("CALL_SWEEP_BUFFER")
	c.Calls.EvictionGrace = mustDuration("CALL_EVICTION_GRACE")
	c.Calls.GuardTTL = mustDuration("CALL_GUARD_TTL")
	c.Calls.OrphanAfter = mustDuration("CALL_ORPHAN_AFTER")
	c.Calls.PresenceTTL = mustDuration("CALL_PRESENCE_TTL")
	c.Calls.Workers = optionalInt("CALL_WORKERS")
	c.Calls.Currency = strings.ToUpper(strings.TrimSpace(os.Getenv("CALL_CURRENCY")))
	c.Calls.MinStartBalanceMinor = int64(optionalInt("CALL_MIN_START_BALANCE_MINOR"))
	c.Calls.InitiateRate = optionalFloat("CALL_INITIATE_RATE")
	c.Calls.InitiateBurst = optionalInt("CALL_INITIATE_BURST")

	c.Media.URL = strings.TrimRight(strings.TrimSpace(os.Getenv("MEDIA_URL")), "/")
	c.Media.APIKey = strings.TrimSpace(os.Getenv("MEDIA_API_KEY"))
	c.Media.APISecret = os.Getenv("MEDIA_API_SECRET")
	c.Media.TokenTTL = mustDuration("MEDIA_TOKEN_TTL")
	c.Media.Timeout = mustDuration("MEDIA_TIMEOUT")
	c.Media.Retries = optionalInt("MEDIA_RETRIES")
	c.Media.RetryBackoff = mustDuration("MEDIA_RETRY_BACKOFF")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills in defaults for optional ones.
func (c *Config) Validate() error {
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
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.IsProduction() {
		for _, o := range c.App.AllowedOrigins {
			if o == "*" {
				errs = append(errs, errors.New("WS_ALLOWED_ORIGINS must not contain * in production"))
				break
			}
		}
	}

	errs = append(errs, c.Calls.applyDefaults()...)
	errs = append(errs, c.Media.applyDefaults(c.IsProduction())...)

	return joinErrors(errs)
}

func (c *CallsConfig) applyDefaults() []error {
	var errs []error
	setDuration(&c.ResponseWindow, 30*time.Second)
	setDuration(&c.FreeAllowance, 60*time.Second)
	setDuration(&c.TickInterval, time.Second)
	setDuration(&c.LowBalanceGrace, 8*time.Second)
	setDuration(&c.DisconnectGrace, 15*time.Second)
	setDuration(&c.JoinTimeout, 60*time.Second)
	setDuration(&c.SweepInterval, 5*time.Second)
	setDuration(&c.SweepBuffer, 5*time.Second)
	setDuration(&c.EvictionGrace, 30*time.Second)
	setDuration(&c.GuardTTL, 2*time.Minute)
	setDuration(&c.OrphanAfter, 3*time.Minute)
	setDuration(&c.PresenceTTL, 45*time.Second)
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.InitiateRate <= 0 {
		c.InitiateRate = 1
	}
	if c.InitiateBurst <= 0 {
		c.InitiateBurst = 3
	}

	if c.TickInterval < time.Second {
		errs = append(errs, fmt.Errorf("CALL_TICK_INTERVAL must be at least 1s, got %s", c.TickInterval))
	}
	if c.MinStartBalanceMinor < 0 {
		errs = append(errs, errors.New("CALL_MIN_START_BALANCE_MINOR must not be negative"))
	}
	if c.GuardTTL <= c.ResponseWindow+c.JoinTimeout {
		errs = append(errs, fmt.Errorf("CALL_GUARD_TTL must exceed CALL_RESPONSE_WINDOW + CALL_JOIN_TIMEOUT (%s), got %s", c.ResponseWindow+c.JoinTimeout, c.GuardTTL))
	}
	if c.OrphanAfter <= c.JoinTimeout+c.SweepBuffer {
		errs = append(errs, fmt.Errorf("CALL_ORPHAN_AFTER must exceed CALL_JOIN_TIMEOUT + CALL_SWEEP_BUFFER (%s), got %s", c.JoinTimeout+c.SweepBuffer, c.OrphanAfter))
	}
	if c.LowBalanceGrace > time.Minute {
		errs = append(errs, fmt.Errorf("CALL_LOW_BALANCE_GRACE must be at most 1m, got %s", c.LowBalanceGrace))
	}
	return errs
}

func (c *MediaConfig) applyDefaults(production bool) []error {
	var errs []error
	setDuration(&c.TokenTTL, 2*time.Hour)
	setDuration(&c.Timeout, 5*time.Second)
	setDuration(&c.RetryBackoff, 200*time.Millisecond)
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if production {
		if c.APIKey == "" {
			errs = append(errs, errors.New("MEDIA_API_KEY is required in production"))
		}
		if c.APISecret == "" {
			errs = append(errs, errors.New("MEDIA_API_SECRET is required in production"))
		}
		return errs
	}
	// Matches the media server's --dev key pair.
	if c.APIKey == "" {
		c.APIKey = "devkey"
	}
	if c.APISecret == "" {
		c.APISecret = "secret"
	}
	return errs
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

// optionalInt returns 0 for missing or malformed values so Validate can default them.
func optionalInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return 0
	}
	return n
}

func optionalFloat(key string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return 0
	}
	return f
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
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

// splitList parses a comma-separated env value, dropping blanks and trailing slashes.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package config loads application configuration from environment variables,
// optionally layered over a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/ericfisherdev/msgscheduler/internal/secretbox"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Delivery drivers.
const (
	DeliverySlack    = "slack"
	DeliveryTelegram = "telegram"
)

// Journal drivers.
const (
	JournalMemory = "memory"
	JournalRedis  = "redis"
)

// minSessionSecretLen is the shortest accepted session signing secret.
const minSessionSecretLen = 32

// Config holds the application configuration.
type Config struct {
	ListenAddr      string
	FrontendBaseURL string
	CORSOrigins     []string
	SessionSecret   string
	CookieSecure    bool
	ShutdownTimeout time.Duration

	StoreDriver   string
	DBPath        string
	PostgresDSN   string
	StoreTimeout  time.Duration
	EncryptionKey []byte

	DeliveryDriver    string
	SendRatePerSec    int
	ChannelCacheTTL   time.Duration
	TokenCacheSize    int
	SlackClientID     string
	SlackClientSecret string
	SlackRedirectURI  string
	SlackAPIURL       string
	SlackAuthorizeURL string
	TelegramAPIURL    string

	FireTimeout     time.Duration
	ExpirySkew      time.Duration
	ExpiryCheckSpec string

	JournalDriver string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	LogLevel  string
	LogFormat string
}

// fileConfig mirrors Config for the YAML file. Durations are strings so the
// file accepts the same "30s" syntax as the environment.
type fileConfig struct {
	ListenAddr      *string `yaml:"listen_addr"`
	FrontendBaseURL *string `yaml:"frontend_base_url"`
	CORSOrigins     *string `yaml:"cors_origins"`
	SessionSecret   *string `yaml:"session_secret"`
	CookieSecure    *bool   `yaml:"cookie_secure"`
	ShutdownTimeout *string `yaml:"shutdown_timeout"`

	Store struct {
		Driver        *string `yaml:"driver"`
		Path          *string `yaml:"path"`
		PostgresDSN   *string `yaml:"postgres_dsn"`
		Timeout       *string `yaml:"timeout"`
		EncryptionKey *string `yaml:"encryption_key"`
	} `yaml:"store"`

	Delivery struct {
		Driver            *string `yaml:"driver"`
		RatePerSec        *int    `yaml:"rate_per_sec"`
		ChannelCacheTTL   *string `yaml:"channel_cache_ttl"`
		TokenCacheSize    *int    `yaml:"token_cache_size"`
		SlackClientID     *string `yaml:"slack_client_id"`
		SlackClientSecret *string `yaml:"slack_client_secret"`
		SlackRedirectURI  *string `yaml:"slack_redirect_uri"`
		SlackAPIURL       *string `yaml:"slack_api_url"`
		SlackAuthorizeURL *string `yaml:"slack_authorize_url"`
		TelegramAPIURL    *string `yaml:"telegram_api_url"`
	} `yaml:"delivery"`

	Scheduler struct {
		FireTimeout     *string `yaml:"fire_timeout"`
		ExpirySkew      *string `yaml:"expiry_skew"`
		ExpiryCheckSpec *string `yaml:"expiry_check"`
	} `yaml:"scheduler"`

	Journal struct {
		Driver        *string `yaml:"driver"`
		RedisAddr     *string `yaml:"redis_addr"`
		RedisUsername *string `yaml:"redis_username"`
		RedisPassword *string `yaml:"redis_password"`
		RedisDB       *int    `yaml:"redis_db"`
		RedisKey      *string `yaml:"redis_key"`
	} `yaml:"journal"`

	Log struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
	} `yaml:"log"`
}

// raw holds every setting as text before parsing, so the file and the
// environment go through the same validation.
type raw struct {
	values map[string]string
}

func (r *raw) set(key string, v *string) {
	if v != nil {
		r.values[key] = *v
	}
}

func (r *raw) setInt(key string, v *int) {
	if v != nil {
		r.values[key] = strconv.Itoa(*v)
	}
}

func (r *raw) setBool(key string, v *bool) {
	if v != nil {
		r.values[key] = strconv.FormatBool(*v)
	}
}

// Environment variable names.
const (
	EnvConfigFile        = "MSGSCHED_CONFIG_FILE"
	EnvListenAddr        = "MSGSCHED_LISTEN_ADDR"
	EnvFrontendBaseURL   = "MSGSCHED_FRONTEND_BASE_URL"
	EnvCORSOrigins       = "MSGSCHED_CORS_ORIGINS"
	EnvSessionSecret     = "MSGSCHED_SESSION_SECRET"
	EnvCookieSecure      = "MSGSCHED_COOKIE_SECURE"
	EnvShutdownTimeout   = "MSGSCHED_SHUTDOWN_TIMEOUT"
	EnvStoreDriver       = "MSGSCHED_STORE_DRIVER"
	EnvDBPath            = "MSGSCHED_DB_PATH"
	EnvPostgresDSN       = "MSGSCHED_POSTGRES_DSN"
	EnvStoreTimeout      = "MSGSCHED_STORE_TIMEOUT"
	EnvSecretKey         = "MSGSCHED_SECRET_KEY"
	EnvDeliveryDriver    = "MSGSCHED_DELIVERY_DRIVER"
	EnvSendRate          = "MSGSCHED_SEND_RATE"
	EnvChannelCacheTTL   = "MSGSCHED_CHANNEL_CACHE_TTL"
	EnvTokenCacheSize    = "MSGSCHED_TOKEN_CACHE_SIZE"
	EnvSlackClientID     = "MSGSCHED_SLACK_CLIENT_ID"
	EnvSlackClientSecret = "MSGSCHED_SLACK_CLIENT_SECRET"
	EnvSlackRedirectURI  = "MSGSCHED_SLACK_REDIRECT_URI"
	EnvSlackAPIURL       = "MSGSCHED_SLACK_API_URL"
	EnvSlackAuthorizeURL = "MSGSCHED_SLACK_AUTHORIZE_URL"
	EnvTelegramAPIURL    = "MSGSCHED_TELEGRAM_API_URL"
	EnvFireTimeout       = "MSGSCHED_FIRE_TIMEOUT"
	EnvExpirySkew        = "MSGSCHED_EXPIRY_SKEW"
	EnvExpiryCheck       = "MSGSCHED_EXPIRY_CHECK"
	EnvJournalDriver     = "MSGSCHED_JOURNAL_DRIVER"
	EnvRedisAddr         = "MSGSCHED_REDIS_ADDR"
	EnvRedisUsername     = "MSGSCHED_REDIS_USERNAME"
	EnvRedisPassword     = "MSGSCHED_REDIS_PASSWORD"
	EnvRedisDB           = "MSGSCHED_REDIS_DB"
	EnvRedisKey          = "MSGSCHED_REDIS_KEY"
	EnvLogLevel          = "MSGSCHED_LOG_LEVEL"
	EnvLogFormat         = "MSGSCHED_LOG_FORMAT"
)

// envKeys lists every variable Load reads besides EnvConfigFile.
var envKeys = []string{
	EnvListenAddr, EnvFrontendBaseURL, EnvCORSOrigins, EnvSessionSecret, EnvCookieSecure, EnvShutdownTimeout,
	EnvStoreDriver, EnvDBPath, EnvPostgresDSN, EnvStoreTimeout, EnvSecretKey,
	EnvDeliveryDriver, EnvSendRate, EnvChannelCacheTTL, EnvTokenCacheSize, EnvSlackClientID, EnvSlackClientSecret, EnvSlackRedirectURI,
	EnvSlackAPIURL, EnvSlackAuthorizeURL, EnvTelegramAPIURL,
	EnvFireTimeout, EnvExpirySkew, EnvExpiryCheck,
	EnvJournalDriver, EnvRedisAddr, EnvRedisUsername, EnvRedisPassword, EnvRedisDB, EnvRedisKey,
	EnvLogLevel, EnvLogFormat,
}

// Load reads configuration and returns a validated Config.
//
// When MSGSCHED_CONFIG_FILE names a YAML file its values are applied first;
// MSGSCHED_* environment variables override them. MSGSCHED_SESSION_SECRET
// (at least 32 bytes) is always required, and the Slack client id, secret and
// redirect URI are required when the delivery driver is slack.
func Load() (*Config, error) {
	r := &raw{values: make(map[string]string)}

	if path, ok := os.LookupEnv(EnvConfigFile); ok && path != "" {
		if err := r.loadFile(path); err != nil {
			return nil, err
		}
	}

	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			r.values[key] = v
		}
	}

	return r.parse()
}

func (r *raw) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s: read %q: %w", EnvConfigFile, path, err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: parse %q: %w", EnvConfigFile, path, err)
	}

	r.set(EnvListenAddr, fc.ListenAddr)
	r.set(EnvFrontendBaseURL, fc.FrontendBaseURL)
	r.set(EnvCORSOrigins, fc.CORSOrigins)
	r.set(EnvSessionSecret, fc.SessionSecret)
	r.setBool(EnvCookieSecure, fc.CookieSecure)
	r.set(EnvShutdownTimeout, fc.ShutdownTimeout)

	r.set(EnvStoreDriver, fc.Store.Driver)
	r.set(EnvDBPath, fc.Store.Path)
	r.set(EnvPostgresDSN, fc.Store.PostgresDSN)
	r.set(EnvStoreTimeout, fc.Store.Timeout)
	r.set(EnvSecretKey, fc.Store.EncryptionKey)

	r.set(EnvDeliveryDriver, fc.Delivery.Driver)
	r.setInt(EnvSendRate, fc.Delivery.RatePerSec)
	r.set(EnvChannelCacheTTL, fc.Delivery.ChannelCacheTTL)
	r.setInt(EnvTokenCacheSize, fc.Delivery.TokenCacheSize)
	r.set(EnvSlackClientID, fc.Delivery.SlackClientID)
	r.set(EnvSlackClientSecret, fc.Delivery.SlackClientSecret)
	r.set(EnvSlackRedirectURI, fc.Delivery.SlackRedirectURI)
	r.set(EnvSlackAPIURL, fc.Delivery.SlackAPIURL)
	r.set(EnvSlackAuthorizeURL, fc.Delivery.SlackAuthorizeURL)
	r.set(EnvTelegramAPIURL, fc.Delivery.TelegramAPIURL)

	r.set(EnvFireTimeout, fc.Scheduler.FireTimeout)
	r.set(EnvExpirySkew, fc.Scheduler.ExpirySkew)
	r.set(EnvExpiryCheck, fc.Scheduler.ExpiryCheckSpec)

	r.set(EnvJournalDriver, fc.Journal.Driver)
	r.set(EnvRedisAddr, fc.Journal.RedisAddr)
	r.set(EnvRedisUsername, fc.Journal.RedisUsername)
	r.set(EnvRedisPassword, fc.Journal.RedisPassword)
	r.setInt(EnvRedisDB, fc.Journal.RedisDB)
	r.set(EnvRedisKey, fc.Journal.RedisKey)

	r.set(EnvLogLevel, fc.Log.Level)
	r.set(EnvLogFormat, fc.Log.Format)
	return nil
}

func (r *raw) parse() (*Config, error) {
	cfg := &Config{
		ListenAddr:        r.str(EnvListenAddr, "127.0.0.1:8080"),
		FrontendBaseURL:   strings.TrimRight(r.str(EnvFrontendBaseURL, "http://localhost:5173"), "/"),
		SessionSecret:     r.str(EnvSessionSecret, ""),
		StoreDriver:       strings.ToLower(r.str(EnvStoreDriver, StoreSQLite)),
		DBPath:            r.str(EnvDBPath, "msgscheduler.db"),
		PostgresDSN:       r.str(EnvPostgresDSN, ""),
		DeliveryDriver:    strings.ToLower(r.str(EnvDeliveryDriver, DeliverySlack)),
		SlackClientID:     r.str(EnvSlackClientID, ""),
		SlackClientSecret: r.str(EnvSlackClientSecret, ""),
		SlackRedirectURI:  r.str(EnvSlackRedirectURI, ""),
		SlackAPIURL:       r.str(EnvSlackAPIURL, ""),
		SlackAuthorizeURL: r.str(EnvSlackAuthorizeURL, ""),
		TelegramAPIURL:    r.str(EnvTelegramAPIURL, ""),
		ExpiryCheckSpec:   r.str(EnvExpiryCheck, "@every 5m"),
		JournalDriver:     strings.ToLower(r.str(EnvJournalDriver, JournalMemory)),
		RedisAddr:         r.str(EnvRedisAddr, "127.0.0.1:6379"),
		RedisUsername:     r.str(EnvRedisUsername, ""),
		RedisPassword:     r.str(EnvRedisPassword, ""),
		RedisKey:          r.str(EnvRedisKey, ""),
		LogLevel:          r.str(EnvLogLevel, "info"),
		LogFormat:         strings.ToLower(r.str(EnvLogFormat, "json")),
	}

	cfg.CORSOrigins = splitList(r.str(EnvCORSOrigins, ""))
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{cfg.FrontendBaseURL}
	}

	var err error
	if cfg.CookieSecure, err = r.boolean(EnvCookieSecure, false); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = r.duration(EnvShutdownTimeout, 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = r.duration(EnvStoreTimeout, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.FireTimeout, err = r.duration(EnvFireTimeout, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ExpirySkew, err = r.duration(EnvExpirySkew, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SendRatePerSec, err = r.integer(EnvSendRate, 5); err != nil {
		return nil, err
	}
	if cfg.ChannelCacheTTL, err = r.duration(EnvChannelCacheTTL, time.Minute); err != nil {
		return nil, err
	}
	if cfg.TokenCacheSize, err = r.integer(EnvTokenCacheSize, 256); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = r.integer(EnvRedisDB, 0); err != nil {
		return nil, err
	}
	if cfg.EncryptionKey, err = secretbox.ParseKey(r.str(EnvSecretKey, "")); err != nil {
		return nil, fmt.Errorf("%s: %w", EnvSecretKey, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.SessionSecret) < minSessionSecretLen {
		return fmt.Errorf("%s must be at least %d bytes", EnvSessionSecret, minSessionSecretLen)
	}
	if c.SendRatePerSec < 0 {
		return fmt.Errorf("%s must not be negative", EnvSendRate)
	}
	if c.TokenCacheSize < 1 {
		return fmt.Errorf("%s must be at least 1", EnvTokenCacheSize)
	}

	switch c.StoreDriver {
	case StoreSQLite:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvPostgresDSN, EnvStoreDriver, StorePostgres)
		}
	default:
		return fmt.Errorf("%s has unknown driver %q", EnvStoreDriver, c.StoreDriver)
	}

	switch c.DeliveryDriver {
	case DeliverySlack:
		var missing []string
		if c.SlackClientID == "" {
			missing = append(missing, EnvSlackClientID)
		}
		if c.SlackClientSecret == "" {
			missing = append(missing, EnvSlackClientSecret)
		}
		if c.SlackRedirectURI == "" {
			missing = append(missing, EnvSlackRedirectURI)
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required settings for slack delivery: %s", strings.Join(missing, ", "))
		}
	case DeliveryTelegram:
	default:
		return fmt.Errorf("%s has unknown driver %q", EnvDeliveryDriver, c.DeliveryDriver)
	}

	switch c.JournalDriver {
	case JournalMemory, JournalRedis:
	default:
		return fmt.Errorf("%s has unknown driver %q", EnvJournalDriver, c.JournalDriver)
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%s must be json or console, got %q", EnvLogFormat, c.LogFormat)
	}
	return nil
}

func (r *raw) str(key, def string) string {
	if v, ok := r.values[key]; ok {
		return v
	}
	return def
}

func (r *raw) duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := r.values[key]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %q", key, v)
	}
	return d, nil
}

func (r *raw) integer(key string, def int) (int, error) {
	v, ok := r.values[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func (r *raw) boolean(key string, def bool) (bool, error) {
	v, ok := r.values[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimRight(strings.TrimSpace(item), "/")
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

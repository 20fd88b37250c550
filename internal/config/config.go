// Package config loads and validates the mailbridge YAML configuration.
// It applies defaults so the server can rely on fully populated values.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/crypto"
	"github.com/jmcleod/mailbridge/internal/logging"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageBbolt    = "bbolt"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Session backends.
const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// AuditConfig configures the outbound audit webhook.
type AuditConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookHeader string `yaml:"webhook_header"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Bind           string      `yaml:"bind"`
	Port           int         `yaml:"port"`
	TLS            TLSConfig   `yaml:"tls"`
	TrustedProxies []string    `yaml:"trusted_proxies"`
	Audit          AuditConfig `yaml:"audit"`
}

// StorageConfig selects the credential store.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the database file for bbolt and sqlite.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

// RedisConfig holds Redis connection settings for host sessions.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// WrappingKey is the base64 encoded 32-byte key sealing session values.
	WrappingKey string `yaml:"wrapping_key"`
}

// SessionConfig holds host session settings.
type SessionConfig struct {
	Backend     string        `yaml:"backend"`
	MaxAge      time.Duration `yaml:"max_age"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Redis       RedisConfig   `yaml:"redis"`
}

// WebmailConfig locates the Roundcube install and tunes the bridge.
type WebmailConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Path string `yaml:"path"`
	// Secure forces https even when the portal request arrived over http.
	Secure bool `yaml:"secure"`
	// InternalAddress is the URL the server uses to reach the install,
	// used verbatim when set.
	InternalAddress  string        `yaml:"internal_address"`
	AutoLogin        bool          `yaml:"auto_login"`
	RemoveHeaderNav  bool          `yaml:"remove_header_nav"`
	RemoveControlNav bool          `yaml:"remove_control_nav"`
	NoSSLVerify      bool          `yaml:"no_ssl_verify"`
	Debug            bool          `yaml:"debug"`
	Timeout          time.Duration `yaml:"timeout"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
}

// CryptoConfig holds key pair parameters.
type CryptoConfig struct {
	KDFProfile string `yaml:"kdf_profile"`
	KeyBits    int    `yaml:"key_bits"`
}

// Config mirrors the mailbridge.yaml schema.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	DataDir string        `yaml:"data_dir"`
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Webmail WebmailConfig `yaml:"webmail"`
	Crypto  CryptoConfig  `yaml:"crypto"`
}

// Load reads a YAML config file, applies overrides, then defaults, and
// validates the result. An empty path yields the defaults alone.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	for _, o := range overrides {
		o(&c)
	}
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return Config{}, err
	}
	c.DataDir = filepath.Clean(strings.TrimSpace(c.DataDir))
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	c.HTTP.TLS.CertPath = strings.TrimSpace(c.HTTP.TLS.CertPath)
	c.HTTP.TLS.KeyPath = strings.TrimSpace(c.HTTP.TLS.KeyPath)
	return c, nil
}

// applyDefaults populates zero-values with sane defaults.
func applyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = string(logging.FormatConsole)
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8443
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBbolt
	}
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case StorageBbolt:
			c.Storage.Path = filepath.Join(c.DataDir, "mailbridge.db")
		case StorageSQLite:
			c.Storage.Path = filepath.Join(c.DataDir, "mailbridge.sqlite")
		}
	}
	if c.Session.Backend == "" {
		c.Session.Backend = SessionMemory
	}
	if c.Session.MaxAge == 0 {
		c.Session.MaxAge = 24 * time.Hour
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Webmail.Host == "" {
		c.Webmail.Host = "localhost"
	}
	if c.Webmail.Path == "" {
		c.Webmail.Path = "roundcube"
	}
	if c.Webmail.Timeout == 0 {
		c.Webmail.Timeout = 15 * time.Second
	}
	if c.Webmail.RetryDelay == 0 {
		c.Webmail.RetryDelay = bridge.DefaultPolicy.Delay
	}
	if c.Crypto.KDFProfile == "" {
		c.Crypto.KDFProfile = crypto.KDFProfileModerate
	}
	if c.Crypto.KeyBits == 0 {
		c.Crypto.KeyBits = crypto.MinKeyBits
	}
}

// validate performs sanity checks for required fields and ranges.
// It does not mutate the config.
func validate(c *Config) error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port is invalid")
	}
	if (c.HTTP.TLS.CertPath == "") != (c.HTTP.TLS.KeyPath == "") {
		return errors.New("http.tls.cert_path and http.tls.key_path must be set together")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageBbolt, StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for %s", c.Storage.Backend)
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}

	switch c.Session.Backend {
	case SessionMemory:
	case SessionRedis:
		if c.Session.Redis.Addr == "" {
			return errors.New("session.redis.addr is required for redis")
		}
		if _, err := c.Session.Redis.Key(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("session.backend %q is not supported", c.Session.Backend)
	}
	if c.Session.MaxAge < 0 || c.Session.IdleTimeout < 0 {
		return errors.New("session durations must not be negative")
	}

	if strings.ContainsAny(c.Webmail.Host, " /") {
		return errors.New("webmail.host must be a bare host name")
	}
	if c.Webmail.Port != "" {
		if p, err := strconv.Atoi(c.Webmail.Port); err != nil || p <= 0 || p > 65535 {
			return errors.New("webmail.port is invalid")
		}
	}
	if c.Webmail.InternalAddress != "" &&
		!strings.HasPrefix(c.Webmail.InternalAddress, "http://") &&
		!strings.HasPrefix(c.Webmail.InternalAddress, "https://") {
		return errors.New("webmail.internal_address must be an http or https URL")
	}
	if c.Webmail.Timeout < 0 || c.Webmail.RetryDelay < 0 {
		return errors.New("webmail durations must not be negative")
	}

	if _, err := crypto.Argon2idProfile(c.Crypto.KDFProfile); err != nil {
		return fmt.Errorf("crypto.kdf_profile: %w", err)
	}
	switch c.Crypto.KeyBits {
	case 2048, 3072, 4096:
	default:
		return fmt.Errorf("crypto.key_bits must be 2048, 3072 or 4096, got %d", c.Crypto.KeyBits)
	}
	return nil
}

// Key decodes the session wrapping key. The MAILBRIDGE_SESSION_KEY
// environment variable takes precedence over the file value.
func (r RedisConfig) Key() ([]byte, error) {
	raw := r.WrappingKey
	if env := os.Getenv("MAILBRIDGE_SESSION_KEY"); env != "" {
		raw = env
	}
	if raw == "" {
		return nil, errors.New("session.redis.wrapping_key is required for redis")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("session.redis.wrapping_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session.redis.wrapping_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Bind, h.Port)
}

// Target returns the webmail location as seen by browsers.
func (w WebmailConfig) Target() bridge.Target {
	return bridge.Target{Host: w.Host, Port: w.Port, Path: w.Path, Secure: w.Secure}
}

// WebmailSettings implements bridge.SettingsProvider.
func (c *Config) WebmailSettings() bridge.Settings {
	return bridge.Settings{
		AutoLogin:        c.Webmail.AutoLogin,
		InternalAddress:  c.Webmail.InternalAddress,
		RemoveHeaderNav:  c.Webmail.RemoveHeaderNav,
		RemoveControlNav: c.Webmail.RemoveControlNav,
	}
}

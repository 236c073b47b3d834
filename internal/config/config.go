// Package config builds the engine's immutable runtime configuration.
//
// Sources, lowest precedence first: built-in defaults, an optional config file
// named by ENGINE_CONFIG (.toml, .yaml or .yml), then the process environment
// (after loading .env if present).
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	engerrors "github.com/tiara/engine/internal/errors"
)

const base64KeyPrefix = "base64:"

// Config is constructed once at startup and passed by value. Nothing mutates
// it afterwards.
type Config struct {
	AppName  string
	HTTPAddr string

	// SyncKey is the 256-bit envelope key.
	SyncKey []byte
	// WebhookURL receives status reports. Empty disables delivery.
	WebhookURL string
	// WebhookSecret is sent as X-Engine-Secret.
	WebhookSecret string

	LogLevel string
	LogDir   string

	Workers    int
	QueueSize  int
	RunTimeout time.Duration
	// RunHistory caps the in-memory run store.
	RunHistory int

	SSHConnectTimeout time.Duration
	SSHKnownHosts     string
	StagingDir        string
	CallbackTimeout   time.Duration

	PostgresDSN string
}

// fileConfig is the on-disk shape shared by the TOML and YAML loaders.
type fileConfig struct {
	AppName           string `toml:"app_name" yaml:"app_name"`
	HTTPAddr          string `toml:"http_addr" yaml:"http_addr"`
	SyncKey           string `toml:"sync_key" yaml:"sync_key"`
	WebhookURL        string `toml:"webhook_url" yaml:"webhook_url"`
	WebhookSecret     string `toml:"webhook_secret" yaml:"webhook_secret"`
	LogLevel          string `toml:"log_level" yaml:"log_level"`
	LogDir            string `toml:"log_dir" yaml:"log_dir"`
	Workers           int    `toml:"workers" yaml:"workers"`
	QueueSize         int    `toml:"queue_size" yaml:"queue_size"`
	RunHistory        int    `toml:"run_history" yaml:"run_history"`
	RunTimeout        string `toml:"run_timeout" yaml:"run_timeout"`
	SSHConnectTimeout string `toml:"ssh_connect_timeout" yaml:"ssh_connect_timeout"`
	SSHKnownHosts     string `toml:"ssh_known_hosts" yaml:"ssh_known_hosts"`
	StagingDir        string `toml:"staging_dir" yaml:"staging_dir"`
	CallbackTimeout   string `toml:"callback_timeout" yaml:"callback_timeout"`
	PostgresDSN       string `toml:"postgres_dsn" yaml:"postgres_dsn"`
}

// Default returns the built-in defaults. SyncKey is left empty.
func Default() Config {
	return Config{
		AppName:           "TIARA Engine",
		HTTPAddr:          ":8000",
		LogLevel:          "info",
		Workers:           4,
		QueueSize:         64,
		RunHistory:        1000,
		SSHConnectTimeout: 20 * time.Second,
		StagingDir:        "/tmp",
		CallbackTimeout:   10 * time.Second,
	}
}

// Load reads .env, the optional config file and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg(".env could not be loaded, relying on environment variables")
	}
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()

	var rawKey string
	if path := strings.TrimSpace(getenv("ENGINE_CONFIG")); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.overlay(fc); err != nil {
			return Config{}, err
		}
		rawKey = fc.SyncKey
	}

	lookup := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(key))
		return v, v != ""
	}

	if v, ok := lookup("APP_NAME"); ok {
		cfg.AppName = v
	}
	if v, ok := lookup("ENGINE_HTTP_ADDR"); ok {
		cfg.HTTPAddr = sanitizeListenAddr(v)
	}
	if v, ok := lookup("TIARA_SYNC_KEY"); ok {
		rawKey = v
	} else if v, ok := lookup("TIARA_SYNC_KEY_HEX"); ok {
		rawKey = v
	}
	if v, ok := lookup("TIARA_WEBHOOK_URL"); ok {
		cfg.WebhookURL = v
	} else if v, ok := lookup("LARAVEL_WEBHOOK_URL"); ok {
		cfg.WebhookURL = v
	}
	if v, ok := lookup("TIARA_WEBHOOK_SECRET"); ok {
		cfg.WebhookSecret = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_DIR"); ok {
		cfg.LogDir = v
	}
	if v, ok := lookup("SSH_KNOWN_HOSTS"); ok {
		cfg.SSHKnownHosts = v
	}
	if v, ok := lookup("STAGING_DIR"); ok {
		cfg.StagingDir = v
	}
	if v, ok := lookup("POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}

	var err error
	if cfg.Workers, err = intEnv(getenv, "ENGINE_WORKERS", cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize, err = intEnv(getenv, "ENGINE_QUEUE_SIZE", cfg.QueueSize); err != nil {
		return Config{}, err
	}
	if cfg.RunHistory, err = intEnv(getenv, "ENGINE_RUN_HISTORY", cfg.RunHistory); err != nil {
		return Config{}, err
	}
	if cfg.RunTimeout, err = durationEnv(getenv, "ENGINE_RUN_TIMEOUT", cfg.RunTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SSHConnectTimeout, err = durationEnv(getenv, "SSH_CONNECT_TIMEOUT", cfg.SSHConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CallbackTimeout, err = durationEnv(getenv, "CALLBACK_TIMEOUT", cfg.CallbackTimeout); err != nil {
		return Config{}, err
	}

	if rawKey == "" {
		return Config{}, engerrors.Wrap(engerrors.ErrCodeConfig, "TIARA_SYNC_KEY must be set", nil)
	}
	key, err := ParseKey(rawKey)
	if err != nil {
		return Config{}, err
	}
	cfg.SyncKey = key
	if cfg.WebhookSecret == "" {
		// The deployment manager authenticates callbacks with the sync key text.
		cfg.WebhookSecret = rawKey
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if len(c.SyncKey) != 32 {
		return engerrors.Wrap(engerrors.ErrCodeConfig, "sync key must be 256 bits", nil)
	}
	if c.Workers <= 0 {
		return engerrors.Wrap(engerrors.ErrCodeConfig, "ENGINE_WORKERS must be positive", nil)
	}
	if c.QueueSize <= 0 {
		return engerrors.Wrap(engerrors.ErrCodeConfig, "ENGINE_QUEUE_SIZE must be positive", nil)
	}
	if c.RunHistory <= 0 {
		return engerrors.Wrap(engerrors.ErrCodeConfig, "ENGINE_RUN_HISTORY must be positive", nil)
	}
	if c.SSHConnectTimeout <= 0 || c.CallbackTimeout <= 0 {
		return engerrors.Wrap(engerrors.ErrCodeConfig, "timeouts must be positive", nil)
	}
	if c.RunTimeout < 0 {
		return engerrors.Wrap(engerrors.ErrCodeConfig, "ENGINE_RUN_TIMEOUT must not be negative", nil)
	}
	if !strings.HasPrefix(c.StagingDir, "/") {
		return engerrors.Wrap(engerrors.ErrCodeConfig, "STAGING_DIR must be absolute", nil)
	}
	return nil
}

// ParseKey decodes a sync key given as 64 hex characters or as
// "base64:<std base64>".
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	var (
		key []byte
		err error
	)
	if strings.HasPrefix(raw, base64KeyPrefix) {
		key, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, base64KeyPrefix))
	} else {
		key, err = hex.DecodeString(raw)
	}
	if err != nil {
		return nil, engerrors.Wrap(engerrors.ErrCodeConfig, "sync key is not valid hex or base64", err)
	}
	if len(key) != 32 {
		return nil, engerrors.Wrap(engerrors.ErrCodeConfig, fmt.Sprintf("sync key must decode to 32 bytes, got %d", len(key)), nil)
	}
	return key, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return fc, engerrors.Wrap(engerrors.ErrCodeConfig, "load engine config", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fc, engerrors.Wrap(engerrors.ErrCodeConfig, "read engine config", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fc, engerrors.Wrap(engerrors.ErrCodeConfig, "load engine config", err)
		}
	default:
		return fc, engerrors.Wrap(engerrors.ErrCodeConfig, fmt.Sprintf("unsupported config file %q", path), nil)
	}
	return fc, nil
}

func (c *Config) overlay(fc fileConfig) error {
	setString := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	setString(&c.AppName, fc.AppName)
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.WebhookURL, fc.WebhookURL)
	setString(&c.WebhookSecret, fc.WebhookSecret)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogDir, fc.LogDir)
	setString(&c.SSHKnownHosts, fc.SSHKnownHosts)
	setString(&c.StagingDir, fc.StagingDir)
	setString(&c.PostgresDSN, fc.PostgresDSN)
	if fc.Workers > 0 {
		c.Workers = fc.Workers
	}
	if fc.QueueSize > 0 {
		c.QueueSize = fc.QueueSize
	}
	if fc.RunHistory > 0 {
		c.RunHistory = fc.RunHistory
	}
	durations := []struct {
		dst  *time.Duration
		raw  string
		name string
	}{
		{&c.RunTimeout, fc.RunTimeout, "run_timeout"},
		{&c.SSHConnectTimeout, fc.SSHConnectTimeout, "ssh_connect_timeout"},
		{&c.CallbackTimeout, fc.CallbackTimeout, "callback_timeout"},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return engerrors.Wrap(engerrors.ErrCodeConfig, "invalid "+d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func intEnv(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, engerrors.Wrap(engerrors.ErrCodeConfig, "invalid "+key, err)
	}
	return parsed, nil
}

// durationEnv accepts Go durations ("45s") or bare seconds ("45").
func durationEnv(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, engerrors.Wrap(engerrors.ErrCodeConfig, "invalid "+key, err)
	}
	return parsed, nil
}

// sanitizeListenAddr trims whitespace/comments so malformed env values (e.g. ":8000 # api") do not break net.Listen.
func sanitizeListenAddr(value string) string {
	trimmed := strings.TrimSpace(value)
	fields := strings.Fields(trimmed)
	if len(fields) > 0 {
		trimmed = fields[0]
	}
	return strings.Trim(trimmed, "\"'")
}

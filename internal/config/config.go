// Package config loads the dialtone service configuration from a YAML file
// and DIALTONE_* environment variables. Environment values win over the file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/gateway"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Provider modes.
const (
	ModeStub   = "stub"
	ModeRule   = "rule"
	ModeGemini = "gemini"
)

// Config is the full service configuration.
type Config struct {
	Server      Server     `yaml:"server"`
	Log         Log        `yaml:"log"`
	Store       Store      `yaml:"store"`
	Providers   Providers  `yaml:"providers"`
	Gateway     Gateway    `yaml:"gateway"`
	Engine      Engine     `yaml:"engine"`
	Dispatcher  Dispatcher `yaml:"dispatcher"`
	NATS        NATS       `yaml:"nats"`
	FlowsDir    string     `yaml:"flows_dir"`
	DefaultFlow string     `yaml:"default_flow"`
	PIIPatterns []string   `yaml:"pii_patterns"`
	Encryption  Encryption `yaml:"encryption"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr          string `yaml:"addr"`
	WebhookSecret string `yaml:"webhook_secret"`
	MediaBaseURL  string `yaml:"media_base_url"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes"`
	// ShutdownGrace bounds the drain of in-flight requests and calls.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Store selects and configures the session store.
type Store struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite, a redis:// URL or a postgres connection string.
	DSN    string        `yaml:"dsn"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// Providers selects the speech and language backends.
type Providers struct {
	ASR    string `yaml:"asr"`
	TTS    string `yaml:"tts"`
	LLM    string `yaml:"llm"`
	Gemini Gemini `yaml:"gemini"`
}

// Gemini configures the Gemini language model.
type Gemini struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Gateway tunes provider deadlines and retries.
type Gateway struct {
	Deadlines gateway.Deadlines   `yaml:"deadlines"`
	Retry     gateway.RetryPolicy `yaml:"retry"`
}

// Engine holds the state machine defaults.
type Engine struct {
	MaxRetries    int           `yaml:"max_retries"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	MaxHops       int           `yaml:"max_hops"`
	NoMatchPrompt string        `yaml:"no_match_prompt"`
	ErrorPrompt   string        `yaml:"error_prompt"`
	Voice         string        `yaml:"voice"`
	Language      string        `yaml:"language"`
}

// Dispatcher tunes the per-call actors.
type Dispatcher struct {
	MailboxSize int           `yaml:"mailbox_size"`
	IdleTTL     time.Duration `yaml:"idle_ttl"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	// Lock enables the distributed per-call lock. It needs the redis driver.
	Lock bool `yaml:"lock"`
}

// NATS enables bus ingestion when URL is set.
type NATS struct {
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject"`
	Stream        string `yaml:"stream"`
	ActionsPrefix string `yaml:"actions_prefix"`
}

// Encryption seals stored context and transcript text when ActiveKey is set.
// Keys are base64 encoded 32 byte AES keys.
type Encryption struct {
	ActiveKey    string   `yaml:"active_key"`
	FallbackKeys []string `yaml:"fallback_keys"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: Server{
			Addr:          ":8080",
			MediaBaseURL:  "http://localhost:8080/media",
			MaxBodyBytes:  8 << 20,
			ShutdownGrace: 15 * time.Second,
		},
		Log:   Log{Level: "info", Format: string(logging.FormatText)},
		Store: Store{Driver: DriverMemory, Prefix: "dialtone:"},
		Providers: Providers{
			ASR: ModeStub,
			TTS: ModeStub,
			LLM: ModeRule,
		},
		Gateway: Gateway{
			Deadlines: gateway.DefaultDeadlines(),
			Retry:     gateway.DefaultRetryPolicy(),
		},
		Engine: Engine{
			MaxRetries:  2,
			IdleTimeout: 10 * time.Second,
			MaxHops:     32,
		},
		Dispatcher: Dispatcher{
			MailboxSize: 16,
			IdleTTL:     2 * time.Minute,
			LockTTL:     30 * time.Second,
		},
	}
}

// Load reads path, if given, over the defaults and then applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DIALTONE_* variables.
func (c *Config) ApplyEnv() {
	c.Server.Addr = envOr("DIALTONE_ADDR", c.Server.Addr)
	c.Server.WebhookSecret = envOr("DIALTONE_WEBHOOK_SECRET", c.Server.WebhookSecret)
	c.Server.MediaBaseURL = envOr("DIALTONE_MEDIA_BASE_URL", c.Server.MediaBaseURL)
	c.Server.MaxBodyBytes = envInt64Or("DIALTONE_MAX_BODY_BYTES", c.Server.MaxBodyBytes)

	c.Log.Level = envOr("DIALTONE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("DIALTONE_LOG_FORMAT", c.Log.Format)

	c.Store.Driver = envOr("DIALTONE_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = envOr("DIALTONE_STORE_DSN", c.Store.DSN)
	c.Store.Prefix = envOr("DIALTONE_STORE_PREFIX", c.Store.Prefix)
	c.Store.TTL = envDurationOr("DIALTONE_STORE_TTL", c.Store.TTL)

	c.Providers.ASR = envOr("DIALTONE_ASR_MODE", c.Providers.ASR)
	c.Providers.TTS = envOr("DIALTONE_TTS_MODE", c.Providers.TTS)
	c.Providers.LLM = envOr("DIALTONE_LLM_MODE", c.Providers.LLM)
	c.Providers.Gemini.APIKey = envOr("DIALTONE_GEMINI_API_KEY", c.Providers.Gemini.APIKey)
	c.Providers.Gemini.Model = envOr("DIALTONE_GEMINI_MODEL", c.Providers.Gemini.Model)

	c.Engine.MaxRetries = envIntOr("DIALTONE_MAX_RETRIES", c.Engine.MaxRetries)
	c.Engine.IdleTimeout = envDurationOr("DIALTONE_IDLE_TIMEOUT", c.Engine.IdleTimeout)

	c.Dispatcher.MailboxSize = envIntOr("DIALTONE_MAILBOX_SIZE", c.Dispatcher.MailboxSize)
	c.Dispatcher.Lock = envBoolOr("DIALTONE_DISTRIBUTED_LOCK", c.Dispatcher.Lock)

	c.NATS.URL = envOr("DIALTONE_NATS_URL", c.NATS.URL)
	c.NATS.Subject = envOr("DIALTONE_NATS_SUBJECT", c.NATS.Subject)

	c.FlowsDir = envOr("DIALTONE_FLOWS_DIR", c.FlowsDir)
	c.DefaultFlow = envOr("DIALTONE_DEFAULT_FLOW", c.DefaultFlow)
	if raw := os.Getenv("DIALTONE_PII_PATTERNS"); raw != "" {
		c.PIIPatterns = splitCSV(raw)
	}
	c.Encryption.ActiveKey = envOr("DIALTONE_ENCRYPTION_KEY", c.Encryption.ActiveKey)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverRedis, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, sqlite, redis or postgres, got %q", c.Store.Driver))
	}
	if c.Dispatcher.Lock && c.Store.Driver != DriverRedis {
		errs = append(errs, errors.New("dispatcher.lock requires the redis store driver"))
	}

	if c.Providers.ASR != ModeStub {
		errs = append(errs, fmt.Errorf("providers.asr must be stub, got %q", c.Providers.ASR))
	}
	if c.Providers.TTS != ModeStub {
		errs = append(errs, fmt.Errorf("providers.tts must be stub, got %q", c.Providers.TTS))
	}
	switch c.Providers.LLM {
	case ModeStub, ModeRule:
	case ModeGemini:
		if c.Providers.Gemini.APIKey == "" {
			errs = append(errs, errors.New("providers.gemini.api_key is required when providers.llm is gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("providers.llm must be stub, rule or gemini, got %q", c.Providers.LLM))
	}

	if c.Engine.MaxRetries < 0 {
		errs = append(errs, errors.New("engine.max_retries must not be negative"))
	}
	if c.Engine.IdleTimeout <= 0 {
		errs = append(errs, errors.New("engine.idle_timeout must be positive"))
	}
	if c.Engine.MaxHops <= 0 {
		errs = append(errs, errors.New("engine.max_hops must be positive"))
	}
	if c.Dispatcher.MailboxSize <= 0 {
		errs = append(errs, errors.New("dispatcher.mailbox_size must be positive"))
	}
	if c.Gateway.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("gateway.retry.max_attempts must not be negative"))
	}

	if c.Encryption.ActiveKey != "" {
		for i, k := range append([]string{c.Encryption.ActiveKey}, c.Encryption.FallbackKeys...) {
			if _, err := DecodeKey(k); err != nil {
				errs = append(errs, fmt.Errorf("encryption key %d: %w", i, err))
			}
		}
	}

	return errors.Join(errs...)
}

// DecodeKey decodes a base64 AES-256 key.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("not base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(key))
	}
	return key, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

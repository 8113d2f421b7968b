package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Session    SessionConfig    `json:"session"`
	Connection ConnectionConfig `json:"connection"`
	Output     OutputConfig     `json:"output"`
	Worker     WorkerConfig     `json:"worker"`
	Store      StoreConfig      `json:"store"`
	Channels   ChannelsConfig   `json:"channels"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// GatewayConfig configures the HTTP front: WebSocket endpoint, health checks and metrics.
type GatewayConfig struct {
	Host string `env:"BOTCORE_GATEWAY_HOST" json:"host"`
	Port int    `env:"BOTCORE_GATEWAY_PORT" json:"port"`
	// Codec is "cbor" or "json" and selects the outbound wire format.
	Codec           string `env:"BOTCORE_GATEWAY_CODEC"             json:"codec"`
	MaxMessageBytes int64  `env:"BOTCORE_GATEWAY_MAX_MESSAGE_BYTES" json:"max_message_bytes"`
	InboundBuffer   int    `env:"BOTCORE_GATEWAY_INBOUND_BUFFER"    json:"inbound_buffer"`
	// AccessToken, when set, must be presented as a bearer token on /ws and /send.
	AccessToken string `env:"BOTCORE_GATEWAY_ACCESS_TOKEN" json:"access_token,omitempty"`
}

// DispatchConfig configures identity resolution and the match phase.
type DispatchConfig struct {
	Masters      []string `env:"BOTCORE_MASTERS"       json:"masters"`
	Superusers   []string `env:"BOTCORE_SUPERUSERS"    json:"superusers"`
	CommandStart []string `env:"BOTCORE_COMMAND_START" json:"command_start"`
	// MatchConcurrency bounds concurrent trigger evaluations; <= 0 is unbounded.
	MatchConcurrency int `env:"BOTCORE_MATCH_CONCURRENCY" json:"match_concurrency"`
	// Workers is the number of goroutines draining the inbound queue.
	Workers int `env:"BOTCORE_DISPATCH_WORKERS" json:"workers"`
	// ReplyOnError, when non-empty, is sent back when a handler fails.
	ReplyOnError string `env:"BOTCORE_REPLY_ON_ERROR" json:"reply_on_error,omitempty"`
}

// SessionConfig bounds the rendezvous table. Zero disables a bound.
type SessionConfig struct {
	MaxEntries int `env:"BOTCORE_SESSION_MAX_ENTRIES" json:"max_entries"`
	TTLSeconds int `env:"BOTCORE_SESSION_TTL_SECONDS" json:"ttl_seconds"`
}

// ConnectionConfig configures every connection actor.
type ConnectionConfig struct {
	QueueSize  int    `env:"BOTCORE_QUEUE_SIZE"       json:"queue_size"`
	Overflow   string `env:"BOTCORE_QUEUE_OVERFLOW"   json:"overflow"`
	CooldownMS int    `env:"BOTCORE_SEND_COOLDOWN_MS" json:"cooldown_ms"`
}

// OutputConfig holds the global outbound toggles.
type OutputConfig struct {
	AtSender             bool `env:"BOTCORE_AT_SENDER"               json:"at_sender"`
	ForceReply           bool `env:"BOTCORE_FORCE_REPLY"             json:"force_reply"`
	TextToImageThreshold int  `env:"BOTCORE_TEXT_TO_IMAGE_THRESHOLD" json:"text_to_image_threshold"`
	TextToImageColumns   int  `env:"BOTCORE_TEXT_TO_IMAGE_COLUMNS"   json:"text_to_image_columns"`
}

// WorkerConfig sizes the CPU-bound offload pool; <= 0 uses GOMAXPROCS.
type WorkerConfig struct {
	Size int `env:"BOTCORE_WORKER_POOL_SIZE" json:"size"`
}

// StoreConfig selects where service policies persist. An empty path keeps
// them in memory.
type StoreConfig struct {
	Path string `env:"BOTCORE_STORE_PATH" json:"path"`
}

// ChannelsConfig stores in-process adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `env:"TELEGRAM_ENABLED"    json:"enabled"`
	Token     string   `env:"TELEGRAM_BOT_TOKEN"  json:"token"`
	Proxy     string   `env:"TELEGRAM_PROXY"      json:"proxy"`
	AllowFrom []string `env:"TELEGRAM_ALLOW_FROM" json:"allow_from"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			Codec:           "cbor",
			MaxMessageBytes: 16 << 20,
			InboundBuffer:   256,
		},
		Dispatch: DispatchConfig{
			CommandStart:     []string{"/"},
			MatchConcurrency: 32,
			Workers:          4,
		},
		Session: SessionConfig{
			MaxEntries: 4096,
			TTLSeconds: 600,
		},
		Connection: ConnectionConfig{
			QueueSize: 256,
			Overflow:  "block",
		},
		Output: OutputConfig{
			TextToImageColumns: 60,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// LoadConfig resolves config.json, unmarshals it over the defaults, and applies
// environment overrides.
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	switch {
	case errors.Is(err, errConfigNotFound):
	case err != nil:
		return nil, err
	default:
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment overrides: %w", err)
	}
	normalize(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	switch strings.ToLower(c.Gateway.Codec) {
	case "", "cbor", "json":
	default:
		return fmt.Errorf("gateway.codec must be cbor or json, got %q", c.Gateway.Codec)
	}
	switch strings.ToLower(c.Connection.Overflow) {
	case "", "block", "drop_oldest", "reject":
	default:
		return fmt.Errorf("connection.overflow must be block, drop_oldest or reject, got %q", c.Connection.Overflow)
	}
	if c.Session.MaxEntries < 0 || c.Session.TTLSeconds < 0 {
		return errors.New("session bounds must not be negative")
	}
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		return errors.New("channels.telegram.enabled requires a token")
	}
	return nil
}

// normalize trims list settings so env and file values compare cleanly.
func normalize(cfg *Config) {
	cfg.Dispatch.Masters = compact(cfg.Dispatch.Masters)
	cfg.Dispatch.Superusers = compact(cfg.Dispatch.Superusers)
	cfg.Channels.Telegram.AllowFrom = compact(cfg.Channels.Telegram.AllowFrom)
}

func compact(values []string) []string {
	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" || slices.Contains(clean, trimmed) {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

var errConfigNotFound = errors.New("config file not found")

// findConfigPath resolves the active config file location.
//
// Precedence is BOTCORE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("BOTCORE_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("BOTCORE_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", errConfigNotFound
}

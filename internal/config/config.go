// Package config loads the quorum service configuration from YAML or JSON.
// Secrets may be supplied through environment variables (or a .env file),
// which take precedence over values in the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/messenger/slack"
	"github.com/jkaninda/quorum/internal/messenger/telegram"
	"github.com/jkaninda/quorum/internal/ratelimit"
	"github.com/jkaninda/quorum/internal/storage"
)

func init() {
	_ = godotenv.Load()
}

// Channel types.
const (
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
)

// Config is the root configuration.
type Config struct {
	Topics        []TopicConfig        `json:"topics" yaml:"topics"`
	Channels      []ChannelConfig      `json:"channels" yaml:"channels"`
	Engine        *EngineConfig        `json:"engine,omitempty" yaml:"engine,omitempty"`
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"` // nil = compaction disabled
	Server        ServerConfig         `json:"server" yaml:"server"`
	WebSocket     *WebSocketConfig     `json:"websocket,omitempty" yaml:"websocket,omitempty"` // nil = status stream enabled on the default path
	Storage       storage.Config       `json:"storage" yaml:"storage"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// TopicConfig defines one approval policy.
type TopicConfig struct {
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description" yaml:"description"`
	RequireVotes  int    `json:"require_votes" yaml:"require_votes"`
	ExpireTimeout int    `json:"expire_timeout" yaml:"expire_timeout"` // Seconds.
	AuthType      string `json:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	Schema        string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Domain converts the topic to its engine form.
func (t TopicConfig) Domain() domain.Topic {
	return domain.Topic{
		Name:          t.Name,
		Description:   t.Description,
		RequireVotes:  t.RequireVotes,
		ExpireTimeout: time.Duration(t.ExpireTimeout) * time.Second,
		AuthType:      t.AuthType,
		Schema:        t.Schema,
	}
}

// ChannelConfig defines one messenger channel and the topics it carries.
type ChannelConfig struct {
	Name      string                 `json:"name" yaml:"name"`
	Type      string                 `json:"type" yaml:"type"` // "telegram" or "slack"
	Telegram  *TelegramChannelConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Slack     *SlackChannelConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Bindings  []BindingConfig        `json:"bindings" yaml:"bindings"`
	RateLimit *RateLimitConfig       `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // Per voter. nil = unlimited.
}

// TelegramChannelConfig configures the Telegram Bot API channel.
type TelegramChannelConfig struct {
	BotToken           string `json:"bot_token" yaml:"bot_token"` // Override: TELEGRAM_BOT_TOKEN env var
	APIURL             string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	PollIntervalMs     int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`         // Clamped to [240, 60000].
	PollTimeoutSeconds int    `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds"` // Default: 16
}

// SlackChannelConfig configures the Slack channel.
type SlackChannelConfig struct {
	BotToken      string `json:"bot_token" yaml:"bot_token"`           // Override: SLACK_BOT_TOKEN env var
	SigningSecret string `json:"signing_secret" yaml:"signing_secret"` // Override: SLACK_SIGNING_SECRET env var
	APIURL        string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	ListenAddr    string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Empty = served by the HTTP API server.
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`               // Default: /slack/interactive
}

// BindingConfig routes one topic to a chat.
type BindingConfig struct {
	Topic     string   `json:"topic" yaml:"topic"`
	ChatID    string   `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`       // Telegram
	ChannelID string   `json:"channel_id,omitempty" yaml:"channel_id,omitempty"` // Slack
	Template  string   `json:"template" yaml:"template"`
	Approvers []string `json:"approvers,omitempty" yaml:"approvers,omitempty"` // Usernames. Empty = anyone.
}

// RateLimitConfig configures token bucket rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// Limiter returns the ratelimit form. A nil config means unlimited.
func (r *RateLimitConfig) Limiter() ratelimit.Config {
	if r == nil {
		return ratelimit.Config{}
	}
	return ratelimit.Config{RequestsPerMinute: r.RequestsPerMinute, BurstSize: r.BurstSize}
}

// EngineConfig tunes the approvement engine.
type EngineConfig struct {
	SweepIntervalMs int `json:"sweep_interval_ms" yaml:"sweep_interval_ms"` // Default: 5000
}

// SweepInterval returns the expiry sweep period.
func (e *EngineConfig) SweepInterval() time.Duration {
	if e != nil && e.SweepIntervalMs > 0 {
		return time.Duration(e.SweepIntervalMs) * time.Millisecond
	}
	return 5 * time.Second
}

// RetentionConfig schedules compaction of finalized approvements.
type RetentionConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule"`               // Cron expression. Default: "@hourly"
	MaxAgeSeconds int    `json:"max_age_seconds" yaml:"max_age_seconds"` // Default: 86400
}

// IsEnabled reports whether compaction should be scheduled.
func (r *RetentionConfig) IsEnabled() bool {
	return r != nil && r.Enabled
}

// CronSchedule returns the compaction schedule.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "@hourly"
}

// MaxAge returns how long finalized approvements are kept.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r != nil && r.MaxAgeSeconds > 0 {
		return time.Duration(r.MaxAgeSeconds) * time.Second
	}
	return 24 * time.Hour
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"` // Override: QUORUM_LISTEN_ADDR env var. Default: ":8080"
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // key → client name. Empty = no auth.
	RateLimit  *RateLimitConfig  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// WebSocketConfig configures the approvement status stream.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: /ws/approvement
}

// IsEnabled reports whether the status stream is served.
func (w *WebSocketConfig) IsEnabled() bool {
	return w == nil || w.Enabled
}

// WSPath returns the status stream path.
func (w *WebSocketConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/approvement"
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "quorum"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// MetricsEnabled reports whether Prometheus metrics are collected.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	return o != nil && o.Metrics != nil && o.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (o *ObservabilityConfig) MetricsPath() string {
	if o != nil && o.Metrics != nil && o.Metrics.Path != "" {
		return o.Metrics.Path
	}
	return "/metrics"
}

// TracingEnabled reports whether spans are exported.
func (o *ObservabilityConfig) TracingEnabled() bool {
	return o != nil && o.Tracing != nil && o.Tracing.Enabled
}

// DefaultConfigPath returns the default config file path (~/.quorum/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "quorum.yaml"
	}
	return filepath.Join(home, ".quorum", "config.yaml")
}

// Load reads a YAML (.yml/.yaml) or JSON configuration file, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv lets environment variables take precedence over file values.
// Channel tokens apply to every channel of the matching type.
func (c *Config) applyEnv() {
	if v := os.Getenv("QUORUM_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("QUORUM_DB_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		switch ch.Type {
		case ChannelTelegram:
			if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
				if ch.Telegram == nil {
					ch.Telegram = &TelegramChannelConfig{}
				}
				ch.Telegram.BotToken = v
			}
		case ChannelSlack:
			if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
				if ch.Slack == nil {
					ch.Slack = &SlackChannelConfig{}
				}
				ch.Slack.BotToken = v
			}
			if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
				if ch.Slack == nil {
					ch.Slack = &SlackChannelConfig{}
				}
				ch.Slack.SigningSecret = v
			}
		}
	}
}

func (c *Config) validate() error {
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	topics := make(map[string]bool, len(c.Topics))
	for i, t := range c.Topics {
		if t.Name == "" {
			return fmt.Errorf("topics[%d].name is required", i)
		}
		if topics[t.Name] {
			return fmt.Errorf("topic %q is defined twice", t.Name)
		}
		topics[t.Name] = true
		if t.RequireVotes < 0 {
			return fmt.Errorf("topics.%s.require_votes must not be negative", t.Name)
		}
		if t.ExpireTimeout <= 0 {
			return fmt.Errorf("topics.%s.expire_timeout must be positive", t.Name)
		}
	}

	names := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name is required", i)
		}
		if names[ch.Name] {
			return fmt.Errorf("channel %q is defined twice", ch.Name)
		}
		names[ch.Name] = true

		switch ch.Type {
		case ChannelTelegram:
			if ch.Telegram == nil || ch.Telegram.BotToken == "" {
				return fmt.Errorf("channels.%s.telegram.bot_token is required (set TELEGRAM_BOT_TOKEN env var)", ch.Name)
			}
		case ChannelSlack:
			if ch.Slack == nil || ch.Slack.BotToken == "" {
				return fmt.Errorf("channels.%s.slack.bot_token is required (set SLACK_BOT_TOKEN env var)", ch.Name)
			}
			if ch.Slack.SigningSecret == "" {
				return fmt.Errorf("channels.%s.slack.signing_secret is required (set SLACK_SIGNING_SECRET env var)", ch.Name)
			}
		default:
			return fmt.Errorf("channels.%s.type %q is not supported (telegram or slack)", ch.Name, ch.Type)
		}

		for _, b := range ch.Bindings {
			if !topics[b.Topic] {
				return fmt.Errorf("channels.%s binds unknown topic %q", ch.Name, b.Topic)
			}
			if b.Template == "" {
				return fmt.Errorf("channels.%s.bindings.%s.template is required", ch.Name, b.Topic)
			}
			if ch.Type == ChannelTelegram {
				if _, err := strconv.ParseInt(b.ChatID, 10, 64); err != nil {
					return fmt.Errorf("channels.%s.bindings.%s.chat_id must be a numeric chat id", ch.Name, b.Topic)
				}
			}
			if ch.Type == ChannelSlack && b.ChannelID == "" {
				return fmt.Errorf("channels.%s.bindings.%s.channel_id is required", ch.Name, b.Topic)
			}
		}
	}

	switch c.Storage.Driver {
	case "", storage.DriverSQLite:
	case storage.DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set QUORUM_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (sqlite or postgres)", c.Storage.Driver)
	}

	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (grpc or http)", o.Tracing.Protocol)
		}
	}
	return nil
}

// DomainTopics returns the configured topics in declaration order.
func (c *Config) DomainTopics() []domain.Topic {
	out := make([]domain.Topic, 0, len(c.Topics))
	for _, t := range c.Topics {
		out = append(out, t.Domain())
	}
	return out
}

// TelegramConfig converts a telegram channel definition.
func (ch ChannelConfig) TelegramConfig() (telegram.Config, error) {
	if ch.Type != ChannelTelegram || ch.Telegram == nil {
		return telegram.Config{}, fmt.Errorf("channel %s is not a telegram channel", ch.Name)
	}
	cfg := telegram.Config{
		Name:         ch.Name,
		BotToken:     ch.Telegram.BotToken,
		APIURL:       ch.Telegram.APIURL,
		PollInterval: time.Duration(ch.Telegram.PollIntervalMs) * time.Millisecond,
		PollTimeout:  time.Duration(ch.Telegram.PollTimeoutSeconds) * time.Second,
		RateLimit:    ch.RateLimit.Limiter(),
	}
	for _, b := range ch.Bindings {
		chatID, err := strconv.ParseInt(b.ChatID, 10, 64)
		if err != nil {
			return telegram.Config{}, fmt.Errorf("channel %s: chat_id %q: %w", ch.Name, b.ChatID, err)
		}
		cfg.Bindings = append(cfg.Bindings, telegram.Binding{
			Topic:     b.Topic,
			ChatID:    chatID,
			Template:  b.Template,
			Approvers: b.Approvers,
		})
	}
	return cfg, nil
}

// SlackConfig converts a slack channel definition.
func (ch ChannelConfig) SlackConfig() (slack.Config, error) {
	if ch.Type != ChannelSlack || ch.Slack == nil {
		return slack.Config{}, fmt.Errorf("channel %s is not a slack channel", ch.Name)
	}
	cfg := slack.Config{
		Name:          ch.Name,
		BotToken:      ch.Slack.BotToken,
		SigningSecret: ch.Slack.SigningSecret,
		APIURL:        ch.Slack.APIURL,
		ListenAddr:    ch.Slack.ListenAddr,
		Path:          ch.Slack.Path,
		RateLimit:     ch.RateLimit.Limiter(),
	}
	for _, b := range ch.Bindings {
		cfg.Bindings = append(cfg.Bindings, slack.Binding{
			Topic:     b.Topic,
			ChannelID: b.ChannelID,
			Template:  b.Template,
			Approvers: b.Approvers,
		})
	}
	return cfg, nil
}

// resolvePath expands a leading ~ and makes path absolute.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

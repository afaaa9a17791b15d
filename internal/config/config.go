// Package config loads and validates the daemon configuration. The file is
// YAML, checked against an embedded JSON schema before decoding, and a small
// set of environment variables override file values so deployments can keep
// secrets out of the file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "12h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// Calendar configures the remote calendar adapter.
	Calendar CalendarConfig `yaml:"calendar"`

	// Channel configures push-subscription lifecycle.
	Channel ChannelConfig `yaml:"channel"`

	// Sync configures reconciliation jobs and the poll fallback.
	Sync SyncConfig `yaml:"sync"`

	// Stream configures the notification stream.
	Stream StreamConfig `yaml:"stream"`

	// Store configures the session store backend.
	Store StoreConfig `yaml:"store"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// CalendarConfig configures the remote calendar adapter.
type CalendarConfig struct {
	// Scope is the provider calendar id to sync against.
	Scope string `yaml:"scope"`

	// CredentialsFile is the path to the service-account key file. Empty
	// means ambient default credentials.
	CredentialsFile string `yaml:"credentials_file"`

	// PastWindowDays/FutureWindowDays bound the sync window around now.
	PastWindowDays   int `yaml:"past_window_days"`
	FutureWindowDays int `yaml:"future_window_days"`
}

// ChannelConfig configures push-subscription lifecycle.
type ChannelConfig struct {
	// WebhookURL is the public HTTPS address the provider delivers
	// notifications to.
	WebhookURL string `yaml:"webhook_url"`

	// Token is echoed back on every notification for validation.
	Token string `yaml:"token"`

	// TTL is the requested channel lifetime.
	TTL Duration `yaml:"ttl"`

	// RenewalWindow is how long before expiration a channel is renewed.
	RenewalWindow Duration `yaml:"renewal_window"`

	// CheckInterval is how often the lifecycle timer inspects channels.
	CheckInterval Duration `yaml:"check_interval"`
}

// SyncConfig configures reconciliation jobs and the poll fallback.
type SyncConfig struct {
	// Workers is the reconciliation worker pool size.
	Workers int `yaml:"workers"`

	// PollInterval is how often the fallback timer checks for silent scopes.
	PollInterval Duration `yaml:"poll_interval"`

	// PollGrace is how long a scope may go without webhook activity before
	// a poll-triggered pass is enqueued.
	PollGrace Duration `yaml:"poll_grace"`

	// JobBudget bounds the wall-clock time of one reconciliation pass.
	JobBudget Duration `yaml:"job_budget"`

	// CallTimeout bounds each adapter call inside a pass.
	CallTimeout Duration `yaml:"call_timeout"`

	// MaxRetries is the per-call retry limit for transient failures.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay/RetryMaxDelay bound the retry backoff.
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`

	// SkewTolerance is the timestamp slack granted to the remote side when
	// resolving concurrent edits.
	SkewTolerance Duration `yaml:"skew_tolerance"`
}

// StreamConfig configures the notification stream.
type StreamConfig struct {
	// RingSize is how many recent events are kept for replay.
	RingSize int `yaml:"ring_size"`

	// SubscriberBuffer is the per-client delivery buffer.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// HeartbeatInterval is how often idle stream connections are pinged.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// StoreConfig configures the session store backend.
type StoreConfig struct {
	// Backend selects the store implementation: memory or postgres.
	Backend string `yaml:"backend"`

	// DSN is the postgres connection string. Required for the postgres
	// backend, ignored otherwise.
	DSN string `yaml:"dsn"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Load reads the file, validates it against the schema, decodes it over the
// defaults, and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse decodes raw YAML over the defaults after schema validation. Env
// overrides and semantic validation are the caller's business; Load does
// both.
func Parse(data []byte) (*Config, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// checkSchema validates the raw YAML document against the embedded JSON
// schema. The document is round-tripped through JSON because the validator
// operates on JSON values.
func checkSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}
	if err := compiledSchema().Validate(inst); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	return nil
}

// applyEnv overrides file values with SCHEDSYNC_* environment variables so
// secrets and per-host addresses stay out of the file.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SCHEDSYNC_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDSYNC_SCOPE")); v != "" {
		cfg.Calendar.Scope = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDSYNC_CREDENTIALS_FILE")); v != "" {
		cfg.Calendar.CredentialsFile = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDSYNC_WEBHOOK_URL")); v != "" {
		cfg.Channel.WebhookURL = v
	}
	if v := os.Getenv("SCHEDSYNC_CHANNEL_TOKEN"); v != "" {
		cfg.Channel.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDSYNC_STORE_BACKEND")); v != "" {
		cfg.Store.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDSYNC_STORE_DSN")); v != "" {
		cfg.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDSYNC_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Calendar.Scope) == "" {
		return fmt.Errorf("calendar.scope is required")
	}
	if c.Store.Backend != "memory" && c.Store.Backend != "postgres" {
		return fmt.Errorf("store.backend must be memory or postgres, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required for the postgres backend")
	}
	if c.Channel.WebhookURL != "" && !strings.HasPrefix(c.Channel.WebhookURL, "https://") {
		return fmt.Errorf("channel.webhook_url must be https, got %q", c.Channel.WebhookURL)
	}
	if c.Channel.RenewalWindow.Std() >= c.Channel.TTL.Std() {
		return fmt.Errorf("channel.renewal_window must be shorter than channel.ttl")
	}
	if c.Sync.RetryBaseDelay.Std() > c.Sync.RetryMaxDelay.Std() {
		return fmt.Errorf("sync.retry_base_delay must not exceed sync.retry_max_delay")
	}
	return nil
}

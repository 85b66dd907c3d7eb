package tether

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance.
var validate = validator.New()

// Duration is a time.Duration that decodes from strings like "850ms" in
// both YAML and JSON.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the duration in time.Duration notation.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the tunables of a Manager and its Bridge.
//
// Example file:
//
//	quiet_window: 300ms
//	min_delay: 850ms
//	max_delay: 12s
//	backoff_factor: 1.8
//	jitter: 0.2
//	heartbeat: 30s
//	subscription:
//	  topic: realtime:listings
//	  table: listings
type Config struct {
	QuietWindow    Duration `json:"quiet_window" yaml:"quiet_window" validate:"gt=0"`
	MinDelay       Duration `json:"min_delay" yaml:"min_delay" validate:"gt=0"`
	MaxDelay       Duration `json:"max_delay" yaml:"max_delay" validate:"gtefield=MinDelay"`
	BackoffFactor  float64  `json:"backoff_factor" yaml:"backoff_factor" validate:"gte=1"`
	Jitter         float64  `json:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`
	Heartbeat      Duration `json:"heartbeat" yaml:"heartbeat" validate:"gt=0"`
	CloseGrace     Duration `json:"close_grace" yaml:"close_grace" validate:"gte=0"`
	RefreshTimeout Duration `json:"refresh_timeout" yaml:"refresh_timeout" validate:"gte=0"`
	// RefreshAttempts above 1 retries failed refreshes immediately.
	RefreshAttempts int `json:"refresh_attempts" yaml:"refresh_attempts" validate:"gte=0"`
	ErrorHistory    int `json:"error_history" yaml:"error_history" validate:"gte=0"`

	// Subscription is optional; hosts that build subscriptions in code
	// leave it empty.
	Subscription Subscription `json:"subscription" yaml:"subscription"`
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		QuietWindow:    Duration(DefaultQuietWindow),
		MinDelay:       Duration(DefaultMinDelay),
		MaxDelay:       Duration(DefaultMaxDelay),
		BackoffFactor:  DefaultBackoffFactor,
		Jitter:         DefaultJitter,
		Heartbeat:      Duration(DefaultHeartbeat),
		CloseGrace:     Duration(DefaultCloseGrace),
		RefreshTimeout: 0,
		ErrorHistory:   0,
	}
}

// ParseConfig decodes data over DefaultConfig and validates the result.
// Keys missing from data keep their defaults.
func ParseConfig(data []byte, codec Codec) (Config, error) {
	if codec == nil {
		codec = YAMLCodec{}
	}
	cfg := DefaultConfig()
	if err := codec.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config (%s): %w", codec.ContentType(), err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads path and parses it. Files ending in .json are decoded
// as JSON, anything else as YAML.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var codec Codec = YAMLCodec{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		codec = JSONCodec{}
	}
	return ParseConfig(data, codec)
}

// Validate checks the config with its validate tags and, when a
// subscription topic is set, the subscription.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Subscription.Topic != "" {
		if err := c.Subscription.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Backoff returns the reconnect policy described by c.
func (c Config) Backoff() Backoff {
	return Backoff{
		Min:    c.MinDelay.Std(),
		Max:    c.MaxDelay.Std(),
		Factor: c.BackoffFactor,
		Jitter: c.Jitter,
	}
}

// Apply copies the Manager tunables onto m. Must be called before Start().
func (c Config) Apply(m *Manager) *Manager {
	m = m.
		QuietWindow(c.QuietWindow.Std()).
		Backoff(c.Backoff()).
		CloseGrace(c.CloseGrace.Std()).
		RefreshTimeout(c.RefreshTimeout.Std()).
		ErrorHistorySize(c.ErrorHistory)
	if c.RefreshAttempts > 1 {
		m = m.RefreshPipeline(WithRefreshRetry(c.RefreshAttempts))
	}
	return m
}

// ApplyBridge copies the heartbeat onto b. Must be called before Run().
func (c Config) ApplyBridge(b *Bridge) *Bridge {
	return b.Interval(c.Heartbeat.Std())
}

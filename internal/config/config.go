package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
	Timeframes  []string           `yaml:"timeframes"`

	Hub struct {
		Addr           string `yaml:"addr"` // host:port the hub listens on / clients dial
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Retention      int    `yaml:"retention"` // candles kept per (instrument, timeframe)
	} `yaml:"hub"`

	Broker struct {
		StreamURL        string `yaml:"stream_url"`
		RestURL          string `yaml:"rest_url"`
		AccountID        string `yaml:"account_id"`
		StalenessSeconds int    `yaml:"staleness_seconds"`
		SubscribeTimeout int    `yaml:"subscribe_timeout_seconds"`
	} `yaml:"broker"`

	RateLimits []QuotaConfig `yaml:"rate_limits"`

	Backoff struct {
		BaseSeconds int `yaml:"base_seconds"`
		MaxSeconds  int `yaml:"max_seconds"`
	} `yaml:"backoff"`

	Backfill struct {
		BatchSize int `yaml:"batch_size"` // candles per REST request
	} `yaml:"backfill"`

	Reconcile struct {
		IntervalSeconds  int `yaml:"interval_seconds"`
		ToleranceSeconds int `yaml:"tolerance_seconds"`
	} `yaml:"reconcile"`

	Sink struct {
		Enabled      bool   `yaml:"enabled"`
		DSN          string `yaml:"dsn"`
		BatchSize    int    `yaml:"batch_size"`
		QueueDepth   int    `yaml:"queue_depth"`
		FlushSeconds int    `yaml:"flush_seconds"`
	} `yaml:"sink"`
}

// InstrumentConfig binds an instrument to its quote convention. PipFactor is
// the divisor converting a raw price difference into pips; it is not uniform
// across instruments (JPY crosses quote to 2 decimals, most majors to 4).
type InstrumentConfig struct {
	Name      string  `yaml:"name"`
	PipFactor float64 `yaml:"pip_factor"`
}

// QuotaConfig configures one rate-limit class. Broker-side limits change, so
// they are configuration rather than constants.
type QuotaConfig struct {
	Class         string `yaml:"class"`
	Limit         int    `yaml:"limit"`
	WindowSeconds int    `yaml:"window_seconds"`
}

func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return errors.New("instruments cannot be empty")
	}
	seen := map[string]bool{}
	for _, in := range c.Instruments {
		if in.Name == "" {
			return errors.New("instrument with empty name")
		}
		if in.PipFactor <= 0 {
			return fmt.Errorf("instrument %s: pip_factor must be > 0, got %g", in.Name, in.PipFactor)
		}
		if seen[in.Name] {
			return fmt.Errorf("duplicate instrument %s", in.Name)
		}
		seen[in.Name] = true
	}
	if len(c.Timeframes) == 0 {
		return errors.New("timeframes cannot be empty")
	}
	if c.Hub.Addr == "" {
		return errors.New("hub.addr cannot be empty")
	}
	if c.Broker.StreamURL == "" || c.Broker.RestURL == "" {
		return errors.New("broker.stream_url and broker.rest_url are required")
	}
	if len(c.RateLimits) == 0 {
		return errors.New("rate_limits cannot be empty")
	}
	for _, q := range c.RateLimits {
		if q.Class == "" || q.Limit <= 0 {
			return fmt.Errorf("invalid rate limit class %q (limit %d)", q.Class, q.Limit)
		}
	}
	if c.Backoff.BaseSeconds > c.Backoff.MaxSeconds {
		return fmt.Errorf("backoff.base_seconds (%d) exceeds backoff.max_seconds (%d)",
			c.Backoff.BaseSeconds, c.Backoff.MaxSeconds)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Hub.TimeoutSeconds == 0 {
		c.Hub.TimeoutSeconds = 5
	}
	if c.Hub.Retention == 0 {
		c.Hub.Retention = 500
	}
	if c.Broker.StalenessSeconds == 0 {
		c.Broker.StalenessSeconds = 10
	}
	if c.Broker.SubscribeTimeout == 0 {
		c.Broker.SubscribeTimeout = 5
	}
	if c.Backoff.BaseSeconds == 0 {
		c.Backoff.BaseSeconds = 1
	}
	if c.Backoff.MaxSeconds == 0 {
		c.Backoff.MaxSeconds = 60
	}
	if c.Backfill.BatchSize == 0 {
		c.Backfill.BatchSize = 500
	}
	if c.Reconcile.IntervalSeconds == 0 {
		c.Reconcile.IntervalSeconds = 60
	}
	if c.Reconcile.ToleranceSeconds == 0 {
		c.Reconcile.ToleranceSeconds = 2
	}
	if c.Sink.BatchSize == 0 {
		c.Sink.BatchSize = 200
	}
	if c.Sink.QueueDepth == 0 {
		c.Sink.QueueDepth = 10000
	}
	if c.Sink.FlushSeconds == 0 {
		c.Sink.FlushSeconds = 2
	}
	for i := range c.RateLimits {
		if c.RateLimits[i].WindowSeconds == 0 {
			c.RateLimits[i].WindowSeconds = 60
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

// HubTimeout returns the per-call hub request timeout.
func (c *Config) HubTimeout() time.Duration {
	return time.Duration(c.Hub.TimeoutSeconds) * time.Second
}

// Staleness returns the watchdog threshold for the streaming connection.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Broker.StalenessSeconds) * time.Second
}

// InstrumentNames returns the configured instrument identifiers in order.
func (c *Config) InstrumentNames() []string {
	names := make([]string, 0, len(c.Instruments))
	for _, in := range c.Instruments {
		names = append(names, in.Name)
	}
	return names
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package outbound

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
)

const cfgDefaultKeyPrefix = "outboundLimit"

const (
	cfgKeyLimit                  = "limit"
	cfgKeyMaxOutboundCacheCount  = "maxOutboundCacheCount"
	cfgKeyMetricsPublishInterval = "metricsPublishInterval"
)

// Config represents a set of configuration parameters for the outbound
// Limiter. Configuration can be loaded in different formats (YAML, JSON)
// using config.Loader, viper, or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Limit is the static inflight limit. A non-positive value disables the
	// static limiter, and admission is fully driven by the adaptive one.
	Limit int `mapstructure:"limit" yaml:"limit" json:"limit"`

	// MaxOutboundCacheCount is the per-partition budget of the adaptive
	// ceiling formula. Must be positive.
	MaxOutboundCacheCount int `mapstructure:"maxOutboundCacheCount" yaml:"maxOutboundCacheCount" json:"maxOutboundCacheCount"` // nolint: lll

	// MetricsPublishInterval is how often the metrics publisher emits the
	// per-partition gauge set.
	MetricsPublishInterval config.TimeDuration `mapstructure:"metricsPublishInterval" yaml:"metricsPublishInterval" json:"metricsPublishInterval"` // nolint: lll

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix:              opts.keyPrefix,
		MaxOutboundCacheCount:  DefaultMaxOutboundCacheCount,
		MetricsPublishInterval: config.TimeDuration(DefaultMetricsPublishInterval),
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyLimit, 0)
	dp.SetDefault(cfgKeyMaxOutboundCacheCount, DefaultMaxOutboundCacheCount)
	dp.SetDefault(cfgKeyMetricsPublishInterval, DefaultMetricsPublishInterval)
}

// Set sets limiter configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Limit, err = dp.GetInt(cfgKeyLimit); err != nil {
		return err
	}
	if c.MaxOutboundCacheCount, err = dp.GetInt(cfgKeyMaxOutboundCacheCount); err != nil {
		return err
	}
	var interval time.Duration
	if interval, err = dp.GetDuration(cfgKeyMetricsPublishInterval); err != nil {
		return err
	}
	c.MetricsPublishInterval = config.TimeDuration(interval)

	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if c.MaxOutboundCacheCount <= 0 {
		return fmt.Errorf("max outbound cache count should be positive, got %d", c.MaxOutboundCacheCount)
	}
	if c.MetricsPublishInterval < 0 {
		return fmt.Errorf("metrics publish interval should not be negative, got %s",
			time.Duration(c.MetricsPublishInterval))
	}
	return nil
}

package proxy

import (
	"time"

	"github.com/go-playground/validator/v10"

	"socketley/certificates"
	"socketley/registry"
)

var validate = validator.New()

// Protocol is the proxy's frontend/backend wire handling.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
)

// Strategy is the backend-selection policy.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyRandom     Strategy = "random"
	StrategyScript     Strategy = "script"
)

// Config is the persistable, engine-specific configuration for a proxy
// runtime: an L4 or L7 frontend distributing to a backend set.
type Config struct {
	Port     int      `mapstructure:"port" validate:"gte=0,lte=65535"`
	Protocol Protocol `mapstructure:"protocol" validate:"omitempty,oneof=tcp http"`
	Strategy Strategy `mapstructure:"strategy" validate:"omitempty,oneof=round-robin random script"`

	// Backends is a list of address strings ("host:port") or runtime
	// names, resolved to host:port at each selection.
	Backends []string `mapstructure:"backends" validate:"required,min=1"`

	// PathPrefixes optionally routes an http-protocol request to a
	// specific backend index by URL path prefix; unmatched requests go to
	// the backend the configured Strategy selects.
	PathPrefixes map[string]int `mapstructure:"path_prefixes"`

	// RetryAll: if every backend is unhealthy, round-robin selects from
	// the full Backends list, unhealthy ones included, instead of
	// failing. Only the selected backend is tried; the other backends of
	// the list are not tried after it fails.
	RetryAll bool `mapstructure:"retry_all"`

	HealthInterval   time.Duration `mapstructure:"health_interval"`
	HealthPath       string        `mapstructure:"health_path"`
	HealthThreshold  int           `mapstructure:"health_threshold" validate:"gte=0"`

	CircuitThreshold int           `mapstructure:"circuit_threshold" validate:"gte=0"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`

	RetryCount int `mapstructure:"retry_count" validate:"gte=0"`

	// TLS, when configured, is presented to backends as client/mTLS
	// material.
	TLS *certificates.Config `mapstructure:"tls"`

	ScriptPath string `mapstructure:"script_path"`

	Group       string               `mapstructure:"group"`
	Owner       string               `mapstructure:"owner"`
	ChildPolicy registry.ChildPolicy `mapstructure:"child_policy"`
}

// Validate checks cfg's `validate` struct tags, including that at least
// one backend is configured.
func (c Config) Validate() error {
	return validate.Struct(c)
}

func (c Config) protocol() Protocol {
	if c.Protocol == "" {
		return ProtocolTCP
	}
	return c.Protocol
}

func (c Config) strategy() Strategy {
	if c.Strategy == "" {
		return StrategyRoundRobin
	}
	return c.Strategy
}

func (c Config) healthInterval() time.Duration {
	if c.HealthInterval <= 0 {
		return 10 * time.Second
	}
	return c.HealthInterval
}

func (c Config) healthThreshold() int {
	if c.HealthThreshold <= 0 {
		return 3
	}
	return c.HealthThreshold
}

func (c Config) circuitThreshold() int {
	if c.CircuitThreshold <= 0 {
		return 5
	}
	return c.CircuitThreshold
}

func (c Config) circuitTimeout() time.Duration {
	if c.CircuitTimeout <= 0 {
		return 30 * time.Second
	}
	return c.CircuitTimeout
}

package client

import (
	"github.com/go-playground/validator/v10"

	"socketley/certificates"
	"socketley/registry"
)

var validate = validator.New()

// Config is the persistable, engine-specific configuration for a client
// runtime: an outbound persistent connection with retry/backoff.
type Config struct {
	Network string `mapstructure:"network" validate:"omitempty,oneof=tcp udp"`
	Address string `mapstructure:"address" validate:"required"`

	ScriptPath string `mapstructure:"script_path"`

	TLS *certificates.Config `mapstructure:"tls"`

	// ReconnectAttempts: -1 disabled, 0 infinite, n>0 max attempts.
	ReconnectAttempts int `mapstructure:"reconnect_attempts"`

	BufferSize int `mapstructure:"buffer_size" validate:"gte=0"`

	Group       string               `mapstructure:"group"`
	Owner       string               `mapstructure:"owner"`
	ChildPolicy registry.ChildPolicy `mapstructure:"child_policy"`
}

// Validate checks cfg's `validate` struct tags (e.g. Address is required).
func (c Config) Validate() error {
	return validate.Struct(c)
}

func (c Config) network() string {
	if c.Network == "" {
		return "tcp"
	}
	return c.Network
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return 4096
	}
	return c.BufferSize
}

package server

import (
	"github.com/go-playground/validator/v10"

	"socketley/certificates"
	"socketley/registry"
)

var validate = validator.New()

// Mode is the server's message-direction policy.
type Mode string

const (
	ModeIn    Mode = "in"
	ModeOut   Mode = "out"
	ModeInOut Mode = "inout"
	ModeMaster Mode = "master"
)

// Config is the engine-specific, persistable configuration for a server
// runtime. persistence.RuntimeConfig carries the
// generic fields (name, kind, port, group, owner, ...); Config holds the
// server-specific tunables layered on top of them.
type Config struct {
	Port int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	UDP  bool   `mapstructure:"udp"`
	Mode Mode   `mapstructure:"mode" validate:"omitempty,oneof=in out inout master"`

	ScriptPath string `mapstructure:"script_path"`

	TLS *certificates.Config `mapstructure:"tls"`

	MaxConnections     int     `mapstructure:"max_connections" validate:"gte=0"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second" validate:"gte=0"`

	HTTPRoot      string `mapstructure:"http_root"`
	HTTPCache     bool   `mapstructure:"http_cache"`
	HTTPCacheSize int    `mapstructure:"http_cache_size" validate:"gte=0"`

	BufferGroup uint16 `mapstructure:"-"`
	BufferSize  int    `mapstructure:"buffer_size" validate:"gte=0"`

	Group       string              `mapstructure:"group"`
	Owner       string              `mapstructure:"owner"`
	ChildPolicy registry.ChildPolicy `mapstructure:"child_policy"`
}

// Validate checks cfg's `validate` struct tags, catching a bad port,
// mode or limit at create/import/replay time rather than at setup.
func (c Config) Validate() error {
	return validate.Struct(c)
}

func (c Config) mode() Mode {
	if c.Mode == "" {
		return ModeInOut
	}
	return c.Mode
}

func (c Config) maxConnections() int {
	if c.MaxConnections <= 0 {
		return 10000
	}
	return c.MaxConnections
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return 4096
	}
	return c.BufferSize
}

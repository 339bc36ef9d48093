package cache

import (
	"github.com/go-playground/validator/v10"

	"socketley/registry"
)

var validate = validator.New()

// Mode is the cache-mode semantics.
type Mode string

const (
	ModeReadWrite Mode = "readwrite"
	ModeReadOnly  Mode = "readonly"
	ModeAdmin     Mode = "admin"
)

// Eviction is the policy SET applies when a write takes Memory() above
// MaxMemory. List, set and hash writes are not checked against
// MaxMemory: they neither evict nor are refused.
type Eviction string

const (
	EvictionNone   Eviction = "noeviction"
	EvictionLRU    Eviction = "allkeys-lru"
	EvictionRandom Eviction = "allkeys-random"
)

// Config is the persistable configuration for a cache runtime.
type Config struct {
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`

	Mode     Mode     `mapstructure:"mode" validate:"omitempty,oneof=readwrite readonly admin"`
	Eviction Eviction `mapstructure:"eviction" validate:"omitempty,oneof=noeviction allkeys-lru allkeys-random"`

	MaxMemory int64 `mapstructure:"max_memory"`

	// ScriptPath, when set, is loaded into the extension VM at setup so
	// a script's subscribe() calls can register SUBSCRIBE channels
	// before the cache accepts its first connection; subscribing is
	// only possible from a script.
	ScriptPath string `mapstructure:"script_path"`

	// ForceRESP2 makes the server skip inline-protocol auto-detection,
	// for redis-benchmark compatibility.
	ForceRESP2 bool `mapstructure:"force_resp2"`

	// SnapshotPath is where FLUSH writes and LOAD reads (admin mode only).
	SnapshotPath string `mapstructure:"snapshot_path"`

	// ReplicateTarget names another cache runtime every successful write
	// mirrors to before acknowledging the client.
	ReplicateTarget string `mapstructure:"replicate_target"`

	Group       string               `mapstructure:"group"`
	Owner       string               `mapstructure:"owner"`
	ChildPolicy registry.ChildPolicy `mapstructure:"child_policy"`
}

// Validate checks cfg's `validate` struct tags.
func (c Config) Validate() error {
	return validate.Struct(c)
}

func (c Config) mode() Mode {
	if c.Mode == "" {
		return ModeReadWrite
	}
	return c.Mode
}

func (c Config) eviction() Eviction {
	if c.Eviction == "" {
		return EvictionNone
	}
	return c.Eviction
}

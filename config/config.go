/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package config loads the daemon's bootstrap settings - the handful of
// values needed before a single runtime exists: where the control socket
// lives, where runtime configs persist, the cluster directory, the kernel
// ring depth, the log level. Everything a runtime itself needs travels in
// its own persistable projection (see persistence/), not here.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	libctx "socketley/context"
)

const EnvPrefix = "SOCKETLEY"

// AppName is the daemon's name for path derivation purposes: socket
// and state directory paths are all `<app>`-scoped.
const AppName = "socketley"

// Bootstrap holds every daemon-wide tunable: plain fields, validator
// tags, defaults applied before Load reads the file/env.
type Bootstrap struct {
	// ControlSocketPath overrides auto-detection (/run/<app>/<app>.sock
	// when privileged, else /tmp or an XDG path).
	ControlSocketPath string `mapstructure:"control_socket_path" validate:"omitempty,filepath"`
	// StateDir is where per-runtime JSON configs persist.
	StateDir string `mapstructure:"state_dir" validate:"required"`
	// ClusterDir is the shared directory scanned/written by cluster/.
	ClusterDir string `mapstructure:"cluster_dir" validate:"omitempty"`
	// QueueDepth is the reactor's submission/completion ring depth.
	QueueDepth int `mapstructure:"queue_depth" validate:"required,min=16"`
	// LogLevel is parsed with logrus.ParseLevel.
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=panic fatal error warn warning info debug trace"`
	// LogFile, when set, receives a copy of every log line alongside stdout.
	LogFile string `mapstructure:"log_file" validate:"omitempty,filepath"`
	// UserMode forces XDG-style paths even when running privileged.
	UserMode bool `mapstructure:"user_mode"`
}

// Default returns a Bootstrap with the built-in defaults, before any
// file or env var is read.
func Default() *Bootstrap {
	return &Bootstrap{
		StateDir:   "/var/lib/socketley/runtimes",
		ClusterDir: "",
		QueueDepth: 2048,
		LogLevel:   "info",
	}
}

var validate = validator.New()

// Load reads configPath (if non-empty) through viper, overlays
// environment variables prefixed SOCKETLEY_, and validates the result.
func Load(configPath string) (*Bootstrap, error) {
	b := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state_dir", b.StateDir)
	v.SetDefault("queue_depth", b.QueueDepth)
	v.SetDefault("log_level", b.LogLevel)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, ErrorConfigRead.Error(err)
		}
	}

	if err := v.Unmarshal(b); err != nil {
		return nil, ErrorConfigUnmarshal.Error(err)
	}

	if err := validate.Struct(b); err != nil {
		return nil, ErrorConfigValidate.Error(err)
	}

	return b, nil
}

// ParseLogLevel turns the validated LogLevel string into a logrus.Level,
// defaulting to Info (validation already guarantees a known name).
func (b *Bootstrap) ParseLogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(b.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

func dirWritable(dir string) bool {
	if dir == "" {
		return false
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return false
	}
	probe := filepath.Join(dir, ".socketley-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// ResolveControlSocketPath implements the path fallback chain: the
// privileged system path when installed and accessible, else a per-user
// XDG runtime path, else /tmp. An explicit ControlSocketPath always wins.
func (b *Bootstrap) ResolveControlSocketPath() string {
	if b.ControlSocketPath != "" {
		return b.ControlSocketPath
	}

	if !b.UserMode {
		sysDir := filepath.Join("/run", AppName)
		if dirWritable(sysDir) {
			return filepath.Join(sysDir, AppName+".sock")
		}
	}

	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" && dirWritable(xdg) {
		return filepath.Join(xdg, AppName+".sock")
	}

	return filepath.Join(os.TempDir(), AppName+".sock")
}

// ResolveStateDir implements the state-directory fallback: the system
// path when installed privileged, else `$XDG_DATA_HOME/<app>/runtimes`
// (or `~/.local/share/<app>/runtimes` if XDG_DATA_HOME is unset).
func (b *Bootstrap) ResolveStateDir() string {
	if b.UserMode {
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(os.Getenv("HOME"), ".local", "share")
		}
		return filepath.Join(base, AppName, "runtimes")
	}
	if b.StateDir != "" {
		return b.StateDir
	}
	return filepath.Join("/var/lib", AppName, "runtimes")
}

// App is the daemon-wide shared context: a typed key/value map over the
// process-scoped flags every subsystem may need, chiefly the feature
// switches seeded from SOCKETLEY_NO_HTTPS / SOCKETLEY_NO_LUA.
type App = libctx.Config[string]

const (
	KeyNoHTTPS = "no_https"
	KeyNoLua   = "no_lua"
)

// NewApp builds the daemon app context and seeds the two documented build
// switches from the given values.
func NewApp(noHTTPS, noLua bool) App {
	a := libctx.New[string](nil)
	a.Store(KeyNoHTTPS, noHTTPS)
	a.Store(KeyNoLua, noLua)
	return a
}

// NewAppFromEnv seeds the switches from SOCKETLEY_NO_HTTPS and
// SOCKETLEY_NO_LUA, the daemon's spelling of the documented `<APP>_NO_*`
// environment switches.
func NewAppFromEnv() App {
	return NewApp(
		os.Getenv(EnvPrefix+"_NO_HTTPS") != "",
		os.Getenv(EnvPrefix+"_NO_LUA") != "",
	)
}

func appFlag(a App, key string) bool {
	if a == nil {
		return false
	}
	v, ok := a.Load(key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// NoHTTPS reports whether TLS-bearing runtime configs are refused.
func NoHTTPS(a App) bool { return appFlag(a, KeyNoHTTPS) }

// NoLua reports whether extension scripts are refused.
func NoLua(a App) bool { return appFlag(a, KeyNoLua) }

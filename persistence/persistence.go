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

// Package persistence is the crash-safe, per-runtime JSON store: one
// pretty-printed file per runtime under the state directory, atomic
// write via tmp+fsync+rename, forward-compatible read (unknown fields
// ignored - encoding/json already does this, so no hand-rolled
// tolerant parser is needed).
//
// Two generations of the on-disk format exist. The richer field set
// (Upstreams, MeshTLS, External/Managed, Fsync) is authoritative; the
// older flat fields are accepted as legacy-read-only aliases, migrated
// into the authoritative fields on load and never written back.
package persistence

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"crypto/subtle"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"socketley/certificates"
	"socketley/errors/pool"
)

// RuntimeConfig is the persistable projection of a Runtime.
type RuntimeConfig struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Port        int    `json:"port"`
	UDP         bool   `json:"udp,omitempty"`
	ScriptPath  string `json:"script_path,omitempty"`
	Group       string `json:"group,omitempty"`
	Owner       string `json:"owner,omitempty"`
	ChildPolicy string `json:"child_policy,omitempty"`
	WasRunning  bool   `json:"was_running"`

	TLS *certificates.Config `json:"tls,omitempty"`

	// PasswordDigest/PasswordSalt hold the only stored form of a
	// password, set by SetPassword: only a salted PBKDF2-SHA256 digest is
	// written, never the plaintext. No control-socket command takes a
	// password.
	PasswordSalt   string `json:"password_salt,omitempty"`
	PasswordDigest string `json:"password_digest,omitempty"`

	// Authoritative richer field set; the legacy aliases below migrate
	// into these on load.
	Upstreams []string             `json:"upstreams,omitempty"`
	MeshTLS   *certificates.Config `json:"mesh_tls,omitempty"`
	External  bool                 `json:"external,omitempty"`
	Managed   bool                 `json:"managed,omitempty"`
	Fsync     bool                 `json:"fsync,omitempty"`

	// Legacy read-only aliases. Decoded once by migrateLegacy, never
	// re-serialized (no `json` tag collision because the authoritative
	// fields above take the canonical names).
	LegacyBackends []string `json:"backends,omitempty"`
	LegacyTLSFile  string   `json:"tls_file,omitempty"`

	// Extra carries the engine-specific tunables (server.Config,
	// client.Config, proxy.Config or cache.Config, keyed by Kind) that
	// don't have a home in the fields above - the control socket's
	// `create`/`show`/`dump` commands marshal/unmarshal it opaquely so
	// persistence itself never needs to import any of the four engines.
	Extra json.RawMessage `json:"extra,omitempty"`
}

func (c *RuntimeConfig) migrateLegacy() {
	if len(c.Upstreams) == 0 && len(c.LegacyBackends) > 0 {
		c.Upstreams = append([]string(nil), c.LegacyBackends...)
	}
	if c.TLS == nil && c.LegacyTLSFile != "" {
		c.TLS = &certificates.Config{CertFile: c.LegacyTLSFile}
	}
	c.LegacyBackends = nil
	c.LegacyTLSFile = ""
}

const (
	passwordIterations = 4096
	passwordKeyLen     = 32
)

func passwordKey(plaintext string, salt []byte) []byte {
	return pbkdf2.Key([]byte(plaintext), salt, passwordIterations, passwordKeyLen, sha256.New)
}

// SetPassword computes and stores a salted PBKDF2-SHA256 digest of
// plaintext. The plaintext itself is never retained on cfg.
func (c *RuntimeConfig) SetPassword(plaintext string) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return ErrorSaltGenerate.Error(err)
	}

	c.PasswordSalt = hex.EncodeToString(salt)
	c.PasswordDigest = hex.EncodeToString(passwordKey(plaintext, salt))
	return nil
}

// VerifyPassword reports whether candidate hashes to the stored digest.
func (c *RuntimeConfig) VerifyPassword(candidate string) bool {
	if c.PasswordDigest == "" {
		return candidate == ""
	}

	salt, err := hex.DecodeString(c.PasswordSalt)
	if err != nil {
		return false
	}

	want, err := hex.DecodeString(c.PasswordDigest)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(passwordKey(candidate, salt), want) == 1
}

func path(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// Save atomically writes cfg to <dir>/<name>.json via a .tmp sibling,
// fsync, then rename.
func Save(dir string, cfg *RuntimeConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ErrorMkdir.Error(err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return ErrorMarshal.Error(err)
	}

	final := path(dir, cfg.Name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ErrorWrite.Error(err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return ErrorWrite.Error(err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ErrorFsync.Error(err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ErrorWrite.Error(err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return ErrorRename.Error(err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}

// Load reads <dir>/<name>.json, ignoring unknown fields, and migrates
// legacy aliases into the authoritative field set.
func Load(dir, name string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path(dir, name))
	if err != nil {
		return nil, ErrorRead.Error(err)
	}

	cfg := &RuntimeConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, ErrorUnmarshal.Error(err)
	}

	cfg.migrateLegacy()
	return cfg, nil
}

// Remove deletes the persisted file for name, if any.
func Remove(dir, name string) error {
	if err := os.Remove(path(dir, name)); err != nil && !os.IsNotExist(err) {
		return ErrorRemove.Error(err)
	}
	return nil
}

// ReplayAll loads every runtime config under dir, skipping .tmp siblings
// left over from an interrupted Save, for boot-time replay.
//
// Entries that fail to load (a truncated or corrupt file) are collected
// into the returned pool rather than aborting the whole boot; the
// caller logs pool.Slice() and proceeds with whatever did load.
func ReplayAll(dir string) ([]*RuntimeConfig, pool.Pool, error) {
	skipped := pool.New()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, skipped, nil
		}
		return nil, skipped, ErrorRead.Error(err)
	}

	var out []*RuntimeConfig
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".tmp") || !strings.HasSuffix(n, ".json") {
			continue
		}

		name := strings.TrimSuffix(n, ".json")
		cfg, err := Load(dir, name)
		if err != nil {
			// Persistence failure: skip this entry, keep replaying
			// the rest rather than failing the whole boot.
			skipped.Add(err)
			continue
		}
		out = append(out, cfg)
	}

	return out, skipped, nil
}

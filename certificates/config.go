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

// Package certificates builds the TLS envelopes runtimes wrap their
// connections in: server-side (listener-terminated TLS), client-side
// (connecting out with optional server-cert verification), and mTLS
// (mutual auth, used by the proxy when talking to backends per).
package certificates

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
)

// Config is the file-based certificate material a runtime or proxy
// backend set carries: cert/key pair, a CA root pool, client-auth and
// verification switches, minimum TLS version.
type Config struct {
	CertFile string `mapstructure:"cert_file" validate:"omitempty,filepath"`
	KeyFile  string `mapstructure:"key_file" validate:"omitempty,filepath"`
	CAFile   string `mapstructure:"ca_file" validate:"omitempty,filepath"`

	// ClientAuth requires a verified client certificate (mTLS server side).
	ClientAuth bool `mapstructure:"client_auth"`
	// ServerName is used for server-cert verification on the client side.
	ServerName string `mapstructure:"server_name"`
	// InsecureSkipVerify disables server-cert verification; only ever
	// meant for loopback testing, never for a production backend set.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	MinVersion uint16 `mapstructure:"tls_min_version"`
}

func checkFile(path string) error {
	if path == "" {
		return ErrorParamsEmpty.Error(nil)
	}

	if _, e := os.Stat(path); e != nil {
		return ErrorFileStat.Error(e)
	}

	b, e := os.ReadFile(path)
	if e != nil {
		return ErrorFileRead.Error(e)
	}

	b = bytes.TrimSpace(b)
	if len(b) < 1 {
		return ErrorFileEmpty.Error(nil)
	}

	return nil
}

func minVersion(v uint16) uint16 {
	if v == 0 {
		return tls.VersionTLS12
	}
	return v
}

// ServerTLSConfig builds a *tls.Config suitable for tls.NewListener /
// tls.Server, loading the configured cert/key pair and, if ClientAuth is
// set, requiring and verifying client certificates against CAFile
// (server-side mTLS "Server/client/mTLS init").
func (c *Config) ServerTLSConfig() (*tls.Config, error) {
	if err := checkFile(c.CertFile); err != nil {
		return nil, err
	}
	if err := checkFile(c.KeyFile); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, ErrorCertLoad.Error(err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion(c.MinVersion),
	}

	if c.ClientAuth {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// ClientTLSConfig builds a *tls.Config for an outbound connection
// (client runtime connect, or proxy-to-backend mTLS). If CertFile/KeyFile
// are set alongside CAFile, the client presents its own certificate
// (mutual TLS to backends "Backend TLS").
func (c *Config) ClientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         minVersion(c.MinVersion),
	}

	if c.CAFile != "" {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, ErrorCertLoad.Error(err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	if err := checkFile(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrorFileRead.Error(err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, ErrorCAParse.Error(nil)
	}

	return pool, nil
}

// IsConfigured reports whether any TLS material was provided at all,
// letting callers skip TLS entirely when Config is the zero value.
func (c *Config) IsConfigured() bool {
	if c == nil {
		return false
	}
	return strings.TrimSpace(c.CertFile) != "" || strings.TrimSpace(c.CAFile) != ""
}

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

// Package client is the outbound persistent connection engine:
// non-blocking connect, a read loop identical in shape to a server
// connection, and exponential-backoff reconnection.
package client

import (
	"net"
	"sync"
	"time"

	"github.com/dop251/goja"

	"socketley/certificates"
	"socketley/extvm"
	"socketley/logger"
	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime"
)

const maxBackoff = 30 * time.Second

// Client is a client runtime.
type Client struct {
	*runtime.Base

	cfg Config
	r   *reactor.Reactor

	mu      sync.Mutex
	conn    net.Conn
	attempt int
	closed  bool

	writeMu sync.Mutex
	pending [][]byte
}

// NewFactory mirrors server.NewFactory: one per daemon process, bound to
// the shared reactor and logger.
func NewFactory(r *reactor.Reactor, reg *registry.Registry, log logger.FuncLog) registry.Factory {
	return func(name string, rawCfg interface{}) (registry.Runtime, error) {
		cfg, _ := rawCfg.(Config)
		if err := cfg.Validate(); err != nil {
			return nil, ErrorBadConfig.Error(err)
		}

		id, err := reg.NewID()
		if err != nil {
			return nil, err
		}

		vm := extvm.New(log)

		c := &Client{cfg: cfg, r: r}
		c.Base = runtime.NewBase(id, name, registry.KindClient, cfg.ChildPolicy, cfg.Group, log, vm)
		c.Base.SetupFunc = c.setup
		c.Base.TeardownFunc = c.teardown

		vm.RegisterHostFunc("send", func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				return goja.Undefined()
			}
			c.Send([]byte(call.Arguments[0].String()))
			return goja.Undefined()
		})

		if cfg.ScriptPath != "" {
			if err := extvm.LoadFile(vm, cfg.ScriptPath); err != nil {
				return nil, err
			}
		}
		c.Base.SetScriptPath(cfg.ScriptPath)

		return c, nil
	}
}

func (c *Client) setup() error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	c.r.SubmitConnect(c.cfg.network(), c.cfg.Address, c)
	return nil
}

func (c *Client) teardown() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if c.VM != nil && c.VM.HasCallback(extvm.OnStop) {
		_, _ = c.VM.Invoke(extvm.OnStop)
	}
	return nil
}

// OnCompletion handles both connect completions (req.Op == OpConnect)
// and subsequent read completions (req.Op == OpRead), dispatched by
// whether a connection is already established; once connected the read
// loop is the same shape as a server connection's.
func (c *Client) OnCompletion(req *reactor.Request, result int32, flags uint32) {
	c.mu.Lock()
	haveConn := c.conn != nil
	c.mu.Unlock()

	if !haveConn {
		c.onConnectCompletion(req, result)
		return
	}

	c.onReadCompletion(req, result)
}

func (c *Client) onConnectCompletion(req *reactor.Request, result int32) {
	if result < 0 || req.Conn == nil {
		c.scheduleReconnect()
		return
	}

	conn := req.Conn
	if c.cfg.TLS.IsConfigured() {
		tlsCfg, err := c.cfg.TLS.ClientTLSConfig()
		if err != nil {
			_ = conn.Close()
			c.scheduleReconnect()
			return
		}
		env := certificates.WrapClient(conn, tlsCfg)
		if err := env.Handshake(); err != nil {
			_ = conn.Close()
			c.scheduleReconnect()
			return
		}
		conn = env
	}

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.mu.Unlock()

	if c.VM != nil && c.VM.HasCallback(extvm.OnConnect) {
		_, _ = c.VM.Invoke(extvm.OnConnect)
	}

	c.flushPending()

	c.r.SubmitRead(conn, c, make([]byte, c.cfg.bufferSize()))
}

func (c *Client) onReadCompletion(req *reactor.Request, result int32) {
	if result < 0 {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if c.VM != nil && c.VM.HasCallback(extvm.OnDisconnect) {
			_, _ = c.VM.Invoke(extvm.OnDisconnect)
		}

		c.scheduleReconnect()
		return
	}

	data := req.Buf[:result]
	c.AddBytesIn(int64(len(data)))
	c.AddMessagesIn(1)

	if c.VM != nil && c.VM.HasCallback(extvm.OnMessage) {
		_, _ = c.VM.Invoke(extvm.OnMessage, string(data))
	}

	c.r.SubmitRead(req.Conn, c, make([]byte, c.cfg.bufferSize()))
}

// scheduleReconnect applies the reconnect policy: -1 disabled (fail
// permanently), 0 infinite, n>0 bounded, exponential backoff capped at
// 30s regardless of the bound.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if c.cfg.ReconnectAttempts == -1 {
		c.mu.Unlock()
		return
	}

	c.attempt++
	attempt := c.attempt
	bound := c.cfg.ReconnectAttempts
	c.mu.Unlock()

	if bound > 0 && attempt > bound {
		return
	}

	backoff := time.Duration(1<<uint(attempt-1)) * time.Second
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}

	h := &reconnectHandler{c: c}
	c.r.SubmitTimeout(h, time.Now().Add(backoff))
}

type reconnectHandler struct{ c *Client }

func (h *reconnectHandler) OnCompletion(*reactor.Request, int32, uint32) {
	h.c.mu.Lock()
	closed := h.c.closed
	h.c.mu.Unlock()
	if closed {
		return
	}
	h.c.r.SubmitConnect(h.c.cfg.network(), h.c.cfg.Address, h.c)
}

// Send queues data for the extension VM's send() host function; writes
// are flushed via a single SubmitWritev when the connection is
// established, and stay queued otherwise.
func (c *Client) Send(data []byte) {
	c.writeMu.Lock()
	c.pending = append(c.pending, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.flushPending()
	}
}

func (c *Client) flushPending() {
	c.writeMu.Lock()
	batch := c.pending
	c.pending = nil
	c.writeMu.Unlock()

	if len(batch) == 0 {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.writeMu.Lock()
		c.pending = append(batch, c.pending...)
		c.writeMu.Unlock()
		return
	}

	req := c.r.SubmitWritev(conn, noopHandler{}, batch)
	_ = req

	var total int64
	for _, b := range batch {
		total += int64(len(b))
	}
	c.AddMessagesOut(int64(len(batch)))
	c.AddBytesOut(total)
}

type noopHandler struct{}

func (noopHandler) OnCompletion(*reactor.Request, int32, uint32) {}

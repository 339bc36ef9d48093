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

// Package proxy is the L4/L7 reverse-proxy engine: a frontend
// listener distributing to a backend set by strategy, with health
// checks and a per-backend circuit breaker, driven through the reactor's
// multishot accept (as the server engine is) and splice primitives.
package proxy

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"socketley/certificates"
	"socketley/extvm"
	"socketley/logger"
	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime"
)

const spliceBufferSize = 32 * 1024

// Proxy is a proxy runtime.
type Proxy struct {
	*runtime.Base

	cfg Config
	r   *reactor.Reactor
	reg *registry.Registry
	log logger.FuncLog

	ln net.Listener

	backends []*backend
	rrCursor uint64

	healthReq *reactor.Request
	acceptReq *reactor.Request

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewFactory mirrors server.NewFactory and client.NewFactory.
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

		p := &Proxy{
			cfg:   cfg,
			r:     r,
			reg:   reg,
			log:   log,
			conns: make(map[net.Conn]struct{}),
		}

		for _, b := range cfg.Backends {
			p.backends = append(p.backends, newBackend(b))
		}

		p.Base = runtime.NewBase(id, name, registry.KindProxy, cfg.ChildPolicy, cfg.Group, log, vm)
		p.Base.SetupFunc = p.setup
		p.Base.TeardownFunc = p.teardown

		if cfg.ScriptPath != "" {
			if err := extvm.LoadFile(vm, cfg.ScriptPath); err != nil {
				return nil, err
			}
		}
		p.Base.SetScriptPath(cfg.ScriptPath)

		return p, nil
	}
}

// ListenPort exposes the configured frontend port for the cluster
// publisher's snapshot.
func (p *Proxy) ListenPort() int { return p.cfg.Port }

func (p *Proxy) setup() error {
	if len(p.backends) == 0 {
		return ErrorNoBackends.Error(nil)
	}

	ln, err := runtime.Listen("tcp", fmt.Sprintf(":%d", p.cfg.Port))
	if err != nil {
		return ErrorListen.Error(err)
	}
	p.ln = ln

	p.acceptReq = p.r.SubmitAcceptMultishot(ln, p)
	p.scheduleHealthCheck()

	return nil
}

func (p *Proxy) teardown() error {
	if p.acceptReq != nil {
		p.r.Cancel(p.acceptReq)
	}
	if p.healthReq != nil {
		p.r.Cancel(p.healthReq)
	}
	if p.ln != nil {
		_ = p.ln.Close()
	}

	p.connMu.Lock()
	all := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		all = append(all, c)
	}
	p.connMu.Unlock()

	for _, c := range all {
		_ = c.Close()
	}

	return nil
}

// OnCompletion is the accept-stream handler: every accepted frontend
// connection is dispatched to the tcp-splice or http-forward path
// depending on the configured protocol.
func (p *Proxy) OnCompletion(req *reactor.Request, result int32, _ uint32) {
	if result < 0 || req.Conn == nil {
		return
	}

	p.track(req.Conn)
	p.IncConnections(1)

	switch p.cfg.protocol() {
	case ProtocolHTTP:
		go p.serveHTTP(req.Conn)
	default:
		go p.serveTCP(req.Conn)
	}
}

func (p *Proxy) track(c net.Conn) {
	p.connMu.Lock()
	p.conns[c] = struct{}{}
	p.connMu.Unlock()
}

func (p *Proxy) untrack(c net.Conn) {
	p.connMu.Lock()
	delete(p.conns, c)
	p.connMu.Unlock()
	p.IncConnections(-1)
}

// selectBackend applies the configured strategy, skipping unhealthy and
// circuit-open backends, with the round-robin/retry_all tie-break.
func (p *Proxy) selectBackend() (*backend, error) {
	switch p.cfg.strategy() {
	case StrategyRandom:
		return p.selectRandom()
	case StrategyScript:
		return p.selectScript()
	default:
		return p.selectRoundRobin()
	}
}

func (p *Proxy) healthyCandidates() []*backend {
	var out []*backend
	for _, b := range p.backends {
		if b.isHealthy() && b.allowRequest(p.cfg.circuitTimeout()) {
			out = append(out, b)
		}
	}
	return out
}

func (p *Proxy) selectRoundRobin() (*backend, error) {
	candidates := p.healthyCandidates()

	if len(candidates) == 0 {
		if !p.cfg.RetryAll || len(p.backends) == 0 {
			return nil, ErrorAllUnhealthy.Error(nil)
		}
		candidates = p.backends
	}

	n := atomic.AddUint64(&p.rrCursor, 1)
	idx := int(n-1) % len(candidates)
	return candidates[idx], nil
}

func (p *Proxy) selectRandom() (*backend, error) {
	candidates := p.healthyCandidates()
	if len(candidates) == 0 {
		return nil, ErrorAllUnhealthy.Error(nil)
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// selectScript invokes the extension VM's on_select_backend callback
// with the healthy backend addresses, expecting back the chosen index.
func (p *Proxy) selectScript() (*backend, error) {
	candidates := p.healthyCandidates()
	if len(candidates) == 0 {
		return nil, ErrorAllUnhealthy.Error(nil)
	}

	if p.VM == nil || !p.VM.HasCallback(extvm.OnSelectBackend) {
		return candidates[0], nil
	}

	addrs := make([]interface{}, len(candidates))
	for i, b := range candidates {
		addrs[i] = b.addr
	}

	v, err := p.VM.Invoke(extvm.OnSelectBackend, addrs)
	if err != nil || v == nil {
		return candidates[0], nil
	}

	idx := int(v.ToInteger())
	if idx < 0 || idx >= len(candidates) {
		return candidates[0], nil
	}
	return candidates[idx], nil
}

// resolveAddr resolves a configured backend entry that names another
// runtime to its "host:port" at selection time. Entries already shaped
// like host:port pass through unchanged.
func (p *Proxy) resolveAddr(entry string) string {
	if rt, ok := p.reg.Get(entry); ok {
		if s, ok := rt.(interface{ ListenPort() int }); ok {
			return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.ListenPort()))
		}
	}

	return entry
}

// dialBackend opens an outbound connection to b, presenting mTLS
// material when configured.
func (p *Proxy) dialBackend(b *backend) (net.Conn, error) {
	addr := p.resolveAddr(b.addr)

	d := net.Dialer{Timeout: 5 * time.Second}
	raw, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	if p.cfg.TLS.IsConfigured() {
		tlsCfg, err := p.cfg.TLS.ClientTLSConfig()
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
		env := certificates.WrapClient(raw, tlsCfg)
		if err := env.Handshake(); err != nil {
			_ = raw.Close()
			return nil, err
		}
		return env, nil
	}

	return raw, nil
}

// serveTCP implements protocol "tcp": byte splice both directions
// between the frontend connection and a selected backend.
func (p *Proxy) serveTCP(front net.Conn) {
	defer func() {
		_ = front.Close()
		p.untrack(front)
	}()

	b, err := p.selectBackend()
	if err != nil {
		return
	}

	back, err := p.dialBackend(b)
	if err != nil {
		b.recordRequestResult(false, p.cfg.circuitThreshold(), p.cfg.circuitTimeout())
		return
	}
	defer func() { _ = back.Close() }()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		splice(p.r, front, back)
	}()
	go func() {
		defer wg.Done()
		splice(p.r, back, front)
	}()

	wg.Wait()
	b.recordRequestResult(true, p.cfg.circuitThreshold(), p.cfg.circuitTimeout())
}

// splice repeatedly submits SubmitSplice until src or dst errors,
// reusing the reactor primitive named in rather than a bare
// io.Copy so the byte-forwarding path is observable like every other
// I/O operation in the daemon.
func splice(r *reactor.Reactor, src, dst net.Conn) {
	done := make(chan struct{})
	h := &spliceHandler{r: r, src: src, dst: dst, done: done}
	r.SubmitSplice(src, dst, h, spliceBufferSize)
	<-done
}

type spliceHandler struct {
	r    *reactor.Reactor
	src  net.Conn
	dst  net.Conn
	done chan struct{}
}

func (h *spliceHandler) OnCompletion(_ *reactor.Request, result int32, _ uint32) {
	if result < 0 {
		close(h.done)
		return
	}
	h.r.SubmitSplice(h.src, h.dst, h, spliceBufferSize)
}

// serveHTTP implements protocol "http": per-request backend selection
// (optionally by path prefix), forwarding the request and relaying the
// response back to the client.
func (p *Proxy) serveHTTP(front net.Conn) {
	defer func() {
		_ = front.Close()
		p.untrack(front)
	}()

	br := bufio.NewReader(front)

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		b := p.backendForRequest(req)
		if b == nil {
			return
		}

		ok := p.forwardHTTP(front, req, b)
		if !ok && isIdempotent(req.Method) {
			for i := 0; i < p.cfg.RetryCount; i++ {
				alt := p.altBackend(b)
				if alt == nil {
					break
				}
				if p.forwardHTTP(front, req, alt) {
					ok = true
					break
				}
				b = alt
			}
		}

		if !ok {
			writeBadGateway(front)
			return
		}
	}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// backendForRequest honors an optional path-prefix route before falling
// back to the configured Strategy.
func (p *Proxy) backendForRequest(req *http.Request) *backend {
	for prefix, idx := range p.cfg.PathPrefixes {
		if len(prefix) > 0 && len(req.URL.Path) >= len(prefix) && req.URL.Path[:len(prefix)] == prefix {
			if idx >= 0 && idx < len(p.backends) {
				return p.backends[idx]
			}
		}
	}

	b, err := p.selectBackend()
	if err != nil {
		return nil
	}
	return b
}

func (p *Proxy) altBackend(exclude *backend) *backend {
	for _, b := range p.backends {
		if b == exclude {
			continue
		}
		if b.isHealthy() && b.allowRequest(p.cfg.circuitTimeout()) {
			return b
		}
	}
	return nil
}

func (p *Proxy) forwardHTTP(front net.Conn, req *http.Request, b *backend) bool {
	back, err := p.dialBackend(b)
	if err != nil {
		b.recordRequestResult(false, p.cfg.circuitThreshold(), p.cfg.circuitTimeout())
		return false
	}
	defer func() { _ = back.Close() }()

	if err := req.Write(back); err != nil {
		b.recordRequestResult(false, p.cfg.circuitThreshold(), p.cfg.circuitTimeout())
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(back), req)
	if err != nil {
		b.recordRequestResult(false, p.cfg.circuitThreshold(), p.cfg.circuitTimeout())
		return false
	}
	defer resp.Body.Close()

	if err := resp.Write(front); err != nil {
		return false
	}

	b.recordRequestResult(resp.StatusCode < 500, p.cfg.circuitThreshold(), p.cfg.circuitTimeout())
	return true
}

func writeBadGateway(w net.Conn) {
	body := "bad gateway"
	fmt.Fprintf(w, "HTTP/1.0 502 %s\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s", body, len(body), body)
}

// scheduleHealthCheck resubmits itself through the reactor every
// health_interval, exactly as runtime.Base's on_tick timer does.
func (p *Proxy) scheduleHealthCheck() {
	h := &healthHandler{p: p}
	p.healthReq = p.r.SubmitTimeout(h, time.Now().Add(p.cfg.healthInterval()))
}

type healthHandler struct{ p *Proxy }

func (h *healthHandler) OnCompletion(_ *reactor.Request, result int32, _ uint32) {
	if result < 0 {
		return
	}
	h.p.checkAllBackends()
	h.p.healthReq = h.p.r.SubmitTimeout(h, time.Now().Add(h.p.cfg.healthInterval()))
}

// checkAllBackends probes every backend once: a plain connect for tcp,
// connect + GET health_path for http.
func (p *Proxy) checkAllBackends() {
	for _, b := range p.backends {
		ok := p.probe(b)
		b.recordHealthCheck(ok, p.cfg.healthThreshold())
	}
}

func (p *Proxy) probe(b *backend) bool {
	addr := p.resolveAddr(b.addr)

	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()

	if p.cfg.protocol() != ProtocolHTTP {
		return true
	}

	path := p.cfg.HealthPath
	if path == "" {
		path = "/"
	}

	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, addr); err != nil {
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < 500
}

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

// Package server is the listener + per-connection session engine:
// dual raw-bytes/WebSocket/HTTP-static protocol discrimination, the four
// message-direction modes, per-connection routing, rate limiting, and
// admission control, all driven through the reactor's multishot accept
// and per-connection read submissions rather than one goroutine per
// connection.
package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/hashicorp/go-multierror"

	"socketley/cache"
	"socketley/certificates"
	"socketley/extvm"
	"socketley/logger"
	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime"
)

// Server is a server runtime. It embeds runtime.Base for identity,
// lifecycle and stats, and owns its listener and connection set directly.
type Server struct {
	*runtime.Base

	cfg Config

	r   *reactor.Reactor
	reg *registry.Registry
	log logger.FuncLog

	ln  net.Listener
	tls *certificates.Config

	pc      net.PacketConn
	recvReq *reactor.Request
	peerMu  sync.Mutex
	peers   map[string]udpPeer

	connMu sync.RWMutex
	conns  map[uint64]*conn
	nextID uint64

	dropped int64 // atomic: admission/rate-limit drops

	respCache cache.Cache[string, []byte]

	acceptReq *reactor.Request
}

// NewFactory returns a registry.Factory bound to the shared reactor,
// registry and logger, one per daemon process; the dependencies travel
// explicitly instead of through a registry/reactor singleton.
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

		s := &Server{
			cfg:   cfg,
			r:     r,
			reg:   reg,
			log:   log,
			conns: make(map[uint64]*conn),
			tls:   cfg.TLS,
		}

		if cfg.HTTPCache {
			// HTTPCacheSize is not read: the cache evicts entries only by
			// their five-minute TTL and has no entry cap, matching
			// cache.Cache's expiry-only eviction model.
			s.respCache = cache.New[string, []byte](context.Background(), 5*time.Minute)
		}

		s.Base = runtime.NewBase(id, name, registry.KindServer, cfg.ChildPolicy, cfg.Group, log, vm)
		s.Base.SetupFunc = s.setup
		s.Base.TeardownFunc = s.teardown

		s.registerHostFuncs(vm)

		if cfg.ScriptPath != "" {
			if err := extvm.LoadFile(vm, cfg.ScriptPath); err != nil {
				return nil, err
			}
		}
		s.Base.SetScriptPath(cfg.ScriptPath)

		return s, nil
	}
}

// registerHostFuncs exposes self.broadcast(msg) to scripts, the host
// function an on_message callback body typically calls:
// `on_message(m) { self.broadcast(m) }` makes an echo server.
func (s *Server) registerHostFuncs(vm extvm.VM) {
	vm.RegisterHostFunc("broadcast", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		s.Broadcast([]byte(call.Arguments[0].String()))
		return goja.Undefined()
	})
}

// setup binds the configured port and submits the standing multishot
// accept, or a recvmsg loop for a datagram server. A listen failure
// moves the runtime to failed immediately.
func (s *Server) setup() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	if s.cfg.UDP {
		if err := s.setupUDP(addr); err != nil {
			return err
		}
	} else {
		ln, err := runtime.Listen("tcp", addr)
		if err != nil {
			return ErrorListen.Error(err)
		}

		if s.tls.IsConfigured() {
			tlsCfg, err := s.tls.ServerTLSConfig()
			if err != nil {
				_ = ln.Close()
				return ErrorListen.Error(err)
			}
			ln = tls.NewListener(ln, tlsCfg)
		}

		s.ln = ln
		s.acceptReq = s.r.SubmitAcceptMultishot(ln, s)
	}

	if s.VM != nil && s.VM.HasCallback(extvm.OnStart) {
		_, _ = s.VM.Invoke(extvm.OnStart)
	}

	s.StartTicker(s.r, time.Second)

	return nil
}

// ListenPort exposes the bound port so another runtime (the proxy,
// resolving a backend entry that names a server instead of a
// host:port) can address it without reaching into Config directly.
func (s *Server) ListenPort() int { return s.cfg.Port }

// teardown closes the listener and every open connection before the
// runtime becomes observably stopped.
func (s *Server) teardown() error {
	if s.acceptReq != nil {
		s.r.Cancel(s.acceptReq)
	}
	if s.recvReq != nil {
		s.r.Cancel(s.recvReq)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.pc != nil {
		_ = s.pc.Close()
	}

	s.connMu.Lock()
	all := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		all = append(all, c)
	}
	s.connMu.Unlock()

	var merr *multierror.Error
	for _, c := range all {
		if err := c.close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if s.VM != nil && s.VM.HasCallback(extvm.OnStop) {
		_, _ = s.VM.Invoke(extvm.OnStop)
	}

	return merr.ErrorOrNil()
}

func (s *Server) forgetConn(id uint64) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
	s.IncConnections(-1)
}

// OnCompletion implements reactor.Handler for this server's accept
// stream. Each accepted connection gets its own identity and enters the
// first-byte protocol discrimination read.
func (s *Server) OnCompletion(req *reactor.Request, result int32, flags uint32) {
	if result < 0 {
		return
	}
	if req.Conn == nil {
		return
	}

	s.handleAccept(req.Conn)
}

func (s *Server) handleAccept(nc net.Conn) {
	s.connMu.RLock()
	count := len(s.conns)
	s.connMu.RUnlock()

	if count >= s.cfg.maxConnections() {
		atomic.AddInt64(&s.dropped, 1)
		_ = nc.Close()
		return
	}

	id := atomic.AddUint64(&s.nextID, 1)
	c := newConn(id, s, nc)

	s.connMu.Lock()
	s.conns[id] = c
	s.connMu.Unlock()

	s.IncConnections(1)

	if s.VM != nil && s.VM.HasCallback(extvm.OnAuth) {
		v, err := s.VM.Invoke(extvm.OnAuth, nc.RemoteAddr().String())
		if err != nil || (v != nil && !v.ToBoolean()) {
			c.close()
			return
		}
	}

	if s.VM != nil && s.VM.HasCallback(extvm.OnConnect) {
		_, _ = s.VM.Invoke(extvm.OnConnect, id)
	}

	h := &connHandler{c: c}
	s.r.SubmitRead(nc, h, make([]byte, s.cfg.bufferSize()))
}

// connHandler is the reactor.Handler for one connection's ongoing reads;
// split from *Server so each connection's completions carry their own
// closure state (routing target, protocol mode) without a type switch.
type connHandler struct {
	c *conn
}

func (h *connHandler) OnCompletion(req *reactor.Request, result int32, flags uint32) {
	c := h.c
	s := c.server

	if result < 0 {
		if s.VM != nil && s.VM.HasCallback(extvm.OnDisconnect) {
			_, _ = s.VM.Invoke(extvm.OnDisconnect, c.id)
		}
		c.close()
		return
	}

	data := req.Buf[:result]
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	s.AddBytesIn(int64(len(data)))

	switch c.getState() {
	case stateReadingHeaders:
		s.dispatchFirstRead(c, data)
	case stateRaw:
		s.handleRawMessage(c, data)
	case stateWebSocketOpen:
		s.handleWebSocketData(c, data)
	default:
	}

	if c.getState() != stateClosing {
		s.r.SubmitRead(c.raw, h, make([]byte, s.cfg.bufferSize()))
	}
}

// dispatchFirstRead performs's first-byte protocol discrimination.
func (s *Server) dispatchFirstRead(c *conn, data []byte) {
	if IsHTTPRequestStart(data) {
		s.handleHTTPRequest(c, data)
		return
	}

	c.setState(stateRaw)
	s.handleRawMessage(c, data)
}

// handleRawMessage is raw-bytes mode: the whole read chunk is delivered
// to on_message/on_client_message verbatim ('s echo uses
// exactly this path).
func (s *Server) handleRawMessage(c *conn, data []byte) {
	if !c.limiter.Allow() {
		atomic.AddInt64(&s.dropped, 1)
		return
	}

	s.AddMessagesIn(1)

	if c.routedTo != "" {
		s.routeTo(c.routedTo, data)
		return
	}

	mode := s.cfg.mode()

	if mode == ModeMaster {
		if s.VM != nil && s.VM.HasCallback(extvm.OnClientMessage) {
			_, _ = s.VM.Invoke(extvm.OnClientMessage, c.id, string(data))
		}
		return
	}

	if mode == ModeOut {
		return
	}

	if s.VM != nil && s.VM.HasCallback(extvm.OnMessage) {
		_, _ = s.VM.Invoke(extvm.OnMessage, c.id, string(data))
	}
}

// routeTo forwards inbound bytes to another server's outbound fan-out.
func (s *Server) routeTo(target string, data []byte) {
	rt, ok := s.reg.Get(target)
	if !ok {
		return
	}
	other, ok := rt.(*Server)
	if !ok {
		return
	}
	other.Broadcast(data)
}

// Broadcast writes data to every open connection unless the server is in
// mode in. WebSocket targets get the payload encoded once and the same
// backing bytes submitted for every socket.
func (s *Server) Broadcast(data []byte) {
	mode := s.cfg.mode()
	if mode == ModeIn {
		return
	}

	if s.pc != nil {
		s.broadcastUDP(data)
		return
	}

	s.connMu.RLock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.connMu.RUnlock()

	var wsFrame []byte
	for _, c := range targets {
		payload := data
		if c.getState() == stateWebSocketOpen {
			if wsFrame == nil {
				wsFrame = EncodeText(data)
			}
			payload = wsFrame
		}
		s.AddMessagesOut(1)
		s.AddBytesOut(int64(len(payload)))
		s.r.SubmitWrite(c.raw, noopWriteHandler{}, payload)
	}
}

type noopWriteHandler struct{}

func (noopWriteHandler) OnCompletion(*reactor.Request, int32, uint32) {}

// handleHTTPRequest parses the buffered HTTP request; on a WebSocket
// upgrade it writes the handshake response and switches the connection
// into WebSocket mode, otherwise it serves a static file.
func (s *Server) handleHTTPRequest(c *conn, first []byte) {
	req, _, err := parseHTTPRequest(first, c.raw)
	if err != nil {
		c.close()
		return
	}

	if IsWebSocketUpgrade(req) {
		w := bufio.NewWriter(c.raw)
		if err := BuildHandshakeResponse(w, req.Header.Get("Sec-WebSocket-Key")); err != nil {
			c.close()
			return
		}
		c.setState(stateWebSocketOpen)

		if s.VM != nil && s.VM.HasCallback(extvm.OnWebSocket) {
			_, _ = s.VM.Invoke(extvm.OnWebSocket, c.id)
		}
		return
	}

	c.setState(stateHTTPServing)
	s.serveHTTP(c, req)
	c.close()
}

// serveHTTP maps the URL path under HTTPRoot, honoring an optional
// in-memory response cache keyed by path.
func (s *Server) serveHTTP(c *conn, req *http.Request) {
	if s.VM != nil && s.VM.HasCallback(extvm.OnHTTPRequest) {
		_, _ = s.VM.Invoke(extvm.OnHTTPRequest, req.Method, req.URL.Path)
	}

	if s.cfg.HTTPRoot == "" {
		writeHTTPStatus(c.raw, 404, "not found")
		return
	}

	if s.respCache != nil {
		if body, _, ok := s.respCache.Load(req.URL.Path); ok {
			writeHTTPBody(c.raw, req.URL.Path, body)
			return
		}
	}

	clean := filepath.Clean(req.URL.Path)
	full := filepath.Join(s.cfg.HTTPRoot, clean)

	if !strings.HasPrefix(full, filepath.Clean(s.cfg.HTTPRoot)) {
		writeHTTPStatus(c.raw, 404, "not found")
		return
	}

	body, err := os.ReadFile(full)
	if err != nil {
		writeHTTPStatus(c.raw, 404, "not found")
		return
	}

	if s.respCache != nil {
		s.respCache.Store(req.URL.Path, body)
	}

	writeHTTPBody(c.raw, req.URL.Path, body)
}

func writeHTTPStatus(w net.Conn, code int, text string) {
	fmt.Fprintf(w, "HTTP/1.0 %d %s\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s", code, text, len(text), text)
}

func writeHTTPBody(w net.Conn, path string, body []byte) {
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	fmt.Fprintf(w, "HTTP/1.0 200 OK\r\nConnection: close\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", ct, len(body))
	_, _ = w.Write(body)
}

// handleWebSocketData parses and dispatches WebSocket frames, honoring
// the RFC 6455 subset of: auto-respond to ping with pong, respond to
// close with close(1000), reject fragmentation/oversize payloads.
func (s *Server) handleWebSocketData(c *conn, data []byte) {
	r := bufio.NewReader(bytes.NewReader(data))

	for {
		f, err := ParseFrame(r)
		if err != nil {
			c.close()
			return
		}

		switch f.Opcode {
		case OpcodePing:
			s.r.SubmitWrite(c.raw, noopWriteHandler{}, EncodePong(f.Payload))
		case OpcodeClose:
			s.r.SubmitWrite(c.raw, noopWriteHandler{}, EncodeClose(CloseNormal))
			c.close()
			return
		case OpcodeText, OpcodeBinary:
			s.AddMessagesIn(1)
			if s.VM != nil && s.VM.HasCallback(extvm.OnMessage) {
				_, _ = s.VM.Invoke(extvm.OnMessage, c.id, string(f.Payload))
			}
		}

		if r.Buffered() == 0 {
			return
		}
	}
}

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

// Package cache is the Redis-like keyspace engine: strings,
// lists, sets and hashes behind two auto-detected wire protocols, an
// LRU/random eviction policy bounded by max_memory, lazy plus active
// TTL expiry, and an optional binary snapshot for admin-mode FLUSH/LOAD.
package cache

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"socketley/extvm"
	"socketley/logger"
	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime"
)

const (
	expirySamplerPeriod = 100 * time.Millisecond
	expirySamplerSize   = 20
)

// Cache is a cache runtime.
type Cache struct {
	*runtime.Base

	cfg Config
	r   *reactor.Reactor
	reg *registry.Registry
	log logger.FuncLog

	store *Store

	ln        net.Listener
	acceptReq *reactor.Request
	expireReq *reactor.Request

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewFactory mirrors the other three engines' factory shape.
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
		if cfg.ScriptPath != "" {
			if err := extvm.LoadFile(vm, cfg.ScriptPath); err != nil {
				return nil, err
			}
		}

		c := &Cache{
			cfg:   cfg,
			r:     r,
			reg:   reg,
			log:   log,
			store: NewStore(cfg.MaxMemory, cfg.eviction()),
			conns: make(map[net.Conn]struct{}),
		}

		c.Base = runtime.NewBase(id, name, registry.KindCache, cfg.ChildPolicy, cfg.Group, log, vm)
		c.Base.SetupFunc = c.setup
		c.Base.TeardownFunc = c.teardown
		c.Base.SetScriptPath(cfg.ScriptPath)

		return c, nil
	}
}

// ListenPort exposes the configured port for the cluster publisher's
// snapshot.
func (c *Cache) ListenPort() int { return c.cfg.Port }

func (c *Cache) setup() error {
	ln, err := runtime.Listen("tcp", fmt.Sprintf(":%d", c.cfg.Port))
	if err != nil {
		return ErrorListen.Error(err)
	}
	c.ln = ln

	c.acceptReq = c.r.SubmitAcceptMultishot(ln, c)
	c.scheduleExpireCycle()

	return nil
}

func (c *Cache) teardown() error {
	if c.acceptReq != nil {
		c.r.Cancel(c.acceptReq)
	}
	if c.expireReq != nil {
		c.r.Cancel(c.expireReq)
	}
	if c.ln != nil {
		_ = c.ln.Close()
	}

	c.connMu.Lock()
	all := make([]net.Conn, 0, len(c.conns))
	for conn := range c.conns {
		all = append(all, conn)
	}
	c.connMu.Unlock()

	for _, conn := range all {
		_ = conn.Close()
	}

	return nil
}

// OnCompletion is the accept-stream handler.
func (c *Cache) OnCompletion(req *reactor.Request, result int32, _ uint32) {
	if result < 0 || req.Conn == nil {
		return
	}

	c.track(req.Conn)
	c.IncConnections(1)
	go c.serve(req.Conn)
}

func (c *Cache) track(conn net.Conn) {
	c.connMu.Lock()
	c.conns[conn] = struct{}{}
	c.connMu.Unlock()
}

func (c *Cache) untrack(conn net.Conn) {
	c.connMu.Lock()
	delete(c.conns, conn)
	c.connMu.Unlock()
	c.IncConnections(-1)
}

// scheduleExpireCycle resubmits itself through the reactor every
// expirySamplerPeriod, sampling a bounded random subset for active
// expiry.
func (c *Cache) scheduleExpireCycle() {
	h := &expireHandler{c: c}
	c.expireReq = c.r.SubmitTimeout(h, time.Now().Add(expirySamplerPeriod))
}

type expireHandler struct{ c *Cache }

func (h *expireHandler) OnCompletion(_ *reactor.Request, result int32, _ uint32) {
	if result < 0 {
		return
	}
	h.c.store.activeExpireCycle(expirySamplerSize)
	h.c.expireReq = h.c.r.SubmitTimeout(h, time.Now().Add(expirySamplerPeriod))
}

// serve is one client connection's read-dispatch-reply loop, terminating
// on EOF, protocol error, or an unrecoverable write failure.
func (c *Cache) serve(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		c.untrack(conn)
	}()

	br := bufio.NewReader(conn)

	for {
		args, resp2, err := readCommand(br, c.cfg.ForceRESP2)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}

		c.AddMessagesIn(1)
		r := c.dispatch(args)
		c.AddMessagesOut(1)

		if err := writeReply(conn, resp2, r); err != nil {
			return
		}
	}
}

// dispatch executes one already-tokenized command against the
// keyspace, rejecting writes up front when the cache is readonly.
func (c *Cache) dispatch(args []string) reply {
	cmd := strings.ToUpper(args[0])
	rest := args[1:]

	if isWriteCommand(cmd) && c.cfg.mode() == ModeReadOnly {
		return replyErr(ErrorReadOnly.Error(nil))
	}

	switch cmd {
	case "SET":
		return c.cmdSet(rest)
	case "GET":
		return c.cmdGet(rest)
	case "DEL":
		return c.cmdDel(rest)
	case "LPUSH":
		return c.cmdPush("LPUSH", rest, c.store.LPush)
	case "RPUSH":
		return c.cmdPush("RPUSH", rest, c.store.RPush)
	case "LPOP":
		return c.cmdPop("LPOP", rest, c.store.LPop)
	case "RPOP":
		return c.cmdPop("RPOP", rest, c.store.RPop)
	case "LLEN":
		return c.cmdLLen(rest)
	case "LRANGE":
		return c.cmdLRange(rest)
	case "SADD":
		return c.cmdSAdd(rest)
	case "SREM":
		return c.cmdSRem(rest)
	case "SISMEMBER":
		return c.cmdSIsMember(rest)
	case "SCARD":
		return c.cmdSCard(rest)
	case "HSET":
		return c.cmdHSet(rest)
	case "HGET":
		return c.cmdHGet(rest)
	case "HDEL":
		return c.cmdHDel(rest)
	case "HLEN":
		return c.cmdHLen(rest)
	case "HGETALL":
		return c.cmdHGetAll(rest)
	case "EXPIRE":
		return c.cmdExpire(rest)
	case "TTL":
		return c.cmdTTL(rest)
	case "PERSIST":
		return c.cmdPersist(rest)
	case "PUBLISH":
		return c.cmdPublish(rest)
	case "FLUSH":
		return c.cmdFlush(rest)
	case "LOAD":
		return c.cmdLoad(rest)
	case "SIZE":
		return c.cmdSize(rest)
	default:
		return replyErr(ErrorUnknownCommand.Error(nil))
	}
}

// isWriteCommand reports whether cmd mutates the keyspace (for
// readonly-mode rejection). Admin-only commands (FLUSH/LOAD) are
// gated separately by requireAdmin.
func isWriteCommand(cmd string) bool {
	switch cmd {
	case "SET", "DEL", "LPUSH", "RPUSH", "LPOP", "RPOP",
		"SADD", "SREM", "HSET", "HDEL", "EXPIRE", "PERSIST":
		return true
	}
	return false
}

func (c *Cache) requireAdmin() error {
	if c.cfg.mode() != ModeAdmin {
		return ErrorUnknownCommand.Error(nil)
	}
	return nil
}

func (c *Cache) cmdSet(args []string) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}

	var ttl time.Duration
	if len(args) >= 4 && strings.EqualFold(args[2], "EX") {
		secs, err := strconv.Atoi(args[3])
		if err == nil {
			ttl = time.Duration(secs) * time.Second
		}
	}

	if !c.store.Set(args[0], []byte(args[1]), ttl) {
		return replyErr(ErrorOOM.Error(nil))
	}

	c.replicate("SET", args)
	return replyOK()
}

func (c *Cache) cmdGet(args []string) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	v, ok := c.store.Get(args[0])
	if !ok {
		return replyNil()
	}
	return replyBulk(v)
}

func (c *Cache) cmdDel(args []string) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	n := int64(0)
	for _, k := range args {
		if c.store.Del(k) {
			n++
		}
	}
	if n > 0 {
		c.replicate("DEL", args)
	}
	return replyInt(n)
}

func (c *Cache) cmdPush(verb string, args []string, fn func(string, ...[]byte) (int, error)) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	vals := make([][]byte, len(args)-1)
	for i, v := range args[1:] {
		vals[i] = []byte(v)
	}
	n, err := fn(args[0], vals...)
	if err != nil {
		return replyErr(err)
	}
	c.replicate(verb, args)
	return replyInt(int64(n))
}

func (c *Cache) cmdPop(verb string, args []string, fn func(string) ([]byte, bool, error)) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	v, ok, err := fn(args[0])
	if err != nil {
		return replyErr(err)
	}
	if !ok {
		return replyNil()
	}
	c.replicate(verb, args)
	return replyBulk(v)
}

func (c *Cache) cmdLLen(args []string) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	n, err := c.store.LLen(args[0])
	if err != nil {
		return replyErr(err)
	}
	return replyInt(int64(n))
}

func (c *Cache) cmdLRange(args []string) reply {
	if len(args) < 3 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	start, err1 := strconv.Atoi(args[1])
	stop, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		return replyErr(ErrorProtocol.Error(nil))
	}
	vals, err := c.store.LRange(args[0], start, stop)
	if err != nil {
		return replyErr(err)
	}
	return replyArray(vals)
}

func (c *Cache) cmdSAdd(args []string) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	n, err := c.store.SAdd(args[0], args[1:]...)
	if err != nil {
		return replyErr(err)
	}
	c.replicate("SADD", args)
	return replyInt(int64(n))
}

func (c *Cache) cmdSRem(args []string) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	n, err := c.store.SRem(args[0], args[1:]...)
	if err != nil {
		return replyErr(err)
	}
	c.replicate("SREM", args)
	return replyInt(int64(n))
}

func (c *Cache) cmdSIsMember(args []string) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	ok, err := c.store.SIsMember(args[0], args[1])
	if err != nil {
		return replyErr(err)
	}
	if ok {
		return replyInt(1)
	}
	return replyInt(0)
}

func (c *Cache) cmdSCard(args []string) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	n, err := c.store.SCard(args[0])
	if err != nil {
		return replyErr(err)
	}
	return replyInt(int64(n))
}

func (c *Cache) cmdHSet(args []string) reply {
	if len(args) < 3 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	created, err := c.store.HSet(args[0], args[1], args[2])
	if err != nil {
		return replyErr(err)
	}
	c.replicate("HSET", args)
	if created {
		return replyInt(1)
	}
	return replyInt(0)
}

func (c *Cache) cmdHGet(args []string) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	v, ok, err := c.store.HGet(args[0], args[1])
	if err != nil {
		return replyErr(err)
	}
	if !ok {
		return replyNil()
	}
	return replyBulk([]byte(v))
}

func (c *Cache) cmdHDel(args []string) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	ok, err := c.store.HDel(args[0], args[1])
	if err != nil {
		return replyErr(err)
	}
	c.replicate("HDEL", args)
	if ok {
		return replyInt(1)
	}
	return replyInt(0)
}

func (c *Cache) cmdHLen(args []string) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	n, err := c.store.HLen(args[0])
	if err != nil {
		return replyErr(err)
	}
	return replyInt(int64(n))
}

func (c *Cache) cmdHGetAll(args []string) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	m, err := c.store.HGetAll(args[0])
	if err != nil {
		return replyErr(err)
	}
	out := make([][]byte, 0, len(m)*2)
	for f, v := range m {
		out = append(out, []byte(f), []byte(v))
	}
	return replyArray(out)
}

func (c *Cache) cmdExpire(args []string) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	secs, err := strconv.Atoi(args[1])
	if err != nil {
		return replyErr(ErrorProtocol.Error(err))
	}
	ok := c.store.Expire(args[0], time.Duration(secs)*time.Second)
	if ok {
		c.replicate("EXPIRE", args)
		return replyInt(1)
	}
	return replyInt(0)
}

func (c *Cache) cmdTTL(args []string) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	ttl := c.store.TTL(args[0])
	return replyInt(int64(ttl.Round(time.Second) / time.Second))
}

func (c *Cache) cmdPersist(args []string) reply {
	if len(args) < 1 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	if c.store.Persist(args[0]) {
		c.replicate("PERSIST", args)
		return replyInt(1)
	}
	return replyInt(0)
}

// cmdPublish dispatches to every extension subscriber across the
// daemon via the shared registry.
func (c *Cache) cmdPublish(args []string) reply {
	if len(args) < 2 {
		return replyErr(ErrorProtocol.Error(nil))
	}
	c.reg.Publish(args[0], []byte(strings.Join(args[1:], " ")))
	return replyOK()
}

func (c *Cache) cmdFlush(_ []string) reply {
	if err := c.requireAdmin(); err != nil {
		return replyErr(err)
	}
	if c.cfg.SnapshotPath == "" {
		return replyErr(ErrorSnapshotWrite.Error(nil))
	}
	if err := WriteSnapshot(c.cfg.SnapshotPath, c.store.snapshotEntries()); err != nil {
		return replyErr(err)
	}
	return replyOK()
}

func (c *Cache) cmdLoad(_ []string) reply {
	if err := c.requireAdmin(); err != nil {
		return replyErr(err)
	}
	if c.cfg.SnapshotPath == "" {
		return replyErr(ErrorSnapshotRead.Error(nil))
	}
	entries, err := ReadSnapshot(c.cfg.SnapshotPath)
	if err != nil {
		return replyErr(err)
	}
	c.store.loadEntries(entries)
	return replyOK()
}

func (c *Cache) cmdSize(_ []string) reply {
	if err := c.requireAdmin(); err != nil {
		return replyErr(err)
	}
	return replyInt(int64(c.store.Size()))
}

// replicate mirrors a successful write to ReplicateTarget before the
// client's own acknowledgement is sent.
func (c *Cache) replicate(verb string, args []string) {
	if c.cfg.ReplicateTarget == "" {
		return
	}

	rt, ok := c.reg.Get(c.cfg.ReplicateTarget)
	if !ok {
		return
	}

	target, ok := rt.(*Cache)
	if !ok {
		return
	}

	target.dispatch(append([]string{verb}, args...))
}

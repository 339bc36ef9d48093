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

// Package reactor is the daemon's single completion-based event loop.
//
// The model mirrors a kernel submission/completion ring: typed
// submission primitives, a tagged Request record whose identity survives
// from submit to complete, a provided buffer pool, a fixed descriptor
// table, a cancel-before-close rule, and degrade-by-capability getters.
// On this substrate one dispatch goroutine owns a single completions
// channel, submission primitives hand blocking work to a bounded worker
// pool, and workers post a completion back onto that channel.
package reactor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Capabilities reports which accelerated opcodes this reactor can use, so
// runtimes can degrade gracefully instead of assuming a fixed feature
// set. On the Go substrate every capability is
// available - the netpoller always supports non-blocking accept/recv -
// so probing degenerates to reporting what the substrate always offers.
// The getters exist so call sites never hard-code a true/false literal.
type Capabilities struct {
	MultishotAccept        bool
	MultishotRecv          bool
	ZeroCopySend           bool
	DirectDescriptorAccept bool
}

// Reactor is the single event loop. Exactly one goroutine calls Run;
// every Handler.OnCompletion invocation happens on that goroutine, never
// concurrently.
type Reactor struct {
	depth int
	caps  Capabilities

	completions chan completion
	sem         chan struct{} // bounds the blocking-worker pool

	stopOnce sync.Once
	stopCh   chan struct{}
	stopReq  int32 // atomic: set by RequestStop

	pending int64 // atomic: in-flight submission count batching

	fdTable *FdTable

	poolMu sync.Mutex
	pools  map[uint16]*BufferPool

	droppedSubmissions int64 // atomic
}

// New initializes a reactor with the given queue depth (default ring
// depth per is 2048; callers typically pass the configured value).
// Init failure is fatal to the daemon per, but on this substrate
// there is nothing that can fail at this stage, so New never returns an
// error; it is kept as a constructor (not a bare struct literal) so a
// future capability probe has somewhere to fail.
func New(queueDepth int) *Reactor {
	if queueDepth <= 0 {
		queueDepth = 2048
	}

	workers := queueDepth
	if workers > 4096 {
		workers = 4096
	}

	return &Reactor{
		depth: queueDepth,
		caps: Capabilities{
			MultishotAccept:        true,
			MultishotRecv:          true,
			ZeroCopySend:           true,
			DirectDescriptorAccept: true,
		},
		completions: make(chan completion, queueDepth),
		sem:         make(chan struct{}, workers),
		stopCh:      make(chan struct{}),
		fdTable:     NewFdTable(),
		pools:       make(map[uint16]*BufferPool),
	}
}

// Capabilities returns the reactor's probed opcode support.
func (r *Reactor) Capabilities() Capabilities { return r.caps }

// FdTable returns the reactor's fixed-descriptor table.
func (r *Reactor) FdTable() *FdTable { return r.fdTable }

// RegisterBufferPool registers a provided-buffer ring under its group id.
func (r *Reactor) RegisterBufferPool(p *BufferPool) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	r.pools[p.Group()] = p
}

// BufferPool looks up a previously registered ring by group id.
func (r *Reactor) BufferPool(group uint16) (*BufferPool, bool) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	p, ok := r.pools[group]
	return p, ok
}

// DroppedSubmissions reports how many submissions were silently dropped
// after a flush-and-retry failure.
func (r *Reactor) DroppedSubmissions() int64 {
	return atomic.LoadInt64(&r.droppedSubmissions)
}

// stopHandler is a sentinel: Run returns when a completion carries it as
// its handler. No submission primitive posts one; RequestStop signals Run
// by closing stopCh.
type stopSentinel struct{}

func (stopSentinel) OnCompletion(*Request, int32, uint32) {}

var stopHandler Handler = stopSentinel{}

// post enqueues a completion; this is the Go-substrate equivalent of a
// CQE landing in the ring. If the channel is full, post flushes by
// retrying once with a short grace period, then drops the submission and
// bumps the drop counter.
func (r *Reactor) post(c completion) {
	select {
	case r.completions <- c:
		return
	default:
	}

	t := time.NewTimer(time.Millisecond)
	defer t.Stop()

	select {
	case r.completions <- c:
	case <-t.C:
		atomic.AddInt64(&r.droppedSubmissions, 1)
	}
}

func (r *Reactor) submit(fn func()) {
	atomic.AddInt64(&r.pending, 1)

	select {
	case r.sem <- struct{}{}:
		go func() {
			defer func() { <-r.sem }()
			fn()
		}()
	default:
		// Pool saturated: run inline rather than unboundedly spawning,
		// same backpressure intent as a full ring forcing a flush.
		fn()
	}
}

// Run drains completions and dispatches them to their handler until
// RequestStop is called and the current batch finishes. It blocks the
// calling goroutine - callers run it on the single reactor thread.
func (r *Reactor) Run() error {
	for {
		select {
		case c := <-r.completions:
			atomic.AddInt64(&r.pending, -1)

			if c.req.Handler == stopHandler {
				return nil
			}

			c.req.Handler.OnCompletion(c.req, c.result, c.flags)
		case <-r.stopCh:
			// Drain whatever already landed before exiting, per
			// "the run loop then exits after draining the current batch".
			for {
				select {
				case c := <-r.completions:
					atomic.AddInt64(&r.pending, -1)
					if c.req.Handler != stopHandler {
						c.req.Handler.OnCompletion(c.req, c.result, c.flags)
					}
				default:
					return nil
				}
			}
		}
	}
}

// RequestStop asks Run to return after draining in-flight completions.
// Safe to call from any goroutine (control socket handler, signal
// handler), mirroring "writes one byte" to the self-pipe.
func (r *Reactor) RequestStop() {
	if !atomic.CompareAndSwapInt32(&r.stopReq, 0, 1) {
		return
	}
	close(r.stopCh)
}

func newRequest(op Op, h Handler) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	return &Request{Op: op, Handler: h, Fd: -1, ctx: ctx, cancel: cancel}
}

// SubmitAccept submits a one-shot accept on ln. The handler receives a
// single completion carrying the accepted net.Conn in req.Conn, or a
// negative result on error.
func (r *Reactor) SubmitAccept(ln net.Listener, h Handler) *Request {
	req := newRequest(OpAccept, h)
	req.Ln = ln

	r.submit(func() {
		conn, err := ln.Accept()
		if err != nil {
			r.post(completion{req: req, result: -1})
			return
		}
		req.Conn = conn
		r.post(completion{req: req, result: 0})
	})

	return req
}

// SubmitAcceptMultishot submits a standing accept: the handler receives
// one completion per accepted connection, each carrying FlagMore, until
// Cancel(req) is called.
func (r *Reactor) SubmitAcceptMultishot(ln net.Listener, h Handler) *Request {
	req := newRequest(OpAcceptMultishot, h)
	req.Ln = ln

	r.submit(func() {
		for {
			select {
			case <-req.ctx.Done():
				r.post(completion{req: req, result: -int32(errECANCELED), flags: 0})
				return
			default:
			}

			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-req.ctx.Done():
					r.post(completion{req: req, result: -int32(errECANCELED)})
				default:
					r.post(completion{req: req, result: -1})
				}
				return
			}

			child := newRequest(OpAcceptMultishot, h)
			child.Conn = conn
			r.post(completion{req: child, result: 0, flags: FlagMore})
		}
	})

	return req
}

// SubmitRead submits a read into caller-owned buf.
func (r *Reactor) SubmitRead(conn net.Conn, h Handler, buf []byte) *Request {
	req := newRequest(OpRead, h)
	req.Conn = conn
	req.Buf = buf

	r.submit(func() {
		n, err := conn.Read(buf)
		if err != nil && n == 0 {
			r.post(completion{req: req, result: -1})
			return
		}
		r.post(completion{req: req, result: int32(n)})
	})

	return req
}

// SubmitReadProvided submits a read that borrows a buffer from group's
// pool rather than supplying one; the completion's BufferID identifies
// which buffer the reactor picked, and FlagBufferValid is set.
func (r *Reactor) SubmitReadProvided(conn net.Conn, h Handler, group uint16) *Request {
	req := newRequest(OpReadProvided, h)
	req.Conn = conn
	req.Group = group

	pool, ok := r.BufferPool(group)
	if !ok {
		r.post(completion{req: req, result: -1})
		return req
	}

	id, buf, ok := pool.Borrow()
	if !ok {
		r.post(completion{req: req, result: -1})
		return req
	}

	r.submit(func() {
		n, err := conn.Read(buf)
		if err != nil && n == 0 {
			pool.Return(id)
			r.post(completion{req: req, result: -1})
			return
		}
		req.Buf = buf[:n]
		req.BufferID = id
		r.post(completion{req: req, result: int32(n), flags: FlagBufferValid})
	})

	return req
}

// SubmitRecvMultishot is the provided-buffer analog of
// SubmitAcceptMultishot: repeated reads on the same connection, one
// completion per read, each borrowing a fresh buffer from group, until
// the connection errors or Cancel(req) fires.
func (r *Reactor) SubmitRecvMultishot(conn net.Conn, h Handler, group uint16) *Request {
	req := newRequest(OpRecvMultishot, h)
	req.Conn = conn
	req.Group = group

	r.submit(func() {
		for {
			select {
			case <-req.ctx.Done():
				r.post(completion{req: req, result: -int32(errECANCELED)})
				return
			default:
			}

			pool, ok := r.BufferPool(group)
			if !ok {
				r.post(completion{req: req, result: -1})
				return
			}

			id, buf, ok := pool.Borrow()
			if !ok {
				r.post(completion{req: req, result: -1})
				return
			}

			n, err := conn.Read(buf)
			if err != nil && n == 0 {
				pool.Return(id)
				r.post(completion{req: req, result: -1})
				return
			}

			child := newRequest(OpRecvMultishot, h)
			child.Conn = conn
			child.Group = group
			child.Buf = buf[:n]
			child.BufferID = id
			r.post(completion{req: child, result: int32(n), flags: FlagMore | FlagBufferValid})
		}
	})

	return req
}

// SubmitWrite submits a write of buf to conn.
func (r *Reactor) SubmitWrite(conn net.Conn, h Handler, buf []byte) *Request {
	req := newRequest(OpWrite, h)
	req.Conn = conn
	req.Buf = buf

	r.submit(func() {
		n, err := conn.Write(buf)
		if err != nil {
			r.post(completion{req: req, result: -1})
			return
		}
		r.post(completion{req: req, result: int32(n)})
	})

	return req
}

// SubmitWritev submits a scatter-gather write, used to flush a
// connection's pending write queue in one submission rather than one per
// queued frame.
func (r *Reactor) SubmitWritev(conn net.Conn, h Handler, bufs [][]byte) *Request {
	req := newRequest(OpWritev, h)
	req.Conn = conn

	r.submit(func() {
		total := 0
		for _, b := range bufs {
			n, err := conn.Write(b)
			total += n
			if err != nil {
				r.post(completion{req: req, result: -1})
				return
			}
		}
		r.post(completion{req: req, result: int32(total)})
	})

	return req
}

// SubmitSendZC submits a zero-copy send. The Go substrate cannot avoid
// the copy a real MSG_ZEROCOPY send would, but the request shape and
// completion semantics (a notification completion carrying FlagMore
// before the final one, per the kernel's two-completion zerocopy
// protocol) are preserved so call sites do not need to special-case it.
func (r *Reactor) SubmitSendZC(conn net.Conn, h Handler, buf []byte) *Request {
	req := newRequest(OpSendZC, h)
	req.Conn = conn
	req.Buf = buf

	r.submit(func() {
		n, err := conn.Write(buf)
		if err != nil {
			r.post(completion{req: req, result: -1})
			return
		}
		r.post(completion{req: req, result: int32(n), flags: FlagMore})
		r.post(completion{req: req, result: int32(n)})
	})

	return req
}

// SubmitRecvmsg submits a single datagram receive on pc into
// caller-owned buf; the completion carries the sender in req.Addr.
func (r *Reactor) SubmitRecvmsg(pc net.PacketConn, h Handler, buf []byte) *Request {
	req := newRequest(OpRecvmsg, h)
	req.PC = pc
	req.Buf = buf

	r.submit(func() {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil && n == 0 {
			select {
			case <-req.ctx.Done():
				r.post(completion{req: req, result: -int32(errECANCELED)})
			default:
				r.post(completion{req: req, result: -1})
			}
			return
		}
		req.Addr = addr
		r.post(completion{req: req, result: int32(n)})
	})

	return req
}

// SubmitConnect submits a non-blocking connect.
func (r *Reactor) SubmitConnect(network, address string, h Handler) *Request {
	req := newRequest(OpConnect, h)

	r.submit(func() {
		d := net.Dialer{}
		ctx, cancel := context.WithTimeout(req.ctx, 30*time.Second)
		defer cancel()

		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			r.post(completion{req: req, result: -1})
			return
		}
		req.Conn = conn
		r.post(completion{req: req, result: 0})
	})

	return req
}

// SubmitTimeout submits a one-shot timer that completes at the absolute
// time `at`.
func (r *Reactor) SubmitTimeout(h Handler, at time.Time) *Request {
	req := newRequest(OpTimeout, h)

	r.submit(func() {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		t := time.NewTimer(d)
		defer t.Stop()

		select {
		case <-t.C:
			r.post(completion{req: req, result: 0})
		case <-req.ctx.Done():
			r.post(completion{req: req, result: -int32(errECANCELED)})
		}
	})

	return req
}

// SubmitSplice submits a splice of up to n bytes from src to dst,
// backing the proxy's tcp-protocol byte forwarding.
func (r *Reactor) SubmitSplice(src, dst net.Conn, h Handler, n int) *Request {
	req := newRequest(OpSplice, h)
	req.Conn = src

	r.submit(func() {
		buf := make([]byte, n)
		rn, err := src.Read(buf)
		if err != nil && rn == 0 {
			r.post(completion{req: req, result: -1})
			return
		}
		wn, err := dst.Write(buf[:rn])
		if err != nil {
			r.post(completion{req: req, result: -1})
			return
		}
		r.post(completion{req: req, result: int32(wn)})
	})

	return req
}

// Cancel implements "cancellation-before-close" by cancelling req's
// context. A pending SubmitTimeout completes at once with -ECANCELED and
// a pending SubmitConnect dial is aborted (result -1). A worker already
// blocked in Accept, Read, ReadFrom or Write is not interrupted: its
// completion arrives only once the caller closes the conn or listener,
// carrying -ECANCELED for multishot accept and recvmsg and -1 for the
// other primitives.
func (r *Reactor) Cancel(req *Request) {
	if req == nil || req.cancel == nil {
		return
	}
	req.cancel()
}

// errECANCELED mirrors the kernel's -ECANCELED completion result so
// handlers can compare against a single well-known negative value
// regardless of platform errno numbering.
const errECANCELED = 125

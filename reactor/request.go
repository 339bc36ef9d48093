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

package reactor

import (
	"context"
	"net"
)

// Op identifies the kind of submission a Request carries. The set is
// closed: every primitive the reactor exposes corresponds to exactly one
// Op, and handlers normally switch on it.
type Op uint8

const (
	OpAccept Op = iota
	OpAcceptMultishot
	OpRead
	OpReadProvided
	OpRecvMultishot
	OpWrite
	OpWritev
	OpSendZC
	OpRecvmsg
	OpConnect
	OpTimeout
	OpSplice
	OpCancel
	OpClose
	opSignal // internal: not issued by any primitive; RequestStop closes stopCh instead
)

// Handler is implemented by anything that owns in-flight requests.
// OnCompletion is invoked on the single reactor dispatch goroutine -
// never concurrently, never re-entrantly for the same Handler - exactly
// as the real completion-ring callback model requires.
type Handler interface {
	OnCompletion(req *Request, result int32, flags uint32)
}

// Completion flag bits, modeled after the kernel bits they replace.
const (
	// FlagMore indicates additional completions will arrive for the same
	// submission (multishot accept/recv not yet exhausted).
	FlagMore uint32 = 1 << iota
	// FlagBufferValid indicates BufferID identifies a provided buffer the
	// handler must return exactly once.
	FlagBufferValid
)

// Request is the tagged request record: one per in-flight submission,
// carrying everything a completion needs to locate and replay context for
// its handler. Identity is preserved across submit and complete - the
// same *Request pointer delivered to Submit is the one handed back to
// OnCompletion.
type Request struct {
	Op      Op
	Handler Handler

	Conn net.Conn
	Ln   net.Listener

	// PC/Addr carry the datagram socket and the sender address for
	// recvmsg completions; nil/unset for stream operations.
	PC   net.PacketConn
	Addr net.Addr

	Fd       int32 // fixed-descriptor slot, or -1 when not using one
	BufferID uint16
	Group    uint16

	Buf []byte

	// Scratch is free for the handler to stash small values (connection
	// id, retry count, ...) across the submit/complete boundary.
	Scratch int32

	// ctx/cancel back the cancellation-before-close discipline:
	// Cancel(req) cancels ctx. Timeouts and dials observe it directly; a
	// worker blocked in I/O does not, and completes when the fd is closed
	// (see Reactor.Cancel).
	ctx    context.Context
	cancel context.CancelFunc
}

type completion struct {
	req    *Request
	result int32
	flags  uint32
}

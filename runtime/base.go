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

// Package runtime holds the lifecycle state machine shared by all four
// protocol engines and the "per-type virtual actions"
// calls for: Base embeds into server.Server, client.Client, proxy.Proxy
// and cache.Cache, each of which supplies its own Setup/Teardown
// closures rather than overriding virtual methods - the tagged-variant
// strategy from's design notes applied at the struct level.
package runtime

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"socketley/extvm"
	"socketley/logger"
	"socketley/reactor"
	"socketley/registry"
)

// LifecycleFunc is an engine-specific setup or teardown action.
type LifecycleFunc func() error

// Base implements the common parts of registry.Runtime: identity,
// lifecycle state, stats, the interactive observer list, and pub/sub
// delivery through the embedded extension VM. Concrete engines embed
// Base and supply SetupFunc/TeardownFunc.
type Base struct {
	id, name string
	kind     registry.Kind

	mu          sync.RWMutex
	state       registry.State
	owner       string
	childPolicy registry.ChildPolicy
	group       string
	createdAt   time.Time
	startedAt   time.Time

	connections int64
	messagesIn  int64
	messagesOut int64
	bytesIn     int64
	bytesOut    int64

	obMu      sync.Mutex
	observers []net.Conn

	VM         extvm.VM
	Log        logger.FuncLog
	scriptPath string

	SetupFunc    LifecycleFunc
	TeardownFunc LifecycleFunc

	reactor   *reactor.Reactor
	tickStop  chan struct{}
	tickOnce  sync.Once
}

// NewBase constructs the shared runtime state. id is the 6-hex
// identifier; name must already be validated unique by the caller
// (registry.Create holds the write lock across the check).
func NewBase(id, name string, kind registry.Kind, childPolicy registry.ChildPolicy, group string, log logger.FuncLog, vm extvm.VM) *Base {
	return &Base{
		id:          id,
		name:        name,
		kind:        kind,
		state:       registry.StateCreated,
		childPolicy: childPolicy,
		group:       group,
		createdAt:   time.Now(),
		Log:         log,
		VM:          vm,
	}
}

func (b *Base) ID() string           { return b.id }
func (b *Base) Name() string         { return b.name }
func (b *Base) Kind() registry.Kind  { return b.kind }

func (b *Base) State() registry.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Base) setState(s registry.State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Base) Owner() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owner
}

func (b *Base) SetOwner(name string) {
	b.mu.Lock()
	b.owner = name
	b.mu.Unlock()
}

func (b *Base) ChildPolicy() registry.ChildPolicy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.childPolicy
}

func (b *Base) Group() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.group
}

// SetGroup retags the runtime's pub/sub and cluster-snapshot group, for
// the control socket's `edit --group` option.
func (b *Base) SetGroup(group string) {
	b.mu.Lock()
	b.group = group
	b.mu.Unlock()
}

// SetChildPolicy changes what happens to this runtime's children when it
// stops, for the control socket's `edit --child-policy` option.
func (b *Base) SetChildPolicy(p registry.ChildPolicy) {
	b.mu.Lock()
	b.childPolicy = p
	b.mu.Unlock()
}

// Setup runs the engine's SetupFunc and transitions created/stopped ->
// running on success, or -> failed otherwise (a listen error moves the
// runtime to failed immediately).
func (b *Base) Setup() error {
	if b.SetupFunc == nil {
		b.setState(registry.StateRunning)
		return nil
	}

	if err := b.SetupFunc(); err != nil {
		b.setState(registry.StateFailed)
		return err
	}

	b.mu.Lock()
	b.state = registry.StateRunning
	b.startedAt = time.Now()
	b.mu.Unlock()

	return nil
}

// Teardown runs the engine's TeardownFunc, closing every owned fd
// before the next observable state transition, and
// always leaves the runtime in `stopped` regardless of teardown errors
// (a runtime that fails to tear down cleanly is still not running).
func (b *Base) Teardown() error {
	b.StopTicker()

	var err error
	if b.TeardownFunc != nil {
		err = b.TeardownFunc()
	}

	b.setState(registry.StateStopped)
	return err
}

// Stats returns a snapshot of the atomic counters, readable lock-free
// from the control-socket handler.
func (b *Base) Stats() registry.Stats {
	return registry.Stats{
		Connections: atomic.LoadInt64(&b.connections),
		MessagesIn:  atomic.LoadInt64(&b.messagesIn),
		MessagesOut: atomic.LoadInt64(&b.messagesOut),
		BytesIn:     atomic.LoadInt64(&b.bytesIn),
		BytesOut:    atomic.LoadInt64(&b.bytesOut),
	}
}

func (b *Base) IncConnections(d int64) { atomic.AddInt64(&b.connections, d) }
func (b *Base) AddMessagesIn(n int64)  { atomic.AddInt64(&b.messagesIn, n) }
func (b *Base) AddMessagesOut(n int64) { atomic.AddInt64(&b.messagesOut, n) }
func (b *Base) AddBytesIn(n int64)     { atomic.AddInt64(&b.bytesIn, n) }
func (b *Base) AddBytesOut(n int64)    { atomic.AddInt64(&b.bytesOut, n) }

// Subscriptions delegates to the embedded extension VM, or returns nil
// if this runtime has no script attached.
func (b *Base) Subscriptions() []string {
	if b.VM == nil {
		return nil
	}
	return b.VM.Subscriptions()
}

// Deliver is invoked by registry.Publish on the reactor thread for every
// runtime subscribed to channel. It calls into the extension VM's
// on_message callback with the channel name and payload - the chosen
// convention for "invokes its callback", since documents no
// separate on_publish name and SUBSCRIBE is explicitly "via script
// callback only".
func (b *Base) Deliver(channel string, payload []byte) {
	if b.VM == nil || !b.VM.HasCallback(extvm.OnMessage) {
		return
	}

	if _, err := b.VM.Invoke(extvm.OnMessage, channel, string(payload)); err != nil {
		if b.Log != nil {
			b.Log().WithField("runtime", b.name).WithField("channel", channel).Warn("on_message callback failed: ", err)
		}
	}
}

// DeliverCluster invokes a cluster lifecycle callback (on_cluster_join,
// on_cluster_leave, on_group_change -) on the embedded extension
// VM, mirroring Deliver's callback-missing-is-a-no-op behavior.
func (b *Base) DeliverCluster(callback string, args ...interface{}) {
	if b.VM == nil || !b.VM.HasCallback(callback) {
		return
	}

	if _, err := b.VM.Invoke(callback, args...); err != nil {
		if b.Log != nil {
			b.Log().WithField("runtime", b.name).WithField("callback", callback).Warn("cluster callback failed: ", err)
		}
	}
}

// SetScriptPath records the extension script path an engine loaded into
// its VM, so the control socket's `show`/`reload-lua` commands can
// report and re-load it without each engine package exposing its own
// Config type to control.
func (b *Base) SetScriptPath(path string) { b.scriptPath = path }

// ScriptPath returns the path set by SetScriptPath, or "" if this
// runtime has no attached script.
func (b *Base) ScriptPath() string { return b.scriptPath }

// ReloadScript re-loads the file at ScriptPath into the embedded VM in
// place, for the control socket's `reload-lua` command. It is a
// no-op if no script was ever attached.
func (b *Base) ReloadScript() error {
	if b.scriptPath == "" || b.VM == nil {
		return nil
	}
	return extvm.LoadFile(b.VM, b.scriptPath)
}

// InvokeAction dispatches a control-socket `action <name> <verb>
// [args...]` command to the extension VM's on_action callback,
// returning its string result. Returns "", false if the script defines
// no such callback.
func (b *Base) InvokeAction(verb string, args []string) (string, bool, error) {
	if b.VM == nil || !b.VM.HasCallback(extvm.OnAction) {
		return "", false, nil
	}

	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, verb)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}

	res, err := b.VM.Invoke(extvm.OnAction, callArgs...)
	if err != nil {
		return "", true, err
	}
	if res == nil {
		return "", true, nil
	}
	return res.String(), true, nil
}

// AddObserver registers a control-socket connection as an interactive
// observer: it will receive a copy of every user-visible
// message this runtime produces while attached.
func (b *Base) AddObserver(c net.Conn) {
	b.obMu.Lock()
	defer b.obMu.Unlock()
	b.observers = append(b.observers, c)
}

// RemoveObserver detaches c from the observer list.
func (b *Base) RemoveObserver(c net.Conn) {
	b.obMu.Lock()
	defer b.obMu.Unlock()
	for i, o := range b.observers {
		if o == c {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// BroadcastObservers duplicates data to every attached interactive
// observer, best-effort: write errors are ignored and each write is
// bounded by a 2-second deadline.
func (b *Base) BroadcastObservers(data []byte) {
	b.obMu.Lock()
	obs := make([]net.Conn, len(b.observers))
	copy(obs, b.observers)
	b.obMu.Unlock()

	for _, o := range obs {
		_ = o.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_, _ = o.Write(data)
	}
}

// StartTicker submits a recurring timer on r that invokes the extension
// VM's on_tick callback every interval, until StopTicker is called.
func (b *Base) StartTicker(r *reactor.Reactor, interval time.Duration) {
	b.reactor = r
	b.tickStop = make(chan struct{})
	b.tickOnce = sync.Once{}

	h := &tickHandler{base: b, interval: interval}
	b.reactor.SubmitTimeout(h, time.Now().Add(interval))
}

// StopTicker stops the recurring on_tick submissions.
func (b *Base) StopTicker() {
	b.tickOnce.Do(func() {
		if b.tickStop != nil {
			close(b.tickStop)
		}
	})
}

type tickHandler struct {
	base     *Base
	interval time.Duration
}

func (h *tickHandler) OnCompletion(_ *reactor.Request, result int32, _ uint32) {
	select {
	case <-h.base.tickStop:
		return
	default:
	}

	if h.base.VM != nil && h.base.VM.HasCallback(extvm.OnTick) {
		if _, err := h.base.VM.Invoke(extvm.OnTick); err != nil && h.base.Log != nil {
			h.base.Log().WithField("runtime", h.base.name).Warn("on_tick callback failed: ", err)
		}
	}

	select {
	case <-h.base.tickStop:
		return
	default:
		h.base.reactor.SubmitTimeout(h, time.Now().Add(h.interval))
	}
}

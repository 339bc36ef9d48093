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

// Package extvm abstracts the "extension VM" describes: per-runtime
// isolated script state exposing a fixed, enumerated callback surface
//, with a common host API a runtime injects. The core never
// imports a specific scripting engine type outside this package - VM is
// the contract every runtime programs against; vmGoja is the concrete
// implementation backed by github.com/dop251/goja, substitutable for any
// other embeddable engine without the core noticing.
package extvm

import (
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"

	"socketley/logger"
)

// Callback names are the fixed, enumerated surface describe.
// A script may define any subset; HasCallback reports which are present
// so a runtime can skip dispatch work for ones that are not.
const (
	OnStart          = "on_start"
	OnStop           = "on_stop"
	OnConnect        = "on_connect"
	OnDisconnect     = "on_disconnect"
	OnMessage        = "on_message"
	OnClientMessage  = "on_client_message"
	OnTick           = "on_tick"
	OnWebSocket      = "on_websocket"
	OnHTTPRequest    = "on_http_request"
	OnAuth           = "on_auth"
	OnClusterJoin    = "on_cluster_join"
	OnClusterLeave   = "on_cluster_leave"
	OnGroupChange    = "on_group_change"

	// OnSelectBackend is the proxy engine's own addition to the
	// enumerated surface: names a `script` backend-selection
	// strategy ("extension chooses per request") without giving the
	// callback a name, so the proxy engine defines this one.
	OnSelectBackend = "on_select_backend"

	// OnAction is the control socket's own addition: names an
	// `action <name> <verb> [args...]` command without specifying how it
	// reaches a script, so it is dispatched here the same way
	// on_select_backend fills a similar gap for proxy.
	OnAction = "on_action"
)

// VM is the abstract extension VM. A runtime owns exactly one VM per
// script-backed instance; callbacks execute synchronously on the
// reactor thread, so VM itself does no internal locking beyond
// what's needed to protect Subscriptions from concurrent script/host
// registration.
type VM interface {
	// Load compiles and runs source, defining whatever top-level
	// callback functions and subscribe() calls it contains.
	Load(source string) error
	// HasCallback reports whether the script defined the named callback.
	HasCallback(name string) bool
	// Invoke calls the named callback with args, recovering any panic
	// or thrown JS exception into a returned error rather than letting
	// it escape to the reactor thread.
	Invoke(name string, args ...interface{}) (goja.Value, error)
	// RegisterHostFunc exposes a Go function to scripts under name,
	// e.g. "broadcast", "send", "publish" - whatever the owning
	// runtime's host API requires.
	RegisterHostFunc(name string, fn func(goja.FunctionCall) goja.Value)
	// Subscriptions lists the pub/sub channels subscribe() was called
	// with, for registry.Runtime.Subscriptions().
	Subscriptions() []string
	Close()
}

type vmGoja struct {
	rt  *goja.Runtime
	log logger.Logger

	mu            sync.Mutex
	subscriptions []string
}

// New constructs a fresh, isolated goja.Runtime and wires the `self`
// object (host functions attach to it) plus a `subscribe(channel)`
// builtin every runtime kind can use for cluster/pub-sub callbacks.
func New(log logger.FuncLog) VM {
	var l logger.Logger
	if log != nil {
		l = log()
	} else {
		l = logger.Default()
	}

	v := &vmGoja{rt: goja.New(), log: l}

	self := v.rt.NewObject()
	_ = v.rt.Set("self", self)

	_ = v.rt.Set("subscribe", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		ch := call.Arguments[0].String()
		v.mu.Lock()
		v.subscriptions = append(v.subscriptions, ch)
		v.mu.Unlock()
		return goja.Undefined()
	})

	return v
}

func (v *vmGoja) Load(source string) error {
	_, err := v.rt.RunString(source)
	if err != nil {
		return ErrorScriptLoad.Error(err)
	}
	return nil
}

// LoadFile reads path and Loads it, matching the `script_path` field
// runtimes persist.
func LoadFile(v VM, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorScriptRead.Error(err)
	}
	return v.Load(string(data))
}

func (v *vmGoja) HasCallback(name string) bool {
	val := v.rt.Get(name)
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return false
	}
	_, ok := goja.AssertFunction(val)
	return ok
}

// Invoke calls the named top-level function. A JS exception thrown by the
// callback comes back from the call as an error and is returned as
// ErrorScriptThrow; a Go panic raised during the call is recovered into
// ErrorScriptPanic instead of unwinding onto the reactor goroutine.
func (v *vmGoja) Invoke(name string, args ...interface{}) (res goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if exc, ok := r.(*goja.Exception); ok {
				err = ErrorScriptPanic.Error(fmt.Errorf("%s: %w", name, exc))
			} else {
				err = ErrorScriptPanic.Error(fmt.Errorf("%s: %v", name, r))
			}
		}
	}()

	val := v.rt.Get(name)
	if val == nil || goja.IsUndefined(val) {
		return goja.Undefined(), ErrorScriptNoCallback.Error(nil)
	}

	fn, ok := goja.AssertFunction(val)
	if !ok {
		return goja.Undefined(), ErrorScriptNoCallback.Error(nil)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = v.rt.ToValue(a)
	}

	res, callErr := fn(goja.Undefined(), jsArgs...)
	if callErr != nil {
		return goja.Undefined(), ErrorScriptThrow.Error(callErr)
	}

	return res, nil
}

func (v *vmGoja) RegisterHostFunc(name string, fn func(goja.FunctionCall) goja.Value) {
	self := v.rt.Get("self")
	obj := self.ToObject(v.rt)
	_ = obj.Set(name, fn)
	_ = v.rt.Set(name, fn)
}

func (v *vmGoja) Subscriptions() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.subscriptions))
	copy(out, v.subscriptions)
	return out
}

func (v *vmGoja) Close() {
	v.rt.ClearInterrupt()
}

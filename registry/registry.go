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

// Package registry is the process-wide keyed collection of runtime
// instances. It defines the Runtime contract rather than importing
// any concrete engine: the four protocol engines under runtime/ depend on
// registry, not the other way around, which is how the "tagged variant +
// per-variant operation table" strategy from is realized in Go without
// an import cycle - Create dispatches through a Factory registered by
// each engine package's init().
package registry

import (
	"sort"
	"sync"
)

// Kind is the closed set of runtime protocol engines.
type Kind string

const (
	KindServer Kind = "server"
	KindClient Kind = "client"
	KindProxy  Kind = "proxy"
	KindCache  Kind = "cache"
)

// State is a runtime's lifecycle state.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// ChildPolicy decides what happens to a runtime's children when its
// owner stops.
type ChildPolicy string

const (
	ChildPolicyStop   ChildPolicy = "stop"
	ChildPolicyRemove ChildPolicy = "remove"
)

// Stats are the monotonic counters every runtime exposes, backed by
// atomic integers so the control socket can read them lock-free.
type Stats struct {
	Connections  int64
	MessagesIn   int64
	MessagesOut  int64
	BytesIn      int64
	BytesOut     int64
}

// Runtime is the contract the registry manages. Each of the four engines
// under runtime/ implements it; the registry never type-switches on a
// concrete engine type.
type Runtime interface {
	ID() string
	Name() string
	Kind() Kind
	State() State

	Owner() string
	SetOwner(name string)
	ChildPolicy() ChildPolicy
	SetChildPolicy(p ChildPolicy)
	Group() string
	SetGroup(group string)

	// Setup transitions created -> running (or -> failed on error).
	Setup() error
	// Teardown closes every owned fd and transitions to stopped.
	Teardown() error

	Stats() Stats

	// Subscriptions lists the pub/sub channels this runtime's extension
	// VM has subscribed to, for registry-level dispatch.
	Subscriptions() []string
	// Deliver is invoked by the registry on the reactor thread when a
	// channel this runtime subscribes to receives a publish.
	Deliver(channel string, payload []byte)
	// DeliverCluster invokes callback (on_cluster_join/on_cluster_leave/
	// on_group_change) on this runtime's extension VM, a no-op if
	// the script does not define it.
	DeliverCluster(callback string, args ...interface{})
}

// Factory constructs a Runtime of a given kind from an opaque,
// engine-specific config value (each engine's own Config type).
type Factory func(name string, cfg interface{}) (Runtime, error)

// Registry is the reader/writer-locked keyed collection. All
// mutations hold the lock exclusively; lookups are shared. Callers must
// never hold the lock across a reactor submission.
type Registry struct {
	mu sync.RWMutex
	byName map[string]Runtime

	factoryMu sync.RWMutex
	factories map[Kind]Factory
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byName:    make(map[string]Runtime),
		factories: make(map[Kind]Factory),
	}
}

// RegisterFactory binds kind to a constructor. Each engine package calls
// this from its own init() (or cmd/socketleyd wires it explicitly),
// keeping the registry ignorant of concrete engine types.
func (r *Registry) RegisterFactory(kind Kind, f Factory) {
	r.factoryMu.Lock()
	defer r.factoryMu.Unlock()
	r.factories[kind] = f
}

// Create constructs a new runtime of kind via its registered factory and
// inserts it into the registry under name. Returns ErrorNameTaken if the
// name is already in use, or ErrorUnknownKind if no factory is
// registered for kind.
func (r *Registry) Create(kind Kind, name string, cfg interface{}) (Runtime, error) {
	r.factoryMu.RLock()
	f, ok := r.factories[kind]
	r.factoryMu.RUnlock()

	if !ok {
		return nil, ErrorUnknownKind.Error(nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, ErrorNameTaken.Error(nil)
	}

	rt, err := f(name, cfg)
	if err != nil {
		return nil, ErrorFactory.Error(err)
	}

	r.byName[name] = rt
	return rt, nil
}

// Get performs a shared-lock lookup by name.
func (r *Registry) Get(name string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byName[name]
	return rt, ok
}

// Start looks up name and calls Setup.
func (r *Registry) Start(name string) error {
	rt, ok := r.Get(name)
	if !ok {
		return ErrorNotFound.Error(nil)
	}
	return rt.Setup()
}

// Stop tears name down and cascades to its children per their
// ChildPolicy, computed under a single write-lock pass over the map.
func (r *Registry) Stop(name string) error {
	rt, ok := r.Get(name)
	if !ok {
		return ErrorNotFound.Error(nil)
	}

	if err := rt.Teardown(); err != nil {
		return err
	}

	r.mu.Lock()
	var toRemove, toStop []string
	for n, child := range r.byName {
		if child.Owner() != name {
			continue
		}
		switch child.ChildPolicy() {
		case ChildPolicyRemove:
			toRemove = append(toRemove, n)
		default:
			toStop = append(toStop, n)
		}
	}
	r.mu.Unlock()

	for _, n := range toStop {
		_ = r.Stop(n)
	}
	for _, n := range toRemove {
		_ = r.Remove(n)
	}

	return nil
}

// Remove tears name down (best effort) and deletes it from the registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	rt, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return ErrorNotFound.Error(nil)
	}
	delete(r.byName, name)
	r.mu.Unlock()

	return rt.Teardown()
}

// Extract removes name from the registry and returns ownership without
// tearing it down, so destruction can happen outside the lock.
func (r *Registry) Extract(name string) (Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.byName[name]
	if !ok {
		return nil, ErrorNotFound.Error(nil)
	}
	delete(r.byName, name)
	return rt, nil
}

// Rename moves a runtime to a new key, failing if the new name is taken.
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.byName[oldName]
	if !ok {
		return ErrorNotFound.Error(nil)
	}
	if _, exists := r.byName[newName]; exists {
		return ErrorNameTaken.Error(nil)
	}

	delete(r.byName, oldName)
	r.byName[newName] = rt
	return nil
}

// StopAll tears down every runtime, used on daemon shutdown.
func (r *Registry) StopAll() error {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	r.mu.RUnlock()

	sort.Strings(names)

	var firstErr error
	for _, n := range names {
		if rt, ok := r.Get(n); ok {
			if err := rt.Teardown(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// GetByGroup returns every runtime tagged with group, in name order for
// deterministic iteration (needed by's publication-order guarantee).
func (r *Registry) GetByGroup(group string) []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Runtime
	for _, rt := range r.byName {
		if rt.Group() == group {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// List returns every runtime in name order.
func (r *Registry) List() []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Runtime, 0, len(r.byName))
	for _, rt := range r.byName {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Publish dispatches a cache PUBLISH to every runtime whose extension VM
// subscribes to channel, serially, in the registry's deterministic
// name-sorted order, so subscribers observe publications in a stable
// order.
func (r *Registry) Publish(channel string, payload []byte) {
	for _, rt := range r.List() {
		for _, sub := range rt.Subscriptions() {
			if sub == channel {
				rt.Deliver(channel, payload)
				break
			}
		}
	}
}

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socketley/registry"
)

type fakeRuntime struct {
	id, name  string
	kind      registry.Kind
	state     registry.State
	owner     string
	policy    registry.ChildPolicy
	group     string
	torndown  bool
}

func (f *fakeRuntime) ID() string                 { return f.id }
func (f *fakeRuntime) Name() string                { return f.name }
func (f *fakeRuntime) Kind() registry.Kind         { return f.kind }
func (f *fakeRuntime) State() registry.State       { return f.state }
func (f *fakeRuntime) Owner() string               { return f.owner }
func (f *fakeRuntime) SetOwner(n string)           { f.owner = n }
func (f *fakeRuntime) ChildPolicy() registry.ChildPolicy { return f.policy }
func (f *fakeRuntime) SetChildPolicy(p registry.ChildPolicy) { f.policy = p }
func (f *fakeRuntime) Group() string               { return f.group }
func (f *fakeRuntime) SetGroup(g string)           { f.group = g }
func (f *fakeRuntime) Setup() error {
	f.state = registry.StateRunning
	return nil
}
func (f *fakeRuntime) Teardown() error {
	f.torndown = true
	f.state = registry.StateStopped
	return nil
}
func (f *fakeRuntime) Stats() registry.Stats             { return registry.Stats{} }
func (f *fakeRuntime) Subscriptions() []string           { return nil }
func (f *fakeRuntime) Deliver(string, []byte)            {}
func (f *fakeRuntime) DeliverCluster(string, ...interface{}) {}

func newFake(name string, kind registry.Kind) *fakeRuntime {
	return &fakeRuntime{id: name, name: name, kind: kind, state: registry.StateCreated, policy: registry.ChildPolicyStop}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	r := registry.New()
	r.RegisterFactory(registry.KindServer, func(name string, cfg interface{}) (registry.Runtime, error) {
		return newFake(name, registry.KindServer), nil
	})

	_, err := r.Create(registry.KindServer, "s1", nil)
	require.NoError(t, err)

	_, err = r.Create(registry.KindServer, "s1", nil)
	assert.Error(t, err)
}

func TestCreateUnknownKind(t *testing.T) {
	r := registry.New()
	_, err := r.Create(registry.KindCache, "c1", nil)
	assert.Error(t, err)
}

func TestCascadeStopRemovesRemovePolicyChildren(t *testing.T) {
	r := registry.New()
	r.RegisterFactory(registry.KindServer, func(name string, cfg interface{}) (registry.Runtime, error) {
		return newFake(name, registry.KindServer), nil
	})

	parent, err := r.Create(registry.KindServer, "parent", nil)
	require.NoError(t, err)
	require.NoError(t, parent.Setup())

	child, err := r.Create(registry.KindServer, "child", nil)
	require.NoError(t, err)
	child.(*fakeRuntime).policy = registry.ChildPolicyRemove
	child.SetOwner("parent")
	require.NoError(t, child.Setup())

	require.NoError(t, r.Stop("parent"))

	_, ok := r.Get("child")
	assert.False(t, ok, "remove-policy child must be gone after owner stop")
}

func TestCascadeStopKeepsStopPolicyChildren(t *testing.T) {
	r := registry.New()
	r.RegisterFactory(registry.KindServer, func(name string, cfg interface{}) (registry.Runtime, error) {
		return newFake(name, registry.KindServer), nil
	})

	parent, err := r.Create(registry.KindServer, "parent2", nil)
	require.NoError(t, err)
	require.NoError(t, parent.Setup())

	child, err := r.Create(registry.KindServer, "child2", nil)
	require.NoError(t, err)
	child.SetOwner("parent2")
	require.NoError(t, child.Setup())

	require.NoError(t, r.Stop("parent2"))

	got, ok := r.Get("child2")
	require.True(t, ok, "stop-policy child config must survive owner stop")
	assert.Equal(t, registry.StateStopped, got.State())
}

func TestPublishDispatchesInNameOrder(t *testing.T) {
	r := registry.New()
	var order []string

	mkSub := func(name, channel string) *fakeRuntime {
		f := newFake(name, registry.KindCache)
		return f
	}

	a := mkSub("a", "news")
	b := mkSub("b", "news")
	r.RegisterFactory(registry.KindCache, func(name string, cfg interface{}) (registry.Runtime, error) {
		if name == "a" {
			return &subRuntime{fakeRuntime: a, channel: "news", onDeliver: func(c string, p []byte) { order = append(order, "a") }}, nil
		}
		return &subRuntime{fakeRuntime: b, channel: "news", onDeliver: func(c string, p []byte) { order = append(order, "b") }}, nil
	})

	_, err := r.Create(registry.KindCache, "b", nil)
	require.NoError(t, err)
	_, err = r.Create(registry.KindCache, "a", nil)
	require.NoError(t, err)

	r.Publish("news", []byte("hi"))
	assert.Equal(t, []string{"a", "b"}, order)
}

type subRuntime struct {
	*fakeRuntime
	channel   string
	onDeliver func(string, []byte)
}

func (s *subRuntime) Subscriptions() []string { return []string{s.channel} }
func (s *subRuntime) Deliver(c string, p []byte) {
	s.onDeliver(c, p)
}

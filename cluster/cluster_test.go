package cluster_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socketley/cluster"
	"socketley/registry"
)

func TestPublishWritesSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	p := cluster.New(dir, "daemon-a", "127.0.0.1", reg, nil)
	require.NoError(t, p.Start())
	defer p.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "daemon-a.json"))
	require.NoError(t, err)

	var snap cluster.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "daemon-a", snap.Daemon)
	assert.Equal(t, "127.0.0.1", snap.Host)
	assert.Empty(t, snap.Runtimes)

	_, err = os.Stat(filepath.Join(dir, "daemon-a.json.tmp"))
	assert.True(t, os.IsNotExist(err), "tmp sibling should not survive a successful publish")
}

func TestStartRefusesFreshDuplicateName(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	first := cluster.New(dir, "daemon-a", "host1", reg, nil)
	require.NoError(t, first.Start())
	defer first.Stop()

	second := cluster.New(dir, "daemon-a", "host2", registry.New(), nil)
	err := second.Start()
	assert.Error(t, err)
}

func TestStartClaimsNameAfterPeerGoesStale(t *testing.T) {
	dir := t.TempDir()

	stale := cluster.Snapshot{Daemon: "daemon-a", Host: "gone", Heartbeat: time.Now().Add(-1 * time.Hour).Unix()}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daemon-a.json"), data, 0o644))

	p := cluster.New(dir, "daemon-a", "host2", registry.New(), nil)
	require.NoError(t, p.Start())
	defer p.Stop()
}

func TestJoinLeaveDelivery(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	watched := &deliveryRuntime{fakeRuntime: fakeRuntime{name: "r1", group: "web"}}
	require.NoError(t, registerFake(reg, watched))

	p := cluster.New(dir, "daemon-a", "host1", reg, nil)
	p.SetInterval(20 * time.Millisecond)
	p.SetStaleAfter(5 * time.Second)
	require.NoError(t, p.Start())
	defer p.Stop()

	// A peer daemon appears.
	peer := cluster.Snapshot{
		Daemon:    "daemon-b",
		Host:      "host2",
		Heartbeat: time.Now().Unix(),
		Runtimes:  []cluster.RuntimeSnapshot{{Name: "s1", Type: "server", Group: "web"}},
	}
	writeSnapshot(t, dir, "daemon-b", peer)

	require.Eventually(t, func() bool {
		return watched.joinedCount() > 0
	}, time.Second, 10*time.Millisecond, "expected on_cluster_join to fire")

	assert.Equal(t, []string{"daemon-b"}, watched.joinedNames())

	// The peer disappears (file removed).
	require.NoError(t, os.Remove(filepath.Join(dir, "daemon-b.json")))

	require.Eventually(t, func() bool {
		return watched.leftCount() > 0
	}, time.Second, 10*time.Millisecond, "expected on_cluster_leave to fire")
}

func TestPeersReportsStaleFlag(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	stalePeer := cluster.Snapshot{Daemon: "daemon-old", Heartbeat: time.Now().Add(-time.Minute).Unix()}
	writeSnapshot(t, dir, "daemon-old", stalePeer)

	p := cluster.New(dir, "daemon-a", "host1", reg, nil)
	p.SetInterval(20 * time.Millisecond)
	p.SetStaleAfter(5 * time.Second)
	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		peers := p.Peers()
		pr, ok := peers["daemon-old"]
		return ok && pr.Stale
	}, time.Second, 10*time.Millisecond)
}

func writeSnapshot(t *testing.T, dir, name string, snap cluster.Snapshot) {
	t.Helper()
	snap.Daemon = name
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644))
}

// --- minimal fake registry.Runtime, local to this test file ---

type fakeRuntime struct {
	name, group string
}

func (f *fakeRuntime) ID() string                        { return f.name }
func (f *fakeRuntime) Name() string                       { return f.name }
func (f *fakeRuntime) Kind() registry.Kind                { return registry.KindServer }
func (f *fakeRuntime) State() registry.State              { return registry.StateRunning }
func (f *fakeRuntime) Owner() string                      { return "" }
func (f *fakeRuntime) SetOwner(string)                    {}
func (f *fakeRuntime) ChildPolicy() registry.ChildPolicy  { return registry.ChildPolicyStop }
func (f *fakeRuntime) SetChildPolicy(registry.ChildPolicy) {}
func (f *fakeRuntime) Group() string                      { return f.group }
func (f *fakeRuntime) SetGroup(g string)                  { f.group = g }
func (f *fakeRuntime) Setup() error                       { return nil }
func (f *fakeRuntime) Teardown() error                    { return nil }
func (f *fakeRuntime) Stats() registry.Stats              { return registry.Stats{} }
func (f *fakeRuntime) Subscriptions() []string            { return nil }
func (f *fakeRuntime) Deliver(string, []byte)             {}

type deliveryRuntime struct {
	fakeRuntime
	mu     sync.Mutex
	joined []string
	left   []string
}

func (d *deliveryRuntime) DeliverCluster(callback string, args ...interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch callback {
	case "on_cluster_join":
		if len(args) > 0 {
			d.joined = append(d.joined, args[0].(string))
		}
	case "on_cluster_leave":
		if len(args) > 0 {
			d.left = append(d.left, args[0].(string))
		}
	}
}

func (d *deliveryRuntime) joinedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.joined)
}

func (d *deliveryRuntime) leftCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.left)
}

func (d *deliveryRuntime) joinedNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.joined))
	copy(out, d.joined)
	return out
}

func registerFake(reg *registry.Registry, rt registry.Runtime) error {
	reg.RegisterFactory(registry.KindServer, func(string, interface{}) (registry.Runtime, error) {
		return rt, nil
	})
	_, err := reg.Create(registry.KindServer, rt.Name(), nil)
	return err
}

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

// Package cluster is the file-based peer gossip publisher: every
// daemon atomically writes its own snapshot into a shared directory on a
// fixed interval, watches that directory for peer writes, and delivers
// daemon_join/daemon_leave/group_change callbacks to any runtime whose
// script defines them. Deliberately not a consensus protocol - peers
// only observe each other's published files, nothing is coordinated.
package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"socketley/extvm"
	"socketley/logger"
	"socketley/registry"
)

const (
	// DefaultInterval is how often a daemon rewrites its own snapshot.
	DefaultInterval = 2 * time.Second
	// DefaultStaleAfter is how long since the last heartbeat a peer is
	// still considered live.
	DefaultStaleAfter = 10 * time.Second
)

// RuntimeSnapshot is one runtime's entry in a daemon's published state.
type RuntimeSnapshot struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Group       string `json:"group"`
	Port        int    `json:"port"`
	State       string `json:"state"`
	Connections int64  `json:"connections"`
}

// Snapshot is the full per-daemon document written to
// <dir>/<daemon>.json.
type Snapshot struct {
	Daemon    string            `json:"daemon"`
	Host      string            `json:"host"`
	Heartbeat int64             `json:"heartbeat"`
	Runtimes  []RuntimeSnapshot `json:"runtimes"`
}

// Peer is the cluster-wide view of one daemon's last-seen snapshot, as
// exposed to the introspection/control-socket layer.
type Peer struct {
	Snapshot
	Stale bool `json:"stale"`
}

// portedRuntime is satisfied by the engines that own a listening port
// (server, proxy, cache); client runtimes report port 0.
type portedRuntime interface {
	ListenPort() int
}

// clock is the Publisher's time source for heartbeats and staleness
// checks; New sets it to time.Now.
type clock func() time.Time

// Publisher owns the 2s write/scan cycle. One per daemon process.
type Publisher struct {
	dir    string
	daemon string
	host   string
	reg    *registry.Registry
	log    logger.FuncLog
	now    clock

	interval   time.Duration
	staleAfter time.Duration

	stopCh chan struct{}
	stopOnce sync.Once

	mu    sync.RWMutex
	peers map[string]Peer
	// groupCounts is the last-delivered live-member count per group, so
	// group_change only fires on an actual change.
	groupCounts map[string]int
}

// New constructs a Publisher. dir is the shared cluster directory,
// daemon this process's claimed name, host an advertised
// address/hostname for peers to display.
func New(dir, daemon, host string, reg *registry.Registry, log logger.FuncLog) *Publisher {
	return &Publisher{
		dir:         dir,
		daemon:      daemon,
		host:        host,
		reg:         reg,
		log:         log,
		now:         time.Now,
		interval:    DefaultInterval,
		staleAfter:  DefaultStaleAfter,
		peers:       make(map[string]Peer),
		groupCounts: make(map[string]int),
	}
}

// SetInterval overrides the default 2s publish/scan cadence. Must be
// called before Start. Exposed chiefly so tests don't need to wait out
// the production interval.
func (p *Publisher) SetInterval(d time.Duration) { p.interval = d }

// SetStaleAfter overrides the default 10s staleness threshold. Must be
// called before Start.
func (p *Publisher) SetStaleAfter(d time.Duration) { p.staleAfter = d }

func (p *Publisher) logger() logger.Logger {
	if p.log != nil {
		return p.log()
	}
	return logger.Default()
}

func snapshotPath(dir, daemon string) string {
	return filepath.Join(dir, daemon+".json")
}

// checkNameFree refuses to claim p.daemon if a snapshot under that name
// already exists with a fresh heartbeat.
func (p *Publisher) checkNameFree() error {
	data, err := os.ReadFile(snapshotPath(p.dir, p.daemon))
	if err != nil {
		return nil
	}

	var existing Snapshot
	if err := json.Unmarshal(data, &existing); err != nil {
		// Corrupt leftover from a prior crash - treat the name as free,
		// our first Publish will overwrite it.
		return nil
	}

	age := p.now().Sub(time.Unix(existing.Heartbeat, 0))
	if age < p.staleAfter {
		return ErrorNameClaimed.Error(nil)
	}
	return nil
}

// Start validates the name is unclaimed, writes the first snapshot, and
// launches the background publish/scan loop. Callers must call Stop on
// daemon shutdown.
func (p *Publisher) Start() error {
	if p.dir == "" {
		return nil
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return ErrorMkdir.Error(err)
	}

	if err := p.checkNameFree(); err != nil {
		return err
	}

	p.stopCh = make(chan struct{})

	if err := p.publishOnce(); err != nil {
		return err
	}
	p.scan()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// A watcher is a convenience (immediate peer pickup); the
		// periodic scan below is the source of truth, so degrade to
		// poll-only rather than failing Start.
		p.logger().WithField("cluster_dir", p.dir).Warn("fsnotify unavailable, falling back to interval-only scan: ", err)
		go p.loop(nil)
		return nil
	}

	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		go p.loop(nil)
		return nil
	}

	go p.loop(watcher)
	return nil
}

// Stop ends the background loop. Idempotent.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		if p.stopCh != nil {
			close(p.stopCh)
		}
	})
}

func (p *Publisher) loop(watcher *fsnotify.Watcher) {
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.publishOnce(); err != nil {
				p.logger().Warn("cluster publish failed: ", err)
			}
			p.scan()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if strings.HasSuffix(ev.Name, ".json") && !strings.HasSuffix(ev.Name, ".tmp") {
				p.scan()
			}
		}
	}
}

// publishOnce atomically writes this daemon's current snapshot:
// tmp+fsync+rename, the same discipline persistence.Save uses.
func (p *Publisher) publishOnce() error {
	snap := Snapshot{
		Daemon:    p.daemon,
		Host:      p.host,
		Heartbeat: p.now().Unix(),
	}

	for _, rt := range p.reg.List() {
		port := 0
		if pr, ok := rt.(portedRuntime); ok {
			port = pr.ListenPort()
		}

		stats := rt.Stats()
		snap.Runtimes = append(snap.Runtimes, RuntimeSnapshot{
			Name:        rt.Name(),
			Type:        string(rt.Kind()),
			Group:       rt.Group(),
			Port:        port,
			State:       string(rt.State()),
			Connections: stats.Connections,
		})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return ErrorMarshal.Error(err)
	}

	final := snapshotPath(p.dir, p.daemon)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ErrorWrite.Error(err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return ErrorWrite.Error(err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ErrorFsync.Error(err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ErrorWrite.Error(err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return ErrorRename.Error(err)
	}

	return nil
}

// scan reads every <dir>/*.json sibling (ignoring .tmp files),
// determines staleness, diffs against the previous snapshot, and
// delivers join/leave/group_change events.
func (p *Publisher) scan() {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return
	}

	now := p.now()
	current := make(map[string]Peer)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if !strings.HasSuffix(n, ".json") || strings.HasSuffix(n, ".tmp") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(p.dir, n))
		if err != nil {
			continue
		}

		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		if snap.Daemon == "" {
			continue
		}

		stale := now.Sub(time.Unix(snap.Heartbeat, 0)) > p.staleAfter
		current[snap.Daemon] = Peer{Snapshot: snap, Stale: stale}
	}

	p.mu.Lock()
	previous := p.peers
	p.peers = current
	prevGroups := p.groupCounts
	p.mu.Unlock()

	p.diffAndDeliver(previous, current, prevGroups)
}

// diffAndDeliver computes join/leave/group_change deltas between two
// live-peer sets (excluding this daemon and stale entries) and invokes
// the matching extension-VM callback on every subscribed runtime, in
// the registry's deterministic name-sorted order.
func (p *Publisher) diffAndDeliver(previous, current map[string]Peer, prevGroups map[string]int) {
	liveNames := func(m map[string]Peer) map[string]bool {
		out := make(map[string]bool)
		for name, peer := range m {
			if name == p.daemon || peer.Stale {
				continue
			}
			out[name] = true
		}
		return out
	}

	before := liveNames(previous)
	after := liveNames(current)

	var joined, left []string
	for name := range after {
		if !before[name] {
			joined = append(joined, name)
		}
	}
	for name := range before {
		if !after[name] {
			left = append(left, name)
		}
	}
	sort.Strings(joined)
	sort.Strings(left)

	newGroups := make(map[string]int)
	for name := range after {
		for _, rt := range current[name].Runtimes {
			if rt.Group == "" {
				continue
			}
			newGroups[rt.Group]++
		}
	}

	var changedGroups []string
	for g, n := range newGroups {
		if prevGroups[g] != n {
			changedGroups = append(changedGroups, g)
		}
	}
	for g, n := range prevGroups {
		if _, ok := newGroups[g]; !ok && n != 0 {
			changedGroups = append(changedGroups, g)
			newGroups[g] = 0
		}
	}
	sort.Strings(changedGroups)

	p.mu.Lock()
	p.groupCounts = newGroups
	p.mu.Unlock()

	if len(joined) == 0 && len(left) == 0 && len(changedGroups) == 0 {
		return
	}

	for _, rt := range p.reg.List() {
		for _, name := range joined {
			rt.DeliverCluster(extvm.OnClusterJoin, name)
		}
		for _, name := range left {
			rt.DeliverCluster(extvm.OnClusterLeave, name)
		}
		for _, g := range changedGroups {
			rt.DeliverCluster(extvm.OnGroupChange, g, newGroups[g])
		}
	}
}

// Peers returns a snapshot of every currently known peer (live and
// stale), for the control socket's introspection commands.
func (p *Publisher) Peers() map[string]Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Peer, len(p.peers))
	for k, v := range p.peers {
		out[k] = v
	}
	return out
}

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

// Command socketleyd is the daemon process: one reactor thread,
// one runtime registry, one control socket, optionally one cluster
// publisher. A front-end CLI dials the control socket and speaks the
// line protocol in control/; this binary never parses runtime commands
// itself.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"socketley/cluster"
	"socketley/config"
	"socketley/control"
	"socketley/logger"
	"socketley/persistence"
	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime/cache"
	"socketley/runtime/client"
	"socketley/runtime/proxy"
	"socketley/runtime/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.String("config", "", "path to a viper-readable config file")
	userMode := pflag.Bool("user-mode", false, "force XDG-style paths instead of system paths")
	pflag.Parse()

	bootstrap, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "socketleyd: config:", err)
		return 2
	}
	bootstrap.UserMode = *userMode || bootstrap.UserMode

	log := buildLogger(bootstrap)
	logger.SetDefault(log)
	logFn := func() logger.Logger { return log }

	stateDir := bootstrap.ResolveStateDir()
	socketPath := bootstrap.ResolveControlSocketPath()

	r := reactor.New(bootstrap.QueueDepth)
	reg := registry.New()

	reg.RegisterFactory(registry.KindServer, server.NewFactory(r, reg, logFn))
	reg.RegisterFactory(registry.KindClient, client.NewFactory(r, reg, logFn))
	reg.RegisterFactory(registry.KindProxy, proxy.NewFactory(r, reg, logFn))
	reg.RegisterFactory(registry.KindCache, cache.NewFactory(r, reg, logFn))

	go r.Run()
	defer r.RequestStop()

	skipped := replayPersisted(stateDir, reg, log)
	if skipped > 0 {
		log.WithField("count", skipped).Warn("some persisted runtimes failed to replay")
	}

	var pub *cluster.Publisher
	if bootstrap.ClusterDir != "" {
		daemonName, hostName := daemonIdentity()
		pub = cluster.New(bootstrap.ClusterDir, daemonName, hostName, reg, logFn)
		if err := pub.Start(); err != nil {
			log.Error("cluster publisher: ", err)
			return 2
		}
		defer pub.Stop()
	}

	app := config.NewAppFromEnv()

	ctl, err := control.New(socketPath, reg, stateDir, pub, app, logFn)
	if err != nil {
		log.Error("control socket: ", err)
		return 2
	}

	log.WithField("socket", socketPath).WithField("state_dir", stateDir).Info("socketleyd started")

	serveErr := make(chan error, 1)
	go func() { serveErr <- ctl.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sig:
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error("control socket serve: ", err)
		}
	}

	_ = ctl.Close()
	_ = reg.StopAll()

	return 0
}

func buildLogger(b *config.Bootstrap) logger.Logger {
	level := b.ParseLogLevel()
	if b.LogFile == "" {
		return logger.NewStdout(level)
	}

	f, err := os.OpenFile(b.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return logger.NewStdout(level)
	}
	return logger.New(io.MultiWriter(os.Stdout, f), level)
}

func daemonIdentity() (name, host string) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid()), host
}

// replayPersisted restores every previously saved runtime at boot,
// re-creating it from its persisted Extra config and re-starting it if
// was_running was true when the daemon last stopped.
func replayPersisted(stateDir string, reg *registry.Registry, log logger.Logger) int {
	configs, skipped, err := persistence.ReplayAll(stateDir)
	if err != nil {
		log.Error("persistence replay: ", err)
		return int(skipped.Len())
	}

	for _, cfg := range configs {
		kind := registry.Kind(cfg.Kind)

		extra, err := control.DecodeExtra(kind, cfg.Extra)
		if err != nil {
			log.WithField("runtime", cfg.Name).Warn("bad persisted config: ", err)
			continue
		}

		rt, err := reg.Create(kind, cfg.Name, extra)
		if err != nil {
			log.WithField("runtime", cfg.Name).Warn("replay create failed: ", err)
			continue
		}

		rt.SetOwner(cfg.Owner)
		rt.SetGroup(cfg.Group)
		if cfg.ChildPolicy != "" {
			rt.SetChildPolicy(registry.ChildPolicy(cfg.ChildPolicy))
		}

		if cfg.WasRunning {
			if err := reg.Start(cfg.Name); err != nil {
				log.WithField("runtime", cfg.Name).Warn("replay start failed: ", err)
			}
		}
	}

	return int(skipped.Len())
}

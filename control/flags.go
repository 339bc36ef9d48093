package control

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"socketley/config"
	"socketley/registry"
	"socketley/runtime/cache"
	"socketley/runtime/client"
	"socketley/runtime/proxy"
	"socketley/runtime/server"
)

// DecodeExtra unmarshals a persisted Extra blob (produced by marshaling
// one of the four Config types with encoding/json) back into the
// concrete Config the kind's factory type-asserts for. Used by `import`
// and boot-time replay, which only have the kind name and raw bytes
// to go on - exported so cmd/socketleyd's replay path decodes into the
// same concrete Config types the control socket's own `import` does,
// instead of a bare map[string]interface{} the factories would reject.
func DecodeExtra(kind registry.Kind, raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch kind {
	case registry.KindServer:
		var cfg server.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	case registry.KindClient:
		var cfg client.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	case registry.KindProxy:
		var cfg proxy.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	case registry.KindCache:
		var cfg cache.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	default:
		return nil, ErrorUnknownKind.Error(nil)
	}
}

// buildConfig parses the per-kind flag set for `create` the way a
// CLI front-end would, and returns the resulting engine Config as an
// opaque interface{} ready for registry.Create. Each kind gets its own
// pflag.FlagSet rather than one shared set, since the option names
// overlap across kinds with different meanings (--port vs --backend).
func buildConfig(kind registry.Kind, args []string) (interface{}, error) {
	switch kind {
	case registry.KindServer:
		return buildServerConfig(args)
	case registry.KindClient:
		return buildClientConfig(args)
	case registry.KindProxy:
		return buildProxyConfig(args)
	case registry.KindCache:
		return buildCacheConfig(args)
	default:
		return nil, ErrorUnknownKind.Error(nil)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func buildServerConfig(args []string) (interface{}, error) {
	fs := newFlagSet("create-server")
	port := fs.IntP("port", "p", 0, "listen port")
	udp := fs.Bool("udp", false, "use UDP instead of TCP")
	mode := fs.String("mode", "", "in|out|inout|master")
	script := fs.String("script", "", "extension script path")
	maxConn := fs.Int("max-connections", 0, "connection cap")
	rateLimit := fs.Float64("rate-limit-per-second", 0, "per-connection rate limit")
	httpRoot := fs.String("http-root", "", "static file root for HTTP mode")
	httpCache := fs.Bool("http-cache", false, "cache static responses in memory")
	group := fs.String("group", "", "runtime group tag")
	owner := fs.String("owner", "", "owning runtime name")
	childPolicy := fs.String("child-policy", "", "stop|remove")

	if err := fs.Parse(args); err != nil {
		return nil, ErrorBadArgs.Error(err)
	}

	return server.Config{
		Port:               *port,
		UDP:                *udp,
		Mode:               server.Mode(*mode),
		ScriptPath:         *script,
		MaxConnections:     *maxConn,
		RateLimitPerSecond: *rateLimit,
		HTTPRoot:           *httpRoot,
		HTTPCache:          *httpCache,
		Group:              *group,
		Owner:              *owner,
		ChildPolicy:        registry.ChildPolicy(*childPolicy),
	}, nil
}

func buildClientConfig(args []string) (interface{}, error) {
	fs := newFlagSet("create-client")
	network := fs.String("network", "", "tcp|udp")
	address := fs.StringP("address", "a", "", "address to dial (required)")
	script := fs.String("script", "", "extension script path")
	reconnect := fs.Int("reconnect-attempts", 0, "-1 disabled, 0 infinite, n>0 max")
	group := fs.String("group", "", "runtime group tag")
	owner := fs.String("owner", "", "owning runtime name")
	childPolicy := fs.String("child-policy", "", "stop|remove")

	if err := fs.Parse(args); err != nil {
		return nil, ErrorBadArgs.Error(err)
	}
	if *address == "" {
		return nil, ErrorBadArgs.Error(nil)
	}

	return client.Config{
		Network:           *network,
		Address:           *address,
		ScriptPath:        *script,
		ReconnectAttempts: *reconnect,
		Group:             *group,
		Owner:             *owner,
		ChildPolicy:       registry.ChildPolicy(*childPolicy),
	}, nil
}

func buildProxyConfig(args []string) (interface{}, error) {
	fs := newFlagSet("create-proxy")
	port := fs.IntP("port", "p", 0, "frontend listen port")
	protocol := fs.String("protocol", "", "tcp|http")
	strategy := fs.String("strategy", "", "round-robin|random|script")
	backends := fs.String("backend", "", "comma-separated backend host:port list")
	retryAll := fs.Bool("retry-all", false, "select from the full backend list if none are healthy")
	healthPath := fs.String("health-path", "", "HTTP health check path")
	retryCount := fs.Int("retry-count", 0, "per-request retry count")
	script := fs.String("script", "", "extension script path")
	group := fs.String("group", "", "runtime group tag")
	owner := fs.String("owner", "", "owning runtime name")
	childPolicy := fs.String("child-policy", "", "stop|remove")

	if err := fs.Parse(args); err != nil {
		return nil, ErrorBadArgs.Error(err)
	}

	var list []string
	if *backends != "" {
		list = strings.Split(*backends, ",")
	}
	if len(list) == 0 {
		return nil, ErrorBadArgs.Error(nil)
	}

	return proxy.Config{
		Port:        *port,
		Protocol:    proxy.Protocol(*protocol),
		Strategy:    proxy.Strategy(*strategy),
		Backends:    list,
		RetryAll:    *retryAll,
		HealthPath:  *healthPath,
		RetryCount:  *retryCount,
		ScriptPath:  *script,
		Group:       *group,
		Owner:       *owner,
		ChildPolicy: registry.ChildPolicy(*childPolicy),
	}, nil
}

func buildCacheConfig(args []string) (interface{}, error) {
	fs := newFlagSet("create-cache")
	port := fs.IntP("port", "p", 0, "listen port")
	mode := fs.String("mode", "", "readwrite|readonly|admin")
	eviction := fs.String("eviction", "", "noeviction|allkeys-lru|allkeys-random")
	maxMemory := fs.Int64("max-memory", 0, "eviction threshold in bytes")
	script := fs.String("script", "", "extension script path")
	forceResp2 := fs.Bool("force-resp2", false, "disable inline-protocol auto-detection")
	snapshotPath := fs.String("snapshot-path", "", "FLUSH/LOAD snapshot file")
	replicateTarget := fs.String("replicate-target", "", "cache runtime to mirror writes to")
	group := fs.String("group", "", "runtime group tag")
	owner := fs.String("owner", "", "owning runtime name")
	childPolicy := fs.String("child-policy", "", "stop|remove")

	if err := fs.Parse(args); err != nil {
		return nil, ErrorBadArgs.Error(err)
	}

	return cache.Config{
		Port:            *port,
		Mode:            cache.Mode(*mode),
		Eviction:        cache.Eviction(*eviction),
		MaxMemory:       *maxMemory,
		ScriptPath:      *script,
		ForceRESP2:      *forceResp2,
		SnapshotPath:    *snapshotPath,
		ReplicateTarget: *replicateTarget,
		Group:           *group,
		Owner:           *owner,
		ChildPolicy:     registry.ChildPolicy(*childPolicy),
	}, nil
}

// checkFeatures rejects a just-built engine Config that requires a
// surface the daemon was started without.
func (s *Server) checkFeatures(cfg interface{}) error {
	if config.NoLua(s.app) && scriptPathOf(cfg) != "" {
		return ErrorScriptsDisabled.Error(nil)
	}
	if config.NoHTTPS(s.app) && carriesTLS(cfg) {
		return ErrorTLSDisabled.Error(nil)
	}
	return nil
}

func scriptPathOf(cfg interface{}) string {
	switch c := cfg.(type) {
	case server.Config:
		return c.ScriptPath
	case client.Config:
		return c.ScriptPath
	case proxy.Config:
		return c.ScriptPath
	case cache.Config:
		return c.ScriptPath
	}
	return ""
}

func carriesTLS(cfg interface{}) bool {
	switch c := cfg.(type) {
	case server.Config:
		return c.TLS.IsConfigured()
	case client.Config:
		return c.TLS.IsConfigured()
	case proxy.Config:
		return c.TLS.IsConfigured()
	}
	return false
}

func parseKind(s string) (registry.Kind, error) {
	switch strings.ToLower(s) {
	case "server":
		return registry.KindServer, nil
	case "client":
		return registry.KindClient, nil
	case "proxy":
		return registry.KindProxy, nil
	case "cache":
		return registry.KindCache, nil
	default:
		return "", ErrorUnknownKind.Error(fmt.Errorf("%q", s))
	}
}

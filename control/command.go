package control

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"socketley/persistence"
	"socketley/registry"
)

// The control socket only ever needs a handful of capabilities out of a
// concrete engine, each promoted onto registry.Runtime through the
// embedded *runtime.Base every engine carries. Type-asserting the
// registry.Runtime interface to these keeps control/ ignorant of the
// four concrete engine types, mirroring registry's own Factory pattern.
type (
	observable interface {
		AddObserver(c net.Conn)
		RemoveObserver(c net.Conn)
	}
	sender interface {
		Send(data []byte)
	}
	broadcaster interface {
		Broadcast(data []byte)
	}
	portedRuntime interface {
		ListenPort() int
	}
	scripted interface {
		ScriptPath() string
		ReloadScript() error
	}
	actionable interface {
		InvokeAction(verb string, args []string) (string, bool, error)
	}
)

// tokenize splits a command line the way a shell would: whitespace
// separated, with single or double quotes grouping a token containing
// spaces. Trailing `\n`/`\r` are stripped before splitting.
func tokenize(line string) ([]string, error) {
	line = strings.TrimRight(line, "\r\n")

	var (
		tokens []string
		cur    strings.Builder
		inTok  bool
		quote  rune
	)

	flush := func() {
		if inTok {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inTok = false
		}
	}

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == ' ' || r == '\t':
			flush()
		default:
			inTok = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, ErrorBadCommand.Error(nil)
	}
	flush()

	return tokens, nil
}

// dispatch runs one parsed command line against the registry. conn is
// only used by the commands that switch to interactive streaming.
func (s *Server) dispatch(conn net.Conn, tokens []string) dispatchResult {
	cmd, rest := tokens[0], tokens[1:]

	switch cmd {
	case "create":
		return s.cmdCreate(rest)
	case "start":
		return s.cmdStart(rest)
	case "stop":
		return s.cmdStop(rest)
	case "remove":
		return s.cmdRemove(rest)
	case "ls":
		return s.cmdLs()
	case "ps":
		return s.cmdPs()
	case "stats":
		return s.cmdStats(rest)
	case "show":
		return s.cmdShow(rest)
	case "owner":
		return s.cmdOwner(rest)
	case "send":
		return s.cmdSend(rest)
	case "edit":
		return s.cmdEdit(rest)
	case "dump":
		return s.cmdDump(rest)
	case "import":
		return s.cmdImport(rest)
	case "reload-lua":
		return s.cmdReloadLua(rest)
	case "reload":
		return s.cmdReload(rest)
	case "attach":
		return s.cmdAttach(rest)
	case "cluster-dir":
		return s.cmdClusterDir()
	case "action":
		return s.cmdAction(rest)
	default:
		return bad(ErrorUnknownCommand.GetMessage() + ": " + cmd)
	}
}

func (s *Server) cmdCreate(args []string) dispatchResult {
	if len(args) < 2 {
		return bad(ErrorBadArgs.GetMessage())
	}
	kind, err := parseKind(args[0])
	if err != nil {
		return bad(err.Error())
	}
	name := args[1]

	cfg, err := buildConfig(kind, args[2:])
	if err != nil {
		return bad(err.Error())
	}
	if err := s.checkFeatures(cfg); err != nil {
		return bad(err.Error())
	}

	rt, err := s.reg.Create(kind, name, cfg)
	if err != nil {
		return bad(err.Error())
	}

	s.persistWithExtra(name, rt, cfg)
	return ok(name)
}

// persistWithExtra saves name's config including its engine-specific
// Extra blob, for commands that have the just-built Config value on
// hand (`create`, `import`) - everything else goes through persist,
// which preserves whatever Extra a prior save already wrote.
func (s *Server) persistWithExtra(name string, rt registry.Runtime, cfg interface{}) {
	extra, err := json.Marshal(cfg)
	if err != nil {
		if s.log != nil {
			s.logger().WithField("runtime", name).Warn("marshal extra failed: ", err)
		}
		return
	}

	rc := runtimeConfig(name, rt)
	rc.Extra = extra
	if err := persistence.Save(s.stateDir, &rc); err != nil && s.log != nil {
		s.logger().WithField("runtime", name).Warn("persist failed: ", err)
	}
}

func (s *Server) cmdStart(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	name := args[0]
	interactive := len(args) > 1 && args[1] == "-i"

	if err := s.reg.Start(name); err != nil {
		return bad(err.Error())
	}
	s.persist(name)

	if interactive {
		return dispatchResult{code: exitOK, body: "attached", interactive: true, runtimeName: name}
	}
	return ok(name)
}

func (s *Server) cmdStop(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	if err := s.reg.Stop(args[0]); err != nil {
		return bad(err.Error())
	}
	s.persist(args[0])
	return ok(args[0])
}

func (s *Server) cmdRemove(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	if err := s.reg.Remove(args[0]); err != nil {
		return bad(err.Error())
	}
	_ = persistence.Remove(s.stateDir, args[0])
	return ok(args[0])
}

func (s *Server) cmdLs() dispatchResult {
	var lines []string
	for _, rt := range s.reg.List() {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", rt.Name(), rt.Kind(), rt.State()))
	}
	return ok(strings.Join(lines, "\n"))
}

func (s *Server) cmdPs() dispatchResult {
	var lines []string
	for _, rt := range s.reg.List() {
		port := 0
		if pr, ok := rt.(portedRuntime); ok {
			port = pr.ListenPort()
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s\tport=%d\towner=%s\tgroup=%s",
			rt.Name(), rt.Kind(), rt.State(), port, rt.Owner(), rt.Group()))
	}
	return ok(strings.Join(lines, "\n"))
}

func (s *Server) cmdStats(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	rt, ok2 := s.reg.Get(args[0])
	if !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}
	return ok(formatStats(rt.Stats()))
}

func (s *Server) cmdShow(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	rt, ok2 := s.reg.Get(args[0])
	if !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}
	cfg := runtimeConfig(args[0], rt)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return bad(err.Error())
	}
	return ok(string(data))
}

func (s *Server) cmdOwner(args []string) dispatchResult {
	if len(args) < 2 {
		return bad(ErrorBadArgs.GetMessage())
	}
	rt, ok2 := s.reg.Get(args[0])
	if !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}
	rt.SetOwner(args[1])
	s.persist(args[0])
	return ok(args[0])
}

func (s *Server) cmdSend(args []string) dispatchResult {
	if len(args) < 2 {
		return bad(ErrorBadArgs.GetMessage())
	}
	rt, ok2 := s.reg.Get(args[0])
	if !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}

	payload := []byte(strings.Join(args[1:], " "))
	switch v := rt.(type) {
	case sender:
		v.Send(payload)
	case broadcaster:
		v.Broadcast(payload)
	default:
		return bad(ErrorNotInteractive.GetMessage())
	}
	return ok(args[0])
}

func (s *Server) cmdEdit(args []string) dispatchResult {
	if len(args) < 2 {
		return bad(ErrorBadArgs.GetMessage())
	}
	rt, ok2 := s.reg.Get(args[0])
	if !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}

	fs := newFlagSet("edit")
	group := fs.String("group", rt.Group(), "runtime group tag")
	owner := fs.String("owner", rt.Owner(), "owning runtime name")
	childPolicy := fs.String("child-policy", string(rt.ChildPolicy()), "stop|remove")
	if err := fs.Parse(args[1:]); err != nil {
		return bad(ErrorBadArgs.GetMessage())
	}

	rt.SetOwner(*owner)
	rt.SetGroup(*group)
	if *childPolicy != "" {
		rt.SetChildPolicy(registry.ChildPolicy(*childPolicy))
	}
	s.persist(args[0])
	return ok(args[0])
}

func (s *Server) cmdDump(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	cfg, err := persistence.Load(s.stateDir, args[0])
	if err != nil {
		return bad(err.Error())
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return bad(err.Error())
	}
	return ok(string(data))
}

func (s *Server) cmdImport(args []string) dispatchResult {
	if len(args) < 2 {
		return bad(ErrorBadArgs.GetMessage())
	}
	raw, err := base64.StdEncoding.DecodeString(args[1])
	if err != nil {
		return bad(ErrorBadArgs.GetMessage())
	}

	cfg := &persistence.RuntimeConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return bad(err.Error())
	}
	cfg.Name = args[0]

	kind, err := parseKind(cfg.Kind)
	if err != nil {
		return bad(err.Error())
	}

	extra, err := DecodeExtra(kind, cfg.Extra)
	if err != nil {
		return bad(err.Error())
	}
	if err := s.checkFeatures(extra); err != nil {
		return bad(err.Error())
	}

	rt, err := s.reg.Create(kind, cfg.Name, extra)
	if err != nil {
		return bad(err.Error())
	}
	rt.SetOwner(cfg.Owner)
	rt.SetGroup(cfg.Group)
	if cfg.ChildPolicy != "" {
		rt.SetChildPolicy(registry.ChildPolicy(cfg.ChildPolicy))
	}

	s.persistWithExtra(cfg.Name, rt, extra)
	return ok(cfg.Name)
}

func (s *Server) cmdReloadLua(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	rt, ok2 := s.reg.Get(args[0])
	if !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}
	scr, ok2 := rt.(scripted)
	if !ok2 {
		return bad(ErrorNotInteractive.GetMessage())
	}
	if err := scr.ReloadScript(); err != nil {
		return bad(err.Error())
	}
	return ok(args[0])
}

func (s *Server) cmdReload(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	name := args[0]
	if _, ok2 := s.reg.Get(name); !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}
	if err := s.reg.Stop(name); err != nil {
		return bad(err.Error())
	}
	if err := s.reg.Start(name); err != nil {
		return bad(err.Error())
	}
	s.persist(name)
	return ok(name)
}

func (s *Server) cmdAttach(args []string) dispatchResult {
	if len(args) == 0 {
		return bad(ErrorBadArgs.GetMessage())
	}
	if _, ok2 := s.reg.Get(args[0]); !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}
	return dispatchResult{code: exitOK, body: "attached", interactive: true, runtimeName: args[0]}
}

func (s *Server) cmdClusterDir() dispatchResult {
	if s.pub == nil {
		return ok("cluster disabled")
	}

	peers := s.pub.Peers()
	names := make([]string, 0, len(peers))
	for n := range peers {
		names = append(names, n)
	}
	sort.Strings(names)

	var lines []string
	for _, n := range names {
		p := peers[n]
		lines = append(lines, fmt.Sprintf("%s\t%s\theartbeat=%d\tstale=%t\truntimes=%d",
			p.Daemon, p.Host, p.Heartbeat, p.Stale, len(p.Runtimes)))
	}
	return ok(strings.Join(lines, "\n"))
}

func (s *Server) cmdAction(args []string) dispatchResult {
	if len(args) < 2 {
		return bad(ErrorBadArgs.GetMessage())
	}
	rt, ok2 := s.reg.Get(args[0])
	if !ok2 {
		return bad(registry.ErrorNotFound.GetMessage())
	}
	act, ok2 := rt.(actionable)
	if !ok2 {
		return bad(ErrorNotInteractive.GetMessage())
	}

	result, handled, err := act.InvokeAction(args[1], args[2:])
	if err != nil {
		return bad(err.Error())
	}
	if !handled {
		return bad(ErrorUnknownCommand.GetMessage())
	}
	return ok(result)
}

// persist snapshots name's current config to the state directory,
// best-effort (a failure here is logged, never surfaced to the control
// client whose command already succeeded against the registry). Any
// Extra blob a prior create/import wrote is preserved rather than
// dropped, since persist itself never has the concrete engine Config in
// hand.
func (s *Server) persist(name string) {
	rt, ok2 := s.reg.Get(name)
	if !ok2 {
		return
	}

	cfg := runtimeConfig(name, rt)
	if prev, err := persistence.Load(s.stateDir, name); err == nil {
		cfg.Extra = prev.Extra
	}

	if err := persistence.Save(s.stateDir, &cfg); err != nil && s.log != nil {
		s.logger().WithField("runtime", name).Warn("persist failed: ", err)
	}
}

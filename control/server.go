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

// Package control is the local stream-socket front end: one
// listener accepting newline-terminated commands, dispatching them onto
// the registry, and framing replies as `[u8 exit_code] body [u8 0]`.
// Every command runs synchronously on the accepting connection's own
// goroutine except `start -i`, which switches that connection into
// bidirectional streaming against one runtime's interactive-observer
// list (runtime.Base.AddObserver/RemoveObserver).
package control

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"socketley/cluster"
	"socketley/config"
	"socketley/logger"
	"socketley/persistence"
	"socketley/registry"
)

const (
	exitOK    byte = 0
	exitBad   byte = 1
	exitFatal byte = 2
)

// Server is the control socket. One per daemon process.
type Server struct {
	ln       net.Listener
	reg      *registry.Registry
	stateDir string
	pub      *cluster.Publisher
	log      logger.FuncLog
	app      config.App

	wg       sync.WaitGroup
	quitOnce sync.Once
	quit     chan struct{}
}

// New binds the control socket at socketPath (the caller has already
// resolved it via config.Bootstrap.ResolveControlSocketPath), removing a
// stale socket file left by an unclean shutdown first.
func New(socketPath string, reg *registry.Registry, stateDir string, pub *cluster.Publisher, app config.App, log logger.FuncLog) (*Server, error) {
	if fi, err := os.Stat(socketPath); err == nil && !fi.IsDir() {
		_ = os.Remove(socketPath)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, ErrorListen.Error(err)
	}

	return &Server{
		ln:       ln,
		reg:      reg,
		stateDir: stateDir,
		pub:      pub,
		app:      app,
		log:      log,
		quit:     make(chan struct{}),
	}, nil
}

func (s *Server) logger() logger.Logger {
	if s.log == nil {
		return logger.NewStdout(0).WithField("component", "control")
	}
	return s.log().WithField("component", "control")
}

// Addr returns the bound socket path.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until Close is called, handling each on its
// own goroutine; dispatch itself still mutates the registry under
// its own lock, control connections never share the reactor thread.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return err
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish, then removes the socket file.
func (s *Server) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	err := s.ln.Close()
	s.wg.Wait()
	if unixAddr, ok := s.ln.Addr().(*net.UnixAddr); ok {
		_ = os.Remove(unixAddr.Name)
	}
	return err
}

func writeResponse(w io.Writer, code byte, body string) {
	_, _ = w.Write([]byte{code})
	_, _ = io.WriteString(w, body)
	_, _ = w.Write([]byte{0})
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if line == "" {
				return
			}
		}

		tokens, terr := tokenize(line)
		if terr != nil {
			writeResponse(conn, exitBad, ErrorBadCommand.GetMessage())
			if err != nil {
				return
			}
			continue
		}
		if len(tokens) == 0 {
			writeResponse(conn, exitBad, ErrorBadCommand.GetMessage())
			if err != nil {
				return
			}
			continue
		}

		result := s.dispatch(conn, tokens)
		if result.interactive {
			// Ack the command in the normal frame first, then hand the
			// connection over to the streaming loop.
			writeResponse(conn, result.code, result.body)
			s.streamInteractive(conn, reader, result.runtimeName)
			return
		}

		writeResponse(conn, result.code, result.body)
		if err != nil {
			return
		}
	}
}

// streamInteractive switches conn into bidirectional mode: bytes
// read from the client are handed to the runtime as `send` payloads, and
// everything the runtime emits while attached is duplicated back, via
// runtime.Base's observer list which every engine inherits.
func (s *Server) streamInteractive(conn net.Conn, reader *bufio.Reader, name string) {
	rt, ok := s.reg.Get(name)
	if !ok {
		return
	}

	obs, ok := rt.(observable)
	if ok {
		obs.AddObserver(conn)
		defer obs.RemoveObserver(conn)
	}

	snd, hasSend := rt.(sender)

	for {
		line, err := reader.ReadString('\n')
		if line != "" && hasSend {
			snd.Send([]byte(line))
		}
		if err != nil {
			return
		}
	}
}

// dispatchResult is what one command produces: either a framed
// request/response, or a switch into interactive streaming.
type dispatchResult struct {
	code        byte
	body        string
	interactive bool
	runtimeName string
}

func ok(body string) dispatchResult  { return dispatchResult{code: exitOK, body: body} }
func bad(body string) dispatchResult { return dispatchResult{code: exitBad, body: body} }

func persistenceKind(k registry.Kind) string { return string(k) }

func runtimeConfig(name string, rt registry.Runtime) persistence.RuntimeConfig {
	port := 0
	if pr, ok := rt.(portedRuntime); ok {
		port = pr.ListenPort()
	}
	scriptPath := ""
	if scr, ok := rt.(scripted); ok {
		scriptPath = scr.ScriptPath()
	}
	return persistence.RuntimeConfig{
		Name:        name,
		Kind:        persistenceKind(rt.Kind()),
		Port:        port,
		ScriptPath:  scriptPath,
		Group:       rt.Group(),
		Owner:       rt.Owner(),
		ChildPolicy: string(rt.ChildPolicy()),
		WasRunning:  rt.State() == registry.StateRunning,
	}
}

func formatStats(st registry.Stats) string {
	return "connections=" + strconv.FormatInt(st.Connections, 10) +
		" messages_in=" + strconv.FormatInt(st.MessagesIn, 10) +
		" messages_out=" + strconv.FormatInt(st.MessagesOut, 10) +
		" bytes_in=" + strconv.FormatInt(st.BytesIn, 10) +
		" bytes_out=" + strconv.FormatInt(st.BytesOut, 10)
}

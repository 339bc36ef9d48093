package server_test

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime/server"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestServerEchoScript exercises: a server with
// `on_message(m) { self.broadcast(m) }` echoes a client's raw-bytes
// message back to it.
func TestServerEchoScript(t *testing.T) {
	r := reactor.New(64)
	reg := registry.New()
	reg.RegisterFactory(registry.KindServer, server.NewFactory(r, reg, nil))

	port := freePort(t)

	cfg := server.Config{Port: port, Mode: server.ModeInOut}
	rt, err := reg.Create(registry.KindServer, "s1", cfg)
	require.NoError(t, err)

	srv := rt.(*server.Server)
	require.NoError(t, srv.VM.Load(`function on_message(id, m) { self.broadcast(m); }`))

	require.NoError(t, reg.Start("s1"))

	go r.Run()
	defer r.RequestStop()

	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)
}

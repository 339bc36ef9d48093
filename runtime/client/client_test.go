package client_test

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime/client"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestClientConnectAndMessage exercises the client's happy path: it
// connects, on_connect fires, an inbound message reaches on_message,
// and send() reaches the peer.
func TestClientConnectAndMessage(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer ln.Close()

	peerConn := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			peerConn <- c
		}
	}()

	r := reactor.New(64)
	reg := registry.New()
	reg.RegisterFactory(registry.KindClient, client.NewFactory(r, reg, nil))

	cfg := client.Config{Address: "127.0.0.1:" + strconv.Itoa(port)}
	rt, err := reg.Create(registry.KindClient, "c1", cfg)
	require.NoError(t, err)

	cl := rt.(*client.Client)
	require.NoError(t, cl.VM.Load(`
		function on_connect() { self.send("hi"); }
		function on_message(m) { self.send("got:" + m); }
	`))

	require.NoError(t, reg.Start("c1"))

	go r.Run()
	defer r.RequestStop()

	var peer net.Conn
	select {
	case peer = <-peerConn:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never accepted")
	}
	defer peer.Close()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	reader := bufio.NewReader(peer)

	greeting := make([]byte, 2)
	_, err = io.ReadFull(reader, greeting)
	require.NoError(t, err)
	require.Equal(t, "hi", string(greeting))

	_, err = peer.Write([]byte("welcome"))
	require.NoError(t, err)

	echoed := make([]byte, len("got:welcome"))
	_, err = io.ReadFull(reader, echoed)
	require.NoError(t, err)
	require.Equal(t, "got:welcome", string(echoed))
}

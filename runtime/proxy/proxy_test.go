package proxy_test

import (
	"bufio"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime/proxy"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// echoBackend accepts one connection at a time and echoes whatever it
// reads back to the same connection, tagging each reply with backendID
// so a test can tell which backend served a given request.
func echoBackend(t *testing.T, backendID string) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					_, _ = c.Write([]byte(backendID + ":"))
					_, _ = c.Write(buf[:n])
				}
			}(c)
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

// TestProxyRoundRobinFairness checks that with two
// healthy backends and strategy round-robin, consecutive connections
// alternate evenly between them.
func TestProxyRoundRobinFairness(t *testing.T) {
	r := reactor.New(64)
	reg := registry.New()
	reg.RegisterFactory(registry.KindProxy, proxy.NewFactory(r, reg, nil))

	p1 := echoBackend(t, "A")
	p2 := echoBackend(t, "B")

	port := freePort(t)
	cfg := proxy.Config{
		Port:     port,
		Protocol: proxy.ProtocolTCP,
		Strategy: proxy.StrategyRoundRobin,
		Backends: []string{
			net.JoinHostPort("127.0.0.1", strconv.Itoa(p1)),
			net.JoinHostPort("127.0.0.1", strconv.Itoa(p2)),
		},
	}

	_, err := reg.Create(registry.KindProxy, "px1", cfg)
	require.NoError(t, err)
	require.NoError(t, reg.Start("px1"))

	go r.Run()
	defer r.RequestStop()

	time.Sleep(50 * time.Millisecond)

	var countA, countB int64
	for i := 0; i < 8; i++ {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		require.NoError(t, err)

		_, err = conn.Write([]byte("hi\n"))
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		reply, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		_ = conn.Close()

		switch {
		case len(reply) > 0 && reply[0] == 'A':
			atomic.AddInt64(&countA, 1)
		case len(reply) > 0 && reply[0] == 'B':
			atomic.AddInt64(&countB, 1)
		}

		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, int64(4), atomic.LoadInt64(&countA))
	require.Equal(t, int64(4), atomic.LoadInt64(&countB))
}

// TestProxyHTTPPathPrefixRouting exercises the optional path-prefix
// routing: requests under /a/ and /b/ land on distinct backends
// regardless of the configured Strategy.
func TestProxyHTTPPathPrefixRouting(t *testing.T) {
	r := reactor.New(64)
	reg := registry.New()
	reg.RegisterFactory(registry.KindProxy, proxy.NewFactory(r, reg, nil))

	aPort := httpBackend(t, "a-backend")
	bPort := httpBackend(t, "b-backend")

	port := freePort(t)
	cfg := proxy.Config{
		Port:     port,
		Protocol: proxy.ProtocolHTTP,
		Backends: []string{
			net.JoinHostPort("127.0.0.1", strconv.Itoa(aPort)),
			net.JoinHostPort("127.0.0.1", strconv.Itoa(bPort)),
		},
		PathPrefixes: map[string]int{
			"/a/": 0,
			"/b/": 1,
		},
	}

	_, err := reg.Create(registry.KindProxy, "px2", cfg)
	require.NoError(t, err)
	require.NoError(t, reg.Start("px2"))

	go r.Run()
	defer r.RequestStop()

	time.Sleep(50 * time.Millisecond)

	body := httpGet(t, port, "/a/ping")
	require.Contains(t, body, "a-backend")

	body = httpGet(t, port, "/b/ping")
	require.Contains(t, body, "b-backend")
}

func httpBackend(t *testing.T, tag string) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = bufio.NewReader(c).ReadString('\n')
				body := tag
				_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: " +
					strconv.Itoa(len(body)) + "\r\nConnection: close\r\n\r\n" + body))
			}(c)
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func httpGet(t *testing.T, port int, path string) string {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET " + path + " HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	return string(buf[:n])
}

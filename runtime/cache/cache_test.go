package cache_test

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socketley/reactor"
	"socketley/registry"
	"socketley/runtime/cache"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startCache wires a reactor+registry+factory exactly like cmd/socketleyd
// does, creates and starts one cache runtime under cfg, and returns the
// dialable port plus a stop func.
func startCache(t *testing.T, cfg cache.Config) (port int, stop func()) {
	t.Helper()

	r := reactor.New(64)
	reg := registry.New()
	reg.RegisterFactory(registry.KindCache, cache.NewFactory(r, reg, nil))

	cfg.Port = freePort(t)
	_, err := reg.Create(registry.KindCache, "c1", cfg)
	require.NoError(t, err)
	require.NoError(t, reg.Start("c1"))

	go r.Run()

	time.Sleep(50 * time.Millisecond)

	return cfg.Port, func() { r.RequestStop() }
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func sendInline(t *testing.T, br *bufio.Reader, conn net.Conn, line string) string {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
	reply, err := br.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(reply, "\r\n")
}

// TestCacheInlineSetGetDel exercises's shape without the
// TTL: SET acknowledges OK, GET returns the stored value, DEL removes it
// and a subsequent GET reports NIL.
func TestCacheInlineSetGetDel(t *testing.T) {
	port, stop := startCache(t, cache.Config{Mode: cache.ModeReadWrite})
	defer stop()

	conn := dial(t, port)
	defer conn.Close()
	br := bufio.NewReader(conn)

	require.Equal(t, "OK", sendInline(t, br, conn, "SET foo bar"))
	require.Equal(t, "bar", sendInline(t, br, conn, "GET foo"))
	require.Equal(t, "1", sendInline(t, br, conn, "DEL foo"))
	require.Equal(t, "NIL", sendInline(t, br, conn, "GET foo"))
}

// TestCacheExpireTTL is verbatim: SET foo bar, EXPIRE foo 1,
// then after 1500ms GET foo reports NIL. TTL is also checked to fall
// within the [t-1, t] bound the property requires.
func TestCacheExpireTTL(t *testing.T) {
	port, stop := startCache(t, cache.Config{Mode: cache.ModeReadWrite})
	defer stop()

	conn := dial(t, port)
	defer conn.Close()
	br := bufio.NewReader(conn)

	require.Equal(t, "OK", sendInline(t, br, conn, "SET foo bar"))
	require.Equal(t, "1", sendInline(t, br, conn, "EXPIRE foo 1"))

	ttl, err := strconv.Atoi(sendInline(t, br, conn, "TTL foo"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, ttl, 0)
	require.LessOrEqual(t, ttl, 1)

	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, "NIL", sendInline(t, br, conn, "GET foo"))
}

// TestCacheReadOnlyRejectsWrites checks's readonly mode: write
// commands come back as an error line, reads still work.
func TestCacheReadOnlyRejectsWrites(t *testing.T) {
	port, stop := startCache(t, cache.Config{Mode: cache.ModeReadOnly})
	defer stop()

	conn := dial(t, port)
	defer conn.Close()
	br := bufio.NewReader(conn)

	reply := sendInline(t, br, conn, "SET foo bar")
	require.True(t, strings.HasPrefix(reply, "ERR"), "got %q", reply)

	require.Equal(t, "NIL", sendInline(t, br, conn, "GET foo"))
}

// TestCacheListSetHashRoundTrip covers the three composite keyspace
// variants over the inline protocol.
func TestCacheListSetHashRoundTrip(t *testing.T) {
	port, stop := startCache(t, cache.Config{Mode: cache.ModeReadWrite})
	defer stop()

	conn := dial(t, port)
	defer conn.Close()
	br := bufio.NewReader(conn)

	require.Equal(t, "2", sendInline(t, br, conn, "RPUSH mylist a b"))
	require.Equal(t, "3", sendInline(t, br, conn, "LPUSH mylist z"))
	require.Equal(t, "3", sendInline(t, br, conn, "LLEN mylist"))
	require.Equal(t, "z a b", sendInline(t, br, conn, "LRANGE mylist 0 -1"))

	require.Equal(t, "2", sendInline(t, br, conn, "SADD myset x y"))
	require.Equal(t, "0", sendInline(t, br, conn, "SADD myset x"))
	require.Equal(t, "1", sendInline(t, br, conn, "SISMEMBER myset x"))
	require.Equal(t, "2", sendInline(t, br, conn, "SCARD myset"))

	require.Equal(t, "1", sendInline(t, br, conn, "HSET myhash field1 v1"))
	require.Equal(t, "v1", sendInline(t, br, conn, "HGET myhash field1"))
	require.Equal(t, "1", sendInline(t, br, conn, "HLEN myhash"))
}

// TestCacheRESP2InlineEquivalence checks the same SET/GET round-trip
// produces the same keyspace result whether the request arrives framed
// as RESP2 or as the inline protocol.
func TestCacheRESP2InlineEquivalence(t *testing.T) {
	port, stop := startCache(t, cache.Config{Mode: cache.ModeReadWrite})
	defer stop()

	resp2Conn := dial(t, port)
	defer resp2Conn.Close()
	resp2Br := bufio.NewReader(resp2Conn)

	_, err := resp2Conn.Write([]byte(encodeRESP2("SET", "foo", "bar")))
	require.NoError(t, err)
	line, err := resp2Br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", line)

	inlineConn := dial(t, port)
	defer inlineConn.Close()
	inlineBr := bufio.NewReader(inlineConn)

	require.Equal(t, "bar", sendInline(t, inlineBr, inlineConn, "GET foo"))
}

func encodeRESP2(args ...string) string {
	var b strings.Builder
	b.WriteString("*" + strconv.Itoa(len(args)) + "\r\n")
	for _, a := range args {
		b.WriteString("$" + strconv.Itoa(len(a)) + "\r\n" + a + "\r\n")
	}
	return b.String()
}

// TestCacheAdminSnapshotRoundTrip exercises FLUSH/LOAD against a fresh
// store: FLUSH persists the live keyspace, a subsequent DEL empties it
// in memory, and LOAD restores the persisted contents.
func TestCacheAdminSnapshotRoundTrip(t *testing.T) {
	snapshotPath := t.TempDir() + "/snap.bin"

	port, stop := startCache(t, cache.Config{
		Mode:         cache.ModeAdmin,
		SnapshotPath: snapshotPath,
	})
	defer stop()

	conn := dial(t, port)
	defer conn.Close()
	br := bufio.NewReader(conn)

	require.Equal(t, "OK", sendInline(t, br, conn, "SET foo bar"))
	require.Equal(t, "1", sendInline(t, br, conn, "SIZE"))
	require.Equal(t, "OK", sendInline(t, br, conn, "FLUSH"))

	require.Equal(t, "1", sendInline(t, br, conn, "DEL foo"))
	require.Equal(t, "0", sendInline(t, br, conn, "SIZE"))

	require.Equal(t, "OK", sendInline(t, br, conn, "LOAD"))
	require.Equal(t, "1", sendInline(t, br, conn, "SIZE"))
	require.Equal(t, "bar", sendInline(t, br, conn, "GET foo"))
}

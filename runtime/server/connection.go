package server

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"sync"
	"time"
)

// connState is the per-connection protocol state.
type connState int

const (
	stateReadingHeaders connState = iota
	stateRaw
	stateHTTPServing
	stateWebSocketOpen
	stateClosing
)

// conn is one accepted connection owned exclusively by its server.
type conn struct {
	id     uint64
	raw    net.Conn
	server *Server

	mu    sync.Mutex
	state connState

	meta map[string]string

	limiter *tokenBucket

	routedTo string

	lastActivity time.Time

	writeMu sync.Mutex
	pending [][]byte

	closeOnce sync.Once
}

func newConn(id uint64, s *Server, c net.Conn) *conn {
	return &conn{
		id:           id,
		raw:          c,
		server:       s,
		state:        stateReadingHeaders,
		meta:         make(map[string]string),
		limiter:      newTokenBucket(s.cfg.RateLimitPerSecond),
		lastActivity: time.Now(),
	}
}

// setState transitions the connection's protocol state (distinct from
// the owning runtime's lifecycle state).
func (c *conn) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// close is idempotent: exactly-once close, matching "released by
// calling close exactly once". Returns the underlying close error (nil
// on the second and later calls) so teardown can aggregate failures
// across every connection it closes.
func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(stateClosing)
		err = c.raw.Close()
		c.server.forgetConn(c.id)
	})
	return err
}

// tokenBucket is a simple double-precision messages-per-second limiter.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64
	tokens   float64
	capacity float64
	last     time.Time
}

func newTokenBucket(ratePerSecond float64) *tokenBucket {
	if ratePerSecond <= 0 {
		return nil
	}
	return &tokenBucket{
		rate:     ratePerSecond,
		tokens:   ratePerSecond,
		capacity: ratePerSecond,
		last:     time.Now(),
	}
}

// Allow reports whether one message may proceed now, refilling tokens
// proportionally to elapsed time since the last check.
func (b *tokenBucket) Allow() bool {
	if b == nil {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now

	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	if b.tokens < 1 {
		return false
	}

	b.tokens--
	return true
}

// parseHTTPRequest decodes one HTTP/1.x request from the bytes of the
// first read only; raw is not read, so a request whose headers do not
// fit in that read fails to parse.
func parseHTTPRequest(first []byte, raw net.Conn) (*http.Request, *bufio.Reader, error) {
	br := bufio.NewReader(bytes.NewReader(first))
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, nil, err
	}
	return req, br, nil
}

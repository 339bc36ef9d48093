package reactor_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socketley/reactor"
)

func TestBufferPoolBorrowReturn(t *testing.T) {
	p := reactor.NewBufferPool(1, 4, 64)
	assert.Equal(t, 4, p.Available())

	id, buf, ok := p.Borrow()
	require.True(t, ok)
	assert.Len(t, buf, 64)
	assert.Equal(t, 3, p.Available())

	p.Return(id)
	assert.Equal(t, 4, p.Available())
}

func TestBufferPoolExhaustion(t *testing.T) {
	p := reactor.NewBufferPool(2, 1, 16)
	_, _, ok := p.Borrow()
	require.True(t, ok)

	_, _, ok = p.Borrow()
	assert.False(t, ok, "ring should be exhausted after borrowing its sole buffer")
}

func TestFdTableAllocFree(t *testing.T) {
	ft := reactor.NewFdTable()

	a := ft.Alloc()
	b := ft.Alloc()
	require.NotEqual(t, int32(-1), a)
	require.NotEqual(t, int32(-1), b)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, ft.InUse())

	ft.Free(a)
	assert.Equal(t, 1, ft.InUse())
}

func TestFdTableExhaustion(t *testing.T) {
	ft := reactor.NewFdTable()
	for i := 0; i < reactor.MaxFixedSlots; i++ {
		require.NotEqual(t, int32(-1), ft.Alloc())
	}
	assert.Equal(t, int32(-1), ft.Alloc())
}

type recordingHandler struct {
	mu      sync.Mutex
	results []int32
	done    chan struct{}
	want    int
}

func (h *recordingHandler) OnCompletion(_ *reactor.Request, result int32, _ uint32) {
	h.mu.Lock()
	h.results = append(h.results, result)
	n := len(h.results)
	h.mu.Unlock()

	if n == h.want {
		close(h.done)
	}
}

func TestReactorAcceptCompletion(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	r := reactor.New(64)

	accepted := make(chan net.Conn, 1)
	h := &acceptHandler{r: r, accepted: accepted}
	r.SubmitAccept(ln, h)

	go r.Run()
	defer r.RequestStop()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello\n"))
	require.NoError(t, err)

	select {
	case conn := <-accepted:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("accept completion never arrived")
	}
}

type acceptHandler struct {
	r        *reactor.Reactor
	accepted chan net.Conn
}

func (h *acceptHandler) OnCompletion(req *reactor.Request, result int32, _ uint32) {
	if result < 0 {
		return
	}
	h.accepted <- req.Conn
}

func TestReactorTimeout(t *testing.T) {
	r := reactor.New(8)
	go r.Run()
	defer r.RequestStop()

	h := &recordingHandler{done: make(chan struct{}), want: 1}
	r.SubmitTimeout(h, time.Now().Add(10*time.Millisecond))

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout completion never arrived")
	}
}

func TestReactorCancelBeforeClose(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	r := reactor.New(8)
	go r.Run()
	defer r.RequestStop()

	h := &recordingHandler{done: make(chan struct{}), want: 1}
	req := r.SubmitRead(srv, h, make([]byte, 16))

	r.Cancel(req)
	srv.Close()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation completion never arrived")
	}
}

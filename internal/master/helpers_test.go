package master

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hewenyu/register-center/pkg/tunnel"
)

var errRefused = errors.New("connection refused")

// testDialer 记录每次拨号，按地址返回脚本化结果
type testDialer struct {
	mu    sync.Mutex
	addrs []string
	dial  func(ctx context.Context, addr string) (net.Conn, error)
	calls chan string
}

func newTestDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) *testDialer {
	return &testDialer{dial: dial, calls: make(chan string, 64)}
}

func (d *testDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addr)
	fn := d.dial
	d.mu.Unlock()
	d.calls <- addr
	return fn(ctx, addr)
}

func (d *testDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

func failingDial(context.Context, string) (net.Conn, error) {
	return nil, errRefused
}

// tcpPair 返回一对通过本地回环连接的net.Conn
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "监听失败")
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err, "拨号失败")
	server, ok := <-accepted
	require.True(t, ok, "接受连接失败")
	return client, server
}

// hubSide 模拟注册中心一侧：每次拨号返回一条新连接，另一端包装成隧道
type hubSide struct {
	t     *testing.T
	peers chan *tunnel.Tunnel
	setup func(*tunnel.Tunnel)
}

func newHubSide(t *testing.T, setup func(*tunnel.Tunnel)) *hubSide {
	return &hubSide{t: t, peers: make(chan *tunnel.Tunnel, 16), setup: setup}
}

func (h *hubSide) dial(ctx context.Context, addr string) (net.Conn, error) {
	client, server := tcpPair(h.t)
	peer := tunnel.New(server)
	if h.setup != nil {
		h.setup(peer)
	}
	go peer.Serve(context.Background())
	h.t.Cleanup(func() { peer.Close() })
	h.peers <- peer
	return client, nil
}

func (h *hubSide) next(t *testing.T) *tunnel.Tunnel {
	t.Helper()
	select {
	case p := <-h.peers:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("等待连接超时")
		return nil
	}
}

type errorEvent struct {
	err error
	ec  ErrorContext
}

func collectErrors(w *Worker) chan errorEvent {
	ch := make(chan errorEvent, 64)
	w.OnError(func(err error, ec ErrorContext) {
		ch <- errorEvent{err: err, ec: ec}
	})
	return ch
}

func nextError(t *testing.T, ch chan errorEvent) errorEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("等待错误通知超时")
		return errorEvent{}
	}
}

func targetState(w *Worker, key string) (TargetState, bool) {
	for _, st := range w.Targets() {
		if st.Key == key {
			return st.State, true
		}
	}
	return 0, false
}

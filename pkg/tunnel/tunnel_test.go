package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/register-center/pkg/model"
)

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

// servePair 创建一对已在运行的隧道
func servePair(t *testing.T) (*Tunnel, *Tunnel, <-chan error, <-chan error) {
	t.Helper()
	a, b := tcpPair(t)
	ta, tb := New(a), New(b)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- ta.Serve(ctx) }()
	go func() { errB <- tb.Serve(ctx) }()
	return ta, tb, errA, errB
}

func TestSendDeliversDataAndCommands(t *testing.T) {
	client, server, _, _ := servePair(t)

	data := make(chan model.Message, 2)
	commands := make(chan string, 2)
	server.OnData(func(msg model.Message) { data <- msg })
	server.OnCommand(func(cmd string, msg model.Message) { commands <- cmd })

	require.NoError(t, client.Send(model.Message{"hello": "world"}))
	require.NoError(t, client.Send(model.AuthMessage("T")))

	first := <-data
	assert.Equal(t, "world", first["hello"])
	second := <-data
	assert.Equal(t, "T", second.StringField("token"))

	select {
	case cmd := <-commands:
		assert.Equal(t, model.CmdAuth, cmd, "只有带cmd字段的消息触发命令回调")
	case <-time.After(2 * time.Second):
		t.Fatal("没有收到命令")
	}
	assert.Empty(t, commands)
}

func TestCallStreamsResponse(t *testing.T) {
	client, server, _, _ := servePair(t)

	server.OnCall(func(req *Request, s *Stream) {
		var params struct {
			Name string `cbor:"name"`
		}
		if err := req.Bind(&params); err != nil {
			s.Fail(err)
			return
		}
		s.Write("hello " + params.Name)
		s.Write(map[string]any{"nested": []any{uint64(1), "two", map[string]any{"three": true}}})
		s.End(nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Call(ctx, "greet", map[string]any{"name": "bob"})
	require.NoError(t, err)

	first, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", first)

	second, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"nested": []any{uint64(1), "two", map[string]any{"three": true}},
	}, second, "嵌套结构应该原样往返")

	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCallEndWithValue(t *testing.T) {
	client, server, _, _ := servePair(t)

	server.OnCall(func(req *Request, s *Stream) {
		s.End(map[string]model.ServiceInfo{"greet": model.NewServiceInfo(nil)})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Call(ctx, model.OpServices, nil)
	require.NoError(t, err)

	var services map[string]model.ServiceInfo
	require.NoError(t, stream.Decode(ctx, &services))
	require.Contains(t, services, "greet")
	assert.NotNil(t, services["greet"].Metadata)

	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCallRemoteFailure(t *testing.T) {
	client, server, _, _ := servePair(t)

	server.OnCall(func(req *Request, s *Stream) {
		s.Fail(errors.New("boom"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Call(ctx, "explode", nil)
	require.NoError(t, err)

	_, err = stream.Recv(ctx)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
}

func TestCallWithoutHandlerFails(t *testing.T) {
	client, _, _, _ := servePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Call(ctx, "missing", nil)
	require.NoError(t, err)

	_, err = stream.Recv(ctx)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "missing")
}

func TestDuplexStream(t *testing.T) {
	client, server, _, _ := servePair(t)

	server.OnCall(func(req *Request, s *Stream) {
		ctx := context.Background()
		for {
			v, err := s.Recv(ctx)
			if err != nil {
				s.End("done")
				return
			}
			s.Write(v)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Call(ctx, "echo", nil)
	require.NoError(t, err)

	require.NoError(t, stream.Write("ping"))
	v, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", v)

	require.NoError(t, stream.End(nil))
	assert.ErrorIs(t, stream.End(nil), ErrStreamEnded, "重复结束应该报错")

	v, err = stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestPing(t *testing.T) {
	client, server, _, _ := servePair(t)

	activity := make(chan struct{}, 10)
	server.OnActivity(func() { activity <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Ping(ctx))
	require.NoError(t, server.Ping(ctx), "两个方向都可以探测")
	assert.NotEmpty(t, activity, "收到任何帧都应该触发活动回调")
}

func TestCloseFailsPendingCalls(t *testing.T) {
	client, server, errClient, errServer := servePair(t)

	block := make(chan struct{})
	defer close(block)
	server.OnCall(func(req *Request, s *Stream) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Call(ctx, "slow", nil)
	require.NoError(t, err)

	require.NoError(t, server.Close())

	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, <-errServer, "本端关闭时Serve返回nil")
	assert.NoError(t, <-errClient, "对端断开时Serve返回nil")

	<-client.Done()
	assert.ErrorIs(t, client.Send(model.Message{"cmd": "x"}), ErrClosed)
	_, err = client.Call(ctx, "again", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.Ping(ctx), ErrClosed)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	a, b := tcpPair(t)
	defer b.Close()

	tun := New(a)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tun.Serve(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve没有在取消后返回")
	}
}

func TestServeTreatsResetAsClose(t *testing.T) {
	a, b := tcpPair(t)

	tun := New(a)
	errCh := make(chan error, 1)
	go func() { errCh <- tun.Serve(context.Background()) }()

	// 在未读数据时以SO_LINGER=0关闭，对端收到RST
	require.NoError(t, tun.Send(model.Message{"cmd": "pending"}))
	require.NoError(t, b.(*net.TCPConn).SetLinger(0))
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.NoError(t, err, "连接被对端重置时Serve返回nil")
	case <-time.After(2 * time.Second):
		t.Fatal("Serve没有在连接重置后返回")
	}
	<-tun.Done()
	assert.ErrorIs(t, tun.Send(model.Message{"cmd": "x"}), ErrClosed)
}

func TestPeerClosed(t *testing.T) {
	assert.True(t, peerClosed(io.EOF))
	assert.True(t, peerClosed(&net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}))
	assert.True(t, peerClosed(fmt.Errorf("wrapped: %w", net.ErrClosed)))
	assert.False(t, peerClosed(errors.New("decode failed")))
}

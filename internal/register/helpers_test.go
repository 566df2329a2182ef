package register

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

const testToken = "secret-token"

// startHub 在随机端口上启动注册中心，测试结束时关闭
func startHub(t *testing.T, cfg Config, opts ...Option) *Hub {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "监听失败")

	h := New(cfg, append([]Option{WithListener(ln)}, opts...)...)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		h.Close()
		h.Wait()
	})
	return h
}

func hubPort(t *testing.T, h *Hub) int {
	t.Helper()
	addr, ok := h.Addr().(*net.TCPAddr)
	require.True(t, ok, "监听地址应为TCP地址")
	return addr.Port
}

// client 模拟工作节点的原始隧道连接
type client struct {
	tunnel   *tunnel.Tunnel
	commands chan model.Message
}

// dialClient 连接注册中心，serve为false时不读取对端数据
func dialClient(t *testing.T, h *Hub, serve bool, services map[string]model.ServiceInfo) *client {
	t.Helper()

	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err, "拨号失败")

	c := &client{
		tunnel:   tunnel.New(conn),
		commands: make(chan model.Message, 16),
	}
	c.tunnel.OnCommand(func(_ string, msg model.Message) {
		c.commands <- msg
	})
	c.tunnel.OnCall(func(req *tunnel.Request, s *tunnel.Stream) {
		if req.Op == model.OpServices {
			s.End(services)
			return
		}
		s.Fail(context.Canceled)
	})
	if serve {
		go c.tunnel.Serve(context.Background())
	}
	t.Cleanup(func() { c.tunnel.Close() })
	return c
}

func (c *client) auth(t *testing.T, token string) model.Message {
	t.Helper()
	require.NoError(t, c.tunnel.Send(model.AuthMessage(token)))
	return c.next(t)
}

func (c *client) next(t *testing.T) model.Message {
	t.Helper()
	select {
	case msg := <-c.commands:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("等待命令超时")
		return nil
	}
}

// waitConnections 等待注册中心上出现n个连接并返回其ID
func waitConnections(t *testing.T, h *Hub, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.Connections()) == n
	}, 5*time.Second, 10*time.Millisecond, "连接数应为%d", n)
	return h.Connections()
}

// newObservedLogger 返回记录所有日志的Logger
func newObservedLogger() (config.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return config.NewZapLogger(zap.New(core)), logs
}

// countingRecorder 统计各类事件次数
type countingRecorder struct {
	authFailures  atomic.Int64
	authTimeouts  atomic.Int64
	probeFailures atomic.Int64
}

func (r *countingRecorder) ConnectAttempt(string) {}
func (r *countingRecorder) ConnectFailure(string) {}
func (r *countingRecorder) AuthFailure()          { r.authFailures.Add(1) }
func (r *countingRecorder) AuthTimeout()          { r.authTimeouts.Add(1) }
func (r *countingRecorder) ProbeFailure()         { r.probeFailures.Add(1) }

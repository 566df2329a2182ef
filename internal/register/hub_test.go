package register

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/hewenyu/register-center/internal/master"
	"github.com/hewenyu/register-center/pkg/catalog"
	"github.com/hewenyu/register-center/pkg/model"
)

type greeter struct{}

func (greeter) Greet(name string) string {
	return "hello, " + name
}

// touchCounter 的方法没有有效返回值
type touchCounter struct {
	calls atomic.Int32
}

func (r *touchCounter) Touch() {
	r.calls.Add(1)
}

func (r *touchCounter) Nothing() (any, error) {
	r.calls.Add(1)
	return nil, nil
}

func hubConfig() Config {
	cfg := DefaultConfig()
	cfg.Tokens = []string{testToken}
	return cfg
}

func TestWorkerRegistersCatalog(t *testing.T) {
	h := startHub(t, hubConfig())

	cat := catalog.New()
	cat.Register("greet", greeter{}, map[string]any{"region": "cn", "version": 2},
		catalog.WithMethod("Greet", catalog.Required("name")))
	cat.Register("echo", greeter{}, nil)

	cfg := master.DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.Token = testToken
	w := master.New(cfg, cat)
	t.Cleanup(w.Shutdown)
	w.Connect("127.0.0.1", hubPort(t, h))

	id := waitConnections(t, h, 1)[0]
	require.Eventually(t, func() bool {
		_, ok := h.ServicesOf(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "认证后应获取到服务目录")

	assert.True(t, h.IsAuthenticated(id))
	services, _ := h.ServicesOf(id)
	require.Len(t, services, 2)
	assert.Equal(t, model.NewServiceInfo(nil), services["echo"])
	assert.Equal(t, "cn", services["greet"].Metadata["region"])

	assert.Contains(t, h.ServicesByName("greet"), id)
	assert.Empty(t, h.ServicesByName("missing"))
	assert.Contains(t, h.ServicesByMetadata("greet", "region", "cn"), id)
	assert.Contains(t, h.ServicesByMetadata("greet", "version", 2), id, "数值元数据应按值匹配")
	assert.Empty(t, h.ServicesByMetadata("greet", "region", "us"))
	assert.Equal(t, map[string]map[string]model.ServiceInfo{id: services}, h.Services())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := h.Execute(ctx, id, "greet", "Greet", model.Named(map[string]any{"name": "bob"}))
	require.NoError(t, err)
	assert.Equal(t, "hello, bob", result)

	all := h.ExecuteAll(ctx, "greet", "Greet", model.Positional("alice"))
	assert.Equal(t, map[string]any{id: "hello, alice"}, all)

	_, err = h.Execute(ctx, id, "greet", "Greet", model.Named(map[string]any{}))
	assert.ErrorContains(t, err, `missing required parameter "name"`, "缺少参数的错误应包含参数名")

	stats := h.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Authenticated)
	assert.Equal(t, 2, stats.Services)
}

func TestExecuteMethodWithoutResult(t *testing.T) {
	h := startHub(t, hubConfig())

	counter := &touchCounter{}
	cat := catalog.New()
	cat.Register("rec", counter, nil)

	cfg := master.DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.Token = testToken
	w := master.New(cfg, cat)
	t.Cleanup(w.Shutdown)
	w.Connect("127.0.0.1", hubPort(t, h))

	id := waitConnections(t, h, 1)[0]
	require.Eventually(t, func() bool {
		_, ok := h.ServicesOf(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "认证后应获取到服务目录")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := h.Execute(ctx, id, "rec", "Touch", model.Positional())
	require.NoError(t, err, "无返回值的方法应视为成功")
	assert.Nil(t, result)

	result, err = h.Execute(ctx, id, "rec", "Nothing", model.Positional())
	require.NoError(t, err, "返回(nil, nil)的方法应视为成功")
	assert.Nil(t, result)

	all := h.ExecuteAll(ctx, "rec", "Touch", model.Positional())
	assert.Equal(t, map[string]any{id: nil}, all, "ExecuteAll不应丢弃无返回值的结果")
	assert.EqualValues(t, 3, counter.calls.Load())
}

func TestUnauthenticatedCommandIsRejected(t *testing.T) {
	h := startHub(t, hubConfig())
	received := make(chan string, 4)
	h.OnCommand(func(_, cmd string, _ model.Message) {
		received <- cmd
	})

	c := dialClient(t, h, true, nil)
	id := waitConnections(t, h, 1)[0]

	require.NoError(t, c.tunnel.Send(model.Message{"cmd": model.CmdRegister}))
	reply := c.next(t)
	assert.Equal(t, model.CmdAuthFailed, reply.Cmd())

	select {
	case msg := <-c.commands:
		t.Fatalf("只应收到一条回复，又收到了 %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, received, "未认证的命令不应交给回调")
	assert.False(t, h.IsAuthenticated(id))
	assert.Equal(t, []string{id}, h.Connections())
}

func TestBadTokenKeepsConnectionOpen(t *testing.T) {
	logger, logs := newObservedLogger()
	rec := &countingRecorder{}
	h := startHub(t, hubConfig(), WithLogger(logger), WithRecorder(rec))

	c := dialClient(t, h, true, nil)
	id := waitConnections(t, h, 1)[0]

	reply := c.auth(t, "wrong")
	assert.Equal(t, model.CmdAuthFailed, reply.Cmd())
	assert.False(t, h.IsAuthenticated(id))
	assert.Equal(t, []string{id}, h.Connections(), "认证失败后连接应保持")
	assert.EqualValues(t, 1, rec.authFailures.Load())

	entries := logs.FilterMessage("认证失败").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, len("wrong"), fields["token_length"])
	for _, v := range fields {
		assert.NotEqual(t, "wrong", v, "日志不应包含令牌")
	}

	reply = c.auth(t, testToken)
	assert.Equal(t, model.CmdAuthSuccess, reply.Cmd())
	assert.True(t, h.IsAuthenticated(id))

	reply = c.auth(t, testToken)
	assert.Equal(t, model.CmdAuthSuccess, reply.Cmd(), "重复认证应直接返回成功")
}

func TestAuthTimeoutClosesConnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &countingRecorder{}
	cfg := hubConfig()
	cfg.HeartbeatInterval = time.Hour
	h := startHub(t, cfg, WithClock(clock), WithRecorder(rec))

	c := dialClient(t, h, true, nil)
	waitConnections(t, h, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 2), "应有认证计时器和心跳计时器")
	clock.Advance(cfg.AuthTimeout)

	select {
	case <-c.tunnel.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("认证超时后连接应被关闭")
	}
	waitConnections(t, h, 0)
	assert.EqualValues(t, 1, rec.authTimeouts.Load())
	assert.Equal(t, 0, h.Stats().Connections)
}

func TestAuthCancelsTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &countingRecorder{}
	cfg := hubConfig()
	cfg.HeartbeatInterval = time.Hour
	h := startHub(t, cfg, WithClock(clock), WithRecorder(rec))

	c := dialClient(t, h, true, nil)
	id := waitConnections(t, h, 1)[0]
	assert.Equal(t, model.CmdAuthSuccess, c.auth(t, testToken).Cmd())

	clock.Advance(2 * cfg.AuthTimeout)
	time.Sleep(50 * time.Millisecond)

	assert.True(t, h.IsAuthenticated(id))
	assert.Equal(t, []string{id}, h.Connections())
	assert.EqualValues(t, 0, rec.authTimeouts.Load())
}

func TestHeartbeatRefreshesActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := hubConfig()
	h := startHub(t, cfg, WithClock(clock))

	c := dialClient(t, h, true, nil)
	id := waitConnections(t, h, 1)[0]
	assert.Equal(t, model.CmdAuthSuccess, c.auth(t, testToken).Cmd())

	start, ok := h.LastActivity(id)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "心跳计时器应已启动")
	clock.Advance(cfg.HeartbeatInterval)

	require.Eventually(t, func() bool {
		last, _ := h.LastActivity(id)
		return last.Equal(start.Add(cfg.HeartbeatInterval))
	}, 5*time.Second, 10*time.Millisecond, "探测成功后应刷新最后活动时间")
}

func TestProbeFailureDoesNotDisconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	logger, logs := newObservedLogger()
	rec := &countingRecorder{}
	cfg := hubConfig()
	cfg.ProbeTimeout = 100 * time.Millisecond
	h := startHub(t, cfg, WithClock(clock), WithLogger(logger), WithRecorder(rec))

	// 不读取数据的客户端无法响应探测
	c := dialClient(t, h, false, nil)
	id := waitConnections(t, h, 1)[0]
	require.NoError(t, c.tunnel.Send(model.AuthMessage(testToken)))
	require.Eventually(t, func() bool {
		return h.IsAuthenticated(id)
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(cfg.HeartbeatInterval)

	require.Eventually(t, func() bool {
		return rec.probeFailures.Load() == 1
	}, 5*time.Second, 10*time.Millisecond, "探测失败应被记录")

	warns := logs.FilterMessage("心跳探测失败").FilterLevelExact(zapcore.WarnLevel)
	assert.Equal(t, 1, warns.Len())
	assert.Equal(t, []string{id}, h.Connections(), "探测失败不应断开连接")
	assert.True(t, h.IsAuthenticated(id))
}

func TestInvokeErrors(t *testing.T) {
	h := startHub(t, hubConfig())
	dialClient(t, h, true, nil)
	id := waitConnections(t, h, 1)[0]

	ctx := context.Background()
	_, err := h.Invoke(ctx, "missing", model.ServicesOperation())
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = h.Invoke(ctx, id, model.ServicesOperation())
	assert.ErrorIs(t, err, ErrTargetNotAuthenticated)
}

func TestInvokeAllSkipsFailedTargets(t *testing.T) {
	logger, logs := newObservedLogger()
	h := startHub(t, hubConfig(), WithLogger(logger))

	dialClient(t, h, true, nil)
	services := map[string]model.ServiceInfo{"echo": model.NewServiceInfo(map[string]any{"zone": "a"})}
	authed := dialClient(t, h, true, services)
	waitConnections(t, h, 2)
	assert.Equal(t, model.CmdAuthSuccess, authed.auth(t, testToken).Cmd())

	var authID string
	for _, id := range h.Connections() {
		if h.IsAuthenticated(id) {
			authID = id
		}
	}
	require.NotEmpty(t, authID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streams := h.InvokeAll(ctx, model.ServicesOperation())
	require.Len(t, streams, 1)
	require.Contains(t, streams, authID)

	var got map[string]model.ServiceInfo
	require.NoError(t, streams[authID].Decode(ctx, &got))
	assert.Equal(t, services, got)

	failures := logs.FilterMessage("远程调用失败").All()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].ContextMap()["error"], ErrTargetNotAuthenticated.Error())
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	h := startHub(t, hubConfig())

	unauthed := dialClient(t, h, true, nil)
	authed := dialClient(t, h, true, nil)
	waitConnections(t, h, 2)
	assert.Equal(t, model.CmdAuthSuccess, authed.auth(t, testToken).Cmd())

	ep := model.Endpoint{Host: "10.0.0.1", Port: 9000}
	assert.Equal(t, 2, h.BroadcastRegister(ep))

	for _, c := range []*client{unauthed, authed} {
		msg := c.next(t)
		assert.Equal(t, model.CmdRegister, msg.Cmd())
		eps, err := model.EndpointsOf(msg)
		require.NoError(t, err)
		assert.Equal(t, []model.Endpoint{ep}, eps)
	}

	assert.Equal(t, 2, h.BroadcastRemove(ep))
	assert.Equal(t, model.CmdRemove, unauthed.next(t).Cmd())
}

func TestOnCommandAfterAuth(t *testing.T) {
	h := startHub(t, hubConfig())
	type event struct {
		id  string
		cmd string
		msg model.Message
	}
	events := make(chan event, 4)
	h.OnCommand(func(id, cmd string, msg model.Message) {
		events <- event{id: id, cmd: cmd, msg: msg}
	})

	c := dialClient(t, h, true, nil)
	id := waitConnections(t, h, 1)[0]
	assert.Equal(t, model.CmdAuthSuccess, c.auth(t, testToken).Cmd())

	require.NoError(t, c.tunnel.Send(model.Message{"cmd": "status", "load": "low"}))
	select {
	case ev := <-events:
		assert.Equal(t, id, ev.id)
		assert.Equal(t, "status", ev.cmd)
		assert.Equal(t, "low", ev.msg.StringField("load"))
	case <-time.After(5 * time.Second):
		t.Fatal("等待命令回调超时")
	}
}

func TestConnectionCloseCleansUp(t *testing.T) {
	h := startHub(t, hubConfig())

	c := dialClient(t, h, true, map[string]model.ServiceInfo{"echo": model.NewServiceInfo(nil)})
	id := waitConnections(t, h, 1)[0]
	assert.Equal(t, model.CmdAuthSuccess, c.auth(t, testToken).Cmd())
	require.Eventually(t, func() bool {
		_, ok := h.ServicesOf(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	infos := h.ConnectionInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"echo"}, infos[0].Services)

	c.tunnel.Close()
	waitConnections(t, h, 0)

	assert.False(t, h.IsAuthenticated(id))
	_, ok := h.LastActivity(id)
	assert.False(t, ok)
	_, ok = h.ServicesOf(id)
	assert.False(t, ok)
	assert.Empty(t, h.Services())
	assert.Equal(t, 0, h.BroadcastRaw(model.Message{"cmd": "noop"}))
}

func TestCloseDisconnectsWorkers(t *testing.T) {
	h := startHub(t, hubConfig())
	c := dialClient(t, h, true, nil)
	waitConnections(t, h, 1)

	require.NoError(t, h.Close())
	select {
	case <-c.tunnel.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("关闭注册中心后连接应断开")
	}
	h.Wait()
	assert.Empty(t, h.Connections())
	assert.NoError(t, h.Close(), "重复关闭不应报错")
}

func TestStartFailsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := hubConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	h := New(cfg)

	err = h.Start(context.Background())
	assert.Error(t, err)
	assert.Nil(t, h.Addr())
}

func TestStartStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := hubConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	h := New(cfg)
	require.NoError(t, h.Start(ctx))
	require.NotNil(t, h.Addr())

	cancel()
	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("取消上下文后注册中心应停止")
	}
	_, err := net.DialTimeout("tcp", h.Addr().String(), time.Second)
	assert.Error(t, err, "Wait返回时监听器已关闭")
}

func TestWaitReturnsAfterCloseWithLiveContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := hubConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	h := New(cfg)
	require.NoError(t, h.Start(ctx))

	require.NoError(t, h.Close())
	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close后即使上下文未取消，Wait也应返回")
	}
}

func TestTokenManagement(t *testing.T) {
	h := New(Config{Tokens: []string{"a", "b"}})
	h.AddToken("c")
	h.AddToken("a")
	h.RemoveToken("b")
	assert.Equal(t, []string{"a", "c"}, h.Tokens())

	h.SetTokens([]string{"x", "x", "y"})
	assert.Equal(t, []string{"x", "y"}, h.Tokens())
}

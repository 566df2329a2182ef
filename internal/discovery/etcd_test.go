package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/pkg/model"
)

func TestDirState(t *testing.T) {
	s := newDirState(DefaultPrefix)

	ev, ok := s.put(DefaultPrefix + "10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, Event{Type: Added, Endpoint: model.Endpoint{Host: "10.0.0.1", Port: 8080}}, ev)

	_, ok = s.put(DefaultPrefix + "10.0.0.1:8080")
	assert.False(t, ok, "重复写入不应产生事件")

	_, ok = s.put(DefaultPrefix + "garbage")
	assert.False(t, ok, "无法解析的键应被忽略")

	ev, ok = s.del(DefaultPrefix + "10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, Removed, ev.Type)

	_, ok = s.del(DefaultPrefix + "10.0.0.1:8080")
	assert.False(t, ok)
}

func TestNewEtcdDirectoryRequiresEndpoints(t *testing.T) {
	_, err := NewEtcdDirectory(EtcdConfig{}, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestEtcdDirectoryPrefix(t *testing.T) {
	assert.Equal(t, DefaultPrefix, NewEtcdDirectoryFromClient(nil, "", nil).Prefix())
	assert.Equal(t, "/custom/", NewEtcdDirectoryFromClient(nil, "/custom", nil).Prefix())
}

func TestEtcdResyncBackoffUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewEtcdDirectoryFromClient(nil, "", nil, WithEtcdClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- d.backoff(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	select {
	case <-done:
		t.Fatal("时钟推进前不应结束等待")
	default:
	}
	clock.Advance(resyncDelay)
	assert.True(t, <-done, "推进resyncDelay后应继续重新同步")

	stopped, stop := context.WithCancel(ctx)
	stop()
	assert.False(t, d.backoff(stopped), "ctx取消后应停止")
}

// 需要真实的etcd，通过REGISTER_CENTER_ETCD_ENDPOINTS指定
func newTestDirectory(t *testing.T) *EtcdDirectory {
	t.Helper()

	endpoints := os.Getenv("REGISTER_CENTER_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("未设置REGISTER_CENTER_ETCD_ENDPOINTS，跳过etcd集成测试")
	}

	logger, err := config.NewLogger(true)
	require.NoError(t, err, "创建测试日志记录器失败")

	d, err := NewEtcdDirectory(EtcdConfig{
		Endpoints: strings.Split(endpoints, ","),
		Prefix:    "/register-center-test/" + uuid.NewString() + "/",
	}, logger)
	require.NoError(t, err, "连接etcd失败")
	t.Cleanup(func() { d.Close() })
	return d
}

func TestEtcdAnnounceAndWatch(t *testing.T) {
	d := newTestDirectory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	first := model.Endpoint{Host: "10.1.0.1", Port: 8080}
	require.NoError(t, d.Announce(ctx, first, 5))

	listed, err := d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Endpoint{first}, listed)

	events := make(chan Event, 8)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go d.Watch(watchCtx, func(ev Event) { events <- ev })

	next := func() Event {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(10 * time.Second):
			t.Fatal("等待etcd事件超时")
			return Event{}
		}
	}

	assert.Equal(t, Event{Type: Added, Endpoint: first}, next(), "Watch应先推送已有地址")

	announceCtx, withdraw := context.WithCancel(ctx)
	second := model.Endpoint{Host: "10.1.0.2", Port: 8080}
	require.NoError(t, d.Announce(announceCtx, second, 5))
	assert.Equal(t, Event{Type: Added, Endpoint: second}, next())

	// 取消发布后租约被撤销，键随之删除
	withdraw()
	assert.Equal(t, Event{Type: Removed, Endpoint: second}, next())
}

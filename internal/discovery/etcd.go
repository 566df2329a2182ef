package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/pkg/model"
)

// DefaultPrefix 注册中心地址在etcd中的默认前缀
const DefaultPrefix = "/register-center/hubs/"

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// 监听中断后重新同步前的等待时间
const resyncDelay = time.Second

// ErrNoEndpoints 没有配置任何etcd地址
var ErrNoEndpoints = errors.New("discovery: no etcd endpoints")

// EtcdConfig etcd连接配置
type EtcdConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	Prefix      string
}

// EtcdDirectory 通过etcd发布和发现注册中心地址
type EtcdDirectory struct {
	client *clientv3.Client
	prefix string
	logger config.Logger
	clock  clockwork.Clock
	owned  bool

	// 续约goroutine，Close前等待其撤销租约
	leases sync.WaitGroup
}

// EtcdOption 目录选项
type EtcdOption func(*EtcdDirectory)

// WithEtcdClock 设置重新同步使用的时钟
func WithEtcdClock(clock clockwork.Clock) EtcdOption {
	return func(d *EtcdDirectory) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewEtcdDirectory 连接etcd并创建目录
func NewEtcdDirectory(cfg EtcdConfig, logger config.Logger, opts ...EtcdOption) (*EtcdDirectory, error) {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = etcdTimeout
	}

	logger.Info("连接到etcd集群", zap.Strings("endpoints", cfg.Endpoints))
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		logger.Error("连接etcd失败", zap.Error(err))
		return nil, fmt.Errorf("discovery: 连接etcd失败: %w", err)
	}

	d := NewEtcdDirectoryFromClient(client, cfg.Prefix, logger, opts...)
	d.owned = true
	return d, nil
}

// NewEtcdDirectoryFromClient 使用已有的etcd客户端创建目录，Close不会关闭该客户端
func NewEtcdDirectoryFromClient(client *clientv3.Client, prefix string, logger config.Logger, opts ...EtcdOption) *EtcdDirectory {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	d := &EtcdDirectory{
		client: client,
		prefix: prefix,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Prefix 返回使用的键前缀
func (d *EtcdDirectory) Prefix() string {
	return d.prefix
}

// Close 等待已发布地址的租约撤销，然后关闭由目录自己创建的etcd连接
func (d *EtcdDirectory) Close() error {
	d.leases.Wait()
	if d.owned && d.client != nil {
		d.logger.Info("关闭etcd连接")
		return d.client.Close()
	}
	return nil
}

// Announce 在租约下发布注册中心地址并保持续约，ctx取消后撤销租约。调用Close前须先取消ctx
func (d *EtcdDirectory) Announce(ctx context.Context, ep model.Endpoint, ttl int64) error {
	if ttl <= 0 {
		ttl = 30
	}

	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	lease, err := d.client.Grant(opCtx, ttl)
	if err != nil {
		return fmt.Errorf("discovery: 创建租约失败: %w", err)
	}

	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("discovery: 序列化地址失败: %w", err)
	}
	key := d.key(ep)
	if _, err := d.client.Put(opCtx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: 发布地址失败: %w", err)
	}

	keepAlive, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: 续约失败: %w", err)
	}

	d.logger.Info("已在etcd发布注册中心地址", zap.String("key", key), zap.Int64("ttl", ttl))

	d.leases.Add(1)
	go func() {
		defer d.leases.Done()
		for range keepAlive {
		}
		if ctx.Err() == nil {
			d.logger.Warn("etcd续约已停止", zap.String("key", key))
			return
		}
		revokeCtx, cancel := context.WithTimeout(context.Background(), etcdTimeout)
		defer cancel()
		if _, err := d.client.Revoke(revokeCtx, lease.ID); err != nil {
			d.logger.Warn("撤销租约失败", zap.String("key", key), zap.Error(err))
		}
	}()
	return nil
}

// List 返回当前发布的全部地址
func (d *EtcdDirectory) List(ctx context.Context) ([]model.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: 获取地址列表失败: %w", err)
	}

	state := newDirState(d.prefix)
	for _, kv := range resp.Kvs {
		state.put(string(kv.Key))
	}
	endpoints := make([]model.Endpoint, 0, len(state.known))
	for _, key := range sortedKeys(state.known) {
		endpoints = append(endpoints, state.known[key])
	}
	return endpoints, nil
}

// Watch 推送当前全部地址，然后监听前缀下的变化
func (d *EtcdDirectory) Watch(ctx context.Context, fn func(Event)) error {
	state := newDirState(d.prefix)

	for {
		rev, err := d.resync(ctx, state, fn)
		if err != nil {
			return err
		}

		d.logger.Info("开始监听etcd变化", zap.String("prefix", d.prefix), zap.Int64("revision", rev))
		watchChan := d.client.Watch(ctx, d.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				d.logger.Warn("etcd监听中断", zap.String("prefix", d.prefix), zap.Error(err))
				break
			}
			for _, ev := range resp.Events {
				var (
					event Event
					ok    bool
				)
				switch ev.Type {
				case clientv3.EventTypePut:
					event, ok = state.put(string(ev.Kv.Key))
				case clientv3.EventTypeDelete:
					event, ok = state.del(string(ev.Kv.Key))
				}
				if ok {
					fn(event)
				}
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 监听被取消（例如历史版本已被压缩），稍后重新同步
		if !d.backoff(ctx) {
			return ctx.Err()
		}
	}
}

// backoff 等待resyncDelay，ctx取消时返回false
func (d *EtcdDirectory) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-d.clock.After(resyncDelay):
		return true
	}
}

// resync 重新读取全部地址，与已知集合比较并推送差异，返回读取时的版本号
func (d *EtcdDirectory) resync(ctx context.Context, state *dirState, fn func(Event)) (int64, error) {
	getCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := d.client.Get(getCtx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.logger.Error("获取初始键值失败", zap.String("prefix", d.prefix), zap.Error(err))
		return 0, fmt.Errorf("discovery: 获取初始键值失败: %w", err)
	}

	next := newDirState(d.prefix)
	for _, kv := range resp.Kvs {
		next.put(string(kv.Key))
	}
	for _, ev := range diff(state.known, next.known) {
		fn(ev)
	}
	state.known = next.known
	return resp.Header.Revision, nil
}

func (d *EtcdDirectory) key(ep model.Endpoint) string {
	return d.prefix + ep.Key()
}

// dirState 记录已推送的地址，键为etcd中的完整键
type dirState struct {
	prefix string
	known  map[string]model.Endpoint
}

func newDirState(prefix string) *dirState {
	return &dirState{prefix: prefix, known: make(map[string]model.Endpoint)}
}

// put 键写入时调用，只有新地址才产生事件；无法解析的键被忽略
func (s *dirState) put(key string) (Event, bool) {
	if _, ok := s.known[key]; ok {
		return Event{}, false
	}
	ep, err := model.ParseEndpoint(strings.TrimPrefix(key, s.prefix))
	if err != nil {
		return Event{}, false
	}
	s.known[key] = ep
	return Event{Type: Added, Endpoint: ep}, true
}

func (s *dirState) del(key string) (Event, bool) {
	ep, ok := s.known[key]
	if !ok {
		return Event{}, false
	}
	delete(s.known, key)
	return Event{Type: Removed, Endpoint: ep}, true
}

var _ Source = (*EtcdDirectory)(nil)

// Package master 实现工作节点：主动连接一个或多个注册中心，断线重连，并响应注册中心的远程调用
package master

import (
	"context"
	"errors"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/internal/metrics"
	"github.com/hewenyu/register-center/pkg/catalog"
	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

var (
	// ErrConnect 连接注册中心失败
	ErrConnect = errors.New("master: connect failed")
	// ErrConfigNotFound 连接过程中目标配置已被删除
	ErrConfigNotFound = errors.New("master: target config not found")

	errShutdown = errors.New("master: shutdown")
)

// Dialer 建立到注册中心的连接
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config 工作节点配置
type Config struct {
	// MaxAttempts 每轮连接的最大尝试次数，<=0 表示不限
	MaxAttempts int
	// RetryDelay 两次尝试之间以及断线后重连前的固定等待时间
	RetryDelay time.Duration
	// ReconnectOnClose 新目标默认是否断线重连
	ReconnectOnClose bool
	// Token 非空时在连接建立后自动发送认证消息
	Token string
	// FollowTopology 为true时根据注册中心广播的register/remove命令增删目标
	FollowTopology bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      math.MaxInt,
		RetryDelay:       2 * time.Second,
		ReconnectOnClose: true,
	}
}

// ErrorContext 错误通知的上下文
type ErrorContext struct {
	Host    string
	Port    int
	Key     string
	Attempt int
	// ID 运行期传输错误时为连接ID
	ID string
}

// OperationFunc 处理注册中心发起的远程调用，返回值作为流的最后一个值发送
type OperationFunc func(ctx context.Context, req *tunnel.Request, s *tunnel.Stream) (any, error)

// Option 工作节点选项
type Option func(*Worker)

// WithLogger 设置日志记录器
func WithLogger(logger config.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock 设置时钟，测试中使用clockwork.NewFakeClock
func WithClock(clock clockwork.Clock) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithDialer 设置拨号器
func WithDialer(d Dialer) Option {
	return func(w *Worker) {
		if d != nil {
			w.dialer = d
		}
	}
}

// WithRecorder 设置指标记录器
func WithRecorder(r metrics.Recorder) Option {
	return func(w *Worker) {
		if r != nil {
			w.recorder = r
		}
	}
}

// connection 一条已建立的到注册中心的连接
type connection struct {
	id     string
	key    string
	host   string
	port   int
	tunnel *tunnel.Tunnel

	authenticated bool
}

// Worker 工作节点
type Worker struct {
	catalog  *catalog.Catalog
	clock    clockwork.Clock
	dialer   Dialer
	recorder metrics.Recorder

	mu        sync.Mutex
	cfg       Config
	logger    config.Logger
	targets   map[string]*target
	conns     map[string]*connection
	ops       map[string]OperationFunc
	onConnect func(id string, t *tunnel.Tunnel)
	onError   func(err error, ec ErrorContext)
	onClose   func(id, key string)
	onCommand func(id, cmd string, msg model.Message)

	wg sync.WaitGroup
}

// New 创建工作节点，cat为nil时使用空目录
func New(cfg Config, cat *catalog.Catalog, opts ...Option) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = math.MaxInt
	}
	if cat == nil {
		cat = catalog.New()
	}
	w := &Worker{
		catalog:  cat,
		clock:    clockwork.NewRealClock(),
		dialer:   &net.Dialer{},
		recorder: metrics.NopRecorder{},
		cfg:      cfg,
		logger:   config.NewNopLogger(),
		targets:  make(map[string]*target),
		conns:    make(map[string]*connection),
		ops:      make(map[string]OperationFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ops[model.OpServices] = w.opServices
	w.ops[model.OpExecute] = w.opExecute
	return w
}

// Catalog 返回本节点的服务目录
func (w *Worker) Catalog() *catalog.Catalog {
	return w.catalog
}

// OnConnect 设置连接建立回调，在认证之前触发
func (w *Worker) OnConnect(fn func(id string, t *tunnel.Tunnel)) {
	w.mu.Lock()
	w.onConnect = fn
	w.mu.Unlock()
}

// OnError 设置错误回调，每次拨号失败和运行期传输错误都会触发
func (w *Worker) OnError(fn func(err error, ec ErrorContext)) {
	w.mu.Lock()
	w.onError = fn
	w.mu.Unlock()
}

// OnClose 设置连接关闭回调，在清理状态之前触发
func (w *Worker) OnClose(fn func(id, key string)) {
	w.mu.Lock()
	w.onClose = fn
	w.mu.Unlock()
}

// OnCommand 设置注册中心命令回调
func (w *Worker) OnCommand(fn func(id, cmd string, msg model.Message)) {
	w.mu.Lock()
	w.onCommand = fn
	w.mu.Unlock()
}

// HandleOperation 注册远程操作处理器，同名覆盖
func (w *Worker) HandleOperation(name string, fn OperationFunc) {
	w.mu.Lock()
	w.ops[name] = fn
	w.mu.Unlock()
}

// SetRetryPolicy 设置重试次数和间隔，attempts<=0 表示不限
func (w *Worker) SetRetryPolicy(attempts int, delay time.Duration) {
	if attempts <= 0 {
		attempts = math.MaxInt
	}
	w.mu.Lock()
	w.cfg.MaxAttempts = attempts
	w.cfg.RetryDelay = delay
	w.mu.Unlock()
}

// SetReconnectOnClose 设置新目标默认是否断线重连
func (w *Worker) SetReconnectOnClose(reconnect bool) {
	w.mu.Lock()
	w.cfg.ReconnectOnClose = reconnect
	w.mu.Unlock()
}

// SetLogger 设置日志记录器
func (w *Worker) SetLogger(logger config.Logger) {
	if logger == nil {
		return
	}
	w.mu.Lock()
	w.logger = logger
	w.mu.Unlock()
}

// SetToken 设置认证令牌，对之后建立的连接生效
func (w *Worker) SetToken(token string) {
	w.mu.Lock()
	w.cfg.Token = token
	w.mu.Unlock()
}

// Connections 返回存活连接的ID
func (w *Worker) Connections() []string {
	w.mu.Lock()
	ids := make([]string, 0, len(w.conns))
	for id := range w.conns {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Transport 返回连接对应的隧道
func (w *Worker) Transport(id string) (*tunnel.Tunnel, bool) {
	w.mu.Lock()
	c, ok := w.conns[id]
	logger := w.logger
	w.mu.Unlock()
	if !ok {
		logger.Warn("找不到连接对应的隧道", zap.String("id", id))
		return nil, false
	}
	return c.tunnel, true
}

// Targets 返回所有目标的状态快照
func (w *Worker) Targets() []TargetStatus {
	w.mu.Lock()
	out := make([]TargetStatus, 0, len(w.targets))
	for _, t := range w.targets {
		out = append(out, t.status())
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Remove 删除目标，终止进行中的连接尝试并关闭已有连接
func (w *Worker) Remove(host string, port int) {
	key := model.Endpoint{Host: host, Port: port}.Key()

	w.mu.Lock()
	t, ok := w.targets[key]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.targets, key)
	if t.cancel != nil {
		t.cancel(ErrConfigNotFound)
	}
	c := w.conns[t.connID]
	logger := w.logger
	w.mu.Unlock()

	logger.Info("移除注册中心", zap.String("key", key))
	if c != nil {
		c.tunnel.Close()
	}
}

// Shutdown 关闭所有连接并清空全部目标
func (w *Worker) Shutdown() {
	w.mu.Lock()
	for _, t := range w.targets {
		if t.cancel != nil {
			t.cancel(errShutdown)
		}
	}
	conns := make([]*connection, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.targets = make(map[string]*target)
	logger := w.logger
	w.mu.Unlock()

	logger.Info("关闭工作节点", zap.Int("connections", len(conns)))
	for _, c := range conns {
		c.tunnel.Close()
	}
}

// Wait 等待所有后台goroutine退出，通常在Shutdown之后调用
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Stats 返回指标快照
func (w *Worker) Stats() metrics.Snapshot {
	w.mu.Lock()
	authenticated := 0
	for _, c := range w.conns {
		if c.authenticated {
			authenticated++
		}
	}
	n := len(w.conns)
	w.mu.Unlock()
	return metrics.Snapshot{
		Connections:   n,
		Authenticated: authenticated,
		Services:      len(w.catalog.Names()),
	}
}

func (w *Worker) emitError(err error, ec ErrorContext) {
	w.mu.Lock()
	fn := w.onError
	w.mu.Unlock()
	if fn != nil {
		fn(err, ec)
	}
}

func (w *Worker) log() config.Logger {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logger
}

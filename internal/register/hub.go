// Package register 实现注册中心：接受工作节点连接，认证、心跳，维护各节点的服务目录并发起远程调用
package register

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/internal/metrics"
	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

var (
	// ErrAuthFailed 令牌无效
	ErrAuthFailed = errors.New("register: auth failed")
	// ErrAuthTimeout 未在规定时间内完成认证
	ErrAuthTimeout = errors.New("register: auth timeout")
	// ErrTargetNotFound 连接不存在
	ErrTargetNotFound = errors.New("register: target not found")
	// ErrTargetNotAuthenticated 连接尚未认证
	ErrTargetNotAuthenticated = errors.New("register: target not authenticated")
)

// Config 注册中心配置
type Config struct {
	Host              string
	Port              int
	Tokens            []string
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	// ProbeTimeout 心跳探测和获取服务目录的超时，默认等于心跳间隔
	ProbeTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Port:              8080,
		AuthTimeout:       10 * time.Second,
		HeartbeatInterval: 20 * time.Second,
	}
}

// Option 注册中心选项
type Option func(*Hub)

// WithLogger 设置日志记录器
func WithLogger(logger config.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock 设置时钟
func WithClock(clock clockwork.Clock) Option {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithListener 使用已绑定的监听器，Start不再自行监听
func WithListener(ln net.Listener) Option {
	return func(h *Hub) {
		h.listener = ln
	}
}

// WithRecorder 设置指标记录器
func WithRecorder(r metrics.Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

// session 一个工作节点连接，除tunnel外的字段由Hub.mu保护
type session struct {
	id     string
	remote string
	tunnel *tunnel.Tunnel

	authenticated bool
	lastActivity  time.Time
	authTimer     clockwork.Timer
	services      map[string]model.ServiceInfo

	stopHeartbeat chan struct{}
	cleanupOnce   sync.Once
}

// Hub 注册中心
type Hub struct {
	cfg      Config
	clock    clockwork.Clock
	recorder metrics.Recorder
	tokens   *TokenSet

	mu        sync.RWMutex
	logger    config.Logger
	listener  net.Listener
	sessions  map[string]*session
	onCommand func(id, cmd string, msg model.Message)
	closed    bool
	done      chan struct{}

	wg sync.WaitGroup
}

// New 创建注册中心
func New(cfg Config, opts ...Option) *Hub {
	def := DefaultConfig()
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = cfg.HeartbeatInterval
	}

	h := &Hub{
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		recorder: metrics.NopRecorder{},
		tokens:   NewTokenSet(cfg.Tokens...),
		logger:   config.NewNopLogger(),
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start 开始监听并接受连接，监听失败时返回错误
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	ln := h.listener
	logger := h.logger
	h.mu.Unlock()

	if ln == nil {
		addr := net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.Port))
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			logger.Error("注册中心监听失败", zap.String("address", addr), zap.Error(err))
			return fmt.Errorf("register: listen %s: %w", addr, err)
		}
		h.mu.Lock()
		h.listener = ln
		h.mu.Unlock()
	}

	logger.Info("注册中心已启动", zap.String("address", ln.Addr().String()))

	h.wg.Add(2)
	go h.acceptLoop(ln)

	go func() {
		defer h.wg.Done()
		select {
		case <-ctx.Done():
			h.Close()
		case <-h.done:
		}
	}()
	return nil
}

// Addr 返回监听地址，未启动时为nil
func (h *Hub) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Close 停止监听并关闭所有连接
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	ln := h.listener
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for _, s := range sessions {
		s.tunnel.Close()
	}
	return err
}

// Wait 等待所有后台goroutine退出
func (h *Hub) Wait() {
	h.wg.Wait()
}

// SetLogger 设置日志记录器
func (h *Hub) SetLogger(logger config.Logger) {
	if logger == nil {
		return
	}
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

// OnCommand 设置已认证连接发来的命令的回调
func (h *Hub) OnCommand(fn func(id, cmd string, msg model.Message)) {
	h.mu.Lock()
	h.onCommand = fn
	h.mu.Unlock()
}

// SetTokens 替换全部令牌
func (h *Hub) SetTokens(tokens []string) {
	h.tokens.Set(tokens)
}

// AddToken 添加令牌
func (h *Hub) AddToken(token string) {
	h.tokens.Add(token)
}

// RemoveToken 删除令牌
func (h *Hub) RemoveToken(token string) {
	h.tokens.Remove(token)
}

// Tokens 按插入顺序返回令牌
func (h *Hub) Tokens() []string {
	return h.tokens.List()
}

func (h *Hub) acceptLoop(ln net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			h.mu.RLock()
			closed := h.closed
			logger := h.logger
			h.mu.RUnlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("接受连接失败", zap.Error(err))
			continue
		}
		h.accept(conn)
	}
}

func (h *Hub) log() config.Logger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.logger
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

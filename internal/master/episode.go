package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

// TargetState 目标的连接状态
type TargetState int

const (
	StateConfigured TargetState = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s TargetState) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("TargetState(%d)", int(s))
}

// TargetStatus 目标状态快照
type TargetStatus struct {
	Key          string      `json:"key"`
	Host         string      `json:"host"`
	Port         int         `json:"port"`
	Reconnect    bool        `json:"reconnect"`
	State        TargetState `json:"-"`
	StateName    string      `json:"state"`
	Attempt      int         `json:"attempt"`
	ConnectionID string      `json:"connection_id,omitempty"`
}

// TargetOption 目标选项
type TargetOption func(*target)

// WithReconnect 覆盖该目标的断线重连设置
func WithReconnect(reconnect bool) TargetOption {
	return func(t *target) {
		t.reconnect = reconnect
	}
}

// target 一个注册中心目标，字段由Worker.mu保护
type target struct {
	host      string
	port      int
	key       string
	reconnect bool

	state   TargetState
	attempt int
	connID  string

	// gen 每开始一轮连接加一，旧一轮的goroutine据此退出
	gen    uint64
	cancel context.CancelCauseFunc
}

func (t *target) status() TargetStatus {
	return TargetStatus{
		Key:          t.key,
		Host:         t.host,
		Port:         t.port,
		Reconnect:    t.reconnect,
		State:        t.state,
		StateName:    t.state.String(),
		Attempt:      t.attempt,
		ConnectionID: t.connID,
	}
}

// Connect 添加目标并异步开始连接，目标已存在时不做任何事
// 连接失败只通过OnError回调通知
func (w *Worker) Connect(host string, port int, opts ...TargetOption) {
	key := model.Endpoint{Host: host, Port: port}.Key()

	w.mu.Lock()
	if _, ok := w.targets[key]; ok {
		logger := w.logger
		w.mu.Unlock()
		logger.Debug("注册中心已在目标列表中", zap.String("key", key))
		return
	}
	t := &target{
		host:      host,
		port:      port,
		key:       key,
		reconnect: w.cfg.ReconnectOnClose,
		state:     StateConfigured,
	}
	for _, opt := range opts {
		opt(t)
	}
	w.targets[key] = t
	w.startEpisode(t, 0)
	w.mu.Unlock()
}

// startEpisode 开始新一轮连接，调用方持有w.mu
func (w *Worker) startEpisode(t *target, delay time.Duration) {
	if t.cancel != nil {
		t.cancel(errShutdown)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	t.gen++
	t.cancel = cancel
	t.attempt = 0

	w.wg.Add(1)
	go w.runEpisode(ctx, t, t.gen, delay)
}

func (w *Worker) runEpisode(ctx context.Context, t *target, gen uint64, delay time.Duration) {
	defer w.wg.Done()

	if delay > 0 && !w.sleep(ctx, delay) {
		w.aborted(ctx, t, 0)
		return
	}

	for attempt := 1; ; attempt++ {
		maxAttempts, retryDelay, ok := w.beginAttempt(t, gen, attempt)
		if !ok {
			w.aborted(ctx, t, attempt)
			return
		}

		logger := w.log()
		logger.Info("正在连接注册中心",
			zap.String("host", t.host),
			zap.Int("port", t.port),
			zap.Int("attempt", attempt))
		w.recorder.ConnectAttempt(t.key)

		conn, err := w.dialer.DialContext(ctx, "tcp", t.key)
		if err == nil {
			w.established(ctx, t, gen, conn)
			return
		}
		if ctx.Err() != nil {
			w.aborted(ctx, t, attempt)
			return
		}

		w.recorder.ConnectFailure(t.key)
		logger.Warn("连接注册中心失败",
			zap.String("host", t.host),
			zap.Int("port", t.port),
			zap.Int("attempt", attempt),
			zap.Error(err))
		w.emitError(fmt.Errorf("%w: %s (attempt %d): %v", ErrConnect, t.key, attempt, err), ErrorContext{
			Host:    t.host,
			Port:    t.port,
			Key:     t.key,
			Attempt: attempt,
		})

		if attempt >= maxAttempts {
			w.mu.Lock()
			if t.gen == gen {
				t.state = StateFailed
			}
			w.mu.Unlock()
			logger.Error("已达到最大尝试次数，停止连接",
				zap.String("key", t.key),
				zap.Int("attempts", attempt))
			return
		}

		logger.Info("计划重试",
			zap.String("key", t.key),
			zap.Duration("delay", retryDelay),
			zap.Int("next_attempt", attempt+1))
		if !w.sleep(ctx, retryDelay) {
			w.aborted(ctx, t, attempt)
			return
		}
	}
}

// beginAttempt 确认目标仍属于本轮连接并记录尝试次数
func (w *Worker) beginAttempt(t *target, gen uint64, attempt int) (int, time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.targets[t.key] != t || t.gen != gen {
		return 0, 0, false
	}
	t.state = StateConnecting
	t.attempt = attempt
	return w.cfg.MaxAttempts, w.cfg.RetryDelay, true
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-w.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// aborted 处理被取消的一轮连接，目标被删除时通知ErrConfigNotFound
func (w *Worker) aborted(ctx context.Context, t *target, attempt int) {
	cause := context.Cause(ctx)
	if cause == nil {
		w.mu.Lock()
		if w.targets[t.key] != t {
			cause = ErrConfigNotFound
		}
		w.mu.Unlock()
	}
	if !errors.Is(cause, ErrConfigNotFound) {
		return
	}

	w.log().Warn("目标配置已删除，停止连接",
		zap.String("key", t.key),
		zap.Int("attempt", attempt))
	w.emitError(fmt.Errorf("%w: %s", ErrConfigNotFound, t.key), ErrorContext{
		Host:    t.host,
		Port:    t.port,
		Key:     t.key,
		Attempt: attempt,
	})
}

func (w *Worker) established(ctx context.Context, t *target, gen uint64, conn net.Conn) {
	c := &connection{
		id:   uuid.NewString(),
		key:  t.key,
		host: t.host,
		port: t.port,
	}

	w.mu.Lock()
	if w.targets[t.key] != t || t.gen != gen || ctx.Err() != nil {
		w.mu.Unlock()
		conn.Close()
		w.aborted(ctx, t, t.attempt)
		return
	}
	c.tunnel = tunnel.New(conn, tunnel.WithLogger(w.logger))
	t.state = StateConnected
	t.attempt = 0
	t.connID = c.id
	w.conns[c.id] = c
	onConnect := w.onConnect
	token := w.cfg.Token
	logger := w.logger
	w.mu.Unlock()

	c.tunnel.OnCommand(func(cmd string, msg model.Message) {
		w.handleCommand(c, cmd, msg)
	})
	c.tunnel.OnCall(func(req *tunnel.Request, s *tunnel.Stream) {
		w.handleCall(c, req, s)
	})

	logger.Info("已连接到注册中心",
		zap.String("id", c.id),
		zap.String("host", t.host),
		zap.Int("port", t.port))

	if onConnect != nil {
		onConnect(c.id, c.tunnel)
	}

	if token != "" {
		if err := c.tunnel.Send(model.AuthMessage(token)); err != nil {
			logger.Warn("发送认证消息失败", zap.String("id", c.id), zap.Error(err))
			w.emitError(err, ErrorContext{Host: c.host, Port: c.port, Key: c.key, ID: c.id})
		}
	}

	w.wg.Add(1)
	go w.serve(c)
}

func (w *Worker) serve(c *connection) {
	defer w.wg.Done()

	if err := c.tunnel.Serve(context.Background()); err != nil {
		w.log().Warn("隧道传输错误", zap.String("id", c.id), zap.Error(err))
		w.emitError(err, ErrorContext{Host: c.host, Port: c.port, Key: c.key, ID: c.id})
	}
	w.closed(c)
}

// closed 通知关闭、清理连接，并按需开始新一轮连接
func (w *Worker) closed(c *connection) {
	w.mu.Lock()
	onClose := w.onClose
	logger := w.logger
	w.mu.Unlock()

	logger.Info("与注册中心的连接已断开", zap.String("id", c.id), zap.String("key", c.key))
	if onClose != nil {
		onClose(c.id, c.key)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.conns, c.id)

	t, ok := w.targets[c.key]
	if !ok || t.connID != c.id {
		return
	}
	t.connID = ""
	t.state = StateClosed
	if !t.reconnect {
		return
	}
	logger.Info("计划重新连接",
		zap.String("key", c.key),
		zap.Duration("delay", w.cfg.RetryDelay))
	w.startEpisode(t, w.cfg.RetryDelay)
}

// Package tunnel 在单条net.Conn上提供帧化的双工通信：控制消息、带流式响应的远程调用以及存活探测
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/pkg/model"
)

var (
	// ErrClosed 隧道已关闭
	ErrClosed = errors.New("tunnel: closed")
	// ErrStreamEnded 本端已经结束该流
	ErrStreamEnded = errors.New("tunnel: stream already ended")
)

// RemoteError 表示对端在流上报告的错误
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "tunnel: remote error: " + e.Message
}

// Request 是对端发起的远程调用
type Request struct {
	Op     string
	params RawMessage
}

// Bind 将调用参数解码到v，调用没有参数时不做任何事
func (r *Request) Bind(v any) error {
	if len(r.params) == 0 {
		return nil
	}
	if err := Unmarshal(r.params, v); err != nil {
		return fmt.Errorf("tunnel: 解析调用参数失败: %w", err)
	}
	return nil
}

// Option 隧道选项
type Option func(*Tunnel)

// WithLogger 设置日志记录器
func WithLogger(logger config.Logger) Option {
	return func(t *Tunnel) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Tunnel 帧化双工隧道
type Tunnel struct {
	conn   net.Conn
	logger config.Logger

	wmu sync.Mutex
	enc interface{ Encode(any) error }

	mu       sync.Mutex
	nextID   uint64
	calls    map[uint64]*Stream
	served   map[uint64]*Stream
	pings    map[uint64]chan struct{}
	onData   func(model.Message)
	onCmd    func(cmd string, msg model.Message)
	onCall   func(req *Request, s *Stream)
	onActive func()

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New 在conn上创建隧道，调用Serve后开始读取
func New(conn net.Conn, opts ...Option) *Tunnel {
	t := &Tunnel{
		conn:   conn,
		logger: config.NewNopLogger(),
		enc:    newEncoder(conn),
		calls:  make(map[uint64]*Stream),
		served: make(map[uint64]*Stream),
		pings:  make(map[uint64]chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Conn 返回底层连接
func (t *Tunnel) Conn() net.Conn {
	return t.conn
}

// OnData 订阅所有收到的结构化消息
func (t *Tunnel) OnData(fn func(model.Message)) {
	t.mu.Lock()
	t.onData = fn
	t.mu.Unlock()
}

// OnCommand 订阅带cmd字段的控制消息
func (t *Tunnel) OnCommand(fn func(cmd string, msg model.Message)) {
	t.mu.Lock()
	t.onCmd = fn
	t.mu.Unlock()
}

// OnCall 处理对端发起的远程调用，每个调用在独立的goroutine中执行
func (t *Tunnel) OnCall(fn func(req *Request, s *Stream)) {
	t.mu.Lock()
	t.onCall = fn
	t.mu.Unlock()
}

// OnActivity 每收到一帧调用一次
func (t *Tunnel) OnActivity(fn func()) {
	t.mu.Lock()
	t.onActive = fn
	t.mu.Unlock()
}

// Done 在隧道关闭后关闭
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Send 发送一条结构化消息
func (t *Tunnel) Send(msg model.Message) error {
	body, err := encodeBody(map[string]any(msg))
	if err != nil {
		return fmt.Errorf("tunnel: 编码消息失败: %w", err)
	}
	return t.write(frame{Kind: kindMessage, Body: body})
}

// Call 发起远程调用，返回双工响应流
func (t *Tunnel) Call(ctx context.Context, op string, params any) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := encodeBody(params)
	if err != nil {
		return nil, fmt.Errorf("tunnel: 编码调用参数失败: %w", err)
	}

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.nextID++
	id := t.nextID
	s := newStream(t, id, false)
	t.calls[id] = s
	t.mu.Unlock()

	if err := t.write(frame{Kind: kindCall, ID: id, Op: op, Body: body}); err != nil {
		t.mu.Lock()
		delete(t.calls, id)
		t.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Ping 发送探测并等待对端响应
func (t *Tunnel) Ping(ctx context.Context) error {
	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		return ErrClosed
	}
	t.nextID++
	id := t.nextID
	pong := make(chan struct{})
	t.pings[id] = pong
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pings, id)
		t.mu.Unlock()
	}()

	if err := t.write(frame{Kind: kindPing, ID: id}); err != nil {
		return err
	}

	select {
	case <-pong:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭隧道和底层连接
func (t *Tunnel) Close() error {
	t.closing.Store(true)
	return t.shutdown()
}

// Serve 读取并分发帧直到连接关闭，对端断开（包括连接被重置）或本端关闭时返回nil
func (t *Tunnel) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.done:
		}
	}()

	dec := newDecoder(t.conn)
	var err error
	for {
		var f frame
		if err = dec.Decode(&f); err != nil {
			break
		}
		t.dispatch(f)
	}
	t.shutdown()

	if t.closing.Load() || peerClosed(err) {
		return nil
	}
	return fmt.Errorf("tunnel: 读取失败: %w", err)
}

// peerClosed 判断读取错误是否只是连接被关闭
// 对端在仍有未读数据时关闭连接，内核会发送RST而不是FIN
func peerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}

func (t *Tunnel) dispatch(f frame) {
	t.mu.Lock()
	onActive := t.onActive
	t.mu.Unlock()
	if onActive != nil {
		onActive()
	}

	switch f.Kind {
	case kindMessage:
		t.handleMessage(f)
	case kindCall:
		t.handleCall(f)
	case kindData, kindEnd, kindFail:
		t.handleStreamFrame(f)
	case kindPing:
		if err := t.write(frame{Kind: kindPong, ID: f.ID}); err != nil {
			t.logger.Debug("回复探测失败", zap.Error(err))
		}
	case kindPong:
		t.mu.Lock()
		pong, ok := t.pings[f.ID]
		if ok {
			delete(t.pings, f.ID)
		}
		t.mu.Unlock()
		if ok {
			close(pong)
		}
	default:
		t.logger.Warn("未知的帧类型", zap.Uint8("kind", f.Kind))
	}
}

func (t *Tunnel) handleMessage(f frame) {
	var msg model.Message
	if err := Unmarshal(f.Body, &msg); err != nil {
		t.logger.Warn("解析消息失败", zap.Error(err))
		return
	}

	t.mu.Lock()
	onData, onCmd := t.onData, t.onCmd
	t.mu.Unlock()

	if onData != nil {
		onData(msg)
	}
	if cmd := msg.Cmd(); cmd != "" && onCmd != nil {
		onCmd(cmd, msg)
	}
}

func (t *Tunnel) handleCall(f frame) {
	s := newStream(t, f.ID, true)

	t.mu.Lock()
	onCall := t.onCall
	if onCall != nil {
		t.served[f.ID] = s
	}
	t.mu.Unlock()

	if onCall == nil {
		t.logger.Warn("收到远程调用但没有处理器", zap.String("op", f.Op))
		s.Fail(fmt.Errorf("unsupported operation %q", f.Op))
		return
	}

	go onCall(&Request{Op: f.Op, params: f.Body}, s)
}

func (t *Tunnel) handleStreamFrame(f frame) {
	t.mu.Lock()
	table := t.served
	if f.Reply {
		table = t.calls
	}
	s, ok := table[f.ID]
	if ok && f.Kind != kindData && f.Reply {
		delete(table, f.ID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("收到未知流的帧", zap.Uint64("id", f.ID), zap.Uint8("kind", f.Kind))
		return
	}

	switch f.Kind {
	case kindData:
		if len(f.Body) == 0 {
			f.Body = cborNull
		}
		s.push(f.Body)
	case kindEnd:
		if len(f.Body) > 0 {
			s.push(f.Body)
		}
		s.finish(io.EOF)
	case kindFail:
		s.finish(&RemoteError{Message: f.Error})
	}
}

func (t *Tunnel) write(f frame) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.enc.Encode(f); err != nil {
		if t.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("tunnel: 写入失败: %w", err)
	}
	return nil
}

// release 在被调用方结束流后将其从表中移除
func (t *Tunnel) release(s *Stream) {
	t.mu.Lock()
	if t.served[s.id] == s {
		delete(t.served, s.id)
	}
	t.mu.Unlock()
}

func (t *Tunnel) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Tunnel) shutdown() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()

		t.mu.Lock()
		streams := make([]*Stream, 0, len(t.calls)+len(t.served))
		for _, s := range t.calls {
			streams = append(streams, s)
		}
		for _, s := range t.served {
			streams = append(streams, s)
		}
		t.calls = make(map[uint64]*Stream)
		t.served = make(map[uint64]*Stream)
		close(t.done)
		t.mu.Unlock()

		for _, s := range streams {
			s.finish(ErrClosed)
		}
	})
	return err
}

package register

import (
	"context"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

// accept 为新连接建立会话：分配ID，启动认证计时器和心跳
func (h *Hub) accept(conn net.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	s := &session{
		id:            uuid.NewString(),
		remote:        conn.RemoteAddr().String(),
		tunnel:        tunnel.New(conn, tunnel.WithLogger(h.logger)),
		lastActivity:  h.clock.Now(),
		stopHeartbeat: make(chan struct{}),
	}
	h.sessions[s.id] = s
	s.authTimer = h.clock.AfterFunc(h.cfg.AuthTimeout, func() {
		h.authTimedOut(s)
	})
	logger := h.logger
	h.mu.Unlock()

	s.tunnel.OnActivity(func() { h.touch(s) })
	s.tunnel.OnCommand(func(cmd string, msg model.Message) {
		h.handleCommand(s, cmd, msg)
	})

	logger.Info("新的工作节点连接", zap.String("id", s.id), zap.String("remote", s.remote))

	h.wg.Add(2)
	go h.heartbeat(s)
	go h.serve(s)
}

func (h *Hub) serve(s *session) {
	defer h.wg.Done()
	if err := s.tunnel.Serve(context.Background()); err != nil {
		h.log().Debug("隧道读取结束", zap.String("id", s.id), zap.Error(err))
	}
	h.cleanup(s)
}

// touch 刷新最后活动时间，只增不减
func (h *Hub) touch(s *session) {
	now := h.clock.Now()
	h.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	h.mu.Unlock()
}

// handleCommand 认证前只接受auth命令
func (h *Hub) handleCommand(s *session, cmd string, msg model.Message) {
	if cmd == model.CmdAuth {
		h.handleAuth(s, msg)
		return
	}

	h.mu.RLock()
	authenticated := s.authenticated
	onCommand := h.onCommand
	logger := h.logger
	h.mu.RUnlock()

	if !authenticated {
		logger.Warn("未认证的连接发送了命令", zap.String("id", s.id), zap.String("cmd", cmd))
		h.reply(s, model.AuthResult(false, "authentication required"))
		return
	}
	if onCommand != nil {
		onCommand(s.id, cmd, msg)
	}
}

// handleAuth 校验令牌，成功后停止认证计时器并获取服务目录
// 日志中不记录令牌本身
func (h *Hub) handleAuth(s *session, msg model.Message) {
	token := msg.StringField("token")

	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	if s.authenticated {
		h.mu.Unlock()
		h.reply(s, model.AuthResult(true, "already authenticated"))
		return
	}
	logger := h.logger
	if !h.tokens.Contains(token) {
		h.mu.Unlock()
		logger.Warn("认证失败",
			zap.String("id", s.id),
			zap.String("remote", s.remote),
			zap.Int("token_length", len(token)),
			zap.Error(ErrAuthFailed))
		h.recorder.AuthFailure()
		h.reply(s, model.AuthResult(false, "invalid token"))
		return
	}
	s.authenticated = true
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	h.mu.Unlock()

	logger.Info("认证成功", zap.String("id", s.id), zap.String("remote", s.remote))
	h.reply(s, model.AuthResult(true, "authenticated"))

	h.wg.Add(1)
	go h.fetchServices(s)
}

// authTimedOut 认证计时器到期时仍未认证则强制关闭连接
func (h *Hub) authTimedOut(s *session) {
	h.mu.Lock()
	if s.authenticated || s.authTimer == nil {
		h.mu.Unlock()
		return
	}
	s.authTimer = nil
	logger := h.logger
	h.mu.Unlock()

	logger.Warn("认证超时，关闭连接",
		zap.String("id", s.id),
		zap.Duration("timeout", h.cfg.AuthTimeout),
		zap.Error(ErrAuthTimeout))
	h.recorder.AuthTimeout()
	s.tunnel.Close()
}

// fetchServices 获取工作节点的服务目录并保存
func (h *Hub) fetchServices(s *session) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ProbeTimeout)
	defer cancel()

	logger := h.log()
	stream, err := s.tunnel.Call(ctx, model.OpServices, nil)
	if err != nil {
		logger.Warn("获取服务目录失败", zap.String("id", s.id), zap.Error(err))
		return
	}
	var services map[string]model.ServiceInfo
	if err := stream.Decode(ctx, &services); err != nil {
		logger.Warn("获取服务目录失败", zap.String("id", s.id), zap.Error(err))
		return
	}
	services = model.NormalizeServices(services)

	h.mu.Lock()
	if h.sessions[s.id] != s {
		h.mu.Unlock()
		return
	}
	s.services = services
	h.mu.Unlock()

	logger.Info("已获取服务目录", zap.String("id", s.id), zap.Int("services", len(services)))
}

// heartbeat 定期检查活动时间，空闲达到间隔时发送探测
// 探测失败只记录日志，不断开连接
func (h *Hub) heartbeat(s *session) {
	defer h.wg.Done()

	ticker := h.clock.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopHeartbeat:
			return
		case <-ticker.Chan():
			h.probe(s)
		}
	}
}

func (h *Hub) probe(s *session) {
	h.mu.RLock()
	last := s.lastActivity
	logger := h.logger
	h.mu.RUnlock()

	if h.clock.Since(last) < h.cfg.HeartbeatInterval {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ProbeTimeout)
	defer cancel()
	if err := s.tunnel.Ping(ctx); err != nil {
		logger.Warn("心跳探测失败", zap.String("id", s.id), zap.Error(err))
		h.recorder.ProbeFailure()
		return
	}
	h.touch(s)
	logger.Debug("心跳探测成功", zap.String("id", s.id))
}

// cleanup 连接关闭后清理会话，每个会话只执行一次
func (h *Hub) cleanup(s *session) {
	s.cleanupOnce.Do(func() {
		h.mu.Lock()
		delete(h.sessions, s.id)
		if s.authTimer != nil {
			s.authTimer.Stop()
			s.authTimer = nil
		}
		s.services = nil
		s.authenticated = false
		close(s.stopHeartbeat)
		logger := h.logger
		h.mu.Unlock()

		logger.Info("工作节点连接已关闭", zap.String("id", s.id), zap.String("remote", s.remote))
	})
}

func (h *Hub) reply(s *session, msg model.Message) {
	if err := s.tunnel.Send(msg); err != nil {
		h.log().Warn("发送消息失败", zap.String("id", s.id), zap.String("cmd", msg.Cmd()), zap.Error(err))
	}
}

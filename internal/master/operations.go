package master

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

// handleCommand 处理注册中心下发的控制命令
func (w *Worker) handleCommand(c *connection, cmd string, msg model.Message) {
	w.mu.Lock()
	onCommand := w.onCommand
	follow := w.cfg.FollowTopology
	logger := w.logger
	if cmd == model.CmdAuthSuccess {
		c.authenticated = true
	}
	w.mu.Unlock()

	switch cmd {
	case model.CmdAuthSuccess:
		logger.Info("注册中心认证成功", zap.String("id", c.id), zap.String("key", c.key))
	case model.CmdAuthFailed:
		logger.Warn("注册中心认证失败",
			zap.String("id", c.id),
			zap.String("key", c.key),
			zap.String("message", msg.StringField("message")))
	case model.CmdRegister, model.CmdRemove:
		if follow {
			w.applyTopology(c, cmd, msg)
		}
	}

	if onCommand != nil {
		onCommand(c.id, cmd, msg)
	}
}

// applyTopology 根据register/remove命令增删目标
func (w *Worker) applyTopology(c *connection, cmd string, msg model.Message) {
	endpoints, err := model.EndpointsOf(msg)
	if err != nil {
		w.log().Warn("无效的拓扑命令", zap.String("id", c.id), zap.String("cmd", cmd), zap.Error(err))
		return
	}
	for _, ep := range endpoints {
		if cmd == model.CmdRegister {
			w.Connect(ep.Host, ep.Port)
		} else {
			w.Remove(ep.Host, ep.Port)
		}
	}
}

// handleCall 分发注册中心发起的远程调用
func (w *Worker) handleCall(c *connection, req *tunnel.Request, s *tunnel.Stream) {
	w.mu.Lock()
	fn, ok := w.ops[req.Op]
	logger := w.logger
	w.mu.Unlock()

	if !ok {
		logger.Warn("未知的远程操作", zap.String("id", c.id), zap.String("op", req.Op))
		s.Fail(fmt.Errorf("unknown operation %q", req.Op))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.tunnel.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("远程操作panic", zap.String("op", req.Op), zap.Any("panic", r))
			s.Fail(fmt.Errorf("operation %q panicked: %v", req.Op, r))
		}
	}()

	result, err := fn(ctx, req, s)
	if err != nil {
		logger.Debug("远程操作失败", zap.String("op", req.Op), zap.Error(err))
		s.Fail(err)
		return
	}
	if err := s.End(result); err != nil && !errors.Is(err, tunnel.ErrStreamEnded) {
		logger.Debug("结束响应流失败", zap.String("op", req.Op), zap.Error(err))
	}
}

// opServices 返回本节点的服务目录视图
func (w *Worker) opServices(_ context.Context, _ *tunnel.Request, _ *tunnel.Stream) (any, error) {
	return w.catalog.Describe(), nil
}

// opExecute 在本节点的服务目录上执行方法
func (w *Worker) opExecute(ctx context.Context, req *tunnel.Request, _ *tunnel.Stream) (any, error) {
	var er model.ExecuteRequest
	if err := req.Bind(&er); err != nil {
		return nil, err
	}
	return w.catalog.Execute(ctx, er.Service, er.Method, er.Args)
}

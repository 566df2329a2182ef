package register

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/metrics"
	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

// Invoke 在指定连接上发起远程调用，返回双工响应流
func (h *Hub) Invoke(ctx context.Context, id string, op model.Operation) (*tunnel.Stream, error) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	authenticated := ok && s.authenticated
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	if !authenticated {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotAuthenticated, id)
	}
	return s.tunnel.Call(ctx, op.Name, op.Params)
}

// InvokeAll 在所有连接上发起远程调用，单个连接失败只记录日志
func (h *Hub) InvokeAll(ctx context.Context, op model.Operation) map[string]*tunnel.Stream {
	results := make(map[string]*tunnel.Stream)
	for _, id := range h.Connections() {
		stream, err := h.Invoke(ctx, id, op)
		if err != nil {
			h.log().Warn("远程调用失败", zap.String("id", id), zap.String("op", op.Name), zap.Error(err))
			continue
		}
		results[id] = stream
	}
	return results
}

// Execute 在指定连接上执行服务方法并等待结果
func (h *Hub) Execute(ctx context.Context, id, service, method string, args model.Arguments) (any, error) {
	stream, err := h.Invoke(ctx, id, model.ExecuteOperation(service, method, args))
	if err != nil {
		return nil, err
	}
	return executeResult(ctx, stream)
}

// ExecuteAll 在所有已认证连接上执行服务方法，返回成功的结果
func (h *Hub) ExecuteAll(ctx context.Context, service, method string, args model.Arguments) map[string]any {
	streams := h.InvokeAll(ctx, model.ExecuteOperation(service, method, args))
	results := make(map[string]any, len(streams))
	for id, stream := range streams {
		v, err := executeResult(ctx, stream)
		if err != nil {
			h.log().Warn("执行服务方法失败",
				zap.String("id", id),
				zap.String("service", service),
				zap.String("method", method),
				zap.Error(err))
			continue
		}
		results[id] = v
	}
	return results
}

// executeResult 读取execute的返回值，方法没有返回值时流直接结束，结果为nil
func executeResult(ctx context.Context, stream *tunnel.Stream) (any, error) {
	v, err := stream.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return v, err
}

// BroadcastRaw 向所有连接发送消息，不检查认证状态，返回发送成功的数量
func (h *Hub) BroadcastRaw(msg model.Message) int {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range sessions {
		if err := s.tunnel.Send(msg); err != nil {
			h.log().Warn("广播消息失败", zap.String("id", s.id), zap.String("cmd", msg.Cmd()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// BroadcastRegister 通知所有工作节点连接新的注册中心
func (h *Hub) BroadcastRegister(endpoints ...model.Endpoint) int {
	return h.BroadcastRaw(model.TopologyMessage(model.CmdRegister, endpoints...))
}

// BroadcastRemove 通知所有工作节点断开指定的注册中心
func (h *Hub) BroadcastRemove(endpoints ...model.Endpoint) int {
	return h.BroadcastRaw(model.TopologyMessage(model.CmdRemove, endpoints...))
}

// Connections 返回所有连接ID，按字典序
func (h *Hub) Connections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.sessions)
}

// ConnectionInfo 连接的概要信息
type ConnectionInfo struct {
	ID            string    `json:"id"`
	Remote        string    `json:"remote"`
	Authenticated bool      `json:"authenticated"`
	LastActivity  time.Time `json:"last_activity"`
	Services      []string  `json:"services"`
}

// ConnectionInfos 返回所有连接的概要信息
func (h *Hub) ConnectionInfos() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(h.sessions))
	for _, id := range sortedKeys(h.sessions) {
		s := h.sessions[id]
		infos = append(infos, ConnectionInfo{
			ID:            s.id,
			Remote:        s.remote,
			Authenticated: s.authenticated,
			LastActivity:  s.lastActivity,
			Services:      sortedKeys(s.services),
		})
	}
	return infos
}

// IsAuthenticated 判断连接是否已认证
func (h *Hub) IsAuthenticated(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return ok && s.authenticated
}

// LastActivity 返回连接最后活动时间
func (h *Hub) LastActivity(id string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return s.lastActivity, true
}

// Services 返回所有连接的服务目录，键为连接ID
func (h *Hub) Services() map[string]map[string]model.ServiceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]map[string]model.ServiceInfo, len(h.sessions))
	for id, s := range h.sessions {
		if s.services != nil {
			out[id] = copyServices(s.services)
		}
	}
	return out
}

// ServicesOf 返回单个连接的服务目录
func (h *Hub) ServicesOf(id string) (map[string]model.ServiceInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok || s.services == nil {
		return nil, false
	}
	return copyServices(s.services), true
}

// ServicesByName 返回提供指定服务的连接及该服务的视图
func (h *Hub) ServicesByName(name string) map[string]model.ServiceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]model.ServiceInfo)
	for id, s := range h.sessions {
		if info, ok := s.services[name]; ok {
			out[id] = copyInfo(info)
		}
	}
	return out
}

// ServicesByMetadata 在ServicesByName基础上按元数据精确匹配过滤
func (h *Hub) ServicesByMetadata(name, key string, value any) map[string]model.ServiceInfo {
	out := h.ServicesByName(name)
	for id, info := range out {
		if !model.MatchMetadata(info.Metadata, key, value) {
			delete(out, id)
		}
	}
	return out
}

// Stats 返回连接统计
func (h *Hub) Stats() metrics.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var snap metrics.Snapshot
	snap.Connections = len(h.sessions)
	for _, s := range h.sessions {
		if s.authenticated {
			snap.Authenticated++
		}
		snap.Services += len(s.services)
	}
	return snap
}

func copyServices(in map[string]model.ServiceInfo) map[string]model.ServiceInfo {
	out := make(map[string]model.ServiceInfo, len(in))
	for name, info := range in {
		out[name] = copyInfo(info)
	}
	return out
}

func copyInfo(info model.ServiceInfo) model.ServiceInfo {
	return model.NewServiceInfo(model.CloneMetadata(info.Metadata))
}

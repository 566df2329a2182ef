package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hewenyu/register-center/internal/metrics"
	"github.com/hewenyu/register-center/internal/register"
	"github.com/hewenyu/register-center/pkg/model"
)

// AdminServiceImpl 实现AdminService接口
type AdminServiceImpl struct {
	hub Hub
}

// NewAdminService 创建一个新的AdminService实例
func NewAdminService(hub Hub) AdminService {
	return &AdminServiceImpl{hub: hub}
}

// ListConnections 查询所有工作节点连接
func (s *AdminServiceImpl) ListConnections(_ context.Context) []register.ConnectionInfo {
	return s.hub.ConnectionInfos()
}

// ListServices 查询所有连接的服务目录
func (s *AdminServiceImpl) ListServices(_ context.Context) map[string]map[string]model.ServiceInfo {
	return s.hub.Services()
}

// GetConnectionServices 查询单个连接的服务目录
func (s *AdminServiceImpl) GetConnectionServices(_ context.Context, id string) (map[string]model.ServiceInfo, error) {
	services, ok := s.hub.ServicesOf(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", register.ErrTargetNotFound, id)
	}
	return services, nil
}

// FindServices 按服务名查询，value按字符串、数值或布尔值与元数据比较
func (s *AdminServiceImpl) FindServices(_ context.Context, name, key, value string) map[string]model.ServiceInfo {
	out := s.hub.ServicesByName(name)
	if key == "" {
		return out
	}
	candidates := queryValues(value)
	for id, info := range out {
		if !matchAny(info.Metadata, key, candidates) {
			delete(out, id)
		}
	}
	return out
}

// Execute 在指定连接上执行服务方法
func (s *AdminServiceImpl) Execute(ctx context.Context, id string, req model.ExecuteRequest) (any, error) {
	if req.Service == "" || req.Method == "" {
		return nil, fmt.Errorf("%w: service and method are required", ErrEmptyRequest)
	}
	return s.hub.Execute(ctx, id, req.Service, req.Method, req.Args)
}

// ExecuteAll 在所有已认证连接上执行服务方法
func (s *AdminServiceImpl) ExecuteAll(ctx context.Context, req model.ExecuteRequest) (map[string]any, error) {
	if req.Service == "" || req.Method == "" {
		return nil, fmt.Errorf("%w: service and method are required", ErrEmptyRequest)
	}
	return s.hub.ExecuteAll(ctx, req.Service, req.Method, req.Args), nil
}

// Broadcast 向所有连接广播拓扑变化
func (s *AdminServiceImpl) Broadcast(_ context.Context, req BroadcastRequest) (int, error) {
	if req.Cmd != model.CmdRegister && req.Cmd != model.CmdRemove {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCommand, req.Cmd)
	}
	if len(req.Registers) == 0 {
		return 0, fmt.Errorf("%w: registers is empty", ErrEmptyRequest)
	}
	return s.hub.BroadcastRaw(model.TopologyMessage(req.Cmd, req.Registers...)), nil
}

// ListTokens 返回全部令牌
func (s *AdminServiceImpl) ListTokens(_ context.Context) []string {
	return s.hub.Tokens()
}

// ReplaceTokens 替换全部令牌
func (s *AdminServiceImpl) ReplaceTokens(_ context.Context, tokens []string) {
	s.hub.SetTokens(tokens)
}

// AddToken 添加令牌
func (s *AdminServiceImpl) AddToken(_ context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: token is empty", ErrEmptyRequest)
	}
	s.hub.AddToken(token)
	return nil
}

// RemoveToken 删除令牌
func (s *AdminServiceImpl) RemoveToken(_ context.Context, token string) {
	s.hub.RemoveToken(token)
}

// Stats 返回连接统计
func (s *AdminServiceImpl) Stats(_ context.Context) metrics.Snapshot {
	return s.hub.Stats()
}

// queryValues 查询参数只有字符串形式，依次尝试作为字符串、布尔值和数值匹配
func queryValues(raw string) []any {
	values := []any{raw}
	switch raw {
	case "true":
		values = append(values, true)
	case "false":
		values = append(values, false)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		values = append(values, f)
	}
	return values
}

func matchAny(metadata map[string]any, key string, values []any) bool {
	for _, v := range values {
		if model.MatchMetadata(metadata, key, v) {
			return true
		}
	}
	return false
}

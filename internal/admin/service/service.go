package service

import (
	"context"
	"errors"

	"github.com/hewenyu/register-center/internal/metrics"
	"github.com/hewenyu/register-center/internal/register"
	"github.com/hewenyu/register-center/pkg/model"
)

var (
	// ErrInvalidCommand 广播命令不是register或remove
	ErrInvalidCommand = errors.New("admin: invalid broadcast command")
	// ErrEmptyRequest 请求缺少必要字段
	ErrEmptyRequest = errors.New("admin: empty request")
)

// Hub 管理API依赖的注册中心能力，由*register.Hub实现
type Hub interface {
	ConnectionInfos() []register.ConnectionInfo
	Services() map[string]map[string]model.ServiceInfo
	ServicesOf(id string) (map[string]model.ServiceInfo, bool)
	ServicesByName(name string) map[string]model.ServiceInfo
	Execute(ctx context.Context, id, service, method string, args model.Arguments) (any, error)
	ExecuteAll(ctx context.Context, service, method string, args model.Arguments) map[string]any
	BroadcastRaw(msg model.Message) int
	Tokens() []string
	SetTokens(tokens []string)
	AddToken(token string)
	RemoveToken(token string)
	Stats() metrics.Snapshot
}

// BroadcastRequest 拓扑广播请求
type BroadcastRequest struct {
	Cmd       string           `json:"cmd"`
	Registers []model.Endpoint `json:"registers"`
}

// AdminService 定义管理API的服务层接口
type AdminService interface {
	// ListConnections 查询所有工作节点连接
	ListConnections(ctx context.Context) []register.ConnectionInfo

	// ListServices 查询所有连接的服务目录，键为连接ID
	ListServices(ctx context.Context) map[string]map[string]model.ServiceInfo

	// GetConnectionServices 查询单个连接的服务目录
	GetConnectionServices(ctx context.Context, id string) (map[string]model.ServiceInfo, error)

	// FindServices 按服务名查询，key非空时再按元数据过滤
	FindServices(ctx context.Context, name, key, value string) map[string]model.ServiceInfo

	// Execute 在指定连接上执行服务方法
	Execute(ctx context.Context, id string, req model.ExecuteRequest) (any, error)

	// ExecuteAll 在所有已认证连接上执行服务方法
	ExecuteAll(ctx context.Context, req model.ExecuteRequest) (map[string]any, error)

	// Broadcast 向所有连接广播拓扑变化，返回送达的连接数
	Broadcast(ctx context.Context, req BroadcastRequest) (int, error)

	// 令牌管理
	ListTokens(ctx context.Context) []string
	ReplaceTokens(ctx context.Context, tokens []string)
	AddToken(ctx context.Context, token string) error
	RemoveToken(ctx context.Context, token string)

	// Stats 返回连接统计
	Stats(ctx context.Context) metrics.Snapshot
}

package model

// 内置的远程操作名
const (
	OpServices = "services"
	OpExecute  = "execute"
)

// Operation 描述一次远程调用
type Operation struct {
	Name   string `json:"name" cbor:"name"`
	Params any    `json:"params,omitempty" cbor:"params,omitempty"`
}

// Arguments 是execute的参数，Positional非nil时按位置原样传递，否则按名称绑定
type Arguments struct {
	Positional []any          `json:"positional,omitempty" cbor:"positional,omitempty"`
	Named      map[string]any `json:"named,omitempty" cbor:"named,omitempty"`
}

// Positional 构建位置参数
func Positional(args ...any) Arguments {
	if args == nil {
		args = []any{}
	}
	return Arguments{Positional: args}
}

// Named 构建命名参数
func Named(args map[string]any) Arguments {
	if args == nil {
		args = map[string]any{}
	}
	return Arguments{Named: args}
}

// IsPositional 判断是否为位置参数
func (a Arguments) IsPositional() bool {
	return a.Positional != nil
}

// ExecuteRequest 是execute操作的参数
type ExecuteRequest struct {
	Service string    `json:"service" cbor:"service"`
	Method  string    `json:"method" cbor:"method"`
	Args    Arguments `json:"args" cbor:"args"`
}

// ServicesOperation 构建获取服务目录的操作
func ServicesOperation() Operation {
	return Operation{Name: OpServices}
}

// ExecuteOperation 构建在远端执行服务方法的操作
func ExecuteOperation(service, method string, args Arguments) Operation {
	return Operation{
		Name: OpExecute,
		Params: ExecuteRequest{
			Service: service,
			Method:  method,
			Args:    args,
		},
	}
}

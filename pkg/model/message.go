package model

import (
	"fmt"
	"math"
)

// 控制消息的cmd取值
const (
	CmdAuth        = "auth"
	CmdAuthSuccess = "auth-success"
	CmdAuthFailed  = "auth-failed"
	CmdRegister    = "register"
	CmdRemove      = "remove"
)

// Message 是隧道上传输的结构化控制消息，cmd字段决定类型
type Message map[string]any

// Cmd 返回消息的cmd字段，不存在时返回空串
func (m Message) Cmd() string {
	cmd, _ := m["cmd"].(string)
	return cmd
}

// StringField 读取字符串字段
func (m Message) StringField(key string) string {
	s, _ := m[key].(string)
	return s
}

// AuthMessage 构建认证消息
func AuthMessage(token string) Message {
	return Message{"cmd": CmdAuth, "token": token}
}

// AuthResult 构建认证结果消息
func AuthResult(success bool, message string) Message {
	cmd := CmdAuthFailed
	if success {
		cmd = CmdAuthSuccess
	}
	return Message{"cmd": cmd, "message": message}
}

// TopologyMessage 构建register或remove拓扑消息
func TopologyMessage(cmd string, endpoints ...Endpoint) Message {
	registers := make([]any, 0, len(endpoints))
	for _, ep := range endpoints {
		registers = append(registers, map[string]any{"host": ep.Host, "port": ep.Port})
	}
	return Message{"cmd": cmd, "registers": registers}
}

// EndpointsOf 从拓扑消息的registers字段中提取地址列表
func EndpointsOf(msg Message) ([]Endpoint, error) {
	raw, ok := msg["registers"]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("registers字段类型错误: %T", raw)
	}

	endpoints := make([]Endpoint, 0, len(items))
	for i, item := range items {
		entry, ok := toStringMap(item)
		if !ok {
			return nil, fmt.Errorf("registers[%d] 不是对象: %T", i, item)
		}
		host, _ := entry["host"].(string)
		if host == "" {
			return nil, fmt.Errorf("registers[%d] 缺少host", i)
		}
		port, err := toPort(entry["port"])
		if err != nil {
			return nil, fmt.Errorf("registers[%d]: %w", i, err)
		}
		endpoints = append(endpoints, Endpoint{Host: host, Port: port})
	}
	return endpoints, nil
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Message:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

// CBOR解码后的整数可能是uint64或int64，JSON解码后是float64
func toPort(v any) (int, error) {
	var port int64
	switch n := v.(type) {
	case int:
		port = int64(n)
	case int64:
		port = n
	case uint64:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("端口超出范围: %d", n)
		}
		port = int64(n)
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("端口不是整数: %v", n)
		}
		port = int64(n)
	default:
		return 0, fmt.Errorf("端口类型错误: %T", v)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("端口超出范围: %d", port)
	}
	return int(port), nil
}

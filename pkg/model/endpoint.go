package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint 表示一个注册中心地址
type Endpoint struct {
	Host string `json:"host" cbor:"host"`
	Port int    `json:"port" cbor:"port"`
}

// Key 返回 "host:port" 形式的唯一键
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String 实现fmt.Stringer
func (e Endpoint) String() string {
	return e.Key()
}

// ParseEndpoint 解析 "host:port" 形式的地址
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return Endpoint{}, fmt.Errorf("无效的地址 %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("无效的端口 %q", portStr)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("地址 %q 缺少主机名", addr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseEndpoints 批量解析地址，遇到第一个错误即返回
func ParseEndpoints(addrs []string) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		ep, err := ParseEndpoint(addr)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

package main

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/hewenyu/register-center/pkg/catalog"
)

// systemService 每个工作节点默认提供的系统服务
type systemService struct {
	started  time.Time
	hostname string
}

func newSystemService() *systemService {
	hostname, _ := os.Hostname()
	return &systemService{started: time.Now(), hostname: hostname}
}

// Info 返回节点基本信息
func (s *systemService) Info() map[string]any {
	return map[string]any{
		"hostname":   s.hostname,
		"pid":        os.Getpid(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
	}
}

// Echo 原样返回消息
func (s *systemService) Echo(message string) string {
	return message
}

// Sleep 等待指定的毫秒数，调用方取消时提前返回
func (s *systemService) Sleep(ctx context.Context, ms int) (int, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// registerSystem 将系统服务注册到目录
func registerSystem(cat *catalog.Catalog, version string) *catalog.Service {
	svc := newSystemService()
	return cat.Register("system", svc, map[string]any{
		"version":  version,
		"hostname": svc.hostname,
	},
		catalog.WithMethod("Echo", catalog.Required("message")),
		catalog.WithMethod("Sleep", catalog.Optional("ms", 0)),
	)
}

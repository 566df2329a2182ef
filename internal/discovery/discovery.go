// Package discovery 发现注册中心地址，并驱动工作节点连接或断开
package discovery

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/internal/master"
	"github.com/hewenyu/register-center/pkg/model"
)

// EventType 发现事件类型
type EventType int

const (
	// Added 出现新的注册中心
	Added EventType = iota + 1
	// Removed 注册中心下线
	Removed
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event 发现事件
type Event struct {
	Type     EventType
	Endpoint model.Endpoint
}

// Source 注册中心地址来源
type Source interface {
	// Watch 先推送当前全部地址，之后推送变化，直到ctx取消
	Watch(ctx context.Context, fn func(Event)) error
}

// Targeter 可以按地址连接和断开的一方，通常是master.Worker
type Targeter interface {
	Connect(host string, port int, opts ...master.TargetOption)
	Remove(host string, port int)
}

// Follow 将来源中的事件同步到Targeter，阻塞直到ctx取消
func Follow(ctx context.Context, src Source, t Targeter, logger config.Logger) error {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	err := src.Watch(ctx, func(ev Event) {
		logger.Info("注册中心地址变化",
			zap.String("type", ev.Type.String()),
			zap.String("endpoint", ev.Endpoint.Key()))
		switch ev.Type {
		case Added:
			t.Connect(ev.Endpoint.Host, ev.Endpoint.Port)
		case Removed:
			t.Remove(ev.Endpoint.Host, ev.Endpoint.Port)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// diff 比较新旧地址集合，返回需要推送的事件，新增在前
func diff(prev, next map[string]model.Endpoint) []Event {
	var events []Event
	for _, key := range sortedKeys(next) {
		if _, ok := prev[key]; !ok {
			events = append(events, Event{Type: Added, Endpoint: next[key]})
		}
	}
	for _, key := range sortedKeys(prev) {
		if _, ok := next[key]; !ok {
			events = append(events, Event{Type: Removed, Endpoint: prev[key]})
		}
	}
	return events
}

func sortedKeys(m map[string]model.Endpoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

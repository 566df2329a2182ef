// Package catalog 维护本进程对外暴露的服务目录，并按名称分发方法调用
package catalog

import (
	"sort"
	"sync"

	"github.com/hewenyu/register-center/pkg/model"
)

// Catalog 服务目录
type Catalog struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// New 创建空目录
func New() *Catalog {
	return &Catalog{services: make(map[string]*Service)}
}

// Register 注册服务，同名服务会被覆盖
func (c *Catalog) Register(name string, capability any, metadata map[string]any, opts ...RegisterOption) *Service {
	s := newService(name, capability, metadata, opts...)
	c.mu.Lock()
	c.services[name] = s
	c.mu.Unlock()
	return s
}

// Get 按名称获取服务
func (c *Catalog) Get(name string) (*Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[name]
	return s, ok
}

// Has 判断服务是否存在
func (c *Catalog) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Remove 删除服务
func (c *Catalog) Remove(name string) {
	c.mu.Lock()
	delete(c.services, name)
	c.mu.Unlock()
}

// All 返回全部服务
func (c *Catalog) All() map[string]*Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Service, len(c.services))
	for name, s := range c.services {
		out[name] = s
	}
	return out
}

// Names 返回排序后的服务名
func (c *Catalog) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Clear 清空目录
func (c *Catalog) Clear() {
	c.mu.Lock()
	c.services = make(map[string]*Service)
	c.mu.Unlock()
}

// FilterByMetadata 返回元数据中key精确等于value的服务
func (c *Catalog) FilterByMetadata(key string, value any) map[string]*Service {
	out := make(map[string]*Service)
	for name, s := range c.All() {
		if s.matches(key, value) {
			out[name] = s
		}
	}
	return out
}

// SetMetadata 替换服务的元数据，服务不存在时不做任何事
func (c *Catalog) SetMetadata(name string, metadata map[string]any) {
	if s, ok := c.Get(name); ok {
		s.SetMetadata(metadata)
	}
}

// AddMetadata 设置服务的单个元数据，服务不存在时不做任何事
func (c *Catalog) AddMetadata(name, key string, value any) {
	if s, ok := c.Get(name); ok {
		s.AddMetadata(key, value)
	}
}

// Describe 返回可在网络上传输的目录视图，只包含名称和元数据
func (c *Catalog) Describe() map[string]model.ServiceInfo {
	all := c.All()
	out := make(map[string]model.ServiceInfo, len(all))
	for name, s := range all {
		out[name] = model.NewServiceInfo(s.Metadata())
	}
	return out
}

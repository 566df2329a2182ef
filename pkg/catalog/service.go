package catalog

import (
	"sync"

	"github.com/hewenyu/register-center/pkg/model"
)

// Param 描述方法的一个参数，用于按名称绑定参数
type Param struct {
	Name     string
	Optional bool
	Default  any
}

// Required 声明必填参数
func Required(name string) Param {
	return Param{Name: name}
}

// Optional 声明带默认值的可选参数
func Optional(name string, def any) Param {
	return Param{Name: name, Optional: true, Default: def}
}

// RegisterOption 注册选项
type RegisterOption func(*Service)

// WithMethod 声明方法的参数列表，顺序与方法签名一致（不含context.Context）
func WithMethod(method string, params ...Param) RegisterOption {
	return func(s *Service) {
		s.methods[method] = append([]Param(nil), params...)
	}
}

// Service 是目录中的一个服务
type Service struct {
	name       string
	capability any
	methods    map[string][]Param

	mu       sync.RWMutex
	metadata map[string]any
}

func newService(name string, capability any, metadata map[string]any, opts ...RegisterOption) *Service {
	s := &Service{
		name:       name,
		capability: capability,
		methods:    make(map[string][]Param),
		metadata:   model.CloneMetadata(metadata),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name 服务名
func (s *Service) Name() string {
	return s.name
}

// Capability 返回服务的实现对象
func (s *Service) Capability() any {
	return s.capability
}

// Metadata 返回元数据副本
func (s *Service) Metadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.CloneMetadata(s.metadata)
}

// SetMetadata 替换全部元数据
func (s *Service) SetMetadata(metadata map[string]any) {
	s.mu.Lock()
	s.metadata = model.CloneMetadata(metadata)
	s.mu.Unlock()
}

// AddMetadata 设置单个元数据
func (s *Service) AddMetadata(key string, value any) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// RemoveMetadata 删除单个元数据
func (s *Service) RemoveMetadata(key string) {
	s.mu.Lock()
	delete(s.metadata, key)
	s.mu.Unlock()
}

// HasMetadata 判断是否存在某个元数据
func (s *Service) HasMetadata(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.metadata[key]
	return ok
}

// MetadataValue 读取元数据，不存在时返回def
func (s *Service) MetadataValue(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.metadata[key]; ok {
		return v
	}
	return def
}

func (s *Service) matches(key string, value any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.MatchMetadata(s.metadata, key, value)
}

func (s *Service) schema(method string) ([]Param, bool) {
	params, ok := s.methods[method]
	return params, ok
}

package model

import "reflect"

// ServiceInfo 是服务在网络上传输的视图，只包含元数据，不包含可执行句柄
type ServiceInfo struct {
	Metadata map[string]any `json:"metadata" cbor:"metadata"`
}

// NewServiceInfo 创建服务视图，元数据为nil时使用空map
func NewServiceInfo(metadata map[string]any) ServiceInfo {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return ServiceInfo{Metadata: metadata}
}

// NormalizeServices 保证每个服务视图的元数据都不为nil
func NormalizeServices(services map[string]ServiceInfo) map[string]ServiceInfo {
	if services == nil {
		return make(map[string]ServiceInfo)
	}
	for name, info := range services {
		services[name] = NewServiceInfo(info.Metadata)
	}
	return services
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MatchMetadata 判断元数据中key的值是否与value精确相等
// 数值按值比较，以兼容编解码后整数类型的变化
func MatchMetadata(metadata map[string]any, key string, value any) bool {
	actual, ok := metadata[key]
	if !ok {
		return false
	}
	if reflect.DeepEqual(actual, value) {
		return true
	}
	a, aok := toFloat(actual)
	b, bok := toFloat(value)
	return aok && bok && a == b
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// CloneMetadata 浅拷贝元数据，nil返回空map
func CloneMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

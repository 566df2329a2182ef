package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/hewenyu/register-center/pkg/model"
)

var (
	// ErrServiceNotFound 服务不存在
	ErrServiceNotFound = errors.New("catalog: service not found")
	// ErrMethodNotFound 服务没有该公开方法
	ErrMethodNotFound = errors.New("catalog: method not found")
	// ErrMissingParameter 缺少必填参数
	ErrMissingParameter = errors.New("catalog: missing required parameter")
	// ErrArgumentMismatch 参数个数与方法签名不符
	ErrArgumentMismatch = errors.New("catalog: argument count mismatch")
	// ErrInvalidArgument 参数无法转换为方法要求的类型
	ErrInvalidArgument = errors.New("catalog: invalid argument")
)

// MissingParameterError 指明缺少的参数
type MissingParameterError struct {
	Service string
	Method  string
	Param   string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("catalog: missing required parameter %q for %s.%s", e.Param, e.Service, e.Method)
}

// Is 使errors.Is(err, ErrMissingParameter)成立
func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Execute 调用服务的方法并返回结果
// 位置参数原样传递；命名参数按声明的参数列表依次解析，缺省时使用默认值
// 方法首个参数为context.Context时注入ctx；方法自身返回的错误原样返回
func (c *Catalog) Execute(ctx context.Context, name, method string, args model.Arguments) (any, error) {
	svc, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}

	var fn reflect.Value
	if svc.capability != nil {
		fn = reflect.ValueOf(svc.capability).MethodByName(method)
	}
	if !fn.IsValid() {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, name, method)
	}

	in, spread, err := svc.bind(ctx, method, fn.Type(), args)
	if err != nil {
		return nil, err
	}

	var out []reflect.Value
	if spread {
		out = fn.CallSlice(in)
	} else {
		out = fn.Call(in)
	}
	return unpackResults(out)
}

// bind 生成调用参数，spread为true时最后一个参数是可变参数的切片
func (s *Service) bind(ctx context.Context, method string, ft reflect.Type, args model.Arguments) ([]reflect.Value, bool, error) {
	var in []reflect.Value
	offset := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}
	numParams := ft.NumIn() - offset

	if args.IsPositional() {
		values := args.Positional
		if ft.IsVariadic() {
			if len(values) < numParams-1 {
				return nil, false, fmt.Errorf("%w: %s.%s wants at least %d, got %d", ErrArgumentMismatch, s.name, method, numParams-1, len(values))
			}
		} else if len(values) != numParams {
			return nil, false, fmt.Errorf("%w: %s.%s wants %d, got %d", ErrArgumentMismatch, s.name, method, numParams, len(values))
		}

		for i, v := range values {
			var pt reflect.Type
			if ft.IsVariadic() && i >= numParams-1 {
				pt = ft.In(ft.NumIn() - 1).Elem()
			} else {
				pt = ft.In(i + offset)
			}
			rv, err := convert(v, pt)
			if err != nil {
				return nil, false, fmt.Errorf("%w: %s.%s argument %d: %v", ErrInvalidArgument, s.name, method, i, err)
			}
			in = append(in, rv)
		}
		return in, false, nil
	}

	params, declared := s.schema(method)
	if !declared {
		params = make([]Param, numParams)
		for i := range params {
			params[i] = Param{Name: fmt.Sprintf("arg%d", i)}
		}
	}
	if len(params) != numParams {
		return nil, false, fmt.Errorf("%w: %s.%s declares %d parameters, method takes %d", ErrArgumentMismatch, s.name, method, len(params), numParams)
	}

	for i, p := range params {
		v, ok := args.Named[p.Name]
		if !ok {
			if !p.Optional {
				return nil, false, &MissingParameterError{Service: s.name, Method: method, Param: p.Name}
			}
			v = p.Default
		}
		rv, err := convert(v, ft.In(i+offset))
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s.%s parameter %q: %v", ErrInvalidArgument, s.name, method, p.Name, err)
		}
		in = append(in, rv)
	}
	return in, ft.IsVariadic(), nil
}

// convert 将解码得到的值转换为参数类型
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if isNumeric(rv.Kind()) && isNumeric(t.Kind()) {
		return convertNumber(rv, t)
	}

	ptr := reflect.New(t)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           ptr.Interface(),
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dec.Decode(v); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

// convertNumber 在数值类型之间转换，拒绝截断小数和超出目标类型范围的值
func convertNumber(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch {
	case isInt(t.Kind()):
		var n int64
		switch {
		case isInt(rv.Kind()):
			n = rv.Int()
		case isUint(rv.Kind()):
			u := rv.Uint()
			if u > math.MaxInt64 {
				return reflect.Value{}, fmt.Errorf("%d overflows %s", u, t)
			}
			n = int64(u)
		default:
			f := rv.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return reflect.Value{}, fmt.Errorf("%v is not representable as %s", f, t)
			}
			n = int64(f)
		}
		if out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
		}
		out.SetInt(n)
	case isUint(t.Kind()):
		var u uint64
		switch {
		case isInt(rv.Kind()):
			n := rv.Int()
			if n < 0 {
				return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
			}
			u = uint64(n)
		case isUint(rv.Kind()):
			u = rv.Uint()
		default:
			f := rv.Float()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
				return reflect.Value{}, fmt.Errorf("%v is not representable as %s", f, t)
			}
			u = uint64(f)
		}
		if out.OverflowUint(u) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", u, t)
		}
		out.SetUint(u)
	default:
		f := rv.Convert(reflect.TypeOf(float64(0))).Float()
		if out.OverflowFloat(f) {
			return reflect.Value{}, fmt.Errorf("%v overflows %s", f, t)
		}
		out.SetFloat(f)
	}
	return out, nil
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// unpackResults 支持无返回值、单个返回值、(值, error)和error四种形式
func unpackResults(out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}

	last := out[len(out)-1]
	if last.Type() == errorType {
		var err error
		if !last.IsNil() {
			err = last.Interface().(error)
		}
		out = out[:len(out)-1]
		if err != nil {
			return nil, err
		}
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	values := make([]any, len(out))
	for i, v := range out {
		values[i] = v.Interface()
	}
	return values, nil
}

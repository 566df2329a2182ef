package tunnel

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode 使用确定性编码，同样的数据总是产生同样的字节
var encMode cbor.EncMode

// decMode 解码到any时使用map[string]any，未知字段忽略
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tunnel: CBOR编码器初始化失败: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("tunnel: CBOR解码器初始化失败: " + err.Error())
	}
}

// RawMessage 是已编码的CBOR值
type RawMessage = cbor.RawMessage

// Marshal 使用确定性编码序列化v
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 反序列化CBOR数据到v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// 帧类型
const (
	kindMessage uint8 = iota + 1
	kindCall
	kindData
	kindEnd
	kindFail
	kindPing
	kindPong
)

// frame 是隧道上的最小传输单元
// Reply为true表示帧由被调用方发出，路由到调用方的calls表
type frame struct {
	Kind  uint8      `cbor:"k"`
	ID    uint64     `cbor:"i,omitempty"`
	Reply bool       `cbor:"r,omitempty"`
	Op    string     `cbor:"o,omitempty"`
	Body  RawMessage `cbor:"b,omitempty"`
	Error string     `cbor:"e,omitempty"`
}

var cborNull = RawMessage{0xf6}

func encodeBody(v any) (RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(RawMessage); ok {
		return raw, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawMessage(data), nil
}

package tunnel

import (
	"context"
	"fmt"
	"sync"
)

// Stream 是一次远程调用上的双工流
type Stream struct {
	t     *Tunnel
	id    uint64
	reply bool

	mu     sync.Mutex
	queue  []RawMessage
	err    error
	ended  bool
	notify chan struct{}
}

func newStream(t *Tunnel, id uint64, reply bool) *Stream {
	return &Stream{
		t:      t,
		id:     id,
		reply:  reply,
		notify: make(chan struct{}, 1),
	}
}

// Write 向对端写入一个值
func (s *Stream) Write(v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("tunnel: 编码流数据失败: %w", err)
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.t.write(frame{Kind: kindData, ID: s.id, Reply: s.reply, Body: data})
}

// End 结束本端写入，v不为nil时作为最后一个值一起发送
func (s *Stream) End(v any) error {
	body, err := encodeBody(v)
	if err != nil {
		return fmt.Errorf("tunnel: 编码流数据失败: %w", err)
	}
	if err := s.close(); err != nil {
		return err
	}
	return s.t.write(frame{Kind: kindEnd, ID: s.id, Reply: s.reply, Body: body})
}

// Fail 以错误结束本端写入
func (s *Stream) Fail(cause error) error {
	if err := s.close(); err != nil {
		return err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.t.write(frame{Kind: kindFail, ID: s.id, Reply: s.reply, Error: msg})
}

// Recv 读取对端写入的下一个值，对端结束后返回io.EOF
func (s *Stream) Recv(ctx context.Context) (any, error) {
	raw, err := s.next(ctx)
	if err != nil {
		return nil, err
	}
	var v any
	if err := Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("tunnel: 解码流数据失败: %w", err)
	}
	return v, nil
}

// Decode 读取下一个值并解码到dst
func (s *Stream) Decode(ctx context.Context, dst any) error {
	raw, err := s.next(ctx)
	if err != nil {
		return err
	}
	if err := Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("tunnel: 解码流数据失败: %w", err)
	}
	return nil
}

func (s *Stream) next(ctx context.Context) (RawMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			raw := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return raw, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Stream) push(raw RawMessage) {
	s.mu.Lock()
	if s.err == nil {
		s.queue = append(s.queue, raw)
	}
	s.mu.Unlock()
	s.wake()
}

// finish 标记对端结束，err为io.EOF表示正常结束
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamEnded
	}
	return nil
}

func (s *Stream) close() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrStreamEnded
	}
	s.ended = true
	s.mu.Unlock()

	if s.reply {
		s.t.release(s)
	}
	return nil
}

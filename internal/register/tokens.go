package register

import "sync"

// TokenSet 有序且不重复的令牌集合
type TokenSet struct {
	mu     sync.RWMutex
	tokens []string
	index  map[string]struct{}
}

// NewTokenSet 创建令牌集合，重复项只保留第一次出现
func NewTokenSet(tokens ...string) *TokenSet {
	s := &TokenSet{}
	s.Set(tokens)
	return s
}

// Set 替换全部令牌
func (s *TokenSet) Set(tokens []string) {
	list := make([]string, 0, len(tokens))
	index := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if _, ok := index[tok]; ok {
			continue
		}
		index[tok] = struct{}{}
		list = append(list, tok)
	}

	s.mu.Lock()
	s.tokens = list
	s.index = index
	s.mu.Unlock()
}

// Add 追加令牌，已存在时不做任何事
func (s *TokenSet) Add(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[token]; ok {
		return
	}
	s.index[token] = struct{}{}
	s.tokens = append(s.tokens, token)
}

// Remove 删除令牌，保持其余令牌的顺序
func (s *TokenSet) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[token]; !ok {
		return
	}
	delete(s.index, token)
	list := make([]string, 0, len(s.tokens)-1)
	for _, tok := range s.tokens {
		if tok != token {
			list = append(list, tok)
		}
	}
	s.tokens = list
}

// Contains 判断令牌是否有效
func (s *TokenSet) Contains(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[token]
	return ok
}

// List 按插入顺序返回令牌
func (s *TokenSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tokens...)
}

// Len 令牌数量
func (s *TokenSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

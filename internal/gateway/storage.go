package gateway

import "sync"

// Storage holds the bearer-auth fallback tokens on the client side: one
// access-token slot and one refresh-token slot.
type Storage interface {
	AccessToken() string
	RefreshToken() string
	SetAccessToken(token string)
	SetTokens(access, refresh string)
	Clear()
}

// MemoryStorage is the in-process Storage implementation.
type MemoryStorage struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *MemoryStorage) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

func (s *MemoryStorage) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = token
}

func (s *MemoryStorage) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	s.refresh = refresh
}

func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
}

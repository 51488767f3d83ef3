package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"channelhub.cn/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with mutex-guarded maps. It backs tests and
// single-process deployments without Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	tokens map[string]*RefreshTokenRecord
	audit  []*AuditEntry
	events []*LoginEvent
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*User),
		tokens: make(map[string]*RefreshTokenRecord),
		now:    time.Now,
	}
}

func (s *MemoryStore) Users(context.Context) UserStore                 { return (*memUserStore)(s) }
func (s *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return (*memTokenStore)(s) }
func (s *MemoryStore) Audit(context.Context) AuditStore                { return (*memAuditStore)(s) }
func (s *MemoryStore) Events(context.Context) EventStore               { return (*memEventStore)(s) }

// User store ---------------------------------------------------------------

type memUserStore MemoryStore

func (s *memUserStore) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUserStore) Find(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findBy(func(u *User) bool {
		return u.Email != "" && strings.EqualFold(u.Email, email)
	})
}

func (s *memUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.findBy(func(u *User) bool { return u.Username != "" && u.Username == username })
}

func (s *memUserStore) FindByFeishuID(ctx context.Context, openID string) (*User, error) {
	return s.findBy(func(u *User) bool { return u.FeishuID != "" && u.FeishuID == openID })
}

func (s *memUserStore) FindByFeishuUnionID(ctx context.Context, unionID string) (*User, error) {
	return s.findBy(func(u *User) bool { return u.FeishuUnionID != "" && u.FeishuUnionID == unionID })
}

func (s *memUserStore) findBy(match func(*User) bool) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string, requireChange bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.RequirePasswordChange = requireChange
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *memUserStore) UpdateProfile(ctx context.Context, userID, name, phone, avatar string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if name != "" {
		u.Name = name
	}
	if phone != "" {
		u.Phone = phone
	}
	if avatar != "" {
		u.Avatar = avatar
	}
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *memUserStore) UpdateRole(ctx context.Context, userID string, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if role != nil {
		r := *role
		u.Role = &r
	} else {
		u.Role = nil
	}
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *memUserStore) UpdateStatus(ctx context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = s.now().UTC()
	return nil
}

// Refresh token store ------------------------------------------------------

type memTokenStore MemoryStore

func (s *memTokenStore) Save(ctx context.Context, userID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = &RefreshTokenRecord{
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: s.now().UTC(),
	}
	return nil
}

func (s *memTokenStore) Validate(ctx context.Context, userID, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[userID]
	if !ok {
		return false, nil
	}
	if rec.Token != token {
		return false, nil
	}
	return s.now().Before(rec.ExpiresAt), nil
}

func (s *memTokenStore) Revoke(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
	return nil
}

// Audit and event stores ---------------------------------------------------

type memAuditStore MemoryStore

func (s *memAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

type memEventStore MemoryStore

func (s *memEventStore) Append(ctx context.Context, event *LoginEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = ids.New()
	}
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// AuditEntries returns a copy of the appended audit trail, for tests.
func (s *MemoryStore) AuditEntries() []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// LoginEvents returns a copy of the appended event log, for tests.
func (s *MemoryStore) LoginEvents() []*LoginEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*LoginEvent, len(s.events))
	copy(out, s.events)
	return out
}

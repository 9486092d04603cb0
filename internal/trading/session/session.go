// Package session holds the per-connection state of an authenticated client.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/google/uuid"
)

// Session is the state of one authenticated connection.
type Session struct {
	id            uuid.UUID
	account       model.DirectoryEntry
	administrator atomic.Bool

	mu          sync.RWMutex
	permissions map[model.DirectoryEntry]struct{}
}

// New creates a session for account.
func New(account model.DirectoryEntry) *Session {
	return &Session{
		id:          uuid.New(),
		account:     account,
		permissions: make(map[model.DirectoryEntry]struct{}),
	}
}

// ID returns the unique id of the session.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Account returns the authenticated account.
func (s *Session) Account() model.DirectoryEntry {
	return s.account
}

// SetAdministrator flags the session as belonging to an administrator.
func (s *Session) SetAdministrator(administrator bool) {
	s.administrator.Store(administrator)
}

// IsAdministrator returns true if the session belongs to an administrator.
func (s *Session) IsAdministrator() bool {
	return s.administrator.Load()
}

// GrantOrderExecutionPermission allows the session to trade and query on behalf of account.
func (s *Session) GrantOrderExecutionPermission(account model.DirectoryEntry) {
	s.mu.Lock()
	s.permissions[account] = struct{}{}
	s.mu.Unlock()
}

// HasOrderExecutionPermission returns true if the session may act on behalf of account.
func (s *Session) HasOrderExecutionPermission(account model.DirectoryEntry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.permissions[account]
	return ok
}

// PermittedAccounts returns every account the session may act on behalf of.
func (s *Session) PermittedAccounts() []model.DirectoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]model.DirectoryEntry, 0, len(s.permissions))
	for account := range s.permissions {
		accounts = append(accounts, account)
	}
	return accounts
}

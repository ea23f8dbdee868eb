package twofa

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemorySecretStore keeps enrollments in process, for the memory storage driver
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[uuid.UUID]*Secret
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[uuid.UUID]*Secret)}
}

// Put stores an already-encrypted enrollment
func (m *MemorySecretStore) Put(s *Secret) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.secrets[s.CustomerID] = &cp
}

func (m *MemorySecretStore) Get(_ context.Context, id uuid.UUID) (*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[id]
	if !ok {
		return nil, ErrNotEnrolled
	}
	cp := *s
	cp.BackupCodes = append([]string(nil), s.BackupCodes...)
	return &cp, nil
}

func (m *MemorySecretStore) UpdateBackupCodes(_ context.Context, id uuid.UUID, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return ErrNotEnrolled
	}
	s.BackupCodes = codes
	return nil
}

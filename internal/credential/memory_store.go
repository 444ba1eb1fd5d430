package credential

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation of the Store interface,
// intended for development and testing scenarios.
type MemoryStore struct {
	mu        sync.RWMutex
	byKey     map[string]*Record
	byAddress map[string]*Record
	byID      map[int64]*Record
	nextID    int64
	now       func() time.Time
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:     make(map[string]*Record),
		byAddress: make(map[string]*Record),
		byID:      make(map[int64]*Record),
		nextID:    1,
		now:       time.Now,
	}
}

// FindByAPIKey implements Store.
func (s *MemoryStore) FindByAPIKey(_ context.Context, apiKey string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if record, ok := s.byKey[apiKey]; ok {
		return record.Clone(), nil
	}
	return nil, ErrNotFound
}

// FindByAddress implements Store.
func (s *MemoryStore) FindByAddress(_ context.Context, address string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if record, ok := s.byAddress[NormalizeAddress(address)]; ok {
		return record.Clone(), nil
	}
	return nil, ErrNotFound
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	address := NormalizeAddress(record.Address)
	if _, exists := s.byKey[record.APIKey]; exists {
		return ErrConflict
	}
	if _, exists := s.byAddress[address]; exists {
		return ErrConflict
	}
	record.ID = s.nextID
	record.Address = address
	record.CreatedAt = s.now().UTC()
	s.nextID++

	stored := record.Clone()
	s.byKey[stored.APIKey] = stored
	s.byAddress[stored.Address] = stored
	s.byID[stored.ID] = stored
	return nil
}

// SetExternalKey implements Store.
func (s *MemoryStore) SetExternalKey(_ context.Context, id int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	value := key
	record.ExternalKey = &value
	return nil
}

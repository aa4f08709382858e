package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 在内存中保存会话，适合单机与测试场景。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建内存会话存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 写入新会话。
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return ErrConflict
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	s.records[record.ID] = record.Clone()
	return nil
}

// Get 查询会话。
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// ListByUser 按创建时间倒序返回用户的会话。
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	out := make([]*Record, 0)
	for _, record := range s.records {
		if record.UserID == userID {
			out = append(out, record.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len 返回会话数量。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

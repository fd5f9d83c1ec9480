package storage

import (
	"context"
	"sync"
	"time"

	"pairrelay/internal/models"
)

// MemoryStore keeps sessions in process memory. Records are cloned on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, s *models.Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return false, nil
	}
	m.sessions[s.ID] = s.Clone()
	return true, nil
}

func (m *MemoryStore) Update(_ context.Context, s *models.Session, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectVersion {
		return ErrConflict
	}
	m.sessions[s.ID] = mergeMessages(cur, s)
	return nil
}

// mergeMessages copies next but keeps the stored copies of messages that are
// already present. Messages are append-only, so a poll that only touches
// LastActivity copies no bodies.
func mergeMessages(cur, next *models.Session) *models.Session {
	out := *next
	out.Messages = make([]*models.Message, len(next.Messages))
	for i, msg := range next.Messages {
		if i < len(cur.Messages) && cur.Messages[i].Seq == msg.Seq {
			out.Messages[i] = cur.Messages[i]
			continue
		}
		cp := *msg
		cp.Body = append([]byte(nil), msg.Body...)
		out.Messages[i] = &cp
	}
	return &out
}

func (m *MemoryStore) Expired(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if !s.Reaped && s.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) Close() error { return nil }
